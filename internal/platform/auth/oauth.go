package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/registry"
)

// defaultScopes is requested when the caller does not name scopes. The
// SMART launch convention: identity claims plus full patient access.
var defaultScopes = []string{"openid", "fhirUser", "patient/*.*"}

const (
	stateEntropyBytes        = 24
	wellKnownSMARTConfigPath = "/.well-known/smart-configuration"
)

// OAuthService drives the authorization-code + PKCE flow for a single
// platform. Construction fails fast on configuration gaps so a
// misconfigured platform is visible at the first auth attempt rather than
// mid-flow.
type OAuthService struct {
	platform    *registry.PlatformDefinition
	oauth       *registry.OAuthConfig
	redirectURI string
	client      *http.Client
	logger      zerolog.Logger
}

// NewOAuthService resolves the platform in the registry and validates its
// OAuth configuration. A nil httpClient gets a 30-second-timeout default.
func NewOAuthService(reg *registry.Registry, platformID, redirectURI string, httpClient *http.Client, logger zerolog.Logger) (*OAuthService, error) {
	platform, ok := reg.Get(platformID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlatform, platformID)
	}
	if platform.OAuth == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoOAuthConfig, platformID)
	}
	if platform.OAuth.ClientID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoClientID, platformID)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &OAuthService{
		platform:    platform,
		oauth:       platform.OAuth,
		redirectURI: redirectURI,
		client:      httpClient,
		logger:      logger.With().Str("component", "oauth").Str("platform_id", platformID).Logger(),
	}, nil
}

// PlatformID returns the platform this service authenticates against.
func (o *OAuthService) PlatformID() string {
	return o.platform.ID
}

// newState returns a cryptographically random hex state value.
func newState() (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildAuthorizationURL composes the authorization redirect. state is
// generated when empty; aud defaults to the platform's FHIR base URL per
// the SMART launch convention. The caller must persist state and the PKCE
// verifier before redirecting the user.
func (o *OAuthService) BuildAuthorizationURL(scopes []string, state, aud string) (string, string, *PKCEChallenge, error) {
	if state == "" {
		var err error
		if state, err = newState(); err != nil {
			return "", "", nil, err
		}
	}

	pkce, err := NewPKCEChallenge(DefaultVerifierLength)
	if err != nil {
		return "", "", nil, err
	}

	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	if aud == "" {
		aud = o.platform.FHIRBaseURL
	}

	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", o.oauth.ClientID)
	params.Set("redirect_uri", o.redirectURI)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", pkce.CodeChallenge)
	params.Set("code_challenge_method", pkce.CodeChallengeMethod)
	if aud != "" {
		params.Set("aud", aud)
	}

	return o.oauth.AuthorizeURL + "?" + params.Encode(), state, pkce, nil
}

// tokenResponse is the token endpoint's JSON body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode redeems an authorization code. A non-2xx or unparseable
// response is a hard error carrying the provider's body, since the flow
// genuinely cannot complete.
func (o *OAuthService) ExchangeCode(ctx context.Context, code, codeVerifier string) (*OAuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", o.redirectURI)
	form.Set("client_id", o.oauth.ClientID)
	form.Set("code_verifier", codeVerifier)
	if o.oauth.Confidential && o.oauth.ClientSecret != "" {
		form.Set("client_secret", o.oauth.ClientSecret)
	}

	token, err := o.postTokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, nil
}

// RefreshToken redeems a refresh token for a new access token. When the
// provider does not rotate the refresh token, the caller's value is
// retained on the returned token.
func (o *OAuthService) RefreshToken(ctx context.Context, refreshToken string) (*OAuthToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", o.oauth.ClientID)
	if o.oauth.Confidential && o.oauth.ClientSecret != "" {
		form.Set("client_secret", o.oauth.ClientSecret)
	}

	token, err := o.postTokenRequest(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}
	return token, nil
}

func (o *OAuthService) postTokenRequest(ctx context.Context, form url.Values) (*OAuthToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.oauth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token endpoint returned unparseable body: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}

	return NewOAuthToken(tr.AccessToken, tr.TokenType, tr.RefreshToken, tr.Scope, tr.IDToken, tr.ExpiresIn), nil
}

// RevokeToken posts an RFC 7009 revocation. Best effort: a missing revoke
// endpoint counts as success, any 2xx counts as success, and failures are
// logged and reported as false but never as an error. Logout must not
// break because revocation did.
func (o *OAuthService) RevokeToken(ctx context.Context, token, tokenTypeHint string) bool {
	if o.oauth.RevokeURL == "" {
		return true
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("client_id", o.oauth.ClientID)
	if tokenTypeHint != "" {
		form.Set("token_type_hint", tokenTypeHint)
	}
	if o.oauth.Confidential && o.oauth.ClientSecret != "" {
		form.Set("client_secret", o.oauth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.oauth.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		o.logger.Warn().Err(err).Msg("token revocation request build failed")
		return false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Warn().Err(err).Msg("token revocation failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		o.logger.Warn().Int("status", resp.StatusCode).Msg("token revocation rejected")
		return false
	}
	return true
}

// SMARTConfiguration is the subset of the well-known SMART document the
// gateway cares about.
type SMARTConfiguration struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RevocationEndpoint    string   `json:"revocation_endpoint"`
	Capabilities          []string `json:"capabilities"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// FetchSMARTConfiguration retrieves the platform's well-known SMART
// document. Best effort: any failure yields nil, never an error.
func (o *OAuthService) FetchSMARTConfiguration(ctx context.Context) *SMARTConfiguration {
	base := strings.TrimSuffix(o.platform.FHIRBaseURL, "/")
	if base == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+wellKnownSMARTConfigPath, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debug().Err(err).Msg("smart configuration fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		o.logger.Debug().Int("status", resp.StatusCode).Msg("smart configuration fetch rejected")
		return nil
	}

	var cfg SMARTConfiguration
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&cfg); err != nil {
		o.logger.Debug().Err(err).Msg("smart configuration unparseable")
		return nil
	}
	return &cfg
}

// DiscoverOAuthEndpoints returns the authorize and token endpoints from
// the well-known document, or empty strings when discovery fails.
func (o *OAuthService) DiscoverOAuthEndpoints(ctx context.Context) (authorizeURL, tokenURL string) {
	cfg := o.FetchSMARTConfiguration(ctx)
	if cfg == nil {
		return "", ""
	}
	return cfg.AuthorizationEndpoint, cfg.TokenEndpoint
}
