package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/registry"
)

func testRegistry(oauth *registry.OAuthConfig) *registry.Registry {
	return registry.NewFromDefinitions(&registry.PlatformDefinition{
		ID:          "epic",
		Name:        "Epic Sandbox",
		FHIRBaseURL: "https://fhir.example.org/r4",
		OAuth:       oauth,
	})
}

func testService(t *testing.T, oauth *registry.OAuthConfig) *OAuthService {
	t.Helper()
	svc, err := NewOAuthService(testRegistry(oauth), "epic", "https://gw.example.org/oauth/callback", nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func TestNewOAuthService_ConfigurationErrors(t *testing.T) {
	reg := testRegistry(&registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: "https://t", ClientID: "abc"})

	if _, err := NewOAuthService(reg, "unknown", "https://cb", nil, zerolog.Nop()); err == nil {
		t.Error("expected error for unknown platform")
	}

	noOAuth := registry.NewFromDefinitions(&registry.PlatformDefinition{ID: "p", Name: "P"})
	if _, err := NewOAuthService(noOAuth, "p", "https://cb", nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing oauth config")
	}

	noClient := testRegistry(&registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: "https://t"})
	if _, err := NewOAuthService(noClient, "epic", "https://cb", nil, zerolog.Nop()); err == nil {
		t.Error("expected error for missing client_id")
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://auth.example.org/authorize",
		TokenURL:     "https://auth.example.org/token",
		ClientID:     "abc",
	})

	authURL, state, pkce, err := svc.BuildAuthorizationURL(nil, "", "")
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := parsed.Query()

	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
	if q.Get("client_id") != "abc" {
		t.Errorf("client_id = %q", q.Get("client_id"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") != pkce.CodeChallenge {
		t.Error("URL challenge does not match returned pkce")
	}
	if q.Get("redirect_uri") != "https://gw.example.org/oauth/callback" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if q.Get("aud") != "https://fhir.example.org/r4" {
		t.Errorf("aud should default to the FHIR base URL, got %q", q.Get("aud"))
	}
	if scope := q.Get("scope"); !strings.Contains(scope, "openid") || !strings.Contains(scope, "patient/*.*") {
		t.Errorf("default scopes missing: %q", scope)
	}

	if q.Get("state") != state {
		t.Error("URL state does not match returned state")
	}
	if !regexp.MustCompile(`^[0-9a-f]{48}$`).MatchString(state) {
		t.Errorf("state should be 48 hex chars, got %q", state)
	}
}

func TestBuildAuthorizationURL_ExplicitArguments(t *testing.T) {
	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://auth.example.org/authorize",
		TokenURL:     "https://auth.example.org/token",
		ClientID:     "abc",
	})

	authURL, state, _, err := svc.BuildAuthorizationURL([]string{"patient/Patient.read"}, "fixed-state", "https://aud.example.org")
	if err != nil {
		t.Fatal(err)
	}
	if state != "fixed-state" {
		t.Errorf("supplied state must be preserved, got %q", state)
	}

	q, _ := url.Parse(authURL)
	if q.Query().Get("scope") != "patient/Patient.read" {
		t.Errorf("scope = %q", q.Query().Get("scope"))
	}
	if q.Query().Get("aud") != "https://aud.example.org" {
		t.Errorf("aud = %q", q.Query().Get("aud"))
	}
}

func TestExchangeCode_Success(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"tok1","token_type":"Bearer","expires_in":3600,"scope":"openid patient/*.*"}`))
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://auth.example.org/authorize",
		TokenURL:     server.URL,
		ClientID:     "abc",
	})

	token, err := svc.ExchangeCode(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatal(err)
	}
	if token.AccessToken != "tok1" {
		t.Errorf("access_token = %q", token.AccessToken)
	}
	if token.HasExpired(0) {
		t.Error("fresh token must not be expired")
	}

	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "code-1" || gotForm.Get("code_verifier") != "verifier-1" {
		t.Errorf("code/verifier not forwarded: %v", gotForm)
	}
	if gotForm.Get("client_secret") != "" {
		t.Error("public client must not send a client_secret")
	}
}

func TestExchangeCode_ConfidentialClientSendsSecret(t *testing.T) {
	var gotForm url.Values
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotForm = r.PostForm
		w.Write([]byte(`{"access_token":"tok1","token_type":"Bearer"}`))
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://a",
		TokenURL:     server.URL,
		ClientID:     "abc",
		ClientSecret: "sekrit",
		Confidential: true,
	})

	if _, err := svc.ExchangeCode(context.Background(), "code", "verifier"); err != nil {
		t.Fatal(err)
	}
	if gotForm.Get("client_secret") != "sekrit" {
		t.Error("confidential client must send the client_secret")
	}
}

func TestExchangeCode_ProviderErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: server.URL, ClientID: "abc"})

	_, err := svc.ExchangeCode(context.Background(), "bad-code", "verifier")
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "invalid_grant") {
		t.Errorf("error should carry the provider body, got %v", err)
	}
}

func TestRefreshToken_RetainsOldRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Provider does not rotate the refresh token.
		w.Write([]byte(`{"access_token":"tok2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: server.URL, ClientID: "abc"})

	token, err := svc.RefreshToken(context.Background(), "rt-old")
	if err != nil {
		t.Fatal(err)
	}
	if token.AccessToken != "tok2" {
		t.Errorf("access_token = %q", token.AccessToken)
	}
	if token.RefreshToken != "rt-old" {
		t.Errorf("old refresh token must be retained, got %q", token.RefreshToken)
	}
}

func TestRefreshToken_RotatedRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"tok2","token_type":"Bearer","refresh_token":"rt-new"}`))
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: server.URL, ClientID: "abc"})

	token, err := svc.RefreshToken(context.Background(), "rt-old")
	if err != nil {
		t.Fatal(err)
	}
	if token.RefreshToken != "rt-new" {
		t.Errorf("rotated refresh token must win, got %q", token.RefreshToken)
	}
}

func TestRevokeToken_NoEndpointIsVacuousSuccess(t *testing.T) {
	svc := testService(t, &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: "https://t", ClientID: "abc"})
	if !svc.RevokeToken(context.Background(), "tok", "access_token") {
		t.Error("missing revoke endpoint must count as success")
	}
}

func TestRevokeToken_Outcomes(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://a", TokenURL: "https://t", RevokeURL: server.URL, ClientID: "abc",
	})

	if !svc.RevokeToken(context.Background(), "tok", "access_token") {
		t.Error("2xx revocation must succeed")
	}

	status = http.StatusServiceUnavailable
	if svc.RevokeToken(context.Background(), "tok", "access_token") {
		t.Error("5xx revocation must report false")
	}
}

func TestFetchSMARTConfiguration_BestEffort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/smart-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"authorization_endpoint":"https://auth/az","token_endpoint":"https://auth/tok"}`))
	}))
	defer server.Close()

	reg := registry.NewFromDefinitions(&registry.PlatformDefinition{
		ID: "epic", Name: "Epic", FHIRBaseURL: server.URL,
		OAuth: &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: "https://t", ClientID: "abc"},
	})
	svc, err := NewOAuthService(reg, "epic", "https://cb", nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	az, tok := svc.DiscoverOAuthEndpoints(context.Background())
	if az != "https://auth/az" || tok != "https://auth/tok" {
		t.Errorf("unexpected discovery result: %q %q", az, tok)
	}
}

func TestFetchSMARTConfiguration_FailureYieldsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := registry.NewFromDefinitions(&registry.PlatformDefinition{
		ID: "epic", Name: "Epic", FHIRBaseURL: server.URL,
		OAuth: &registry.OAuthConfig{AuthorizeURL: "https://a", TokenURL: "https://t", ClientID: "abc"},
	})
	svc, _ := NewOAuthService(reg, "epic", "https://cb", nil, zerolog.Nop())

	if cfg := svc.FetchSMARTConfiguration(context.Background()); cfg != nil {
		t.Errorf("discovery failure must yield nil, got %+v", cfg)
	}
	if az, tok := svc.DiscoverOAuthEndpoints(context.Background()); az != "" || tok != "" {
		t.Error("discovery failure must yield empty endpoints")
	}
}

// End-to-end: the authorization URL, state, and verifier from one call feed
// a working code exchange.
func TestAuthorizationFlow_EndToEnd(t *testing.T) {
	var verifierSeen string
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		verifierSeen = r.PostForm.Get("code_verifier")
		w.Write([]byte(`{"access_token":"tok1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenServer.Close()

	svc := testService(t, &registry.OAuthConfig{
		AuthorizeURL: "https://auth.example.org/authorize",
		TokenURL:     tokenServer.URL,
		ClientID:     "abc",
	})

	authURL, state, pkce, err := svc.BuildAuthorizationURL(nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(authURL, "client_id=abc") || !strings.Contains(authURL, "code_challenge_method=S256") {
		t.Fatalf("authorization URL missing required params: %s", authURL)
	}
	if len(state) < 32 {
		t.Fatalf("state too short: %d", len(state))
	}

	token, err := svc.ExchangeCode(context.Background(), "auth-code", pkce.CodeVerifier)
	if err != nil {
		t.Fatal(err)
	}
	if token.AccessToken != "tok1" || token.HasExpired(0) {
		t.Fatalf("unexpected token: %+v", token)
	}

	// The verifier the token endpoint saw pairs with the URL's challenge.
	digest := sha256.Sum256([]byte(verifierSeen))
	if base64.RawURLEncoding.EncodeToString(digest[:]) != pkce.CodeChallenge {
		t.Error("verifier sent to the token endpoint does not match the challenge")
	}
}
