// Package gateway is the HTTP surface over the session and token core:
// starting platform authorizations, handling OAuth callbacks, long-polling
// for completion, and reporting auth status.
package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
	"github.com/fhirgw/fhirgw/internal/platform/auth"
	"github.com/fhirgw/fhirgw/internal/platform/middleware"
	"github.com/fhirgw/fhirgw/internal/platform/registry"
)

type Handler struct {
	manager  *auth.SessionTokenManager
	store    *auth.SecureSessionStore
	registry *registry.Registry
	oauthFor auth.OAuthServiceFactory
	audit    audit.Logger
	logger   zerolog.Logger

	secureCookies bool
}

func NewHandler(manager *auth.SessionTokenManager, store *auth.SecureSessionStore, reg *registry.Registry, oauthFor auth.OAuthServiceFactory, auditLog audit.Logger, logger zerolog.Logger, secureCookies bool) *Handler {
	return &Handler{
		manager:       manager,
		store:         store,
		registry:      reg,
		oauthFor:      oauthFor,
		audit:         auditLog,
		logger:        logger.With().Str("component", "gateway").Logger(),
		secureCookies: secureCookies,
	}
}

func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/platforms", h.ListPlatforms)
	e.GET("/oauth/callback", h.OAuthCallback)

	authGroup := e.Group("/auth")
	authGroup.GET("/status", h.AuthStatus)
	authGroup.POST("/:platform/login", h.StartLogin)
	authGroup.POST("/:platform/logout", h.Logout)
	authGroup.GET("/:platform/token", h.GetToken)
	authGroup.GET("/:platform/wait", h.WaitForAuth)
}

// sessionID returns the request's session id, minting one and setting the
// cookie when absent.
func (h *Handler) sessionID(c echo.Context) string {
	if cookie, err := c.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	sid := uuid.NewString()
	c.SetCookie(&http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return sid
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// platformSummary is the public view of a platform definition; credentials
// never leave the registry.
type platformSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	FHIRBaseURL  string   `json:"fhir_base_url"`
	Capabilities []string `json:"capabilities,omitempty"`
	AuthRequired bool     `json:"auth_required"`
}

func (h *Handler) ListPlatforms(c echo.Context) error {
	defs := h.registry.All()
	out := make([]platformSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, platformSummary{
			ID:           def.ID,
			Name:         def.Name,
			Description:  def.Description,
			FHIRBaseURL:  def.FHIRBaseURL,
			Capabilities: def.Capabilities,
			AuthRequired: def.OAuth != nil,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"platforms": out})
}

type loginRequest struct {
	Scopes []string `json:"scopes,omitempty"`
	Aud    string   `json:"aud,omitempty"`
	Tag    string   `json:"tag,omitempty"`
}

type loginResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// StartLogin builds the authorization URL and persists the pending
// authorization before responding, so the callback can always resolve the
// state no matter how fast the provider redirects back.
func (h *Handler) StartLogin(c echo.Context) error {
	platformID := c.Param("platform")
	sessionID := h.sessionID(c)
	ctx := c.Request().Context()

	var req loginRequest
	if err := c.Bind(&req); err != nil && err != echo.ErrUnsupportedMediaType {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	svc, err := h.oauthFor(platformID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}

	authURL, state, pkce, err := svc.BuildAuthorizationURL(req.Scopes, "", req.Aud)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build authorization url")
	}

	pending := &auth.PendingAuthorization{
		State:        state,
		CodeVerifier: pkce.CodeVerifier,
		CreatedAt:    time.Now().Unix(),
		Tag:          req.Tag,
	}
	if err := h.store.StorePendingAuth(ctx, sessionID, platformID, pending); err != nil {
		h.logger.Error().Err(err).Msg("failed to persist pending authorization")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start authorization")
	}

	h.audit.Record(ctx, audit.Event{
		Name:       audit.EventAuthStart,
		SessionID:  sessionID,
		PlatformID: platformID,
		Success:    true,
	})

	return c.JSON(http.StatusOK, loginResponse{AuthorizationURL: authURL, State: state})
}

// OAuthCallback completes the code exchange. The provider calls this with
// only code and state; the owning session is resolved through the state
// index, not a cookie.
func (h *Handler) OAuthCallback(c echo.Context) error {
	ctx := c.Request().Context()

	if errParam := c.QueryParam("error"); errParam != "" {
		desc := c.QueryParam("error_description")
		h.audit.Record(ctx, audit.Event{
			Name:    audit.EventAuthFailure,
			Success: false,
			Error:   errParam + ": " + desc,
		})
		return echo.NewHTTPError(http.StatusBadGateway, "authorization failed: "+errParam)
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code or state")
	}

	sessionID, platformID, pending, err := h.store.GetPendingAuthByState(ctx, state)
	if err != nil {
		h.logger.Error().Err(err).Msg("state lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to resolve authorization state")
	}
	if pending == nil {
		h.audit.Record(ctx, audit.Event{
			Name:    audit.EventAuthCallback,
			Success: false,
			Error:   "unknown or expired state",
		})
		return echo.NewHTTPError(http.StatusBadRequest, "unknown or expired authorization state")
	}

	svc, err := h.oauthFor(platformID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "platform no longer configured")
	}

	token, err := svc.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		h.audit.Record(ctx, audit.Event{
			Name:       audit.EventAuthFailure,
			SessionID:  sessionID,
			PlatformID: platformID,
			Success:    false,
			Error:      err.Error(),
		})
		return echo.NewHTTPError(http.StatusBadGateway, "code exchange failed")
	}

	// Store first, then clear: a waiter woken by the store signal must
	// find the token.
	if err := h.manager.StoreToken(ctx, sessionID, platformID, token); err != nil {
		h.logger.Error().Err(err).Msg("failed to store exchanged token")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store token")
	}
	if err := h.store.ClearPendingAuth(ctx, sessionID, platformID); err != nil {
		h.logger.Warn().Err(err).Msg("failed to clear pending authorization")
	}

	h.audit.Record(ctx, audit.Event{
		Name:       audit.EventAuthSuccess,
		SessionID:  sessionID,
		PlatformID: platformID,
		Success:    true,
	})

	return c.JSON(http.StatusOK, map[string]any{
		"status":   "connected",
		"platform": platformID,
	})
}

func (h *Handler) AuthStatus(c echo.Context) error {
	sessionID := h.sessionID(c)

	status, err := h.manager.GetAuthStatus(c.Request().Context(), sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load auth status")
	}
	return c.JSON(http.StatusOK, map[string]any{"platforms": status})
}

// Logout revokes best-effort and always clears local state; revocation
// failure never fails the logout.
func (h *Handler) Logout(c echo.Context) error {
	platformID := c.Param("platform")
	sessionID := h.sessionID(c)
	ctx := c.Request().Context()

	token, err := h.manager.GetToken(ctx, sessionID, platformID, false)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load token")
	}

	revoked := false
	if token != nil {
		if svc, err := h.oauthFor(platformID); err == nil {
			revoked = svc.RevokeToken(ctx, token.AccessToken, "access_token")
			if token.RefreshToken != "" {
				svc.RevokeToken(ctx, token.RefreshToken, "refresh_token")
			}
		}
	}

	if err := h.manager.DeleteToken(ctx, sessionID, platformID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to clear token")
	}

	h.audit.Record(ctx, audit.Event{
		Name:       audit.EventAuthRevoke,
		SessionID:  sessionID,
		PlatformID: platformID,
		Success:    true,
		Details:    map[string]any{"revoked_upstream": revoked},
	})

	return c.JSON(http.StatusOK, map[string]any{
		"status":           "logged_out",
		"revoked_upstream": revoked,
	})
}

// GetToken returns the session's current token for a platform, silently
// refreshing it when inside the refresh buffer.
func (h *Handler) GetToken(c echo.Context) error {
	platformID := c.Param("platform")
	sessionID := h.sessionID(c)

	token, err := h.manager.GetToken(c.Request().Context(), sessionID, platformID, true)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load token")
	}
	if token == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated with platform")
	}

	return c.JSON(http.StatusOK, map[string]any{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
		"expires_at":   token.ExpiresAt,
		"scope":        token.Scope,
	})
}

// WaitForAuth long-polls until the platform authorization completes. The
// timeout query parameter is capped at the manager's configured maximum.
func (h *Handler) WaitForAuth(c echo.Context) error {
	platformID := c.Param("platform")
	sessionID := h.sessionID(c)

	var timeout time.Duration
	if raw := c.QueryParam("timeout"); raw != "" {
		secs, err := time.ParseDuration(raw + "s")
		if err != nil || secs <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
		}
		timeout = secs
	}

	token, outcome, err := h.manager.WaitForAuthComplete(c.Request().Context(), sessionID, platformID, timeout)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "wait failed")
	}

	switch outcome {
	case auth.WaitAlreadyWaiting:
		return c.JSON(http.StatusConflict, map[string]any{"status": "already_waiting"})
	case auth.WaitTimeout:
		return c.JSON(http.StatusOK, map[string]any{"status": "timeout", "authenticated": false})
	default:
		return c.JSON(http.StatusOK, map[string]any{
			"status":        "completed",
			"authenticated": token != nil,
		})
	}
}
