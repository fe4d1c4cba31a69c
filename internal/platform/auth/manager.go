package auth

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
	"github.com/fhirgw/fhirgw/internal/platform/storage"
)

// Defaults for the manager's timing knobs.
const (
	DefaultRefreshBuffer = 60 * time.Second
	DefaultLockTTL       = 30 * time.Second
	DefaultWaitTimeout   = 5 * time.Minute
	DefaultPollInterval  = 100 * time.Millisecond
)

// WaitOutcome says how a WaitForAuthComplete call ended, so callers can
// tell a genuine timeout from racing themselves.
type WaitOutcome int

const (
	// WaitCompleted means a completion signal fired (or a token already
	// existed). The returned token can still be nil on a spurious wake.
	WaitCompleted WaitOutcome = iota
	// WaitTimeout means no completion arrived within the window.
	WaitTimeout
	// WaitAlreadyWaiting means another waiter for the same (session,
	// platform) is active in this process; the call returned immediately.
	WaitAlreadyWaiting
)

func (o WaitOutcome) String() string {
	switch o {
	case WaitCompleted:
		return "completed"
	case WaitTimeout:
		return "timeout"
	case WaitAlreadyWaiting:
		return "already_waiting"
	default:
		return "unknown"
	}
}

// OAuthServiceFactory resolves a per-platform OAuth service. Injected so
// the manager never touches the registry directly and tests can substitute
// stub services.
type OAuthServiceFactory func(platformID string) (*OAuthService, error)

// ManagerConfig carries the manager's timing knobs; zero values select the
// defaults above.
type ManagerConfig struct {
	RefreshBuffer time.Duration
	LockTTL       time.Duration
	WaitTimeout   time.Duration
	PollInterval  time.Duration
}

// SessionTokenManager orchestrates the session store and the per-platform
// OAuth services: silent refresh behind a distributed lock, completion
// signaling for long-polling authorization waits, and auth status
// reporting.
type SessionTokenManager struct {
	store    *SecureSessionStore
	backend  storage.Backend
	oauthFor OAuthServiceFactory
	audit    audit.Logger
	logger   zerolog.Logger

	refreshBuffer time.Duration
	lockTTL       time.Duration
	waitTimeout   time.Duration
	pollInterval  time.Duration

	// One live waiter per (session, platform) in this process. The channel
	// closes when authorization completes locally.
	waitersMu sync.Mutex
	waiters   map[string]chan struct{}
}

// NewSessionTokenManager wires the manager. Constructed once at startup
// and passed into the request paths that need it.
func NewSessionTokenManager(store *SecureSessionStore, backend storage.Backend, oauthFor OAuthServiceFactory, auditLog audit.Logger, logger zerolog.Logger, cfg ManagerConfig) *SessionTokenManager {
	if cfg.RefreshBuffer <= 0 {
		cfg.RefreshBuffer = DefaultRefreshBuffer
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	return &SessionTokenManager{
		store:         store,
		backend:       backend,
		oauthFor:      oauthFor,
		audit:         auditLog,
		logger:        logger.With().Str("component", "token_manager").Logger(),
		refreshBuffer: cfg.RefreshBuffer,
		lockTTL:       cfg.LockTTL,
		waitTimeout:   cfg.WaitTimeout,
		pollInterval:  cfg.PollInterval,
		waiters:       make(map[string]chan struct{}),
	}
}

func waiterKey(sessionID, platformID string) string {
	return sessionID + ":" + platformID
}

// GetToken returns the stored token for the pair, nil when none exists.
// With autoRefresh, a token inside the refresh buffer that carries a
// refresh token goes through the locked refresh path first; without it the
// token comes back as stored, expired or not, and expiry handling is the
// caller's problem.
func (m *SessionTokenManager) GetToken(ctx context.Context, sessionID, platformID string, autoRefresh bool) (*OAuthToken, error) {
	token, err := m.store.GetToken(ctx, sessionID, platformID)
	if err != nil || token == nil {
		return nil, err
	}

	if autoRefresh && token.RefreshToken != "" && token.SecondsUntilExpiry() < int64(m.refreshBuffer/time.Second) {
		return m.refreshTokenWithLock(ctx, sessionID, platformID, token), nil
	}
	return token, nil
}

// refreshTokenWithLock refreshes under the distributed lock. Losing the
// lock race, or any refresh failure, degrades to returning the current
// token unchanged: a soon-to-expire token can still serve the request or
// fail cleanly downstream, which beats surfacing a transient refresh error
// here.
func (m *SessionTokenManager) refreshTokenWithLock(ctx context.Context, sessionID, platformID string, current *OAuthToken) *OAuthToken {
	acquired, err := m.backend.AcquireRefreshLock(ctx, sessionID, platformID, m.lockTTL)
	if err != nil {
		m.logger.Warn().Err(err).Str("platform_id", platformID).Msg("refresh lock acquisition errored")
		return current
	}
	if !acquired {
		// Someone else is refreshing. No blocking, no retry.
		return current
	}
	defer func() {
		if err := m.backend.ReleaseRefreshLock(ctx, sessionID, platformID); err != nil {
			m.logger.Warn().Err(err).Str("platform_id", platformID).Msg("refresh lock release failed")
		}
	}()

	// Re-read under the lock: another holder may have finished refreshing
	// while we were acquiring.
	stored, err := m.store.GetToken(ctx, sessionID, platformID)
	if err == nil && stored != nil {
		current = stored
		if stored.SecondsUntilExpiry() >= int64(m.refreshBuffer/time.Second) {
			return stored
		}
	}

	svc, err := m.oauthFor(platformID)
	if err != nil {
		m.recordRefreshFailure(ctx, sessionID, platformID, err)
		return current
	}

	refreshed, err := svc.RefreshToken(ctx, current.RefreshToken)
	if err != nil {
		m.recordRefreshFailure(ctx, sessionID, platformID, err)
		return current
	}

	if err := m.store.StoreToken(ctx, sessionID, platformID, refreshed); err != nil {
		m.recordRefreshFailure(ctx, sessionID, platformID, err)
		return current
	}

	m.audit.Record(ctx, audit.Event{
		Name:       audit.EventTokenRefresh,
		SessionID:  sessionID,
		PlatformID: platformID,
		Success:    true,
	})
	return refreshed
}

func (m *SessionTokenManager) recordRefreshFailure(ctx context.Context, sessionID, platformID string, err error) {
	m.audit.Record(ctx, audit.Event{
		Name:       audit.EventTokenRefreshFailure,
		SessionID:  sessionID,
		PlatformID: platformID,
		Success:    false,
		Error:      err.Error(),
	})
	m.logger.Warn().Err(err).Str("platform_id", platformID).Msg("token refresh failed, keeping current token")
}

// StoreToken persists a freshly exchanged token and then signals waiters.
// The store write strictly precedes the signal, so a waiter that wakes and
// re-reads always observes the token.
func (m *SessionTokenManager) StoreToken(ctx context.Context, sessionID, platformID string, token *OAuthToken) error {
	if err := m.store.StoreToken(ctx, sessionID, platformID, token); err != nil {
		return err
	}
	m.signalAuthComplete(ctx, sessionID, platformID)
	return nil
}

// DeleteToken removes the pair's token.
func (m *SessionTokenManager) DeleteToken(ctx context.Context, sessionID, platformID string) error {
	return m.store.DeleteToken(ctx, sessionID, platformID)
}

// signalAuthComplete wakes the local waiter and publishes to the backend
// channel for waiters on other instances.
func (m *SessionTokenManager) signalAuthComplete(ctx context.Context, sessionID, platformID string) {
	m.waitersMu.Lock()
	if done, ok := m.waiters[waiterKey(sessionID, platformID)]; ok {
		select {
		case <-done:
		default:
			close(done)
		}
	}
	m.waitersMu.Unlock()

	if err := m.backend.PublishAuthComplete(ctx, sessionID, platformID); err != nil {
		m.logger.Warn().Err(err).Str("platform_id", platformID).Msg("auth complete publish failed")
	}
}

// WaitForAuthComplete blocks until authorization for the pair completes,
// the timeout elapses, or it detects a concurrent waiter for the same pair
// in this process (which returns immediately with WaitAlreadyWaiting). A
// valid stored token short-circuits to WaitCompleted. The wait selects
// over the local completion channel and polls the cross-instance
// subscription at the configured interval; a timeout <= 0 selects the
// configured default.
func (m *SessionTokenManager) WaitForAuthComplete(ctx context.Context, sessionID, platformID string, timeout time.Duration) (*OAuthToken, WaitOutcome, error) {
	if timeout <= 0 {
		timeout = m.waitTimeout
	}
	key := waiterKey(sessionID, platformID)

	m.waitersMu.Lock()
	if _, exists := m.waiters[key]; exists {
		m.waitersMu.Unlock()
		return nil, WaitAlreadyWaiting, nil
	}
	done := make(chan struct{})
	m.waiters[key] = done
	m.waitersMu.Unlock()

	defer func() {
		m.waitersMu.Lock()
		delete(m.waiters, key)
		m.waitersMu.Unlock()
	}()

	// A completed authorization may already be stored.
	token, err := m.store.GetToken(ctx, sessionID, platformID)
	if err != nil {
		return nil, WaitTimeout, err
	}
	if token != nil && !token.HasExpired(0) {
		return token, WaitCompleted, nil
	}

	sig, err := m.backend.SubscribeAuthComplete(ctx, sessionID, platformID)
	if err != nil {
		return nil, WaitTimeout, err
	}
	defer sig.Close()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return m.rereadAfterSignal(ctx, sessionID, platformID)
		case <-ticker.C:
			if sig.IsSet() {
				return m.rereadAfterSignal(ctx, sessionID, platformID)
			}
			if time.Now().After(deadline) {
				return nil, WaitTimeout, nil
			}
		}
	}
}

// rereadAfterSignal returns whatever the store holds after a wake. A nil
// token on a spurious wake is legitimate; the outcome is still Completed
// because a signal did fire.
func (m *SessionTokenManager) rereadAfterSignal(ctx context.Context, sessionID, platformID string) (*OAuthToken, WaitOutcome, error) {
	token, err := m.store.GetToken(ctx, sessionID, platformID)
	if err != nil {
		return nil, WaitCompleted, err
	}
	return token, WaitCompleted, nil
}

// PlatformAuthStatus is one platform's entry in an auth status report.
type PlatformAuthStatus struct {
	Authenticated bool          `json:"authenticated"`
	HasToken      bool          `json:"has_token"`
	ExpiresAt     int64         `json:"expires_at,omitempty"`
	CanRefresh    bool          `json:"can_refresh"`
	Scopes        []string      `json:"scopes,omitempty"`
	User          *UserIdentity `json:"user,omitempty"`
}

// GetAuthStatus reports, per platform with a stored token, whether the
// session is currently authenticated and what was granted.
func (m *SessionTokenManager) GetAuthStatus(ctx context.Context, sessionID string) (map[string]PlatformAuthStatus, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := make(map[string]PlatformAuthStatus)
	if session == nil {
		return status, nil
	}

	for platformID, token := range session.PlatformTokens {
		entry := PlatformAuthStatus{
			Authenticated: !token.HasExpired(0),
			HasToken:      true,
			ExpiresAt:     token.ExpiresAt,
			CanRefresh:    token.RefreshToken != "",
			User:          IdentityFromIDToken(token.IDToken),
		}
		if token.Scope != "" {
			entry.Scopes = append(entry.Scopes, splitScopeList(token.Scope)...)
		}
		status[platformID] = entry
	}
	return status, nil
}

// CleanupExpiredSessions delegates to the store sweep. Meant to be driven
// by the process's single background cleanup loop.
func (m *SessionTokenManager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	return m.store.CleanupExpiredSessions(ctx)
}
