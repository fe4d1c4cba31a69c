package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
	"github.com/fhirgw/fhirgw/internal/platform/storage"
)

// SessionKeyPrefix namespaces session records in the shared backend.
const SessionKeyPrefix = "app:session:"

// SecureSessionStore persists SecureSession records through a storage
// backend, encrypting them when a cipher is configured. There is no
// in-memory session cache: every operation is load-mutate-save against the
// backend, which stays the single source of truth across instances.
//
// Integrity and expiry failures fail closed: the record is deleted and the
// caller sees a plain miss, never an error and never a partially trusted
// session.
type SecureSessionStore struct {
	backend storage.Backend
	cipher  *SessionCipher
	ttl     time.Duration
	audit   audit.Logger
	logger  zerolog.Logger

	// Process-local fast path for state lookups; the backend mapping is
	// authoritative across instances.
	stateMu    sync.RWMutex
	stateIndex map[string]stateRef
}

type stateRef struct {
	sessionID  string
	platformID string
}

// NewSecureSessionStore builds a store. A nil cipher stores sessions as
// plaintext JSON, which is only acceptable for development; the warning is
// logged once here so every misconfigured deployment shows it.
func NewSecureSessionStore(backend storage.Backend, cipher *SessionCipher, ttl time.Duration, auditLog audit.Logger, logger zerolog.Logger) *SecureSessionStore {
	if cipher == nil {
		logger.Warn().Msg("no master key configured, sessions will be stored unencrypted")
	}
	return &SecureSessionStore{
		backend:    backend,
		cipher:     cipher,
		ttl:        ttl,
		audit:      auditLog,
		logger:     logger.With().Str("component", "session_store").Logger(),
		stateIndex: make(map[string]stateRef),
	}
}

func sessionKey(sessionID string) string {
	return SessionKeyPrefix + sessionID
}

// GetSession loads a session by id. A missing, expired, undecryptable,
// unparseable, or tampered record all return (nil, nil); the last four
// also delete the record. Backend transport errors are the only error
// return.
func (s *SecureSessionStore) GetSession(ctx context.Context, sessionID string) (*SecureSession, error) {
	raw, err := s.backend.Get(ctx, sessionKey(sessionID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	payload := raw
	if IsEncrypted(raw) {
		if s.cipher == nil {
			s.logger.Warn().Msg("encrypted session found but no cipher configured, discarding")
			return nil, s.discard(ctx, sessionID)
		}
		payload, err = s.cipher.Decrypt(raw, sessionID)
		if err != nil {
			s.recordIntegrityFailure(ctx, sessionID, "decrypt failed")
			return nil, s.discard(ctx, sessionID)
		}
	}

	var session SecureSession
	if err := json.Unmarshal([]byte(payload), &session); err != nil {
		s.recordIntegrityFailure(ctx, sessionID, "unparseable session record")
		return nil, s.discard(ctx, sessionID)
	}

	if !session.Verify() {
		s.recordIntegrityFailure(ctx, sessionID, "verification hash mismatch")
		return nil, s.discard(ctx, sessionID)
	}

	if session.IsExpired(s.ttl) {
		return nil, s.discard(ctx, sessionID)
	}

	return &session, nil
}

func (s *SecureSessionStore) discard(ctx context.Context, sessionID string) error {
	if err := s.backend.Delete(ctx, sessionKey(sessionID)); err != nil {
		s.logger.Error().Err(err).Msg("failed to delete invalid session")
	}
	return nil
}

func (s *SecureSessionStore) recordIntegrityFailure(ctx context.Context, sessionID, reason string) {
	s.audit.Record(ctx, audit.Event{
		Name:      audit.EventSecurityIntegrityFailure,
		SessionID: sessionID,
		Success:   false,
		Error:     reason,
	})
	s.logger.Warn().Str("reason", reason).Msg("session integrity failure, discarding record")
}

// CreateSession mints and persists a fresh session under the given id.
func (s *SecureSessionStore) CreateSession(ctx context.Context, sessionID string) (*SecureSession, error) {
	session := NewSecureSession(sessionID)
	if err := s.SaveSession(ctx, session); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Name:      audit.EventSessionCreate,
		SessionID: sessionID,
		Success:   true,
	})
	return session, nil
}

// GetOrCreateSession returns the existing session or lazily creates one.
func (s *SecureSessionStore) GetOrCreateSession(ctx context.Context, sessionID string) (*SecureSession, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		return session, nil
	}
	return s.CreateSession(ctx, sessionID)
}

// SaveSession bumps last_accessed and writes the record with the sliding
// session TTL.
func (s *SecureSessionStore) SaveSession(ctx context.Context, session *SecureSession) error {
	session.Touch()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}

	value := string(data)
	if s.cipher != nil {
		value, err = s.cipher.Encrypt(value, session.SessionID)
		if err != nil {
			return fmt.Errorf("encrypt session: %w", err)
		}
	}

	if err := s.backend.Set(ctx, sessionKey(session.SessionID), value, s.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// DeleteSession removes a session and any state-index entries pointing at
// it.
func (s *SecureSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	s.stateMu.Lock()
	for state, ref := range s.stateIndex {
		if ref.sessionID == sessionID {
			delete(s.stateIndex, state)
		}
	}
	s.stateMu.Unlock()

	if err := s.backend.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.audit.Record(ctx, audit.Event{
		Name:      audit.EventSessionDestroy,
		SessionID: sessionID,
		Success:   true,
	})
	return nil
}

// StoreToken puts a token on the session for a platform, creating the
// session if needed.
func (s *SecureSessionStore) StoreToken(ctx context.Context, sessionID, platformID string, token *OAuthToken) error {
	session, err := s.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.PlatformTokens[platformID] = token
	return s.SaveSession(ctx, session)
}

// GetToken returns the stored token for a platform, or nil.
func (s *SecureSessionStore) GetToken(ctx context.Context, sessionID, platformID string) (*OAuthToken, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return nil, err
	}
	return session.PlatformTokens[platformID], nil
}

// DeleteToken removes a platform's token from the session. Missing
// sessions and missing tokens are both no-ops.
func (s *SecureSessionStore) DeleteToken(ctx context.Context, sessionID, platformID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return err
	}
	if _, ok := session.PlatformTokens[platformID]; !ok {
		return nil
	}
	delete(session.PlatformTokens, platformID)
	return s.SaveSession(ctx, session)
}

// StorePendingAuth parks an in-flight authorization on the session and
// indexes its state value so the callback can find it without a cookie.
// The backend mapping is written before returning, so the authorization
// redirect never races the index.
func (s *SecureSessionStore) StorePendingAuth(ctx context.Context, sessionID, platformID string, pending *PendingAuthorization) error {
	session, err := s.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.PendingAuth[platformID] = pending
	if err := s.SaveSession(ctx, session); err != nil {
		return err
	}

	if err := s.backend.StoreStateMapping(ctx, pending.State, sessionID, platformID); err != nil {
		return fmt.Errorf("index oauth state: %w", err)
	}

	s.stateMu.Lock()
	s.stateIndex[pending.State] = stateRef{sessionID: sessionID, platformID: platformID}
	s.stateMu.Unlock()
	return nil
}

// GetPendingAuth returns the in-flight authorization for a platform, or
// nil.
func (s *SecureSessionStore) GetPendingAuth(ctx context.Context, sessionID, platformID string) (*PendingAuthorization, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return nil, err
	}
	return session.PendingAuth[platformID], nil
}

// ClearPendingAuth drops the in-flight authorization and its state index
// entries.
func (s *SecureSessionStore) ClearPendingAuth(ctx context.Context, sessionID, platformID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return err
	}

	pending, ok := session.PendingAuth[platformID]
	if !ok {
		return nil
	}
	delete(session.PendingAuth, platformID)
	if err := s.SaveSession(ctx, session); err != nil {
		return err
	}

	s.stateMu.Lock()
	delete(s.stateIndex, pending.State)
	s.stateMu.Unlock()

	if err := s.backend.DeleteStateMapping(ctx, pending.State); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete oauth state mapping")
	}
	return nil
}

// GetPendingAuthByState resolves a bare OAuth state value to its owning
// session, platform, and pending authorization. Resolution order: local
// index, backend state mapping, then a full session scan as a last resort
// (covers mappings that expired before the user finished authorizing).
// Returns ("", "", nil, nil) when the state is unknown.
func (s *SecureSessionStore) GetPendingAuthByState(ctx context.Context, state string) (string, string, *PendingAuthorization, error) {
	s.stateMu.RLock()
	ref, ok := s.stateIndex[state]
	s.stateMu.RUnlock()

	if !ok {
		sessionID, platformID, err := s.backend.LookupStateMapping(ctx, state)
		switch {
		case err == nil:
			ref = stateRef{sessionID: sessionID, platformID: platformID}
			ok = true
		case errors.Is(err, storage.ErrNotFound):
		default:
			return "", "", nil, fmt.Errorf("lookup oauth state: %w", err)
		}
	}

	if ok {
		pending, err := s.GetPendingAuth(ctx, ref.sessionID, ref.platformID)
		if err != nil {
			return "", "", nil, err
		}
		if pending != nil && pending.State == state {
			return ref.sessionID, ref.platformID, pending, nil
		}
		// Stale index entry; fall through to the scan.
	}

	return s.scanForState(ctx, state)
}

// scanForState walks every session looking for the state. O(sessions);
// only reached when both index layers miss.
func (s *SecureSessionStore) scanForState(ctx context.Context, state string) (string, string, *PendingAuthorization, error) {
	keys, err := s.backend.Keys(ctx, SessionKeyPrefix+"*")
	if err != nil {
		return "", "", nil, fmt.Errorf("scan sessions for state: %w", err)
	}

	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, SessionKeyPrefix)
		session, err := s.GetSession(ctx, sessionID)
		if err != nil || session == nil {
			continue
		}
		for platformID, pending := range session.PendingAuth {
			if pending.State == state {
				return sessionID, platformID, pending, nil
			}
		}
	}
	return "", "", nil, nil
}

// CleanupExpiredSessions sweeps every session key; loading self-prunes
// expired and corrupt records. Returns how many records the sweep removed.
func (s *SecureSessionStore) CleanupExpiredSessions(ctx context.Context) (int, error) {
	keys, err := s.backend.Keys(ctx, SessionKeyPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("enumerate sessions: %w", err)
	}

	removed := 0
	for _, key := range keys {
		sessionID := strings.TrimPrefix(key, SessionKeyPrefix)
		session, err := s.GetSession(ctx, sessionID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("cleanup: failed to load session")
			continue
		}
		if session == nil {
			removed++
		}
	}

	if removed > 0 {
		s.audit.Record(ctx, audit.Event{
			Name:    audit.EventSessionCleanup,
			Success: true,
			Details: map[string]any{"removed": removed},
		})
	}
	return removed, nil
}
