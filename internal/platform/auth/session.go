package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SecureSession is the per-user record holding OAuth tokens and in-flight
// authorizations keyed by platform. The verification hash binds the record
// to its id and creation time; a loaded session whose hash no longer
// matches is treated as tampered and discarded.
type SecureSession struct {
	SessionID        string                           `json:"session_id"`
	CreatedAt        int64                            `json:"created_at"`
	LastAccessed     int64                            `json:"last_accessed"`
	PlatformTokens   map[string]*OAuthToken           `json:"platform_tokens"`
	PendingAuth      map[string]*PendingAuthorization `json:"pending_auth"`
	VerificationHash string                           `json:"verification_hash"`
}

// PendingAuthorization is the state parked between building an
// authorization URL and the provider calling back with a code. Tag is an
// opaque caller-supplied marker carried through unchanged.
type PendingAuthorization struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
	CreatedAt    int64  `json:"created_at"`
	Tag          string `json:"tag,omitempty"`
}

// NewSecureSession creates a fresh session stamped with the current time
// and its integrity hash.
func NewSecureSession(sessionID string) *SecureSession {
	now := time.Now().Unix()
	s := &SecureSession{
		SessionID:      sessionID,
		CreatedAt:      now,
		LastAccessed:   now,
		PlatformTokens: make(map[string]*OAuthToken),
		PendingAuth:    make(map[string]*PendingAuthorization),
	}
	s.VerificationHash = computeVerificationHash(s.SessionID, s.CreatedAt)
	return s
}

// computeVerificationHash returns the first 16 hex chars of
// sha256(session_id + ":" + created_at).
func computeVerificationHash(sessionID string, createdAt int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", sessionID, createdAt)))
	return hex.EncodeToString(sum[:])[:16]
}

// Verify recomputes the integrity hash and compares it against the stored
// value.
func (s *SecureSession) Verify() bool {
	return s.VerificationHash == computeVerificationHash(s.SessionID, s.CreatedAt)
}

// Touch bumps the last-accessed timestamp, sliding the TTL window.
func (s *SecureSession) Touch() {
	s.LastAccessed = time.Now().Unix()
}

// IsExpired reports whether the session's idle time strictly exceeds ttl.
// A session exactly at the boundary is still live.
func (s *SecureSession) IsExpired(ttl time.Duration) bool {
	idle := time.Now().Unix() - s.LastAccessed
	return idle > int64(ttl/time.Second)
}
