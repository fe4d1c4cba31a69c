// Package audit records security-relevant events from the auth and session
// layers. Recording is fire-and-forget: sinks log their own failures and
// never surface errors to the code path being audited.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names. Dot-separated, lowercase, stable across releases so log
// pipelines can key on them.
const (
	EventAuthStart    = "auth.start"
	EventAuthCallback = "auth.callback"
	EventAuthSuccess  = "auth.success"
	EventAuthFailure  = "auth.failure"
	EventAuthRevoke   = "auth.revoke"

	EventTokenRefresh        = "token.refresh"
	EventTokenRefreshFailure = "token.refresh_failure"

	EventSessionCreate  = "session.create"
	EventSessionDestroy = "session.destroy"
	EventSessionCleanup = "session.cleanup"

	EventSecurityScopeViolation   = "security.scope_violation"
	EventSecurityIntegrityFailure = "security.integrity_failure"
	EventSecurityRateLimited      = "security.rate_limited"
)

// Event is one audit record. SessionID should already be truncated by the
// caller or will be truncated by the sink before emission.
type Event struct {
	ID           string
	Name         string
	Time         time.Time
	SessionID    string
	PlatformID   string
	UserID       string
	ResourceType string
	Success      bool
	Error        string
	Details      map[string]any
}

// Logger is the audit sink contract. Record must not block the caller on
// sink failures and must never return an error.
type Logger interface {
	Record(ctx context.Context, e Event)
}

// TruncateSessionID shortens a session id for logging so full session
// identifiers never land in log storage.
func TruncateSessionID(sessionID string) string {
	if len(sessionID) <= 16 {
		return sessionID
	}
	return sessionID[:16] + "..."
}

// ZerologSink writes audit events as structured log lines.
type ZerologSink struct {
	logger zerolog.Logger
}

// NewZerologSink returns a sink that emits events on the given logger with
// an "audit" component field.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *ZerologSink) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	evt := s.logger.Info()
	if !e.Success {
		evt = s.logger.Warn()
	}
	evt = evt.
		Str("audit_id", e.ID).
		Str("event", e.Name).
		Time("event_time", e.Time).
		Bool("success", e.Success)
	if e.SessionID != "" {
		evt = evt.Str("session_id", TruncateSessionID(e.SessionID))
	}
	if e.PlatformID != "" {
		evt = evt.Str("platform_id", e.PlatformID)
	}
	if e.UserID != "" {
		evt = evt.Str("user_id", e.UserID)
	}
	if e.ResourceType != "" {
		evt = evt.Str("resource_type", e.ResourceType)
	}
	if e.Error != "" {
		evt = evt.Str("error", e.Error)
	}
	if len(e.Details) > 0 {
		evt = evt.Interface("details", e.Details)
	}
	evt.Msg("audit event")
}

// Multi fans one event out to several sinks.
type Multi []Logger

func (m Multi) Record(ctx context.Context, e Event) {
	for _, l := range m {
		l.Record(ctx, e)
	}
}

// Nop discards all events. Useful in tests and as a default.
type Nop struct{}

func (Nop) Record(ctx context.Context, e Event) {}
