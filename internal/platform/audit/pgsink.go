package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSink persists audit events to a Postgres audit_event table for
// deployments that need a queryable trail beyond log retention. Insert
// failures are logged and dropped; the audited operation must not feel them.
type PGSink struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPGSink connects a sink to the given database URL.
func NewPGSink(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PGSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGSink{pool: pool, logger: logger.With().Str("component", "audit_pg").Logger()}, nil
}

func (s *PGSink) Record(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	const q = `
		INSERT INTO audit_event
			(id, event_name, event_time, session_id, platform_id, user_id,
			 resource_type, success, error_detail, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	// Bounded so a slow database cannot stall request handling.
	insertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	_, err := s.pool.Exec(insertCtx, q,
		e.ID, e.Name, e.Time, TruncateSessionID(e.SessionID), e.PlatformID,
		e.UserID, e.ResourceType, e.Success, e.Error, e.Details)
	if err != nil {
		s.logger.Error().Err(err).Str("event", e.Name).Msg("failed to persist audit event")
	}
}

// Close releases the connection pool.
func (s *PGSink) Close() {
	s.pool.Close()
}
