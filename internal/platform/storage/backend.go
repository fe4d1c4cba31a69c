// Package storage provides the shared key-value backends the session layer
// is built on: an in-process map for development and a Redis-backed store
// for multi-instance deployments. Both expose TTL'd key-value access,
// OAuth state reverse mappings, distributed refresh locks, and a
// cross-instance auth-completion signal channel.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and LookupStateMapping when the key does
// not exist or its TTL has elapsed.
var ErrNotFound = errors.New("storage: key not found")

// StateMappingTTL bounds how long an OAuth state value can be resolved back
// to its owning session. Matches the window in which an authorization
// redirect is expected to return.
const StateMappingTTL = 15 * time.Minute

// Signal is a handle onto an auth-completion subscription. IsSet reports
// whether a completion event has been published for the subscribed key
// since the subscription was opened. Close releases the subscription.
type Signal interface {
	IsSet() bool
	Close() error
}

// Backend is the storage contract consumed by the secure session store and
// the token manager. Implementations must treat expired keys as absent.
type Backend interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns all keys matching the glob pattern. Implementations
	// must support at least prefix globs ("prefix*") and must not block
	// the whole store while enumerating.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// StoreStateMapping records state -> (sessionID, platformID) so the
	// OAuth callback can be resolved without a session cookie. Mappings
	// expire after StateMappingTTL.
	StoreStateMapping(ctx context.Context, state, sessionID, platformID string) error
	// LookupStateMapping resolves a state value, or returns ErrNotFound.
	LookupStateMapping(ctx context.Context, state string) (sessionID, platformID string, err error)
	// DeleteStateMapping removes a state mapping.
	DeleteStateMapping(ctx context.Context, state string) error

	// AcquireRefreshLock attempts to take the refresh lock for the
	// (session, platform) pair. It never blocks: false means another
	// holder has it. The lock self-expires after ttl.
	AcquireRefreshLock(ctx context.Context, sessionID, platformID string, ttl time.Duration) (bool, error)
	// ReleaseRefreshLock releases the refresh lock.
	ReleaseRefreshLock(ctx context.Context, sessionID, platformID string) error

	// PublishAuthComplete broadcasts that authorization finished for the
	// (session, platform) pair so waiters on other instances wake up.
	PublishAuthComplete(ctx context.Context, sessionID, platformID string) error
	// SubscribeAuthComplete opens a subscription for the pair. The caller
	// must Close the returned Signal.
	SubscribeAuthComplete(ctx context.Context, sessionID, platformID string) (Signal, error)

	// Close releases backend resources.
	Close() error
}
