package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for development and testing.
// Tokens stored here do not survive restarts and are not shared across
// instances; the pub/sub methods are no-ops because process-local signaling
// in the token manager already covers the single-instance case.
type MemoryBackend struct {
	mu            sync.RWMutex
	entries       map[string]memoryEntry
	stateMappings map[string]stateMapping
	refreshLocks  map[string]time.Time // lock key -> expiry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type stateMapping struct {
	sessionID  string
	platformID string
	expiresAt  time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:       make(map[string]memoryEntry),
		stateMappings: make(map[string]stateMapping),
		refreshLocks:  make(map[string]time.Time),
	}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", ErrNotFound
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(m.entries, key)
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *MemoryBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Keys supports prefix globs only, which is all the session store uses.
func (m *MemoryBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := strings.TrimSuffix(pattern, "*")

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var keys []string
	for k, e := range m.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *MemoryBackend) StoreStateMapping(ctx context.Context, state, sessionID, platformID string) error {
	m.mu.Lock()
	m.stateMappings[state] = stateMapping{
		sessionID:  sessionID,
		platformID: platformID,
		expiresAt:  time.Now().Add(StateMappingTTL),
	}
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) LookupStateMapping(ctx context.Context, state string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm, ok := m.stateMappings[state]
	if !ok {
		return "", "", ErrNotFound
	}
	if time.Now().After(sm.expiresAt) {
		delete(m.stateMappings, state)
		return "", "", ErrNotFound
	}
	return sm.sessionID, sm.platformID, nil
}

func (m *MemoryBackend) DeleteStateMapping(ctx context.Context, state string) error {
	m.mu.Lock()
	delete(m.stateMappings, state)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) AcquireRefreshLock(ctx context.Context, sessionID, platformID string, ttl time.Duration) (bool, error) {
	key := sessionID + ":" + platformID

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, held := m.refreshLocks[key]; held && time.Now().Before(expiry) {
		return false, nil
	}
	m.refreshLocks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *MemoryBackend) ReleaseRefreshLock(ctx context.Context, sessionID, platformID string) error {
	m.mu.Lock()
	delete(m.refreshLocks, sessionID+":"+platformID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) PublishAuthComplete(ctx context.Context, sessionID, platformID string) error {
	return nil
}

func (m *MemoryBackend) SubscribeAuthComplete(ctx context.Context, sessionID, platformID string) (Signal, error) {
	return neverSignal{}, nil
}

// CleanupExpired removes expired entries and state mappings, returning the
// number removed.
func (m *MemoryBackend) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	for s, sm := range m.stateMappings {
		if now.After(sm.expiresAt) {
			delete(m.stateMappings, s)
			removed++
		}
	}
	return removed
}

func (m *MemoryBackend) Close() error { return nil }

// neverSignal is a Signal that never fires. The in-process completion flag
// in the token manager handles same-process wakeups.
type neverSignal struct{}

func (neverSignal) IsSet() bool  { return false }
func (neverSignal) Close() error { return nil }
