package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	stateMappingKeyPrefix  = "fhir:oauth_state:"
	refreshLockKeyPrefix   = "fhir:refresh_lock:"
	authCompleteChanPrefix = "fhir:auth_complete:"
	authCompletePayload    = "complete"
	keysScanBatchSize      = 100
)

// RedisBackend is a Backend over a shared Redis instance, for deployments
// running more than one gateway process. Key enumeration uses SCAN so a
// large session population never blocks the server.
type RedisBackend struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisBackend connects to the given redis:// or rediss:// URL. When
// requireTLS is set, plain redis:// URLs are rejected.
func NewRedisBackend(url string, requireTLS bool, logger zerolog.Logger) (*RedisBackend, error) {
	if requireTLS && !strings.HasPrefix(url, "rediss://") {
		return nil, fmt.Errorf("redis TLS required but URL does not use rediss:// scheme")
	}
	if !strings.HasPrefix(url, "rediss://") {
		logger.Warn().Msg("redis connection not using TLS")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisBackend{client: client, logger: logger}, nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return val, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl > 0 {
		if err := r.client.SetEx(ctx, key, value, ttl).Err(); err != nil {
			return fmt.Errorf("redis setex: %w", err)
		}
		return nil
	}
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Keys enumerates matching keys with SCAN rather than KEYS.
func (r *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, keysScanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

type stateMappingRecord struct {
	SessionID  string `json:"session_id"`
	PlatformID string `json:"platform_id"`
}

func (r *RedisBackend) StoreStateMapping(ctx context.Context, state, sessionID, platformID string) error {
	data, err := json.Marshal(stateMappingRecord{SessionID: sessionID, PlatformID: platformID})
	if err != nil {
		return fmt.Errorf("marshal state mapping: %w", err)
	}
	if err := r.client.SetEx(ctx, stateMappingKeyPrefix+state, data, StateMappingTTL).Err(); err != nil {
		return fmt.Errorf("redis store state mapping: %w", err)
	}
	return nil
}

func (r *RedisBackend) LookupStateMapping(ctx context.Context, state string) (string, string, error) {
	data, err := r.client.Get(ctx, stateMappingKeyPrefix+state).Result()
	if err == redis.Nil {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("redis lookup state mapping: %w", err)
	}

	var rec stateMappingRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return "", "", fmt.Errorf("unmarshal state mapping: %w", err)
	}
	return rec.SessionID, rec.PlatformID, nil
}

func (r *RedisBackend) DeleteStateMapping(ctx context.Context, state string) error {
	return r.Delete(ctx, stateMappingKeyPrefix+state)
}

// AcquireRefreshLock takes the lock with SET NX EX, so a crashed holder
// cannot wedge the (session, platform) pair past the TTL.
func (r *RedisBackend) AcquireRefreshLock(ctx context.Context, sessionID, platformID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, refreshLockKey(sessionID, platformID), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire refresh lock: %w", err)
	}
	return ok, nil
}

func (r *RedisBackend) ReleaseRefreshLock(ctx context.Context, sessionID, platformID string) error {
	return r.Delete(ctx, refreshLockKey(sessionID, platformID))
}

func (r *RedisBackend) PublishAuthComplete(ctx context.Context, sessionID, platformID string) error {
	if err := r.client.Publish(ctx, authCompleteChannel(sessionID, platformID), authCompletePayload).Err(); err != nil {
		return fmt.Errorf("redis publish auth complete: %w", err)
	}
	return nil
}

func (r *RedisBackend) SubscribeAuthComplete(ctx context.Context, sessionID, platformID string) (Signal, error) {
	pubsub := r.client.Subscribe(ctx, authCompleteChannel(sessionID, platformID))

	// Force the subscription onto the wire before returning, so a publish
	// that happens right after we return cannot be missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe auth complete: %w", err)
	}

	sig := &redisSignal{pubsub: pubsub}
	go func() {
		for range pubsub.Channel() {
			sig.fired.Store(true)
			return
		}
	}()
	return sig, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func refreshLockKey(sessionID, platformID string) string {
	return refreshLockKeyPrefix + sessionID + ":" + platformID
}

func authCompleteChannel(sessionID, platformID string) string {
	return authCompleteChanPrefix + sessionID + ":" + platformID
}

// redisSignal adapts a Redis pub/sub subscription to the Signal interface.
type redisSignal struct {
	fired  atomic.Bool
	pubsub *redis.PubSub
}

func (s *redisSignal) IsSet() bool { return s.fired.Load() }

func (s *redisSignal) Close() error { return s.pubsub.Close() }
