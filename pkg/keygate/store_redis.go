package keygate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Storage using github.com/redis/go-redis/v9.
// The lease race is decided by SET NX; state transitions are a Lua
// compare-and-swap on the lease token, so two processes can never both
// win a key and a stale holder can never clobber a reclaimed one.
//
// Redis also expires records natively via the key TTL, so CleanupExpired
// only has to catch records whose embedded deadline and key TTL drifted
// apart.
type RedisStore struct {
	client *redis.Client
	prefix string // Optional key prefix (e.g., "keygate:")
	now    func() time.Time
}

// NewRedisStore creates a new Redis-backed store.
// The prefix parameter allows namespacing keys to avoid conflicts.
// If prefix is empty, "keygate:" is used by default.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "keygate:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

// NewRedisStoreFromURL creates a Redis store from a connection URL.
// Example: "redis://localhost:6379/0" or "redis://:password@localhost:6379/1"
func NewRedisStoreFromURL(url string, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisStore(client, prefix), nil
}

// transitionScript swaps in the updated record only while the caller's
// lease token still owns it. KEEPTTL preserves the original expiry.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec['lease_token'] ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

func (s *RedisStore) Get(ctx context.Context, key string) (*IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	rec := &IdempotencyRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) PutNewRunning(ctx context.Context, key, fingerprint string, ttl time.Duration, traceID string) (*LeaseResult, error) {
	fullKey := s.prefix + key
	now := s.now()
	token := uuid.NewString()
	rec := &IdempotencyRecord{
		Key:         key,
		Fingerprint: fingerprint,
		State:       StateRunning,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		LeaseToken:  token,
		TraceID:     traceID,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	// Bounded retry: the existing key can expire between the failed
	// SETNX and the follow-up GET.
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := s.client.SetNX(ctx, fullKey, data, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return LeaseGranted(token), nil
		}

		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return LeaseDenied(existing), nil
		}
	}
	return nil, fmt.Errorf("lease attempt for key %s kept racing key expiry", key)
}

func (s *RedisStore) Complete(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateCompleted, response, executionTimeMS)
}

func (s *RedisStore) Fail(ctx context.Context, key, leaseToken string, response *StoredResponse, executionTimeMS int64) (bool, error) {
	return s.transition(ctx, key, leaseToken, StateFailed, response, executionTimeMS)
}

func (s *RedisStore) transition(ctx context.Context, key, leaseToken string, state RequestState, response *StoredResponse, executionTimeMS int64) (bool, error) {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.LeaseToken != leaseToken {
		return false, nil
	}

	rec.State = state
	rec.Response = response.Clone()
	rec.ExecutionTimeMS = executionTimeMS

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}

	// The token re-check inside the script closes the window between
	// our read and the write.
	n, err := transitionScript.Run(ctx, s.client, []string{s.prefix + key}, leaseToken, data).Int()
	if err != nil {
		return false, fmt.Errorf("redis transition failed: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) CleanupExpired(ctx context.Context) (int, error) {
	removed := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		fullKey := iter.Val()
		data, err := s.client.Get(ctx, fullKey).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("redis get failed: %w", err)
		}
		rec := &IdempotencyRecord{}
		if err := json.Unmarshal(data, rec); err != nil {
			// Not one of ours; leave it alone.
			continue
		}
		if !rec.Expired(s.now()) {
			continue
		}
		n, err := s.client.Del(ctx, fullKey).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del failed: %w", err)
		}
		removed += int(n)
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis scan failed: %w", err)
	}
	return removed, nil
}

// Ping checks if the Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
