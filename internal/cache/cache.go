// Package cache wraps the external low-latency key/value service.
//
// The wrapper is intentionally thin: typed accessors over the redis client
// for the primitives the rest of the system needs (keys with expiry,
// score-ordered sets with range removal, and plain sets used as indexes).
// It is ephemeral state only; nothing here is a source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/guildpulse/internal/errors"
)

// Store provides access to the cache service.
type Store struct {
	rdb redis.UniversalClient
}

// New creates a Store over an existing redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect dials the cache service and verifies connectivity.
func Connect(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping cache: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// =============================================================================
// Keys
// =============================================================================

// Get returns the value at key. Returns errors.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errors.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("cache get %s: %w", key, err)
	}
	return val, nil
}

// Set stores value at key with the given TTL. A zero TTL means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value at key with the given TTL only if the key is absent.
// Reports whether the value was set. The check and the set are one atomic
// operation on the cache service.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes the given keys. Missing keys are not an error.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}
	return nil
}

// Expire refreshes the TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %w", key, err)
	}
	return nil
}

// =============================================================================
// JSON documents
// =============================================================================

// GetJSON fetches key and unmarshals it into out.
// Returns errors.ErrNotFound if the key is absent.
func (s *Store) GetJSON(ctx context.Context, key string, out any) error {
	val, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(val), out); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it at key with the given TTL.
func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data), ttl)
}

// =============================================================================
// Sorted sets (score-ordered membership with range removal)
// =============================================================================

// SortedSetAdd inserts member with the given score.
func (s *Store) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("cache zadd %s: %w", key, err)
	}
	return nil
}

// SortedSetRemoveRangeByScore removes all members with scores in [min, max].
// Use "-inf"/"+inf" for open bounds and "(x" for exclusive bounds.
func (s *Store) SortedSetRemoveRangeByScore(ctx context.Context, key, min, max string) error {
	if err := s.rdb.ZRemRangeByScore(ctx, key, min, max).Err(); err != nil {
		return fmt.Errorf("cache zremrangebyscore %s: %w", key, err)
	}
	return nil
}

// SortedSetCardinality returns the number of members in the sorted set.
func (s *Store) SortedSetCardinality(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache zcard %s: %w", key, err)
	}
	return n, nil
}

// =============================================================================
// Plain sets (membership indexes)
// =============================================================================

// SetAdd adds members to the set at key.
func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache sadd %s: %w", key, err)
	}
	return nil
}

// SetRemove removes members from the set at key.
func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.rdb.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("cache srem %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of the set at key.
// An absent key yields an empty slice.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache smembers %s: %w", key, err)
	}
	return members, nil
}
