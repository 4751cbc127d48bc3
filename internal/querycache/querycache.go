// Package querycache is a cache-aside layer for expensive aggregate queries.
//
// Results are stored as JSON under deterministic keys with a short TTL, and
// concurrent misses for the same key collapse into a single computation.
// Every cached entry whose time range can still receive new data is enrolled
// in a per-guild (and, for user-scoped queries, per-user) invalidation index,
// so a write can purge exactly the entries it may have changed. Entries over
// a closed range are immutable and skip enrollment; the TTL alone retires
// them.
//
// The cache is strictly advisory: any cache failure degrades to a miss and
// the computation runs against the backing stores.
package querycache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/errors"
	"github.com/xtxerr/guildpulse/internal/logging"
)

var log = logging.Component("querycache")

const keyPrefix = "qcache"

// Key builds the canonical cache key for a named query and its parameters.
func Key(query string, params ...string) string {
	parts := append([]string{keyPrefix, query}, params...)
	return strings.Join(parts, ":")
}

func guildIndex(guildID string) string {
	return keyPrefix + ":idx:" + guildID
}

func userIndex(guildID, userID string) string {
	return keyPrefix + ":idx:" + guildID + ":" + userID
}

// Scope describes which invalidation index a cached entry belongs to.
type Scope struct {
	GuildID string

	// UserID is set for user-scoped queries; empty means guild-scoped.
	UserID string

	// Closed marks a query whose time range ended in the past. Closed
	// results cannot change, so they are never enrolled for invalidation.
	Closed bool
}

// Cache is the query result cache.
type Cache struct {
	store *cache.Store
	group singleflight.Group
	ttl   time.Duration

	stats Stats
}

// Stats holds query cache statistics.
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
	Purges atomic.Int64
}

// New creates a Cache with the given entry TTL.
func New(store *cache.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Do returns the cached result for key, computing and caching it on a miss.
// dest receives the result either way.
//
// Concurrent callers missing on the same key share one compute call. The
// shared call runs under the first caller's context; with the short
// per-query timeouts used here that is an acceptable coupling.
func (c *Cache) Do(ctx context.Context, key string, scope Scope, dest any, compute func(ctx context.Context) (any, error)) error {
	data, err := c.store.Get(ctx, key)
	if err == nil {
		if jerr := json.Unmarshal([]byte(data), dest); jerr == nil {
			c.stats.Hits.Add(1)
			return nil
		}
		// Undecodable entry: treat as miss and overwrite below.
		log.Warn("cached entry undecodable, recomputing", "key", key)
	} else if !errors.Is(err, errors.ErrNotFound) {
		log.Warn("cache read failed, degrading to miss", "key", key, "error", err)
	}
	c.stats.Misses.Add(1)

	v, err, _ := c.group.Do(key, func() (any, error) {
		val, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, errors.Wrapf(err, "encode query result %s", key)
		}

		// Enroll before the entry becomes readable: an invalidation
		// racing the populate can then never strand a reachable entry.
		// Stale index members are harmless; unindexed live entries are
		// not, so a failed enroll skips the populate entirely.
		if scope.Closed || c.enroll(ctx, key, scope) {
			if err := c.store.Set(ctx, key, string(raw), c.ttl); err != nil {
				log.Warn("cache populate failed", "key", key, "error", err)
			}
		}
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(v.([]byte), dest)
}

// enroll registers key in the invalidation index for its scope, reporting
// success. Index sets carry the entry TTL so idle indexes self-clean; stale
// members pointing at expired entries are harmless.
func (c *Cache) enroll(ctx context.Context, key string, scope Scope) bool {
	idx := guildIndex(scope.GuildID)
	if scope.UserID != "" {
		idx = userIndex(scope.GuildID, scope.UserID)
	}
	if err := c.store.SetAdd(ctx, idx, key); err != nil {
		log.Warn("invalidation enroll failed", "key", key, "error", err)
		return false
	}
	if err := c.store.Expire(ctx, idx, c.ttl); err != nil {
		log.Warn("invalidation index expire failed", "index", idx, "error", err)
	}
	return true
}

// Invalidate purges every open-range entry that a write for one of the
// given (user, guild) pairs may have changed: the user's own scoped
// entries plus the guild-wide ones.
//
// Purge failures are logged, not returned; the TTL bounds staleness.
func (c *Cache) Invalidate(ctx context.Context, pairs []counters.Key) {
	seenGuilds := make(map[string]struct{})
	for _, pair := range pairs {
		c.purgeIndex(ctx, userIndex(pair.GuildID, pair.UserID))
		if _, ok := seenGuilds[pair.GuildID]; !ok {
			seenGuilds[pair.GuildID] = struct{}{}
			c.purgeIndex(ctx, guildIndex(pair.GuildID))
		}
	}
}

// purgeIndex deletes all entries enrolled in idx, then the index itself.
func (c *Cache) purgeIndex(ctx context.Context, idx string) {
	keys, err := c.store.SetMembers(ctx, idx)
	if err != nil {
		log.Warn("invalidation index read failed", "index", idx, "error", err)
		return
	}
	if len(keys) == 0 {
		return
	}
	if err := c.store.Del(ctx, append(keys, idx)...); err != nil {
		log.Warn("invalidation purge failed", "index", idx, "error", err)
		return
	}
	c.stats.Purges.Add(int64(len(keys)))
}

// Snapshot returns a point-in-time copy of query cache statistics.
func (c *Cache) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:   c.stats.Hits.Load(),
		Misses: c.stats.Misses.Load(),
		Purges: c.stats.Purges.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of query cache statistics.
type StatsSnapshot struct {
	Hits   int64
	Misses int64
	Purges int64
}
