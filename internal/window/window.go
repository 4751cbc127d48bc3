// Package window implements trailing-window event counters on the cache
// store's sorted sets.
//
// Each (metric, guild, user) triple owns one score-ordered set; markers are
// scored by event time and trimmed to the horizon on both write and read.
// Window counts are advisory: on cache failure the counter degrades to zero
// with a logged warning instead of failing the caller.
package window

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/logging"
)

var log = logging.Component("window")

// Metric names a sliding-window counter series.
type Metric string

const (
	MetricMessages Metric = "messages"
	MetricJoins    Metric = "joins"
)

// Counter counts events within a trailing horizon W.
type Counter struct {
	cache   *cache.Store
	horizon time.Duration
	clock   quartz.Clock

	// seq disambiguates markers that land on the same clock reading.
	seq atomic.Uint64
}

// New creates a Counter with the given trailing horizon.
func New(store *cache.Store, horizon time.Duration, clock quartz.Clock) *Counter {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Counter{
		cache:   store,
		horizon: horizon,
		clock:   clock,
	}
}

func key(metric Metric, guildID, userID string) string {
	return fmt.Sprintf("window:%s:%s:%s", metric, guildID, userID)
}

// Record inserts an event marker timestamped now, trims stale markers, and
// refreshes the key expiry so idle keys self-clean.
//
// Cache failures are logged, not returned: the window is an advisory
// optimization, never a source of truth.
func (c *Counter) Record(ctx context.Context, metric Metric, userID, guildID string) {
	now := c.clock.Now()
	k := key(metric, guildID, userID)

	score := float64(now.UnixMilli())
	member := fmt.Sprintf("%d-%d", now.UnixNano(), c.seq.Add(1))

	if err := c.cache.SortedSetAdd(ctx, k, score, member); err != nil {
		log.Warn("window record failed", "metric", metric, "error", err)
		return
	}

	c.trim(ctx, k, now)

	if err := c.cache.Expire(ctx, k, c.horizon); err != nil {
		log.Warn("window expire failed", "metric", metric, "error", err)
	}
}

// Count trims stale markers and returns the number of events within the
// horizon. On cache failure it returns 0 with a logged warning.
func (c *Counter) Count(ctx context.Context, metric Metric, userID, guildID string) int64 {
	now := c.clock.Now()
	k := key(metric, guildID, userID)

	c.trim(ctx, k, now)

	n, err := c.cache.SortedSetCardinality(ctx, k)
	if err != nil {
		log.Warn("window count failed", "metric", metric, "error", err)
		return 0
	}
	return n
}

// trim removes markers strictly older than now - horizon. Idempotent and
// safe to run concurrently from readers and writers.
func (c *Counter) trim(ctx context.Context, k string, now time.Time) {
	cutoff := now.Add(-c.horizon).UnixMilli()
	max := fmt.Sprintf("(%d", cutoff)

	if err := c.cache.SortedSetRemoveRangeByScore(ctx, k, "-inf", max); err != nil {
		log.Warn("window trim failed", "key", k, "error", err)
	}
}
