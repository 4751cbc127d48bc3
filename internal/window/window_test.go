package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/guildpulse/internal/cache"
)

func newTestCounter(t *testing.T, horizon time.Duration) (*Counter, *quartz.Mock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := quartz.NewMock(t)
	return New(cache.New(rdb), horizon, clock), clock, mr
}

func TestCountWithinHorizon(t *testing.T) {
	counter, clock, _ := newTestCounter(t, time.Minute)
	ctx := context.Background()

	// Three events spaced 30s apart; horizon 60s.
	counter.Record(ctx, MetricMessages, "u1", "g1") // t
	clock.Advance(30 * time.Second)
	counter.Record(ctx, MetricMessages, "u1", "g1") // t+30
	clock.Advance(30 * time.Second)
	counter.Record(ctx, MetricMessages, "u1", "g1") // t+60

	// At t+60 the first event is exactly at the horizon edge and still counts.
	if got := counter.Count(ctx, MetricMessages, "u1", "g1"); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}

	// At t+61 the first event falls out.
	clock.Advance(time.Second)
	if got := counter.Count(ctx, MetricMessages, "u1", "g1"); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestCountTrimIdempotent(t *testing.T) {
	counter, clock, _ := newTestCounter(t, time.Minute)
	ctx := context.Background()

	counter.Record(ctx, MetricMessages, "u1", "g1")
	clock.Advance(10 * time.Second)
	counter.Record(ctx, MetricMessages, "u1", "g1")

	first := counter.Count(ctx, MetricMessages, "u1", "g1")
	second := counter.Count(ctx, MetricMessages, "u1", "g1")
	if first != second {
		t.Errorf("repeated Count() = %d then %d, want equal", first, second)
	}
	if first != 2 {
		t.Errorf("Count() = %d, want 2", first)
	}
}

func TestCountIsolatesKeys(t *testing.T) {
	counter, _, _ := newTestCounter(t, time.Minute)
	ctx := context.Background()

	counter.Record(ctx, MetricMessages, "u1", "g1")
	counter.Record(ctx, MetricMessages, "u2", "g1")
	counter.Record(ctx, MetricJoins, "u1", "g1")
	counter.Record(ctx, MetricMessages, "u1", "g2")

	if got := counter.Count(ctx, MetricMessages, "u1", "g1"); got != 1 {
		t.Errorf("Count(messages, u1, g1) = %d, want 1", got)
	}
	if got := counter.Count(ctx, MetricJoins, "u1", "g1"); got != 1 {
		t.Errorf("Count(joins, u1, g1) = %d, want 1", got)
	}
}

func TestRecordRefreshesExpiry(t *testing.T) {
	counter, _, mr := newTestCounter(t, time.Minute)
	ctx := context.Background()

	counter.Record(ctx, MetricMessages, "u1", "g1")

	// Idle keys self-clean after the horizon.
	mr.FastForward(2 * time.Minute)
	if mr.Exists("window:messages:g1:u1") {
		t.Error("window key still exists after horizon TTL")
	}
}

func TestDegradesToZeroOnCacheFailure(t *testing.T) {
	counter, _, mr := newTestCounter(t, time.Minute)
	ctx := context.Background()

	counter.Record(ctx, MetricMessages, "u1", "g1")
	mr.Close()

	// Cache down: advisory counter reports zero instead of failing.
	if got := counter.Count(ctx, MetricMessages, "u1", "g1"); got != 0 {
		t.Errorf("Count() with cache down = %d, want 0", got)
	}
}

func TestUniqueMarkersSameInstant(t *testing.T) {
	counter, _, _ := newTestCounter(t, time.Minute)
	ctx := context.Background()

	// Mock clock does not advance between these; markers must still be
	// distinct members.
	for i := 0; i < 5; i++ {
		counter.Record(ctx, MetricMessages, "u1", "g1")
	}
	if got := counter.Count(ctx, MetricMessages, "u1", "g1"); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
}
