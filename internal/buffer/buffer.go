// Package buffer batches high-frequency discrete events before they reach
// the time-series sink.
//
// Counter and sliding-window updates are synchronous and happen before an
// event reaches this package; only historical fact emission is buffered.
// The flush policy is a three-state machine (Idle, Scheduled, Flushing):
// a debounce timer reset on every event, overridden by a force interval
// that bounds worst-case latency under sustained load. Flush cycles are
// strictly sequential; events arriving mid-flush join the next cycle.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/timeseries"
)

var log = logging.Component("buffer")

// GroupKey is the natural grouping of buffered events: one fact is emitted
// per distinct key per flush cycle.
type GroupKey struct {
	Kind      timeseries.Kind
	UserID    string
	ChannelID string
	GuildID   string
	Action    string
}

// Invalidator purges cached aggregates for the given (user, guild) pairs.
type Invalidator interface {
	Invalidate(ctx context.Context, pairs []counters.Key)
}

type flushState int

const (
	stateIdle flushState = iota
	stateScheduled
	stateFlushing
)

// Buffer accumulates event counts and flushes them as facts.
type Buffer struct {
	sink        timeseries.Sink
	invalidator Invalidator
	clock       quartz.Clock

	debounce      time.Duration
	forceInterval time.Duration
	flushTimeout  time.Duration

	mu        sync.Mutex
	pending   map[GroupKey]int64
	invalid   map[counters.Key]struct{}
	state     flushState
	timer     *quartz.Timer
	lastFlush time.Time
	stopped   bool

	// inflight is non-nil while a flush cycle runs and is closed when it
	// completes, so Stop can wait out the cycle before draining.
	inflight chan struct{}

	stats Stats
}

// Stats holds buffer statistics.
type Stats struct {
	EventsRecorded atomic.Int64
	Flushes        atomic.Int64
	ForcedFlushes  atomic.Int64
	FactsWritten   atomic.Int64
	BatchesDropped atomic.Int64
}

// Config holds Buffer dependencies and settings.
type Config struct {
	Sink        timeseries.Sink
	Invalidator Invalidator // may be nil

	// Debounce is the quiet period before a scheduled flush fires.
	Debounce time.Duration

	// ForceInterval bounds time between flushes under sustained load.
	ForceInterval time.Duration

	// FlushTimeout bounds one flush cycle's external calls.
	FlushTimeout time.Duration

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// New creates a Buffer. The first force flush is eligible one ForceInterval
// after creation.
func New(cfg Config) *Buffer {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Buffer{
		sink:          cfg.Sink,
		invalidator:   cfg.Invalidator,
		clock:         clock,
		debounce:      cfg.Debounce,
		forceInterval: cfg.ForceInterval,
		flushTimeout:  cfg.FlushTimeout,
		pending:       make(map[GroupKey]int64),
		invalid:       make(map[counters.Key]struct{}),
		lastFlush:     clock.Now(),
	}
}

// Add accumulates delta for key and marks the (user, guild) pair for cache
// invalidation at the next completed flush.
//
// If more than the force interval has elapsed since the last flush, the
// flush runs synchronously on this call; otherwise the debounce timer is
// (re)scheduled. Flush failures are logged and counted, never returned: the
// canonical counters were already updated upstream.
func (b *Buffer) Add(ctx context.Context, key GroupKey, delta int64, pair counters.Key) {
	b.mu.Lock()

	if b.stopped {
		b.mu.Unlock()
		log.Warn("event after stop dropped", "guild_id", key.GuildID)
		return
	}

	b.pending[key] += delta
	b.invalid[pair] = struct{}{}
	b.stats.EventsRecorded.Add(1)

	force := b.state != stateFlushing &&
		b.clock.Now().Sub(b.lastFlush) >= b.forceInterval

	if !force {
		switch b.state {
		case stateIdle:
			b.state = stateScheduled
			b.timer = b.clock.AfterFunc(b.debounce, b.onDebounce)
		case stateScheduled:
			b.timer.Reset(b.debounce)
		case stateFlushing:
			// Joined the next cycle; completion reschedules.
		}
		b.mu.Unlock()
		return
	}

	b.mu.Unlock()
	b.stats.ForcedFlushes.Add(1)
	b.Flush(ctx)
}

// onDebounce runs when the debounce timer fires.
func (b *Buffer) onDebounce() {
	b.Flush(context.Background())
}

// Flush drains the accumulated map, emits one fact per group, and after the
// sink write attempt hands the drained invalidation pairs to the invalidator.
// On sink failure the cycle's facts are dropped (logged and
// counted); the pairs are still consumed, since purging is idempotent and
// the synchronous counter state they refer to has already changed.
//
// Only one flush runs at a time. A Flush arriving while another is in
// flight returns immediately; the in-flight cycle reschedules if events
// remain.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.state == stateFlushing {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 && len(b.invalid) == 0 {
		b.state = stateIdle
		b.lastFlush = b.clock.Now()
		b.mu.Unlock()
		return
	}

	drained := b.pending
	pairs := b.invalid
	b.pending = make(map[GroupKey]int64)
	b.invalid = make(map[counters.Key]struct{})
	b.state = stateFlushing
	done := make(chan struct{})
	b.inflight = done
	b.mu.Unlock()

	b.flushCycle(ctx, drained, pairs)

	b.mu.Lock()
	b.state = stateIdle
	b.inflight = nil
	close(done)
	b.lastFlush = b.clock.Now()
	rearm := len(b.pending) > 0 && !b.stopped
	if rearm {
		b.state = stateScheduled
		b.timer = b.clock.AfterFunc(b.debounce, b.onDebounce)
	}
	b.mu.Unlock()
}

// flushCycle performs the external-call sequence for one drained cycle.
func (b *Buffer) flushCycle(ctx context.Context, drained map[GroupKey]int64, pairs map[counters.Key]struct{}) {
	ctx, cancel := context.WithTimeout(ctx, b.flushTimeout)
	defer cancel()

	now := b.clock.Now()
	facts := make([]timeseries.Fact, 0, len(drained))
	for key, count := range drained {
		facts = append(facts, timeseries.Fact{
			Kind: key.Kind,
			Tags: timeseries.Tags{
				UserID:    key.UserID,
				GuildID:   key.GuildID,
				ChannelID: key.ChannelID,
				Action:    key.Action,
			},
			Value:     count,
			Timestamp: now,
		})
	}

	if err := b.sink.WriteBatch(ctx, facts); err != nil {
		// Dropped, not retried: cumulative counters already hold the
		// canonical totals, only this slice of history is lost.
		b.stats.BatchesDropped.Add(1)
		log.Error("flush batch dropped", "facts", len(facts), "error", err)
	} else {
		b.stats.FactsWritten.Add(int64(len(facts)))
	}
	b.stats.Flushes.Add(1)

	if b.invalidator != nil && len(pairs) > 0 {
		list := make([]counters.Key, 0, len(pairs))
		for p := range pairs {
			list = append(list, p)
		}
		b.invalidator.Invalidate(ctx, list)
	}
}

// Stop drains the buffer. Any in-flight cycle is waited out, then flushes
// run until nothing is pending, so events that joined a cycle mid-flight are
// never lost across shutdown. Subsequent Add calls are dropped.
func (b *Buffer) Stop(ctx context.Context) {
	b.mu.Lock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	for {
		b.mu.Lock()
		inflight := b.inflight
		drained := len(b.pending) == 0 && len(b.invalid) == 0
		b.mu.Unlock()

		if inflight != nil {
			select {
			case <-inflight:
			case <-ctx.Done():
				log.Warn("drain interrupted", "error", ctx.Err())
				return
			}
			continue
		}
		if drained {
			break
		}
		b.Flush(ctx)
	}

	log.Info("buffer stopped",
		"events", b.stats.EventsRecorded.Load(),
		"flushes", b.stats.Flushes.Load())
}

// Pending returns the number of distinct groups awaiting flush.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Snapshot returns a point-in-time copy of buffer statistics.
func (b *Buffer) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		EventsRecorded: b.stats.EventsRecorded.Load(),
		Flushes:        b.stats.Flushes.Load(),
		ForcedFlushes:  b.stats.ForcedFlushes.Load(),
		FactsWritten:   b.stats.FactsWritten.Load(),
		BatchesDropped: b.stats.BatchesDropped.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of buffer statistics.
type StatsSnapshot struct {
	EventsRecorded int64
	Flushes        int64
	ForcedFlushes  int64
	FactsWritten   int64
	BatchesDropped int64
}
