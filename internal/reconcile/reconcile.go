// Package reconcile periodically repairs drift between tracked voice
// sessions and observed channel presence.
//
// Each sweep enumerates live sessions and classifies them: a session whose
// user is no longer in the channel is a zombie and is purged without
// emitting time (the crash-recovery bound), while a session past the tick
// threshold gets an incremental accounting tick so long sessions surface
// before they end. Sweeps never overlap; a sweep that would start while
// another runs is skipped.
package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/errors"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/session"
)

var log = logging.Component("reconcile")

// PresenceChecker reports whether a user is currently in a voice channel.
// This is the gateway-state lookup the sweep validates sessions against.
type PresenceChecker interface {
	InChannel(ctx context.Context, userID, channelID, guildID string) (bool, error)
}

// Invalidator purges cached aggregates for the given (user, guild) pairs.
type Invalidator interface {
	Invalidate(ctx context.Context, pairs []counters.Key)
}

// CachePresence is a PresenceChecker over presence marks the event gateway
// maintains in the cache store: a key per occupied (guild, channel, user)
// triple, refreshed while the user stays connected.
type CachePresence struct {
	Cache *cache.Store
}

// InChannel implements PresenceChecker.
func (p CachePresence) InChannel(ctx context.Context, userID, channelID, guildID string) (bool, error) {
	key := fmt.Sprintf("presence:%s:%s:%s", guildID, channelID, userID)
	_, err := p.Cache.Get(ctx, key)
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Checked  int
	Ticked   int
	Purged   int
	Failed   int
	Skipped  bool
	Duration time.Duration
}

// Ticker runs reconciliation sweeps on a fixed interval.
type Ticker struct {
	sessions    *session.Tracker
	presence    PresenceChecker
	invalidator Invalidator
	clock       quartz.Clock

	interval      time.Duration
	tickThreshold time.Duration
	sweepTimeout  time.Duration

	// running guards against overlapping sweeps, whether loop-driven
	// or called directly.
	running atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	waiter  quartz.Waiter

	stats Stats
}

// Stats holds reconciliation statistics.
type Stats struct {
	Sweeps        atomic.Int64
	SweepsSkipped atomic.Int64
	Ticks         atomic.Int64
	Purges        atomic.Int64
	Failures      atomic.Int64
}

// Config holds Ticker dependencies and settings.
type Config struct {
	Sessions    *session.Tracker
	Presence    PresenceChecker
	Invalidator Invalidator // may be nil

	// Interval between sweeps.
	Interval time.Duration

	// TickThreshold is the minimum elapsed time since a session's last
	// tick before the sweep emits an incremental fact for it.
	TickThreshold time.Duration

	// SweepTimeout bounds one sweep's external calls.
	SweepTimeout time.Duration

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// New creates a Ticker.
func New(cfg Config) *Ticker {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Ticker{
		sessions:      cfg.Sessions,
		presence:      cfg.Presence,
		invalidator:   cfg.Invalidator,
		clock:         clock,
		interval:      cfg.Interval,
		tickThreshold: cfg.TickThreshold,
		sweepTimeout:  cfg.SweepTimeout,
	}
}

// Start launches the periodic sweep loop.
func (t *Ticker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return errors.ErrAlreadyRunning
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.waiter = t.clock.TickerFunc(ctx, t.interval, func() error {
		result := t.RunSweep(ctx)
		if result.Skipped {
			return nil
		}
		log.Debug("sweep complete",
			"checked", result.Checked, "ticked", result.Ticked,
			"purged", result.Purged, "failed", result.Failed,
			"duration", result.Duration)
		return nil
	}, "reconcile")

	log.Info("reconciliation started", "interval", t.interval)
	return nil
}

// Stop halts the loop and runs one final sweep so shutdown never strands
// accrued session time past the tick threshold.
func (t *Ticker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return errors.ErrNotRunning
	}
	t.started = false
	cancel := t.cancel
	waiter := t.waiter
	t.mu.Unlock()

	cancel()
	_ = waiter.Wait() // returns the cancellation, by design

	result := t.RunSweep(ctx)
	log.Info("reconciliation stopped",
		"final_ticked", result.Ticked, "final_purged", result.Purged)
	return nil
}

// RunSweep performs one reconciliation pass. If a sweep is already in
// flight the call returns immediately with Skipped set.
//
// A presence check error leaves the session untouched: it is neither
// purged (only definitive absence does that) nor ticked (ticking a user
// who may have left would overcount).
func (t *Ticker) RunSweep(ctx context.Context) SweepResult {
	if !t.running.CompareAndSwap(false, true) {
		t.stats.SweepsSkipped.Add(1)
		return SweepResult{Skipped: true}
	}
	defer t.running.Store(false)

	start := t.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, t.sweepTimeout)
	defer cancel()

	var result SweepResult
	records, err := t.sessions.List(ctx)
	if err != nil {
		log.Error("sweep aborted: session enumeration failed", "error", err)
		result.Failed++
		t.stats.Failures.Add(1)
		return result
	}

	var pairs []counters.Key
	for i := range records {
		rec := &records[i]
		result.Checked++

		present, err := t.presence.InChannel(ctx, rec.UserID, rec.ChannelID, rec.GuildID)
		if err != nil {
			result.Failed++
			t.stats.Failures.Add(1)
			log.Warn("presence check failed, session left as-is",
				"user_id", rec.UserID, "channel_id", rec.ChannelID, "error", err)
			continue
		}

		if !present {
			// Zombie: the user left (or the process crashed mid-session)
			// without an end event. Delete without emitting the tail.
			if err := t.sessions.Purge(ctx, rec.UserID, rec.ChannelID); err != nil {
				result.Failed++
				t.stats.Failures.Add(1)
				log.Warn("zombie purge failed",
					"user_id", rec.UserID, "channel_id", rec.ChannelID, "error", err)
				continue
			}
			result.Purged++
			t.stats.Purges.Add(1)
			log.Info("zombie session purged",
				"user_id", rec.UserID, "channel_id", rec.ChannelID,
				"session_id", rec.SessionID)
			continue
		}

		ticked, pair, err := t.sessions.Tick(ctx, rec, t.tickThreshold)
		if err != nil {
			result.Failed++
			t.stats.Failures.Add(1)
			log.Warn("session tick failed",
				"user_id", rec.UserID, "channel_id", rec.ChannelID, "error", err)
			continue
		}
		if ticked {
			result.Ticked++
			t.stats.Ticks.Add(1)
			if pair != nil {
				pairs = append(pairs, *pair)
			}
		}
	}

	if t.invalidator != nil && len(pairs) > 0 {
		t.invalidator.Invalidate(ctx, pairs)
	}

	t.stats.Sweeps.Add(1)
	result.Duration = t.clock.Since(start)
	return result
}

// Snapshot returns a point-in-time copy of reconciliation statistics.
func (t *Ticker) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sweeps:        t.stats.Sweeps.Load(),
		SweepsSkipped: t.stats.SweepsSkipped.Load(),
		Ticks:         t.stats.Ticks.Load(),
		Purges:        t.stats.Purges.Load(),
		Failures:      t.stats.Failures.Load(),
	}
}

// StatsSnapshot is a point-in-time copy of reconciliation statistics.
type StatsSnapshot struct {
	Sweeps        int64
	SweepsSkipped int64
	Ticks         int64
	Purges        int64
	Failures      int64
}
