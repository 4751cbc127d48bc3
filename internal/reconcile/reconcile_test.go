package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/session"
	"github.com/xtxerr/guildpulse/internal/timeseries"
)

type fakePresence struct {
	mu      sync.Mutex
	present map[string]bool
	err     error
}

func (p *fakePresence) set(userID, channelID string, in bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.present == nil {
		p.present = make(map[string]bool)
	}
	p.present[userID+"/"+channelID] = in
}

func (p *fakePresence) failWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePresence) InChannel(_ context.Context, userID, channelID, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return false, p.err
	}
	return p.present[userID+"/"+channelID], nil
}

type fakeInvalidator struct {
	mu    sync.Mutex
	pairs []counters.Key
}

func (f *fakeInvalidator) Invalidate(_ context.Context, pairs []counters.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairs = append(f.pairs, pairs...)
}

type fixture struct {
	ticker   *Ticker
	tracker  *session.Tracker
	clock    *quartz.Mock
	sink     *timeseries.MemorySink
	counters *counters.MemoryStore
	presence *fakePresence
	inv      *fakeInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	clock := quartz.NewMock(t)
	sink := timeseries.NewMemorySink()
	store := counters.NewMemoryStore()
	presence := &fakePresence{}
	inv := &fakeInvalidator{}

	tracker := session.New(session.Config{
		Cache:    cache.New(rdb),
		Sink:     sink,
		Counters: store,
		TTL:      24 * time.Hour,
		Clock:    clock,
	})
	ticker := New(Config{
		Sessions:      tracker,
		Presence:      presence,
		Invalidator:   inv,
		Interval:      time.Minute,
		TickThreshold: time.Minute,
		SweepTimeout:  30 * time.Second,
		Clock:         clock,
	})
	return &fixture{
		ticker: ticker, tracker: tracker, clock: clock,
		sink: sink, counters: store, presence: presence, inv: inv,
	}
}

func TestSweepPurgesZombies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tracker.Start(ctx, "u1", "c1", "g1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.clock.Advance(100 * time.Second)
	// User left without an end event; presence says absent.

	result := f.ticker.RunSweep(ctx)
	if result.Checked != 1 || result.Purged != 1 {
		t.Errorf("result = %+v, want 1 checked, 1 purged", result)
	}

	// Zombie time is never accounted.
	if got := len(f.sink.Facts()); got != 0 {
		t.Errorf("facts = %d, want 0", got)
	}
	records, err := f.tracker.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("List() = %d records, want 0 after purge", len(records))
	}
}

func TestSweepTicksLongSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tracker.Start(ctx, "u1", "c1", "g1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.presence.set("u1", "c1", true)
	f.clock.Advance(90 * time.Second)

	result := f.ticker.RunSweep(ctx)
	if result.Ticked != 1 || result.Purged != 0 {
		t.Errorf("result = %+v, want 1 ticked, 0 purged", result)
	}

	facts := f.sink.FactsOfKind(timeseries.KindVoice)
	if len(facts) != 1 || facts[0].Value != 90 {
		t.Fatalf("facts = %+v, want one 90s fact", facts)
	}

	f.inv.mu.Lock()
	pairs := append([]counters.Key(nil), f.inv.pairs...)
	f.inv.mu.Unlock()
	if len(pairs) != 1 || pairs[0] != (counters.Key{UserID: "u1", GuildID: "g1"}) {
		t.Errorf("invalidations = %v, want one u1/g1 pair", pairs)
	}

	// Immediately after a tick the session has no unaccounted time.
	result = f.ticker.RunSweep(ctx)
	if result.Ticked != 0 {
		t.Errorf("second sweep ticked = %d, want 0", result.Ticked)
	}
}

func TestSweepLeavesYoungSessionsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tracker.Start(ctx, "u1", "c1", "g1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.presence.set("u1", "c1", true)
	f.clock.Advance(30 * time.Second) // Below the 60s threshold.

	result := f.ticker.RunSweep(ctx)
	if result.Checked != 1 || result.Ticked != 0 || result.Purged != 0 {
		t.Errorf("result = %+v, want checked only", result)
	}
	if got := len(f.sink.Facts()); got != 0 {
		t.Errorf("facts = %d, want 0", got)
	}
}

func TestPresenceErrorLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tracker.Start(ctx, "u1", "c1", "g1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f.clock.Advance(100 * time.Second)
	f.presence.failWith(errors.New("gateway timeout"))

	result := f.ticker.RunSweep(ctx)
	if result.Failed != 1 || result.Purged != 0 || result.Ticked != 0 {
		t.Errorf("result = %+v, want 1 failed, nothing else", result)
	}

	// Session survives for the next sweep to classify.
	records, err := f.tracker.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 1 {
		t.Errorf("List() = %d records, want 1", len(records))
	}
	if got := len(f.sink.Facts()); got != 0 {
		t.Errorf("facts = %d, want 0", got)
	}
}

func TestSweepSkipsWhenBusy(t *testing.T) {
	f := newFixture(t)

	f.ticker.running.Store(true)
	result := f.ticker.RunSweep(context.Background())
	if !result.Skipped {
		t.Error("RunSweep() during active sweep did not skip")
	}
	if got := f.ticker.Snapshot().SweepsSkipped; got != 1 {
		t.Errorf("SweepsSkipped = %d, want 1", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.ticker.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := f.ticker.Start(); err == nil {
		t.Error("second Start() = nil error, want ErrAlreadyRunning")
	}

	f.clock.Advance(time.Minute).MustWait(ctx)
	if got := f.ticker.Snapshot().Sweeps; got != 1 {
		t.Errorf("Sweeps after one interval = %d, want 1", got)
	}

	// Stop runs one final sweep.
	if err := f.ticker.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := f.ticker.Snapshot().Sweeps; got != 2 {
		t.Errorf("Sweeps after Stop = %d, want 2 (loop + final)", got)
	}
	if err := f.ticker.Stop(ctx); err == nil {
		t.Error("second Stop() = nil error, want ErrNotRunning")
	}
}
