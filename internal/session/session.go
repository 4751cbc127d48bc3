// Package session tracks voice-channel occupancy as long-lived sessions.
//
// Session records live in the cache store under a per-(user, channel) key
// with a safety-net TTL, so a crashed process can never leak a session
// forever. The tracker exclusively owns a record between start and end; the
// reconciliation sweep is the only secondary mutator and is serialized by
// its caller.
//
// Invariant: at most one session exists per (user, channel) at any time.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/errors"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/timeseries"
)

var log = logging.Component("session")

// Record is one live voice session.
type Record struct {
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	SessionID string    `json:"session_id"`
	StartTime time.Time `json:"start_time"`
	LastTick  time.Time `json:"last_tick"`
}

func indexMember(userID, channelID string) string {
	return userID + "/" + channelID
}

// Tracker manages presence session lifecycle: start, tick, end. The default
// configuration tracks voice-channel occupancy; streams reuse the same
// machinery under a distinct kind, counter field, and key prefix.
type Tracker struct {
	cache    *cache.Store
	sink     timeseries.Sink
	counters counters.Store
	ttl      time.Duration
	clock    quartz.Clock

	kind   timeseries.Kind
	field  counters.Field
	prefix string
}

// Config holds Tracker dependencies and settings.
type Config struct {
	Cache    *cache.Store
	Sink     timeseries.Sink
	Counters counters.Store

	// TTL is the safety-net expiry on session records.
	TTL time.Duration

	// Kind of the facts emitted per accounting unit. Defaults to voice.
	Kind timeseries.Kind

	// Field is the cumulative counter the accounted seconds go to.
	// Defaults to voice duration.
	Field counters.Field

	// KeyPrefix namespaces the cache keys ("voice" by default).
	KeyPrefix string

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	kind := cfg.Kind
	if kind == "" {
		kind = timeseries.KindVoice
	}
	field := cfg.Field
	if field == "" {
		field = counters.FieldVoiceDuration
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voice"
	}
	return &Tracker{
		cache:    cfg.Cache,
		sink:     cfg.Sink,
		counters: cfg.Counters,
		ttl:      cfg.TTL,
		clock:    clock,
		kind:     kind,
		field:    field,
		prefix:   prefix,
	}
}

// recordKey is the cache key holding one session record.
func (t *Tracker) recordKey(userID, channelID string) string {
	return fmt.Sprintf("%s:session:%s:%s", t.prefix, userID, channelID)
}

// indexKey is the set of live session members ("userID/channelID").
// Maintained on start/end so the sweep can enumerate without scanning.
func (t *Tracker) indexKey() string {
	return t.prefix + ":sessions"
}

// Start begins a session for (user, channel). If one already exists for this
// exact pair the call is a silent no-op. No fact is emitted yet.
func (t *Tracker) Start(ctx context.Context, userID, channelID, guildID string) error {
	key := t.recordKey(userID, channelID)

	var existing Record
	err := t.cache.GetJSON(ctx, key, &existing)
	if err == nil {
		return nil // Already tracking this pair.
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return fmt.Errorf("check existing session: %w", err)
	}

	now := t.clock.Now()
	rec := Record{
		UserID:    userID,
		ChannelID: channelID,
		GuildID:   guildID,
		SessionID: uuid.NewString(),
		StartTime: now,
		LastTick:  now,
	}

	if err := t.cache.SetJSON(ctx, key, rec, t.ttl); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	if err := t.cache.SetAdd(ctx, t.indexKey(), indexMember(userID, channelID)); err != nil {
		return fmt.Errorf("index session: %w", err)
	}

	log.Debug("session started",
		"user_id", userID, "channel_id", channelID, "session_id", rec.SessionID)
	return nil
}

// End closes the session for (user, channel), accounting the elapsed time
// since the last tick. An absent session (already ended, e.g. by
// reconciliation) and a zero-or-negative elapsed are silent no-ops.
//
// Returns the (user, guild) pair whose cached aggregates the caller must
// invalidate, or nil if nothing was written.
func (t *Tracker) End(ctx context.Context, userID, channelID, guildID string) (*counters.Key, error) {
	key := t.recordKey(userID, channelID)

	var rec Record
	err := t.cache.GetJSON(ctx, key, &rec)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := t.clock.Now()
	elapsed := now.Sub(rec.LastTick)

	// Remove before accounting. If accounting fails the tail is lost,
	// bounded by the tick threshold; accounting before a failed removal
	// would let a retry count the same interval twice.
	if err := t.remove(ctx, userID, channelID); err != nil {
		return nil, err
	}

	var pair *counters.Key
	if elapsed > 0 {
		p, err := t.account(ctx, &rec, elapsed, rec.LastTick)
		if err != nil {
			return nil, err
		}
		pair = p
	}

	log.Debug("session ended",
		"user_id", userID, "channel_id", channelID,
		"session_id", rec.SessionID, "elapsed", elapsed)
	return pair, nil
}

// Tick extends accounting for a still-active session. If at least threshold
// has passed since the last tick, the lastTick advance is persisted first
// (TTL refreshed), then an incremental fact covering (lastTick, now] is
// emitted and the counter incremented.
//
// Persisting the advance before accounting means a failure anywhere in the
// unit can only under-count, bounded by one tick interval. The reverse order
// would let the next sweep re-cover an already-counted interval and inflate
// the counter.
//
// Returns whether a tick was emitted and the pair to invalidate.
func (t *Tracker) Tick(ctx context.Context, rec *Record, threshold time.Duration) (bool, *counters.Key, error) {
	now := t.clock.Now()
	elapsed := now.Sub(rec.LastTick)
	if elapsed < threshold {
		return false, nil, nil
	}

	prev := rec.LastTick
	rec.LastTick = now
	if err := t.cache.SetJSON(ctx, t.recordKey(rec.UserID, rec.ChannelID), rec, t.ttl); err != nil {
		rec.LastTick = prev
		return false, nil, fmt.Errorf("advance session tick: %w", err)
	}

	pair, err := t.account(ctx, rec, elapsed, prev)
	if err != nil {
		return false, nil, err
	}

	return true, pair, nil
}

// account applies one unit of session accounting: the synchronous counter
// increment first (canonical totals must never lag), then the historical
// fact. A failed fact write is logged and dropped; a failed counter write
// aborts the unit.
func (t *Tracker) account(ctx context.Context, rec *Record, elapsed time.Duration, stamp time.Time) (*counters.Key, error) {
	seconds := int64(elapsed.Seconds())
	if seconds <= 0 {
		return nil, nil
	}

	key := counters.Key{UserID: rec.UserID, GuildID: rec.GuildID}
	if _, err := t.counters.Increment(ctx, key, t.field, seconds); err != nil {
		return nil, fmt.Errorf("increment %s: %w", t.field, err)
	}

	fact := timeseries.Fact{
		Kind: t.kind,
		Tags: timeseries.Tags{
			UserID:    rec.UserID,
			GuildID:   rec.GuildID,
			ChannelID: rec.ChannelID,
			SessionID: rec.SessionID,
		},
		Value: seconds,
		// Stamped at the interval start, not now, to preserve correct
		// historical bucketing.
		Timestamp: stamp,
	}
	if err := t.sink.Write(ctx, fact); err != nil {
		log.Warn("session fact dropped",
			"session_id", rec.SessionID, "seconds", seconds, "error", err)
	}

	return &key, nil
}

// Get returns the live session for (user, channel), or errors.ErrNotFound.
func (t *Tracker) Get(ctx context.Context, userID, channelID string) (*Record, error) {
	var rec Record
	if err := t.cache.GetJSON(ctx, t.recordKey(userID, channelID), &rec); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrSessionNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// List enumerates all live sessions. Index members whose record has expired
// are pruned from the index as they are discovered.
func (t *Tracker) List(ctx context.Context) ([]Record, error) {
	members, err := t.cache.SetMembers(ctx, t.indexKey())
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	records := make([]Record, 0, len(members))
	for _, m := range members {
		userID, channelID, ok := splitMember(m)
		if !ok {
			continue
		}

		var rec Record
		err := t.cache.GetJSON(ctx, t.recordKey(userID, channelID), &rec)
		if errors.Is(err, errors.ErrNotFound) {
			// Record hit its safety-net TTL; drop the stale index entry.
			if err := t.cache.SetRemove(ctx, t.indexKey(), m); err != nil {
				log.Warn("stale index prune failed", "member", m, "error", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load session %s: %w", m, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Purge deletes a session without emitting a fact for the unaccounted tail.
// Used by reconciliation for zombie sessions.
func (t *Tracker) Purge(ctx context.Context, userID, channelID string) error {
	return t.remove(ctx, userID, channelID)
}

func (t *Tracker) remove(ctx context.Context, userID, channelID string) error {
	if err := t.cache.Del(ctx, t.recordKey(userID, channelID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := t.cache.SetRemove(ctx, t.indexKey(), indexMember(userID, channelID)); err != nil {
		return fmt.Errorf("unindex session: %w", err)
	}
	return nil
}

func splitMember(m string) (userID, channelID string, ok bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == '/' {
			return m[:i], m[i+1:], true
		}
	}
	return "", "", false
}
