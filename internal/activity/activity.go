// Package activity is the public surface of the telemetry subsystem.
//
// The Service composes the stores, the sliding windows, the session
// trackers, the write buffer, the reconciliation ticker, and the query
// cache behind one ingestion/query API. Event handlers call the Record*
// and session methods; command handlers call the Get* queries.
//
// Every write keeps the cumulative counters synchronous and canonical:
// counter failures propagate to the caller, while historical facts and
// window markers degrade independently.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/xtxerr/guildpulse/internal/buffer"
	"github.com/xtxerr/guildpulse/internal/cache"
	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/logging"
	"github.com/xtxerr/guildpulse/internal/querycache"
	"github.com/xtxerr/guildpulse/internal/reconcile"
	"github.com/xtxerr/guildpulse/internal/session"
	"github.com/xtxerr/guildpulse/internal/timeseries"
	"github.com/xtxerr/guildpulse/internal/window"
)

var log = logging.Component("activity")

// Membership fact actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Service is the metrics facade.
type Service struct {
	counters counters.Store
	sink     timeseries.Sink
	cache    *cache.Store
	windows  *window.Counter
	voice    *session.Tracker
	streams  *session.Tracker
	buffer   *buffer.Buffer
	ticker   *reconcile.Ticker
	qcache   *querycache.Cache
	clock    quartz.Clock
}

// Config holds the Service's composed dependencies. All components are
// constructed by the caller so each can be replaced in tests.
type Config struct {
	Counters       counters.Store
	Sink           timeseries.Sink
	Cache          *cache.Store
	Windows        *window.Counter
	VoiceSessions  *session.Tracker
	StreamSessions *session.Tracker
	Buffer         *buffer.Buffer
	Reconciler     *reconcile.Ticker
	QueryCache     *querycache.Cache

	// Clock defaults to the real clock.
	Clock quartz.Clock
}

// New creates a Service.
func New(cfg Config) *Service {
	clock := cfg.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		counters: cfg.Counters,
		sink:     cfg.Sink,
		cache:    cfg.Cache,
		windows:  cfg.Windows,
		voice:    cfg.VoiceSessions,
		streams:  cfg.StreamSessions,
		buffer:   cfg.Buffer,
		ticker:   cfg.Reconciler,
		qcache:   cfg.QueryCache,
		clock:    clock,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start launches the background reconciliation loop. The write buffer needs
// no explicit start; its timers arm on the first recorded event.
func (s *Service) Start() error {
	if err := s.ticker.Start(); err != nil {
		return err
	}
	log.Info("activity service started")
	return nil
}

// Stop shuts the service down gracefully: the reconciliation loop halts and
// runs a final sweep, then the buffer drains with a final flush.
func (s *Service) Stop(ctx context.Context) error {
	err := s.ticker.Stop(ctx)
	s.buffer.Stop(ctx)
	log.Info("activity service stopped")
	return err
}

// =============================================================================
// Ingestion
// =============================================================================

// RecordMessage accounts one chat message: synchronous counter increment,
// sliding-window marker, and a buffered historical fact.
func (s *Service) RecordMessage(ctx context.Context, userID, channelID, guildID string) error {
	pair := counters.Key{UserID: userID, GuildID: guildID}
	if _, err := s.counters.Increment(ctx, pair, counters.FieldMessageCount, 1); err != nil {
		return fmt.Errorf("record message: %w", err)
	}

	s.windows.Record(ctx, window.MetricMessages, userID, guildID)
	s.buffer.Add(ctx, buffer.GroupKey{
		Kind:      timeseries.KindMessage,
		UserID:    userID,
		ChannelID: channelID,
		GuildID:   guildID,
	}, 1, pair)
	return nil
}

// RecordJoin accounts a member joining the guild.
func (s *Service) RecordJoin(ctx context.Context, userID, guildID string) error {
	s.windows.Record(ctx, window.MetricJoins, userID, guildID)
	s.buffer.Add(ctx, buffer.GroupKey{
		Kind:    timeseries.KindMembership,
		UserID:  userID,
		GuildID: guildID,
		Action:  ActionJoin,
	}, 1, counters.Key{UserID: userID, GuildID: guildID})
	return nil
}

// RecordLeave accounts a member leaving the guild.
func (s *Service) RecordLeave(ctx context.Context, userID, guildID string) error {
	s.buffer.Add(ctx, buffer.GroupKey{
		Kind:    timeseries.KindMembership,
		UserID:  userID,
		GuildID: guildID,
		Action:  ActionLeave,
	}, 1, counters.Key{UserID: userID, GuildID: guildID})
	return nil
}

// IncrementInviteCount credits userID with one successful invite.
func (s *Service) IncrementInviteCount(ctx context.Context, userID, guildID string) error {
	return s.incrementField(ctx, userID, guildID, counters.FieldInviteCount, 1)
}

// RecordReaction accounts one reaction added by userID.
func (s *Service) RecordReaction(ctx context.Context, userID, guildID string) error {
	return s.incrementField(ctx, userID, guildID, counters.FieldReactionCount, 1)
}

// RecordCommand accounts one bot command invoked by userID.
func (s *Service) RecordCommand(ctx context.Context, userID, guildID string) error {
	return s.incrementField(ctx, userID, guildID, counters.FieldCommandCount, 1)
}

// RecordMedia accounts one media attachment posted by userID.
func (s *Service) RecordMedia(ctx context.Context, userID, guildID string) error {
	return s.incrementField(ctx, userID, guildID, counters.FieldMediaCount, 1)
}

// AddWordCount adds the word count of one message to the user's total.
func (s *Service) AddWordCount(ctx context.Context, userID, guildID string, words int64) error {
	if words <= 0 {
		return nil
	}
	return s.incrementField(ctx, userID, guildID, counters.FieldTotalWords, words)
}

func (s *Service) incrementField(ctx context.Context, userID, guildID string, field counters.Field, delta int64) error {
	key := counters.Key{UserID: userID, GuildID: guildID}
	if _, err := s.counters.Increment(ctx, key, field, delta); err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	return nil
}

// TouchDailyStreak increments the user's daily streak at most once per UTC
// day. The guard is an atomic set-if-absent with a TTL to the next midnight,
// so concurrent touches for the same user credit exactly one.
func (s *Service) TouchDailyStreak(ctx context.Context, userID, guildID string) error {
	now := s.clock.Now().UTC()
	guard := fmt.Sprintf("streak:%s:%s:%s", guildID, userID, now.Format("2006-01-02"))

	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	set, err := s.cache.SetNX(ctx, guard, "1", midnight.Sub(now))
	if err != nil {
		return fmt.Errorf("streak guard: %w", err)
	}
	if !set {
		return nil // Already credited today.
	}
	return s.incrementField(ctx, userID, guildID, counters.FieldDailyStreak, 1)
}

// =============================================================================
// Sessions
// =============================================================================

// StartVoiceSession begins voice tracking for (user, channel). A channel
// switch is modeled by the caller as EndVoiceSession(old) then
// StartVoiceSession(new).
func (s *Service) StartVoiceSession(ctx context.Context, userID, channelID, guildID string) error {
	return s.voice.Start(ctx, userID, channelID, guildID)
}

// EndVoiceSession closes voice tracking for (user, channel) and invalidates
// the pair's cached aggregates if time was accounted.
func (s *Service) EndVoiceSession(ctx context.Context, userID, channelID, guildID string) error {
	pair, err := s.voice.End(ctx, userID, channelID, guildID)
	if pair != nil {
		s.qcache.Invalidate(ctx, []counters.Key{*pair})
	}
	return err
}

// StartStream begins stream tracking for (user, channel).
func (s *Service) StartStream(ctx context.Context, userID, channelID, guildID string) error {
	return s.streams.Start(ctx, userID, channelID, guildID)
}

// EndStream closes stream tracking for (user, channel).
func (s *Service) EndStream(ctx context.Context, userID, channelID, guildID string) error {
	pair, err := s.streams.End(ctx, userID, channelID, guildID)
	if pair != nil {
		s.qcache.Invalidate(ctx, []counters.Key{*pair})
	}
	return err
}

// RunReconciliationSweep runs one sweep immediately. Exposed for the
// periodic scheduler and for tests.
func (s *Service) RunReconciliationSweep(ctx context.Context) reconcile.SweepResult {
	return s.ticker.RunSweep(ctx)
}
