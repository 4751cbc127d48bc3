package activity

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/guildpulse/internal/counters"
	"github.com/xtxerr/guildpulse/internal/errors"
	"github.com/xtxerr/guildpulse/internal/querycache"
	"github.com/xtxerr/guildpulse/internal/timeseries"
	"github.com/xtxerr/guildpulse/internal/window"
)

// seriesEvery is the bucket width of query time series.
const seriesEvery = time.Hour

// ChannelTotal is one entry of a per-channel breakdown.
type ChannelTotal struct {
	ChannelID string `json:"channel_id"`
	Value     int64  `json:"value"`
}

// RangeStats is the shaped result of a user range query: the total, the
// per-channel breakdown (descending), and an hourly time series.
type RangeStats struct {
	Total            int64               `json:"total"`
	ChannelBreakdown []ChannelTotal      `json:"channel_breakdown"`
	TimeSeries       []timeseries.Bucket `json:"time_series"`
}

// SessionLengthSummary is a percentile sketch of voice session lengths, in
// seconds.
type SessionLengthSummary struct {
	Count int64   `json:"count"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

// ServerStats aggregates guild-wide activity over a range.
type ServerStats struct {
	GuildID        string                `json:"guild_id"`
	MessageCount   int64                 `json:"message_count"`
	VoiceSeconds   int64                 `json:"voice_seconds"`
	Joins          int64                 `json:"joins"`
	Leaves         int64                 `json:"leaves"`
	SessionLengths *SessionLengthSummary `json:"session_lengths,omitempty"`
}

// RankedEntry is one row of a most-active leaderboard.
type RankedEntry struct {
	ID    string `json:"id"`
	Value int64  `json:"value"`
}

// GetUserStats returns the cumulative counters for (user, guild), or nil if
// the pair has never produced an event. Always read straight from the
// durable store; cumulative totals are never served stale.
func (s *Service) GetUserStats(ctx context.Context, userID, guildID string) (*counters.Stats, error) {
	stats, err := s.counters.Get(ctx, counters.Key{UserID: userID, GuildID: guildID})
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return stats, err
}

// GetMessageCountInWindow returns the user's message count within the
// trailing window.
func (s *Service) GetMessageCountInWindow(ctx context.Context, userID, guildID string) int64 {
	return s.windows.Count(ctx, window.MetricMessages, userID, guildID)
}

// GetJoinCountInWindow returns the user's join count within the trailing
// window.
func (s *Service) GetJoinCountInWindow(ctx context.Context, userID, guildID string) int64 {
	return s.windows.Count(ctx, window.MetricJoins, userID, guildID)
}

// GetUserVoiceStats returns voice totals, channel breakdown, and hourly
// series for one user over the range.
func (s *Service) GetUserVoiceStats(ctx context.Context, userID, guildID string, r timeseries.Range) (*RangeStats, error) {
	return s.userRangeStats(ctx, timeseries.KindVoice, userID, guildID, r)
}

// GetUserMessageStats returns message totals, channel breakdown, and hourly
// series for one user over the range.
func (s *Service) GetUserMessageStats(ctx context.Context, userID, guildID string, r timeseries.Range) (*RangeStats, error) {
	return s.userRangeStats(ctx, timeseries.KindMessage, userID, guildID, r)
}

func (s *Service) userRangeStats(ctx context.Context, kind timeseries.Kind, userID, guildID string, r timeseries.Range) (*RangeStats, error) {
	if err := validRange(r); err != nil {
		return nil, err
	}

	key := querycache.Key("user_stats", string(kind), guildID, userID, rangeParam(r))
	scope := querycache.Scope{
		GuildID: guildID,
		UserID:  userID,
		Closed:  r.End.Before(s.clock.Now()),
	}

	var out RangeStats
	err := s.qcache.Do(ctx, key, scope, &out, func(ctx context.Context) (any, error) {
		total, err := s.sink.Sum(ctx, kind, guildID, userID, r)
		if err != nil {
			return nil, fmt.Errorf("user %s total: %w", kind, err)
		}
		byChannel, err := s.sink.SumByTag(ctx, kind, guildID, userID, timeseries.TagChannelID, r)
		if err != nil {
			return nil, fmt.Errorf("user %s breakdown: %w", kind, err)
		}
		series, err := s.sink.Series(ctx, kind, guildID, userID, r, seriesEvery)
		if err != nil {
			return nil, fmt.Errorf("user %s series: %w", kind, err)
		}

		return RangeStats{
			Total:            total,
			ChannelBreakdown: channelBreakdown(byChannel),
			TimeSeries:       series,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetServerStats aggregates guild-wide activity over the range, including a
// percentile summary of completed voice session lengths.
func (s *Service) GetServerStats(ctx context.Context, guildID string, r timeseries.Range) (*ServerStats, error) {
	if err := validRange(r); err != nil {
		return nil, err
	}

	key := querycache.Key("server_stats", guildID, rangeParam(r))
	scope := querycache.Scope{GuildID: guildID, Closed: r.End.Before(s.clock.Now())}

	var out ServerStats
	err := s.qcache.Do(ctx, key, scope, &out, func(ctx context.Context) (any, error) {
		messages, err := s.sink.Sum(ctx, timeseries.KindMessage, guildID, "", r)
		if err != nil {
			return nil, fmt.Errorf("server message total: %w", err)
		}
		voice, err := s.sink.Sum(ctx, timeseries.KindVoice, guildID, "", r)
		if err != nil {
			return nil, fmt.Errorf("server voice total: %w", err)
		}
		membership, err := s.sink.SumByTag(ctx, timeseries.KindMembership, guildID, "", timeseries.TagAction, r)
		if err != nil {
			return nil, fmt.Errorf("server membership: %w", err)
		}
		perSession, err := s.sink.SumByTag(ctx, timeseries.KindVoice, guildID, "", timeseries.TagSessionID, r)
		if err != nil {
			return nil, fmt.Errorf("server session lengths: %w", err)
		}
		lengths, err := sessionLengthSummary(perSession)
		if err != nil {
			return nil, err
		}

		return ServerStats{
			GuildID:        guildID,
			MessageCount:   messages,
			VoiceSeconds:   voice,
			Joins:          membership[ActionJoin],
			Leaves:         membership[ActionLeave],
			SessionLengths: lengths,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMostActiveVoiceUsers returns the top users by voice seconds.
func (s *Service) GetMostActiveVoiceUsers(ctx context.Context, guildID string, r timeseries.Range, limit int) ([]RankedEntry, error) {
	return s.topByTag(ctx, "top_voice_users", timeseries.KindVoice, timeseries.TagUserID, guildID, r, limit)
}

// GetMostActiveMessageUsers returns the top users by message count.
func (s *Service) GetMostActiveMessageUsers(ctx context.Context, guildID string, r timeseries.Range, limit int) ([]RankedEntry, error) {
	return s.topByTag(ctx, "top_message_users", timeseries.KindMessage, timeseries.TagUserID, guildID, r, limit)
}

// GetMostActiveVoiceChannels returns the top channels by voice seconds.
func (s *Service) GetMostActiveVoiceChannels(ctx context.Context, guildID string, r timeseries.Range, limit int) ([]RankedEntry, error) {
	return s.topByTag(ctx, "top_voice_channels", timeseries.KindVoice, timeseries.TagChannelID, guildID, r, limit)
}

// GetMostActiveMessageChannels returns the top channels by message count.
func (s *Service) GetMostActiveMessageChannels(ctx context.Context, guildID string, r timeseries.Range, limit int) ([]RankedEntry, error) {
	return s.topByTag(ctx, "top_message_channels", timeseries.KindMessage, timeseries.TagChannelID, guildID, r, limit)
}

func (s *Service) topByTag(ctx context.Context, query string, kind timeseries.Kind, tag, guildID string, r timeseries.Range, limit int) ([]RankedEntry, error) {
	if err := validRange(r); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", errors.ErrInvalidRange)
	}

	key := querycache.Key(query, guildID, rangeParam(r), strconv.Itoa(limit))
	scope := querycache.Scope{GuildID: guildID, Closed: r.End.Before(s.clock.Now())}

	var out []RankedEntry
	err := s.qcache.Do(ctx, key, scope, &out, func(ctx context.Context) (any, error) {
		totals, err := s.sink.SumByTag(ctx, kind, guildID, "", tag, r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", query, err)
		}
		return rank(totals, limit), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Result shaping
// =============================================================================

func validRange(r timeseries.Range) error {
	if !r.End.After(r.Start) {
		return fmt.Errorf("%w: end must be after start", errors.ErrInvalidRange)
	}
	return nil
}

// rangeParam renders a range as a cache key component.
func rangeParam(r timeseries.Range) string {
	return strconv.FormatInt(r.Start.Unix(), 10) + "-" + strconv.FormatInt(r.End.Unix(), 10)
}

// channelBreakdown shapes per-channel totals, highest first.
func channelBreakdown(totals map[string]int64) []ChannelTotal {
	out := make([]ChannelTotal, 0, len(totals))
	for ch, v := range totals {
		out = append(out, ChannelTotal{ChannelID: ch, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// rank shapes per-tag totals into a descending leaderboard of at most limit
// entries. Ties break on ID for deterministic output.
func rank(totals map[string]int64, limit int) []RankedEntry {
	out := make([]RankedEntry, 0, len(totals))
	for id, v := range totals {
		out = append(out, RankedEntry{ID: id, Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// sessionLengthSummary sketches per-session totals into percentiles.
// Returns nil when the range holds no completed session time.
func sessionLengthSummary(perSession map[string]int64) (*SessionLengthSummary, error) {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("session sketch: %w", err)
	}

	var count int64
	for _, seconds := range perSession {
		if seconds <= 0 {
			continue
		}
		if err := sketch.Add(float64(seconds)); err != nil {
			return nil, fmt.Errorf("session sketch add: %w", err)
		}
		count++
	}
	if count == 0 {
		return nil, nil
	}

	p50, err := sketch.GetValueAtQuantile(0.5)
	if err != nil {
		return nil, fmt.Errorf("session sketch p50: %w", err)
	}
	p90, err := sketch.GetValueAtQuantile(0.9)
	if err != nil {
		return nil, fmt.Errorf("session sketch p90: %w", err)
	}
	p99, err := sketch.GetValueAtQuantile(0.99)
	if err != nil {
		return nil, fmt.Errorf("session sketch p99: %w", err)
	}
	max, err := sketch.GetMaxValue()
	if err != nil {
		return nil, fmt.Errorf("session sketch max: %w", err)
	}

	return &SessionLengthSummary{Count: count, P50: p50, P90: p90, P99: p99, Max: max}, nil
}
