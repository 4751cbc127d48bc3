// Package counters wraps the external durable counter store.
//
// One record per (user, guild) with atomic increment-or-create semantics.
// These counters are the canonical totals: they are updated synchronously on
// the ingestion path and must never regress, even when historical fact
// emission is degraded.
package counters

import (
	"context"
	"time"
)

// Key identifies one cumulative record.
type Key struct {
	UserID  string
	GuildID string
}

// Field names one counter in a cumulative record.
type Field string

const (
	FieldMessageCount   Field = "message_count"
	FieldVoiceDuration  Field = "voice_duration"
	FieldInviteCount    Field = "invite_count"
	FieldReactionCount  Field = "reaction_count"
	FieldMediaCount     Field = "media_count"
	FieldCommandCount   Field = "command_count"
	FieldTotalWords     Field = "total_words"
	FieldDailyStreak    Field = "daily_streak"
	FieldStreamDuration Field = "stream_duration"
)

// Stats is one cumulative record. All counters are monotonically
// non-decreasing under normal operation.
type Stats struct {
	UserID  string
	GuildID string

	MessageCount   int64
	VoiceDuration  int64 // seconds
	InviteCount    int64
	ReactionCount  int64
	MediaCount     int64
	CommandCount   int64
	TotalWords     int64
	DailyStreak    int64
	StreamDuration int64 // seconds

	UpdatedAt time.Time
}

// Store is the contract with the durable counter store.
//
// Implementations must be safe for concurrent use; Increment must be atomic
// per key (increment-or-create, never lost updates).
type Store interface {
	// Increment adds delta to one field of the record at key, creating the
	// record if it does not exist, and returns the updated record.
	Increment(ctx context.Context, key Key, field Field, delta int64) (*Stats, error)

	// Get returns the record at key, or errors.ErrNotFound.
	Get(ctx context.Context, key Key) (*Stats, error)
}

// fieldValue returns a pointer to the counter named by field, or nil for an
// unknown field. Shared by implementations.
func fieldValue(s *Stats, field Field) *int64 {
	switch field {
	case FieldMessageCount:
		return &s.MessageCount
	case FieldVoiceDuration:
		return &s.VoiceDuration
	case FieldInviteCount:
		return &s.InviteCount
	case FieldReactionCount:
		return &s.ReactionCount
	case FieldMediaCount:
		return &s.MediaCount
	case FieldCommandCount:
		return &s.CommandCount
	case FieldTotalWords:
		return &s.TotalWords
	case FieldDailyStreak:
		return &s.DailyStreak
	case FieldStreamDuration:
		return &s.StreamDuration
	default:
		return nil
	}
}
