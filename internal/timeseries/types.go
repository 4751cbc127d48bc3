// Package timeseries wraps the external append-only time-series service.
//
// Facts are immutable tagged numeric points. The Sink interface is the
// abstract contract; InfluxSink binds it to InfluxDB, MemorySink is an
// in-process implementation used by tests.
package timeseries

import "time"

// Kind identifies the class of an activity fact.
type Kind string

const (
	KindMessage    Kind = "message"
	KindVoice      Kind = "voice"
	KindMembership Kind = "membership"
	KindStream     Kind = "stream"
)

// Tags carry the dimensions of a fact. Empty values are omitted on write.
type Tags struct {
	UserID    string
	GuildID   string
	ChannelID string
	SessionID string
	Action    string
}

// Fact is one immutable, timestamped numeric data point.
type Fact struct {
	Kind      Kind
	Tags      Tags
	Value     int64
	Timestamp time.Time
}

// Range is a half-open query interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Bucket is one point of an aggregated time series.
type Bucket struct {
	Start time.Time
	Value int64
}

// Tag column names used in group-by queries.
const (
	TagUserID    = "user_id"
	TagGuildID   = "guild_id"
	TagChannelID = "channel_id"
	TagSessionID = "session_id"
	TagAction    = "action"
)
