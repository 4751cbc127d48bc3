package timeseries

import (
	"context"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSink(t *testing.T) *MemorySink {
	t.Helper()
	sink := NewMemorySink()
	ctx := context.Background()

	facts := []Fact{
		{Kind: KindMessage, Tags: Tags{UserID: "u1", GuildID: "g1", ChannelID: "c1"}, Value: 3, Timestamp: t0},
		{Kind: KindMessage, Tags: Tags{UserID: "u1", GuildID: "g1", ChannelID: "c2"}, Value: 2, Timestamp: t0.Add(30 * time.Minute)},
		{Kind: KindMessage, Tags: Tags{UserID: "u2", GuildID: "g1", ChannelID: "c1"}, Value: 5, Timestamp: t0.Add(90 * time.Minute)},
		{Kind: KindMessage, Tags: Tags{UserID: "u1", GuildID: "g2", ChannelID: "c9"}, Value: 7, Timestamp: t0},
		{Kind: KindVoice, Tags: Tags{UserID: "u1", GuildID: "g1", ChannelID: "c3"}, Value: 60, Timestamp: t0},
	}
	if err := sink.WriteBatch(ctx, facts); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}
	return sink
}

func TestMemorySinkSum(t *testing.T) {
	sink := seedSink(t)
	ctx := context.Background()
	r := Range{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)}

	tests := []struct {
		name   string
		kind   Kind
		userID string
		want   int64
	}{
		{name: "guild-wide messages", kind: KindMessage, userID: "", want: 10},
		{name: "single user messages", kind: KindMessage, userID: "u1", want: 5},
		{name: "voice", kind: KindVoice, userID: "u1", want: 60},
		{name: "no facts", kind: KindMembership, userID: "", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sink.Sum(ctx, tt.kind, "g1", tt.userID, r)
			if err != nil {
				t.Fatalf("Sum() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Sum() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMemorySinkRangeExcludesOutside(t *testing.T) {
	sink := seedSink(t)
	ctx := context.Background()

	// Range covering only the first hour: excludes the u2 fact at +90m.
	r := Range{Start: t0, End: t0.Add(time.Hour)}
	got, err := sink.Sum(ctx, KindMessage, "g1", "", r)
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	if got != 5 {
		t.Errorf("Sum() = %d, want 5", got)
	}
}

func TestMemorySinkSumByTag(t *testing.T) {
	sink := seedSink(t)
	ctx := context.Background()
	r := Range{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)}

	byChannel, err := sink.SumByTag(ctx, KindMessage, "g1", "", TagChannelID, r)
	if err != nil {
		t.Fatalf("SumByTag() error = %v", err)
	}
	want := map[string]int64{"c1": 8, "c2": 2}
	if len(byChannel) != len(want) {
		t.Fatalf("SumByTag() = %v, want %v", byChannel, want)
	}
	for k, v := range want {
		if byChannel[k] != v {
			t.Errorf("SumByTag()[%s] = %d, want %d", k, byChannel[k], v)
		}
	}

	byUser, err := sink.SumByTag(ctx, KindMessage, "g1", "", TagUserID, r)
	if err != nil {
		t.Fatalf("SumByTag() error = %v", err)
	}
	if byUser["u1"] != 5 || byUser["u2"] != 5 {
		t.Errorf("SumByTag() by user = %v, want u1=5 u2=5", byUser)
	}
}

func TestMemorySinkSeries(t *testing.T) {
	sink := seedSink(t)
	ctx := context.Background()
	r := Range{Start: t0.Add(-time.Hour), End: t0.Add(2 * time.Hour)}

	buckets, err := sink.Series(ctx, KindMessage, "g1", "", r, time.Hour)
	if err != nil {
		t.Fatalf("Series() error = %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("Series() = %v, want 2 buckets", buckets)
	}
	if buckets[0].Start != t0 || buckets[0].Value != 5 {
		t.Errorf("buckets[0] = %+v, want start=%v value=5", buckets[0], t0)
	}
	if buckets[1].Start != t0.Add(time.Hour) || buckets[1].Value != 5 {
		t.Errorf("buckets[1] = %+v, want start=%v value=5", buckets[1], t0.Add(time.Hour))
	}
}

func TestMemorySinkFailWith(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	sink.FailWith(context.DeadlineExceeded)
	err := sink.Write(ctx, Fact{Kind: KindMessage, Timestamp: t0})
	if err == nil {
		t.Fatal("Write() = nil, want error after FailWith")
	}
	if len(sink.Facts()) != 0 {
		t.Errorf("Facts() = %d facts, want 0 after failed write", len(sink.Facts()))
	}

	sink.FailWith(nil)
	if err := sink.Write(ctx, Fact{Kind: KindMessage, Timestamp: t0}); err != nil {
		t.Fatalf("Write() after heal error = %v", err)
	}
	if len(sink.Facts()) != 1 {
		t.Errorf("Facts() = %d facts, want 1", len(sink.Facts()))
	}
}

func TestFluxBuilders(t *testing.T) {
	r := Range{Start: t0, End: t0.Add(time.Hour)}

	sum := buildSum("activity", KindVoice, "g1", "u1", r)
	for _, want := range []string{
		`from(bucket: "activity")`,
		`r._measurement == "voice"`,
		`r.guild_id == "g1"`,
		`r.user_id == "u1"`,
		"|> sum()",
	} {
		if !strings.Contains(sum, want) {
			t.Errorf("buildSum() missing %q in:\n%s", want, sum)
		}
	}

	// Guild-wide queries must not filter on user.
	guildWide := buildSum("activity", KindVoice, "g1", "", r)
	if strings.Contains(guildWide, "user_id") {
		t.Errorf("buildSum() with empty user filters on user_id:\n%s", guildWide)
	}

	grouped := buildSumByTag("activity", KindMessage, "g1", "", TagChannelID, r)
	if !strings.Contains(grouped, `group(columns: ["channel_id"])`) {
		t.Errorf("buildSumByTag() missing group clause:\n%s", grouped)
	}

	series := buildSeries("activity", KindMessage, "g1", "", r, time.Hour)
	if !strings.Contains(series, "aggregateWindow(every: 1h0m0s, fn: sum") {
		t.Errorf("buildSeries() missing aggregateWindow clause:\n%s", series)
	}
}
