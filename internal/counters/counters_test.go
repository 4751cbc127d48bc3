package counters

import (
	"context"
	"testing"

	"github.com/xtxerr/guildpulse/internal/errors"
)

func TestMemoryStoreIncrementOrCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{UserID: "u1", GuildID: "g1"}

	// First increment creates the record.
	stats, err := store.Increment(ctx, key, FieldMessageCount, 1)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("MessageCount = %d, want 1", stats.MessageCount)
	}

	// Subsequent increments accumulate.
	stats, err = store.Increment(ctx, key, FieldMessageCount, 4)
	if err != nil {
		t.Fatalf("Increment() error = %v", err)
	}
	if stats.MessageCount != 5 {
		t.Errorf("MessageCount = %d, want 5", stats.MessageCount)
	}

	// Other fields are untouched.
	if stats.VoiceDuration != 0 {
		t.Errorf("VoiceDuration = %d, want 0", stats.VoiceDuration)
	}
}

func TestMemoryStoreAllFields(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{UserID: "u1", GuildID: "g1"}

	fields := []Field{
		FieldMessageCount, FieldVoiceDuration, FieldInviteCount,
		FieldReactionCount, FieldMediaCount, FieldCommandCount,
		FieldTotalWords, FieldDailyStreak, FieldStreamDuration,
	}
	for _, f := range fields {
		if _, err := store.Increment(ctx, key, f, 2); err != nil {
			t.Fatalf("Increment(%s) error = %v", f, err)
		}
	}

	stats, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got := []int64{
		stats.MessageCount, stats.VoiceDuration, stats.InviteCount,
		stats.ReactionCount, stats.MediaCount, stats.CommandCount,
		stats.TotalWords, stats.DailyStreak, stats.StreamDuration,
	}
	for i, v := range got {
		if v != 2 {
			t.Errorf("field %s = %d, want 2", fields[i], v)
		}
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Get(context.Background(), Key{UserID: "nobody", GuildID: "g1"})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUnknownField(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.Increment(context.Background(), Key{UserID: "u1", GuildID: "g1"}, Field("bogus"), 1)
	if err == nil {
		t.Fatal("Increment(bogus) = nil, want error")
	}
}

func TestColumnForRejectsUnknown(t *testing.T) {
	if _, ok := columnFor(Field("message_count; DROP TABLE")); ok {
		t.Error("columnFor() accepted an unknown field")
	}
	if col, ok := columnFor(FieldVoiceDuration); !ok || col != "voice_duration" {
		t.Errorf("columnFor(voice_duration) = %q, %v", col, ok)
	}
}
