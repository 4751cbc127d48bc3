package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/xtxerr/guildpulse/internal/errors"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestGetSetDel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "v" {
		t.Errorf("Get() = %q, want %q", got, "v")
	}

	if err := store.Del(ctx, "k"); err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if _, err := store.Get(ctx, "k"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get() after Del error = %v, want ErrNotFound", err)
	}
}

func TestSetHonorsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Get(ctx, "k"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Get() after expiry error = %v, want ErrNotFound", err)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	in := doc{Name: "general", Count: 7}
	if err := store.SetJSON(ctx, "doc", in, 0); err != nil {
		t.Fatalf("SetJSON() error = %v", err)
	}

	var out doc
	if err := store.GetJSON(ctx, "doc", &out); err != nil {
		t.Fatalf("GetJSON() error = %v", err)
	}
	if out != in {
		t.Errorf("GetJSON() = %+v, want %+v", out, in)
	}
}

func TestSortedSetRangeRemoval(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i, score := range []float64{10, 20, 30, 40} {
		member := string(rune('a' + i))
		if err := store.SortedSetAdd(ctx, "z", score, member); err != nil {
			t.Fatalf("SortedSetAdd() error = %v", err)
		}
	}

	if err := store.SortedSetRemoveRangeByScore(ctx, "z", "-inf", "25"); err != nil {
		t.Fatalf("SortedSetRemoveRangeByScore() error = %v", err)
	}

	n, err := store.SortedSetCardinality(ctx, "z")
	if err != nil {
		t.Fatalf("SortedSetCardinality() error = %v", err)
	}
	if n != 2 {
		t.Errorf("SortedSetCardinality() = %d, want 2", n)
	}
}

func TestSetMembership(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SetAdd(ctx, "s", "a", "b", "c"); err != nil {
		t.Fatalf("SetAdd() error = %v", err)
	}
	if err := store.SetRemove(ctx, "s", "b"); err != nil {
		t.Fatalf("SetRemove() error = %v", err)
	}

	members, err := store.SetMembers(ctx, "s")
	if err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}
	if len(members) != 2 {
		t.Errorf("SetMembers() = %v, want 2 members", members)
	}

	// Absent key is an empty set, not an error.
	members, err = store.SetMembers(ctx, "absent")
	if err != nil {
		t.Fatalf("SetMembers(absent) error = %v", err)
	}
	if len(members) != 0 {
		t.Errorf("SetMembers(absent) = %v, want empty", members)
	}
}
