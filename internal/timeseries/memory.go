package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySink is an in-process Sink used by tests and local development.
//
// It stores every written fact and answers queries by scanning them, which
// makes it a reference implementation of the query semantics: Sum, SumByTag
// and Series over a MemorySink must agree with the Influx-backed results.
type MemorySink struct {
	mu    sync.Mutex
	facts []Fact

	// FailWrites, when set, makes every write return this error.
	// Used to exercise the drop-on-failure flush path.
	failErr error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailWith makes subsequent writes fail with err. Pass nil to heal.
func (m *MemorySink) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Seed inserts facts directly, bypassing the failure switch. Test setup only.
func (m *MemorySink) Seed(facts []Fact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.facts = append(m.facts, facts...)
}

// Write implements Sink.
func (m *MemorySink) Write(ctx context.Context, fact Fact) error {
	return m.WriteBatch(ctx, []Fact{fact})
}

// WriteBatch implements Sink.
func (m *MemorySink) WriteBatch(ctx context.Context, facts []Fact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}

	m.facts = append(m.facts, facts...)
	return nil
}

// Facts returns a copy of all written facts.
func (m *MemorySink) Facts() []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Fact, len(m.facts))
	copy(out, m.facts)
	return out
}

// FactsOfKind returns a copy of all written facts of the given kind.
func (m *MemorySink) FactsOfKind(kind Kind) []Fact {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Fact
	for _, f := range m.facts {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// match reports whether a fact satisfies the common query filter.
func match(f *Fact, kind Kind, guildID, userID string, r Range) bool {
	if f.Kind != kind || f.Tags.GuildID != guildID {
		return false
	}
	if userID != "" && f.Tags.UserID != userID {
		return false
	}
	return r.Contains(f.Timestamp)
}

// Sum implements Sink.
func (m *MemorySink) Sum(ctx context.Context, kind Kind, guildID, userID string, r Range) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for i := range m.facts {
		if match(&m.facts[i], kind, guildID, userID, r) {
			total += m.facts[i].Value
		}
	}
	return total, nil
}

// SumByTag implements Sink.
func (m *MemorySink) SumByTag(ctx context.Context, kind Kind, guildID, userID, tag string, r Range) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	totals := make(map[string]int64)
	for i := range m.facts {
		f := &m.facts[i]
		if !match(f, kind, guildID, userID, r) {
			continue
		}

		var key string
		switch tag {
		case TagUserID:
			key = f.Tags.UserID
		case TagChannelID:
			key = f.Tags.ChannelID
		case TagSessionID:
			key = f.Tags.SessionID
		case TagAction:
			key = f.Tags.Action
		}
		if key == "" {
			continue
		}
		totals[key] += f.Value
	}
	return totals, nil
}

// Series implements Sink.
func (m *MemorySink) Series(ctx context.Context, kind Kind, guildID, userID string, r Range, every time.Duration) ([]Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStart := make(map[time.Time]int64)
	for i := range m.facts {
		f := &m.facts[i]
		if !match(f, kind, guildID, userID, r) {
			continue
		}
		start := f.Timestamp.Truncate(every)
		byStart[start] += f.Value
	}

	buckets := make([]Bucket, 0, len(byStart))
	for start, value := range byStart {
		buckets = append(buckets, Bucket{Start: start, Value: value})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Start.Before(buckets[j].Start)
	})
	return buckets, nil
}
