package counters

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/guildpulse/internal/errors"
)

// MemoryStore is an in-process Store used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]*Stats

	// failErr, when set, makes every operation return this error.
	failErr error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]*Stats)}
}

// FailWith makes subsequent operations fail with err. Pass nil to heal.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

// Increment implements Store.
func (m *MemoryStore) Increment(ctx context.Context, key Key, field Field, delta int64) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return nil, m.failErr
	}

	rec, ok := m.records[key]
	if !ok {
		rec = &Stats{UserID: key.UserID, GuildID: key.GuildID}
		m.records[key] = rec
	}

	v := fieldValue(rec, field)
	if v == nil {
		return nil, errors.Wrapf(errors.ErrInternal, "unknown counter field %q", field)
	}
	*v += delta
	rec.UpdatedAt = time.Now()

	out := *rec
	return &out, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, key Key) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return nil, m.failErr
	}

	rec, ok := m.records[key]
	if !ok {
		return nil, errors.ErrNotFound
	}

	out := *rec
	return &out, nil
}
