package challenge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process challenge store. Suitable for single
// instance deployments and tests; use the Redis store when running more
// than one replica.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		records: make(map[string]*Record),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Tests use this to exercise
// expiry without sleeping.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) Issue(ctx context.Context, kind Kind, value string, contextData map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := uuid.NewString()
	m.records[id] = &Record{
		ID:        id,
		Kind:      kind,
		Value:     value,
		Context:   contextData,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	return id, nil
}

func (m *MemoryStore) Consume(ctx context.Context, id string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Delete before the expiry check: an expired challenge is gone either way.
	delete(m.records, id)

	if rec.Expired(m.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of live records. Used by tests.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
