package cache

import (
	"context"
	"sync"
	"time"
)

// memoryStore is a Store implementation backed by a map, used for scopes
// with the cache disabled and for tests, where a sqlite file would be
// unnecessary overhead.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore builds an in-process Store with no persistence.
func NewMemoryStore() Store {
	return &memoryStore{entries: make(map[string]Entry)}
}

func (m *memoryStore) Lookup(_ context.Context, fingerprint string) (*Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if timeNow().Sub(entry.CreatedAt) > Retention {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (m *memoryStore) Record(_ context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = timeNow()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.Fingerprint] = entry
	return nil
}

func (m *memoryStore) ByBatch(_ context.Context, batchID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.BatchID == batchID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) Prune(_ context.Context, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.entries {
		if e.CreatedAt.Before(olderThan) {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryStore) Close() error { return nil }

var _ Store = (*memoryStore)(nil)
