package store

import (
	"context"
	"sort"
	"sync"

	"github.com/dshills/tierflow-go/flow/cache"
)

// MemStore is an in-memory implementation of cache.Store.
//
// Useful for tests and for wiring a store-shaped dependency without
// persistence. Data is lost when the process exits.
type MemStore struct {
	mu      sync.RWMutex
	entries map[cache.Fingerprint]*cache.Entry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[cache.Fingerprint]*cache.Entry)}
}

// Put implements cache.Store.
func (m *MemStore) Put(_ context.Context, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *e
	m.entries[e.Fingerprint] = &copied
	return nil
}

// LoadAll implements cache.Store, returning entries oldest first.
func (m *MemStore) LoadAll(context.Context) ([]*cache.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*cache.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Reset implements cache.Store.
func (m *MemStore) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[cache.Fingerprint]*cache.Entry)
	return nil
}

// Len returns the number of persisted entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
