package cache

import (
	"context"
	"time"
)

// ResultStore caches encoded query results by query text.
//
// Writes to the graph make every cached result stale, so stores support a
// whole-store Invalidate rather than per-key tracking.
type ResultStore interface {
	// Get returns the cached bytes for query. A miss is (nil, false, nil).
	Get(ctx context.Context, query string) ([]byte, bool, error)

	// Set stores value for query.
	Set(ctx context.Context, query string, value []byte) error

	// Invalidate drops every cached result.
	Invalidate(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is a process-local ResultStore backed by QueryCache.
type MemoryStore struct {
	lru *QueryCache
}

// NewMemoryStore creates an in-memory result store.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{lru: NewQueryCache(maxEntries, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, query string) ([]byte, bool, error) {
	v, ok := m.lru.Get(m.lru.Key(query))
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *MemoryStore) Set(_ context.Context, query string, value []byte) error {
	m.lru.Put(m.lru.Key(query), append([]byte(nil), value...))
	return nil
}

func (m *MemoryStore) Invalidate(context.Context) error {
	m.lru.Clear()
	return nil
}

func (m *MemoryStore) Close() error {
	m.lru.Clear()
	return nil
}

// Stats exposes the underlying LRU statistics.
func (m *MemoryStore) Stats() CacheStats { return m.lru.Stats() }

var _ ResultStore = (*MemoryStore)(nil)
