// Package cache provides the LRU caches used by gqlite.
//
// QueryCache is a bounded LRU with optional TTL keyed by a 64-bit hash. The
// embedded engine uses it to keep parsed query plans; the HTTP gateway uses it
// (through MemoryStore) to keep encoded GraphJSON for read-only queries.
//
// Usage:
//
//	plans := cache.NewQueryCache(500, 10*time.Minute)
//
//	key := plans.Key(query)
//	if plan, ok := plans.Get(key); ok {
//		return plan.(*cypher.Query)
//	}
//	plan := parse(query)
//	plans.Put(key, plan)
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// QueryCache is a thread-safe LRU cache with optional expiry.
type QueryCache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration
	enabled bool

	list  *list.List
	items map[uint64]*list.Element

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

type cacheEntry struct {
	key       uint64
	value     any
	expiresAt time.Time
}

// NewQueryCache creates a cache holding at most maxSize entries (1000 when
// maxSize <= 0). A zero ttl disables expiry.
func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QueryCache{
		maxSize: maxSize,
		ttl:     ttl,
		enabled: true,
		list:    list.New(),
		items:   make(map[uint64]*list.Element, maxSize),
	}
}

// Key hashes parts into a cache key. Parts are separated so that
// ("ab", "c") and ("a", "bc") differ.
func (c *QueryCache) Key(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return h.Sum64()
}

// Get returns the cached value for key if present and not expired, and marks
// it most recently used.
func (c *QueryCache) Get(key uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		c.misses.Add(1)
		return nil, false
	}
	elem, ok := c.items[key]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		c.misses.Add(1)
		return nil, false
	}

	c.list.MoveToFront(elem)
	c.hits.Add(1)
	return entry.value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *QueryCache) Put(key uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		c.list.MoveToFront(elem)
		return
	}

	for c.list.Len() >= c.maxSize {
		c.removeElement(c.list.Back())
		c.evictions.Add(1)
	}
	c.items[key] = c.list.PushFront(&cacheEntry{key: key, value: value, expiresAt: expiresAt})
}

// Remove removes an entry from the cache.
func (c *QueryCache) Remove(key uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
}

// Clear removes all entries from the cache.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}

// SetEnabled enables or disables the cache. Disabling drops every entry.
func (c *QueryCache) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if !enabled {
		c.reset()
	}
}

// Stats returns cache statistics.
func (c *QueryCache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()

	c.mu.Lock()
	size := c.list.Len()
	c.mu.Unlock()

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Size:      size,
		MaxSize:   c.maxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions.Load(),
		HitRate:   hitRate,
	}
}

// CacheStats holds cache performance statistics.
type CacheStats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"` // percent
}

// caller holds c.mu
func (c *QueryCache) reset() {
	c.list.Init()
	c.items = make(map[uint64]*list.Element, c.maxSize)
}

// caller holds c.mu
func (c *QueryCache) removeElement(elem *list.Element) {
	c.list.Remove(elem)
	delete(c.items, elem.Value.(*cacheEntry).key)
}
