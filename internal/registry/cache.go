package registry

import (
	"container/list"
	"sync"
	"time"

	"github.com/fyrsmithlabs/rolloutd/internal/strategy"
)

// CacheStats reports read-cache counters.
type CacheStats struct {
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	Entries   int     `json:"entries"`
	Capacity  int     `json:"capacity"`
	HitRate   float64 `json:"hit_rate"`
}

type cacheEntry struct {
	key      string
	id       string
	value    *strategy.Strategy
	expires  time.Time
	lruIndex *list.Element
}

// Cache is an LRU read cache with TTL for resolved strategy lookups,
// keyed by id plus version spec. Readers tolerate slightly stale entries;
// every registry mutation invalidates the affected id.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lru       *list.List // front = most recent
	capacity  int
	ttl       time.Duration
	hits      uint64
	misses    uint64
	evictions uint64
	now       func() time.Time
}

// NewCache creates a cache. capacity <= 0 disables caching entirely.
func NewCache(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		entries:  make(map[string]*cacheEntry),
		lru:      list.New(),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

func cacheKey(id, spec string) string {
	return id + "@" + spec
}

// Get returns a clone of the cached strategy for (id, spec), if present
// and unexpired.
func (c *Cache) Get(id, spec string) (*strategy.Strategy, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[cacheKey(id, spec)]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.ttl > 0 && c.now().After(e.expires) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}
	c.lru.MoveToFront(e.lruIndex)
	c.hits++
	return e.value.Clone(), true
}

// Put stores a resolved lookup, evicting the least recently used entry
// if at capacity.
func (c *Cache) Put(id, spec string, s *strategy.Strategy) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(id, spec)
	if e, ok := c.entries[key]; ok {
		e.value = s
		e.expires = c.now().Add(c.ttl)
		c.lru.MoveToFront(e.lruIndex)
		return
	}

	for len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	e := &cacheEntry{key: key, id: id, value: s, expires: c.now().Add(c.ttl)}
	e.lruIndex = c.lru.PushFront(e)
	c.entries[key] = e
}

// InvalidateStrategy drops every cached lookup for one strategy id.
func (c *Cache) InvalidateStrategy(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.id == id {
			c.removeLocked(e)
		}
	}
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.lru.Init()
}

// EvictToWatermark evicts LRU entries until usage is at or below
// watermark*capacity. Returns the number evicted.
func (c *Cache) EvictToWatermark(watermark float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := int(float64(c.capacity) * watermark)
	evicted := 0
	for len(c.entries) > target {
		c.evictOldestLocked()
		evicted++
	}
	return evicted
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		Capacity:  c.capacity,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

func (c *Cache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*cacheEntry))
	c.evictions++
}

func (c *Cache) removeLocked(e *cacheEntry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.lruIndex)
}
