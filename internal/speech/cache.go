package speech

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Cache stores synthesized audio keyed by voice and exact text.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, audio []byte)
}

// DefaultCacheEntries bounds [MemoryCache] when no size is given.
const DefaultCacheEntries = 512

// MemoryCache is a process-local least-recently-used [Cache].
type MemoryCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewMemoryCache creates a cache holding at most maxEntries utterances.
// A non-positive maxEntries uses [DefaultCacheEntries].
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &MemoryCache{lru: lru.New(maxEntries)}
}

// Get implements [Cache].
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Put implements [Cache].
func (c *MemoryCache) Put(key string, audio []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, audio)
}

// Len returns the number of cached utterances.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

var _ Cache = (*MemoryCache)(nil)

// cacheKey joins voice and text with a separator that cannot occur in either.
func cacheKey(voiceID, text string) string {
	return voiceID + "\x00" + text
}
