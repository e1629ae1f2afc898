package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NegativeCache remembers keys the server recently reported as missing, so
// repeated probes for absent files (shells, editors and file managers
// produce plenty) do not each cost a PROPFIND.
type NegativeCache struct {
	entries *lru.Cache[string, time.Time]
	ttl     time.Duration
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64

	// guards prefix invalidation against concurrent adds
	mu sync.RWMutex
}

// NegativeStats reports cache effectiveness.
type NegativeStats struct {
	Size   int
	Hits   uint64
	Misses uint64
}

// NewNegativeCache creates a cache holding at most size keys for ttl each.
// A non-positive ttl disables the cache.
func NewNegativeCache(size int, ttl time.Duration) (*NegativeCache, error) {
	if size <= 0 {
		size = 1
	}
	entries, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &NegativeCache{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// Has reports whether key is known to be missing.
func (c *NegativeCache) Has(key string) bool {
	if c.ttl <= 0 {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	expiresAt, ok := c.entries.Get(key)
	if !ok {
		c.misses.Add(1)
		return false
	}
	if c.now().After(expiresAt) {
		c.entries.Remove(key)
		c.misses.Add(1)
		return false
	}

	c.hits.Add(1)
	return true
}

// Add records key as missing.
func (c *NegativeCache) Add(key string) {
	if c.ttl <= 0 {
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	c.entries.Add(key, c.now().Add(c.ttl))
}

// Remove forgets key.
func (c *NegativeCache) Remove(key string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	c.entries.Remove(key)
}

// RemovePrefix forgets key and every key below it.
func (c *NegativeCache) RemovePrefix(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range c.entries.Keys() {
		if k == key || strings.HasPrefix(k, key+"/") {
			c.entries.Remove(k)
		}
	}
}

// Stats returns the current statistics.
func (c *NegativeCache) Stats() NegativeStats {
	return NegativeStats{
		Size:   c.entries.Len(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
}
