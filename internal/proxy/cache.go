package proxy

import (
	"net/http"
	"sync"
	"time"
)

// DefaultCacheEntries bounds the response cache when no size is configured.
const DefaultCacheEntries = 1000

// maxCachedBody is the largest upstream body kept in the response cache.
const maxCachedBody = 1 << 20

// CachedResponse is a stored upstream GET response.
type CachedResponse struct {
	Status  int
	Header  http.Header
	Body    []byte
	Expires time.Time
}

// ResponseCache holds GET responses of endpoints with a cache TTL. Keys embed
// the connector version, so publishing a new version never serves stale
// entries.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]*CachedResponse
	maxEntries int
}

// NewResponseCache creates a cache holding at most maxEntries responses.
func NewResponseCache(maxEntries int) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	return &ResponseCache{entries: make(map[string]*CachedResponse), maxEntries: maxEntries}
}

// Get returns the live entry for key.
func (c *ResponseCache) Get(key string, now time.Time) (*CachedResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(e.Expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e, true
}

// Put stores resp under key. When the cache is full, expired entries are
// purged first and then the entry closest to expiry is evicted.
func (c *ResponseCache) Put(key string, resp *CachedResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evict(now)
	}
	c.entries[key] = resp
}

func (c *ResponseCache) evict(now time.Time) {
	var (
		victim  string
		soonest time.Time
	)
	for k, e := range c.entries {
		if !now.Before(e.Expires) {
			delete(c.entries, k)
			continue
		}
		if victim == "" || e.Expires.Before(soonest) {
			victim, soonest = k, e.Expires
		}
	}
	if len(c.entries) >= c.maxEntries && victim != "" {
		delete(c.entries, victim)
	}
}

// Len returns the number of stored entries, expired or not.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
