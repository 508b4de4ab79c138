package retrieval

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache memoizes retrieval results per (user, query) with a TTL. Entries
// for a user are dropped when new memory lands or forgetting runs, so the
// cache never outlives the data it reflects.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	ttl     time.Duration
	nowFunc func() time.Time
}

type cacheEntry struct {
	userID    string
	result    *Result
	expiresAt time.Time
}

// NewCache creates a cache with the given TTL. A non-positive TTL disables
// caching entirely.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: map[string]cacheEntry{},
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

func cacheKey(userID, query string) string {
	h := sha256.Sum256([]byte(query))
	return userID + ":" + hex.EncodeToString(h[:8])
}

// Get returns the cached result for (userID, query), or nil.
func (c *Cache) Get(userID, query string) *Result {
	if c == nil || c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(userID, query)
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.nowFunc().After(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e.result
}

// Put stores a result for (userID, query).
func (c *Cache) Put(userID, query string, r *Result) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(userID, query)] = cacheEntry{
		userID:    userID,
		result:    r,
		expiresAt: c.nowFunc().Add(c.ttl),
	}
}

// Invalidate drops every cached result for a user.
func (c *Cache) Invalidate(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.userID == userID {
			delete(c.entries, key)
		}
	}
}
