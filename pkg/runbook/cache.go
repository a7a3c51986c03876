// Package runbook suggests remediation runbooks for SLO violations,
// resolving them from a GitHub repository with TTL caching.
package runbook

import (
	"sync"
	"time"
)

type cacheEntry struct {
	content   string
	fetchedAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL expiration. Expired
// entries are cleaned up lazily on Get; there is no background
// goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

// NewCache creates a cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

// Get returns cached content if present and not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}

	if time.Since(entry.fetchedAt) > c.ttl {
		// Re-check under the write lock: a concurrent Set may have
		// replaced the entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.fetchedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return "", false
	}
	return entry.content, true
}

// Set stores content with the current timestamp.
func (c *Cache) Set(key, content string) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry{content: content, fetchedAt: time.Now()}
	c.mu.Unlock()
}
