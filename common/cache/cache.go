// Package cache provides a small in-process TTL cache for hot read paths
// that tolerate slightly stale data, such as workflow budget limits read
// on every node execution.
package cache

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// Cache is a byte-value store with per-entry TTLs
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache implements Cache with a mutex-guarded map. It lives for
// the process; expired entries are invisible immediately and reclaimed
// by a background janitor.
type MemoryCache struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewMemoryCache creates an in-process cache
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{data: make(map[string]entry)}
	go c.janitor()
	return c
}

// Get returns the value for key if present and unexpired
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.data[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key for ttl
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes key if present
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// janitor reclaims expired entries so long-idle keys do not pin memory
func (c *MemoryCache) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, e := range c.data {
			if now.After(e.expiresAt) {
				delete(c.data, key)
			}
		}
		c.mu.Unlock()
	}
}
