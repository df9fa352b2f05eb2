// Package memory provides a process-local TTL cache.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/review-harvester/internal/clock/system"
	"github.com/JakeFAU/review-harvester/internal/scraper"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache implements scraper.Cache with a map guarded by a RWMutex. Entries are
// immutable once stored and are never served at or after their expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	clock   scraper.Clock
}

// New creates a Cache. A nil clock uses wall time.
func New(clock scraper.Clock) *Cache {
	if clock == nil {
		clock = system.New()
	}
	return &Cache{
		entries: make(map[string]entry),
		clock:   clock,
	}
}

// Get returns a copy of the value stored under key if it has not expired.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := c.clock.Now()
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && !now.Before(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Put stores a copy of value for ttl. A non-positive ttl stores nothing.
func (c *Cache) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	e := entry{
		value:     append([]byte(nil), value...),
		expiresAt: c.clock.Now().Add(ttl),
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Sweep removes expired entries and reports how many were dropped.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps every interval until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
