package memory

import (
	"strings"
	"sync"
	"time"
)

const DefaultTTL = 15 * time.Minute

type cached struct {
	block     string
	createdAt time.Time
}

// Cache keeps rendered memory blocks in memory for a short time so that
// repeated recalls of the same memories within a conversation skip storage.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cached
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cached, 32),
	}
}

func (c *Cache) Save(id, block string) {
	if c == nil {
		return
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupExpiredLocked(now)
	c.entries[strings.TrimSpace(id)] = cached{block: block, createdAt: now}
}

func (c *Cache) Load(id string) (string, bool) {
	if c == nil {
		return "", false
	}

	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupExpiredLocked(now)

	item, ok := c.entries[strings.TrimSpace(id)]
	if !ok {
		return "", false
	}
	return item.block, true
}

func (c *Cache) cleanupExpiredLocked(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for id, item := range c.entries {
		if item.createdAt.Before(cutoff) {
			delete(c.entries, id)
		}
	}
}
