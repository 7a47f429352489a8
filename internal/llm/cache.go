package llm

import (
	"sync"
	"time"

	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

type cacheEntry struct {
	expiry time.Time
	result service.AIDetectionResult
}

// resultCache remembers classification results by message ID so a retried
// scan does not pay for the same message twice.
type resultCache struct {
	entries map[string]cacheEntry
	now     func() time.Time
	ttl     time.Duration
	mu      sync.RWMutex
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &resultCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *resultCache) get(key string) (service.AIDetectionResult, bool) {
	if key == "" || c.ttl < 0 {
		return service.AIDetectionResult{}, false
	}

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiry) {
		return service.AIDetectionResult{}, false
	}
	return entry.result, true
}

// set stores a result and drops any expired entries it passes over.
func (c *resultCache) set(key string, result service.AIDetectionResult) {
	if key == "" || c.ttl < 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.After(e.expiry) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{result: result, expiry: now.Add(c.ttl)}
}

func (c *resultCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
