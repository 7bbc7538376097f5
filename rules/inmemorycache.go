package rules

import (
	"context"
	"sync"
	"time"
)

// InMemoryRulesCache keeps a process-local snapshot. Rules are cloned on the
// way in and out so callers cannot mutate the cached copy.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	isValid  bool
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

func (c *InMemoryRulesCache) Get(_ context.Context) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.isValid {
		return nil, false
	}
	if c.config.TTL > 0 && time.Since(c.cachedAt) > c.config.TTL {
		return nil, false
	}
	return cloneAll(c.rules), true
}

func (c *InMemoryRulesCache) Set(_ context.Context, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = cloneAll(rules)
	c.cachedAt = time.Now()
	c.isValid = true
}

func (c *InMemoryRulesCache) Invalidate(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.rules = nil
}

func cloneAll(rules []*Rule) []*Rule {
	out := make([]*Rule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}
