package rules

import (
	"context"
	"time"
)

// RulesCache caches the list_rules snapshot read by conflict analysis.
// Readers tolerate staleness; writers invalidate after every mutation.
type RulesCache interface {
	// Get returns the cached rules and true, or false on a miss or expiry.
	Get(ctx context.Context) ([]*Rule, bool)

	// Set stores a snapshot.
	Set(ctx context.Context, rules []*Rule)

	// Invalidate drops the snapshot so the next Get misses.
	Invalidate(ctx context.Context)
}

// CacheConfig holds configuration for cache behavior.
type CacheConfig struct {
	// TTL bounds how long a snapshot is served. Zero means until invalidated.
	TTL time.Duration

	// Key names the snapshot in shared caches.
	Key string
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 30 * time.Second,
		Key: "ruleassist:rules:all",
	}
}

// CachedRuleStore serves ListRules from a RulesCache and invalidates it on writes.
type CachedRuleStore struct {
	RuleStore
	cache RulesCache
}

func NewCachedRuleStore(store RuleStore, cache RulesCache) *CachedRuleStore {
	return &CachedRuleStore{RuleStore: store, cache: cache}
}

func (s *CachedRuleStore) ListRules(ctx context.Context) ([]*Rule, error) {
	if cached, ok := s.cache.Get(ctx); ok {
		return cached, nil
	}

	list, err := s.RuleStore.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, list)
	return list, nil
}

func (s *CachedRuleStore) Upsert(ctx context.Context, rule *Rule) error {
	if err := s.RuleStore.Upsert(ctx, rule); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}

func (s *CachedRuleStore) Delete(ctx context.Context, id string) error {
	if err := s.RuleStore.Delete(ctx, id); err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	return nil
}
