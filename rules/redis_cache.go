package rules

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/liamcoop/ruleassist/internal/logger"
	"github.com/redis/go-redis/v9"
)

// RedisRulesCache shares the rules snapshot between server replicas.
// Redis failures degrade to cache misses.
type RedisRulesCache struct {
	client *redis.Client
	config CacheConfig
}

func NewRedisRulesCache(client *redis.Client, config CacheConfig) *RedisRulesCache {
	if config.Key == "" {
		config.Key = DefaultCacheConfig().Key
	}
	return &RedisRulesCache{client: client, config: config}
}

func (c *RedisRulesCache) Get(ctx context.Context) ([]*Rule, bool) {
	data, err := c.client.Get(ctx, c.config.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		logger.Warn("rules cache read failed", "key", c.config.Key, "error", err)
		return nil, false
	}

	var list []*Rule
	if err := json.Unmarshal(data, &list); err != nil {
		logger.Warn("rules cache entry corrupt", "key", c.config.Key, "error", err)
		c.Invalidate(ctx)
		return nil, false
	}
	return list, true
}

func (c *RedisRulesCache) Set(ctx context.Context, rules []*Rule) {
	data, err := json.Marshal(rules)
	if err != nil {
		logger.Warn("rules cache encode failed", "error", err)
		return
	}
	if err := c.client.Set(ctx, c.config.Key, data, c.config.TTL).Err(); err != nil {
		logger.Warn("rules cache write failed", "key", c.config.Key, "error", err)
	}
}

func (c *RedisRulesCache) Invalidate(ctx context.Context) {
	if err := c.client.Del(ctx, c.config.Key).Err(); err != nil {
		logger.Warn("rules cache invalidate failed", "key", c.config.Key, "error", err)
	}
}
