package job

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "job:"

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)

// RedisCache is a Cache shared between API replicas through Redis.
// Each ID is stored as a key with a native Redis expiry.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisCache creates a RedisCache. A non-positive ttl selects DefaultCacheTTL.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

// Insert implements Cache.
func (c *RedisCache) Insert(ctx context.Context, id string) error {
	if err := c.rdb.Set(ctx, cacheKey(id), 1, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache insert %s: %w", id, err)
	}
	return nil
}

// Exists implements Cache.
func (c *RedisCache) Exists(ctx context.Context, id string) (bool, error) {
	n, err := c.rdb.Exists(ctx, cacheKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("cache lookup %s: %w", id, err)
	}
	return n == 1, nil
}

// Remove implements Cache.
func (c *RedisCache) Remove(ctx context.Context, id string) error {
	if err := c.rdb.Del(ctx, cacheKey(id)).Err(); err != nil {
		return fmt.Errorf("cache remove %s: %w", id, err)
	}
	return nil
}

func cacheKey(id string) string {
	return cacheKeyPrefix + id
}
