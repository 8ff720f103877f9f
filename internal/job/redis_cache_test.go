package job

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songqueue/songapi/internal/job/id"
)

// newTestRedis connects to REDIS_TEST_URL or skips the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)

	rdb := redis.NewClient(opt)
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return rdb
}

func TestNewRedisCache_DefaultTTL(t *testing.T) {
	c := NewRedisCache(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), 0)
	assert.Equal(t, DefaultCacheTTL, c.ttl)
}

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "job:abc", cacheKey("abc"))
}

func TestRedisCache_InsertExistsExpire(t *testing.T) {
	rdb := newTestRedis(t)
	c := NewRedisCache(rdb, time.Second)
	ctx := context.Background()
	jobID := id.Generate()
	t.Cleanup(func() { _ = rdb.Del(ctx, cacheKey(jobID)).Err() })

	ok, err := c.Exists(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Insert(ctx, jobID))

	ok, err = c.Exists(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := rdb.TTL(ctx, cacheKey(jobID)).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, time.Second)

	assert.Eventually(t, func() bool {
		ok, err := c.Exists(ctx, jobID)
		return err == nil && !ok
	}, 3*time.Second, 100*time.Millisecond)
}

func TestRedisCache_Remove(t *testing.T) {
	rdb := newTestRedis(t)
	c := NewRedisCache(rdb, time.Minute)
	ctx := context.Background()
	jobID := id.Generate()

	require.NoError(t, c.Insert(ctx, jobID))
	require.NoError(t, c.Remove(ctx, jobID))

	ok, err := c.Exists(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, c.Remove(ctx, jobID))
}

func TestRedisCache_Unreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	c := NewRedisCache(rdb, time.Minute)

	_, err := c.Exists(context.Background(), "x")
	assert.Error(t, err)
	assert.Error(t, c.Insert(context.Background(), "x"))
	assert.Error(t, c.Remove(context.Background(), "x"))
}
