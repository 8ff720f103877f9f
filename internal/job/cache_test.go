package job

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songqueue/songapi/internal/job/id"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_Defaults(t *testing.T) {
	c := NewMemoryCache()
	assert.Equal(t, 256*time.Second, c.TTL())

	c = NewMemoryCache(WithTTL(0))
	assert.Equal(t, DefaultCacheTTL, c.TTL(), "non-positive TTL should be ignored")
}

func TestMemoryCache_InsertThenExists(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	jobID := id.Generate()

	require.NoError(t, c.Insert(ctx, jobID))

	ok, err := c.Exists(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_UnknownID(t *testing.T) {
	c := NewMemoryCache()

	ok, err := c.Exists(context.Background(), id.Generate())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(WithClock(clock.Now))
	ctx := context.Background()
	jobID := id.Generate()

	require.NoError(t, c.Insert(ctx, jobID))

	clock.Advance(255 * time.Second)
	ok, _ := c.Exists(ctx, jobID)
	assert.True(t, ok, "entry should survive until the TTL elapses")

	clock.Advance(time.Second)
	ok, _ = c.Exists(ctx, jobID)
	assert.False(t, ok, "entry should expire 256s after insertion")
	assert.Equal(t, 0, c.Len(), "expired entry should be evicted on lookup")
}

func TestMemoryCache_ReinsertRenewsTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "a"))
	clock.Advance(200 * time.Second)
	require.NoError(t, c.Insert(ctx, "a"))
	clock.Advance(200 * time.Second)

	ok, _ := c.Exists(ctx, "a")
	assert.True(t, ok)
}

func TestMemoryCache_Remove(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	jobID := id.Generate()
	require.NoError(t, c.Insert(ctx, jobID))

	require.NoError(t, c.Remove(ctx, jobID))

	ok, err := c.Exists(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	assert.NoError(t, c.Remove(ctx, jobID), "removing an unknown id is a no-op")
}

func TestMemoryCache_Purge(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(WithClock(clock.Now), WithTTL(10*time.Second))
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, "old-1"))
	require.NoError(t, c.Insert(ctx, "old-2"))
	clock.Advance(5 * time.Second)
	require.NoError(t, c.Insert(ctx, "fresh"))
	clock.Advance(5 * time.Second)

	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 1, c.Len())

	ok, _ := c.Exists(ctx, "fresh")
	assert.True(t, ok)
}

func TestMemoryCache_Sweeper(t *testing.T) {
	clock := newFakeClock()
	c := NewMemoryCache(WithClock(clock.Now), WithTTL(time.Second))
	require.NoError(t, c.Insert(context.Background(), "gone"))
	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := c.StartSweeper(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestMemoryCache_SweeperDisabled(t *testing.T) {
	c := NewMemoryCache()
	done := c.StartSweeper(context.Background(), 0)

	select {
	case <-done:
	default:
		t.Fatal("expected disabled sweeper to report done immediately")
	}
}

func TestMemoryCache_ConcurrentInsertAndLookup(t *testing.T) {
	const n = 1000
	c := NewMemoryCache()
	ctx := context.Background()

	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%d", id.Generate(), i)
	}

	var wg sync.WaitGroup
	for _, jobID := range ids {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_ = c.Insert(ctx, jobID)
		}(jobID)
	}
	wg.Wait()

	var missing sync.Map
	for _, jobID := range ids {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			if ok, _ := c.Exists(ctx, jobID); !ok {
				missing.Store(jobID, true)
			}
		}(jobID)
	}
	wg.Wait()

	missing.Range(func(k, _ any) bool {
		t.Errorf("lost update for %v", k)
		return true
	})
	assert.Equal(t, n, c.Len())
}
