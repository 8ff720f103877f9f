package job

import (
	"context"
	"sync"
	"time"
)

// DefaultCacheTTL is how long a job ID stays known after insertion.
const DefaultCacheTTL = 256 * time.Second

// Cache answers whether a job ID is currently tracked.
// Entries expire a fixed TTL after insertion.
type Cache interface {
	// Insert records that id exists, (re)starting its expiry timer.
	Insert(ctx context.Context, id string) error

	// Exists reports whether id was inserted and has not yet expired.
	// Unknown and expired IDs return false without an error.
	Exists(ctx context.Context, id string) (bool, error)

	// Remove forgets id. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
}

// Compile-time check that MemoryCache implements Cache.
var _ Cache = (*MemoryCache)(nil)

// MemoryCache is an in-process Cache backed by a map guarded by an RWMutex.
// Expiry is checked lazily on lookup; StartSweeper adds a periodic purge.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// CacheOption configures a MemoryCache.
type CacheOption func(*MemoryCache)

// WithTTL overrides DefaultCacheTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *MemoryCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the time source, mainly for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *MemoryCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMemoryCache creates an empty in-memory existence cache.
func NewMemoryCache(opts ...CacheOption) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]time.Time),
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *MemoryCache) TTL() time.Duration {
	return c.ttl
}

// Insert implements Cache.
func (c *MemoryCache) Insert(_ context.Context, id string) error {
	expiresAt := c.now().Add(c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = expiresAt
	return nil
}

// Exists implements Cache. An expired entry is removed on the way out.
func (c *MemoryCache) Exists(_ context.Context, id string) (bool, error) {
	now := c.now()

	c.mu.RLock()
	expiresAt, ok := c.entries[id]
	c.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if now.Before(expiresAt) {
		return true, nil
	}

	c.mu.Lock()
	// Re-check under the write lock: a concurrent Insert may have renewed it.
	if exp, still := c.entries[id]; still && !now.Before(exp) {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	return false, nil
}

// Remove implements Cache.
func (c *MemoryCache) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// Len returns the number of entries held, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge removes every expired entry and returns how many were dropped.
func (c *MemoryCache) Purge() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, expiresAt := range c.entries {
		if !now.Before(expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper purges expired entries every interval until ctx is done.
// The returned channel is closed once the sweeper has stopped.
func (c *MemoryCache) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Purge()
			}
		}
	}()
	return done
}
