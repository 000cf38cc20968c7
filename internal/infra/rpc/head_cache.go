package rpc

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HeadSource reports the current chain head.
type HeadSource interface {
	LastBlock(ctx context.Context) (uint64, error)
}

// HeadCache caches LastBlock so health probes do not hammer the provider.
type HeadCache struct {
	source HeadSource
	ttl    time.Duration
	group  singleflight.Group

	mu       sync.RWMutex
	cached   uint64
	cachedAt time.Time
}

// NewHeadCache creates a new head cache with the given TTL.
func NewHeadCache(source HeadSource, ttl time.Duration) *HeadCache {
	return &HeadCache{
		source: source,
		ttl:    ttl,
	}
}

// LastBlock returns the cached head if within TTL, otherwise fetches fresh.
// Concurrent misses share one upstream call.
func (c *HeadCache) LastBlock(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.cachedAt) < c.ttl && !c.cachedAt.IsZero() {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("head", func() (any, error) {
		head, err := c.source.LastBlock(ctx)
		if err != nil {
			return uint64(0), err
		}
		c.Observe(head)
		return head, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// Observe records a head learned elsewhere, e.g. from a subscription.
// Older heights are ignored while the cache is fresh.
func (c *HeadCache) Observe(head uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.cachedAt) < c.ttl && head < c.cached {
		return
	}
	c.cached = head
	c.cachedAt = time.Now()
}

// Invalidate clears the cache, forcing the next call to fetch fresh data.
func (c *HeadCache) Invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}
