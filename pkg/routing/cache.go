package routing

import (
	"context"
	"sync"
	"time"
)

// CachedResolver keeps the last successfully fetched table for a TTL.
// Failed fetches are never cached.
type CachedResolver struct {
	src TableSource
	ttl time.Duration

	mu        sync.RWMutex
	table     Table
	expiresAt time.Time
}

// NewCached wraps src with a TTL cache.
func NewCached(src TableSource, ttl time.Duration) *CachedResolver {
	return &CachedResolver{src: src, ttl: ttl}
}

// Table returns the cached table, refreshing it once it has expired.
func (c *CachedResolver) Table(ctx context.Context) (Table, error) {
	if t, ok := c.get(); ok {
		return t, nil
	}
	t, err := c.src.Table(ctx)
	if err != nil {
		return t, err
	}
	c.set(t)
	return t, nil
}

// Resolve returns the server base URL for token.
func (c *CachedResolver) Resolve(ctx context.Context, token string) (string, error) {
	return resolve(ctx, c, token)
}

// Invalidate drops the cached table.
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = nil
	c.expiresAt = time.Time{}
}

func (c *CachedResolver) get() (Table, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.table == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.table, true
}

func (c *CachedResolver) set(t Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = t
	c.expiresAt = time.Now().Add(c.ttl)
}
