// Package cache stores normalized result pages keyed by request fingerprint.
// Entries expire independently; lookups never fail, they hit or miss.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resale-search-gateway/internal/search"
)

// Entry is one cached page plus its lifetime.
type Entry struct {
	Page      search.ResultPage `json:"page"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Live reports whether the entry is visible at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Store is a cache backend. Implementations must drop or hide entries whose
// ExpiresAt has passed.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
	Clear(ctx context.Context) error
}

// Sizer is implemented by stores that can report their size in constant
// time. Stats only reads sizes from a Sizer.
type Sizer interface {
	Len(ctx context.Context) (int, error)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64   `json:"total_hits"`
	Misses  int64   `json:"total_misses"`
	HitRate float64 `json:"hit_rate"`
	// Entries is nil when the backend cannot count entries cheaply.
	Entries *int `json:"entries"`
}

// Cache wraps a Store with hit/miss accounting and copy-on-read semantics.
type Cache struct {
	store  Store
	clock  search.Clock
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New constructs a Cache over store.
func New(store Store, clock search.Clock, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{store: store, clock: clock, logger: logger}
}

// Lookup returns a private copy of the cached page for key.
func (c *Cache) Lookup(ctx context.Context, key string) (search.ResultPage, bool) {
	entry, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed, treating as miss", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if ok && !entry.Live(c.clock.Now()) {
		ok = false
	}
	if !ok {
		c.misses.Add(1)
		return search.ResultPage{}, false
	}
	c.hits.Add(1)
	return entry.Page.Clone(), true
}

// Store saves page under key for ttl. Non-positive ttls are ignored.
func (c *Cache) Store(ctx context.Context, key string, page search.ResultPage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	now := c.clock.Now()
	entry := Entry{
		Page:      page.Clone(),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := c.store.Set(ctx, key, entry); err != nil {
		c.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// Stats returns counters and, for a Sizer backend, the current entry count.
func (c *Cache) Stats(ctx context.Context) Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	sizer, ok := c.store.(Sizer)
	if !ok {
		return stats
	}
	n, err := sizer.Len(ctx)
	if err != nil {
		c.logger.Debug("cache size unavailable", zap.Error(err))
		return stats
	}
	stats.Entries = &n
	return stats
}

// Clear drops every entry and resets the counters.
func (c *Cache) Clear(ctx context.Context) error {
	c.ResetStats()
	return c.store.Clear(ctx)
}

// ResetStats zeroes the hit and miss counters.
func (c *Cache) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}
