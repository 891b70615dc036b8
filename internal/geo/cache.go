package geo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/donor-matching/internal/models"
	"github.com/example/donor-matching/internal/observability"
)

// CachedIndex is a read-through cache in front of another Index. Entries
// live for at most ttl, so a location update is visible to searches no later
// than ttl after it reaches the wrapped index. When maxEntries is reached the
// oldest entry is evicted. Errors are never cached.
type CachedIndex struct {
	next       Index
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu    sync.Mutex
	store map[string]cacheEntry
}

type cacheEntry struct {
	v  []models.DonorLocation
	ts time.Time
}

func NewCachedIndex(next Index, ttl time.Duration, maxEntries int) *CachedIndex {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &CachedIndex{next: next, ttl: ttl, maxEntries: maxEntries, now: time.Now, store: make(map[string]cacheEntry)}
}

func cacheKey(origin models.Coord, maxKm float64, f models.Filters) string {
	return fmt.Sprintf("%.4f,%.4f|%.1f|%s", origin.Lat, origin.Lng, maxKm, f)
}

func (c *CachedIndex) Query(ctx context.Context, origin models.Coord, maxKm float64, f models.Filters) ([]models.DonorLocation, error) {
	k := cacheKey(origin, maxKm, f)
	if v, ok := c.get(k); ok {
		observability.GeoCacheHits.Inc()
		return v, nil
	}
	observability.GeoCacheMisses.Inc()
	v, err := c.next.Query(ctx, origin, maxKm, f)
	if err != nil {
		return nil, err
	}
	c.set(k, v)
	return clone(v), nil
}

func (c *CachedIndex) get(k string) ([]models.DonorLocation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[k]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		delete(c.store, k)
		return nil, false
	}
	return clone(e.v), true
}

func (c *CachedIndex) set(k string, v []models.DonorLocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[k]; !ok && len(c.store) >= c.maxEntries {
		c.evictLocked()
	}
	c.store[k] = cacheEntry{v: clone(v), ts: c.now()}
}

// evictLocked drops expired entries, or the oldest one if none expired.
func (c *CachedIndex) evictLocked() {
	now := c.now()
	var oldestKey string
	var oldest time.Time
	for k, e := range c.store {
		if now.Sub(e.ts) > c.ttl {
			delete(c.store, k)
			continue
		}
		if oldestKey == "" || e.ts.Before(oldest) {
			oldestKey, oldest = k, e.ts
		}
	}
	if len(c.store) >= c.maxEntries && oldestKey != "" {
		delete(c.store, oldestKey)
	}
}

// Invalidate drops every cached entry.
func (c *CachedIndex) Invalidate() {
	c.mu.Lock()
	c.store = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *CachedIndex) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}

func clone(v []models.DonorLocation) []models.DonorLocation {
	if v == nil {
		return nil
	}
	out := make([]models.DonorLocation, len(v))
	copy(out, v)
	return out
}
