package distance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/haulkind/dispatch-engine/internal/geo"
	"github.com/haulkind/dispatch-engine/internal/models"
)

// Estimator resolves travel distance in miles between two points.
type Estimator interface {
	Miles(ctx context.Context, from, to models.Coord) (float64, error)
}

// StraightLine estimates distance as the great-circle distance times a detour factor.
type StraightLine struct {
	// DetourFactor approximates road distance; values <= 0 mean 1.
	DetourFactor float64
}

func (s StraightLine) Miles(_ context.Context, from, to models.Coord) (float64, error) {
	f := s.DetourFactor
	if f <= 0 {
		f = 1
	}
	return geo.Miles(from, to) * f, nil
}

// Cache is a tiny in-memory cache for distance lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Resolver tries the primary estimator (usually OSRM), caches hits and falls back on error.
type Resolver struct {
	Primary  Estimator
	Fallback Estimator
	Cache    *Cache
}

func (r *Resolver) Miles(ctx context.Context, from, to models.Coord) (float64, error) {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if r.Primary != nil {
		if v, err := r.Primary.Miles(ctx, from, to); err == nil {
			if r.Cache != nil {
				r.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	fb := r.Fallback
	if fb == nil {
		fb = StraightLine{}
	}
	return fb.Miles(ctx, from, to)
}
