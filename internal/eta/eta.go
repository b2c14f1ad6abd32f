package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is the distance and travel time between two points.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Router is the interface used by ride creation to price a trip.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Straight estimates a route as the great-circle distance at a fixed speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) Route(_ context.Context, from, to models.Coord) (Route, error) {
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: EstimateSeconds(d, s.SpeedMps)}, nil
}

// EstimateSeconds converts a distance into travel time at speedMps.
func EstimateSeconds(distanceMeters, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return distanceMeters / speedMps
}

// Fallback tries Primary and falls back to Secondary when it fails.
type Fallback struct {
	Primary   Router
	Secondary Router
}

func (f Fallback) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r, err := f.Primary.Route(ctx, from, to)
	if err == nil {
		return r, nil
	}
	return f.Secondary.Route(ctx, from, to)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	next  Router
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache wraps next with a cache of the provided TTL.
func NewCache(next Router, ttl time.Duration) *Cache {
	return &Cache{next: next, store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	if r, ok := c.get(from, to); ok {
		return r, nil
	}
	r, err := c.next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	c.set(from, to, r)
	return r, nil
}

func (c *Cache) get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.now()}
	c.mu.Unlock()
}
