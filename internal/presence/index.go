package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Candidate is a presence entry returned by a radius query.
type Candidate struct {
	models.DriverPresence
	DistanceMeters float64
}

// Index stores the latest presence snapshot per driver and answers radius
// queries. Entries are keyed by driver id; writes overwrite.
type Index interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error)
	Remove(ctx context.Context, driverID string) error
	// Nearby lists entries within radius, nearest first. A limit of zero or
	// less means no cap.
	Nearby(ctx context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error)
	// Sweep removes every entry last seen before cutoff and returns how many.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	Count(ctx context.Context) (int, error)
}

type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.DriverPresence)}
}

func (g *MemoryIndex) Upsert(_ context.Context, p models.DriverPresence) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[p.DriverID] = p
	return nil
}

func (g *MemoryIndex) Get(_ context.Context, driverID string) (models.DriverPresence, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	return p, ok, nil
}

func (g *MemoryIndex) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	delete(g.drivers, driverID)
	g.mu.Unlock()
	return nil
}

// naive scan; fine for a single process and tests
func (g *MemoryIndex) Nearby(_ context.Context, lat, lon, radiusMeters float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	arr := make([]Candidate, 0, len(g.drivers))
	for _, p := range g.drivers {
		dist := geo.Haversine(lat, lon, p.Loc.Lat, p.Loc.Lon)
		if dist > radiusMeters {
			continue
		}
		arr = append(arr, Candidate{DriverPresence: p, DistanceMeters: dist})
	}
	g.mu.RUnlock()

	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceMeters < arr[minIdx].DistanceMeters {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

func (g *MemoryIndex) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, p := range g.drivers {
		if p.LastSeen.Before(cutoff) {
			delete(g.drivers, id)
			removed++
		}
	}
	return removed, nil
}

func (g *MemoryIndex) Count(_ context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.drivers), nil
}
