package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	now    = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pickup = models.Coord{Lat: 52.5200, Lon: 13.4050}
	// ~1.1km from pickup
	near = models.Coord{Lat: 52.5300, Lon: 13.4050}
	// ~11km from pickup
	far = models.Coord{Lat: 52.6200, Lon: 13.4050}
)

type recordingOfferer struct {
	mu      sync.Mutex
	drivers []string
	failFor map[string]bool
}

func (o *recordingOfferer) RideRequest(_ context.Context, driverID string, p models.RideRequestPayload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failFor[driverID] {
		return errors.New("queue unavailable")
	}
	o.drivers = append(o.drivers, driverID)
	return nil
}

func newTracker(clock *time.Time) *presence.Tracker {
	return presence.NewTracker(presence.NewMemoryIndex(), accounts.NewMemoryDirectory(), 120*time.Second, logging.Discard()).
		WithClock(func() time.Time { return *clock })
}

func put(t *testing.T, tr *presence.Tracker, id string, loc models.Coord, vt models.VehicleType, complete bool, status models.AccountStatus, at time.Time) {
	t.Helper()
	if err := tr.UpdatePresence(context.Background(), presence.Update{
		DriverID: id, Loc: loc, VehicleType: vt, ProfileComplete: complete, AccountStatus: status, At: at,
	}); err != nil {
		t.Fatal(err)
	}
}

func openRide(vt models.VehicleType) *models.Ride {
	return &models.Ride{ID: "ride-1", RiderID: "rider-1", Origin: pickup, VehicleType: vt, Status: models.StatusFindingDriver, Price: 12.5}
}

func TestDispatchFreshVersusStaleDriver(t *testing.T) {
	clock := now
	tr := newTracker(&clock)
	off := &recordingOfferer{}
	e := NewEngine(tr, off, Config{RadiusMeters: 5000, SpeedMps: 8}, logging.Discard())

	put(t, tr, "d1", near, models.VehicleCar, true, models.AccountActive, now)
	n, err := e.Dispatch(context.Background(), openRide(models.VehicleCar))
	if err != nil || n != 1 {
		t.Fatalf("fresh driver: n=%d err=%v", n, err)
	}

	put(t, tr, "d1", near, models.VehicleCar, true, models.AccountActive, now.Add(-121*time.Second))
	n, err = e.Dispatch(context.Background(), openRide(models.VehicleCar))
	if err != nil || n != 0 {
		t.Fatalf("stale driver: n=%d err=%v", n, err)
	}
}

func TestDispatchFilters(t *testing.T) {
	clock := now
	tr := newTracker(&clock)
	off := &recordingOfferer{}
	e := NewEngine(tr, off, Config{}, logging.Discard())

	put(t, tr, "ok", near, models.VehicleCar, true, models.AccountActive, now)
	put(t, tr, "incomplete", near, models.VehicleCar, false, models.AccountActive, now)
	put(t, tr, "suspended", near, models.VehicleCar, true, models.AccountSuspended, now)
	put(t, tr, "bike", near, models.VehicleMotorBike, true, models.AccountActive, now)
	put(t, tr, "unknown", near, "", true, models.AccountActive, now)
	put(t, tr, "far", far, models.VehicleCar, true, models.AccountActive, now)

	n, err := e.Dispatch(context.Background(), openRide(models.VehicleCar))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(off.drivers) != 1 || off.drivers[0] != "ok" {
		t.Fatalf("expected only 'ok', got n=%d %v", n, off.drivers)
	}
}

func TestDispatchContinuesPastFailedCandidate(t *testing.T) {
	clock := now
	tr := newTracker(&clock)
	off := &recordingOfferer{failFor: map[string]bool{"a": true}}
	e := NewEngine(tr, off, Config{}, logging.Discard())
	put(t, tr, "a", near, models.VehicleCar, true, models.AccountActive, now)
	put(t, tr, "b", near, models.VehicleCar, true, models.AccountActive, now)

	n, err := e.Dispatch(context.Background(), openRide(models.VehicleCar))
	if err != nil || n != 1 || off.drivers[0] != "b" {
		t.Fatalf("n=%d err=%v drivers=%v", n, err, off.drivers)
	}
}

// stalePresence returns a candidate from the geo query that fails the
// fan-out re-check, as a lagging index would.
type stalePresence struct{}

func (stalePresence) Nearby(context.Context, models.Coord, float64, int, models.VehicleType) ([]presence.Candidate, error) {
	return []presence.Candidate{{DriverPresence: models.DriverPresence{DriverID: "ghost"}}}, nil
}

func (stalePresence) Eligible(context.Context, string, models.VehicleType) (models.DriverPresence, bool, error) {
	return models.DriverPresence{}, false, nil
}

func TestDispatchRechecksAtFanOut(t *testing.T) {
	off := &recordingOfferer{}
	e := NewEngine(stalePresence{}, off, Config{}, logging.Discard())
	n, err := e.Dispatch(context.Background(), openRide(models.VehicleCar))
	if err != nil || n != 0 || len(off.drivers) != 0 {
		t.Fatalf("n=%d err=%v drivers=%v", n, err, off.drivers)
	}
}

func TestDispatchUnknownVehicleTypeNotifiesNobody(t *testing.T) {
	clock := now
	tr := newTracker(&clock)
	off := &recordingOfferer{}
	e := NewEngine(tr, off, Config{}, logging.Discard())
	put(t, tr, "d1", near, models.VehicleCar, true, models.AccountActive, now)
	if n, err := e.Dispatch(context.Background(), openRide("HOVERCRAFT")); err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
}

func TestDispatchToNamedDriver(t *testing.T) {
	clock := now
	tr := newTracker(&clock)
	off := &recordingOfferer{}
	e := NewEngine(tr, off, Config{}, logging.Discard())
	put(t, tr, "far", far, models.VehicleCar, true, models.AccountActive, now)
	put(t, tr, "stale", near, models.VehicleCar, true, models.AccountActive, now.Add(-10*time.Minute))

	if n, _ := e.DispatchTo(context.Background(), openRide(models.VehicleCar), "far"); n != 1 {
		t.Fatalf("targeted dispatch ignores radius, got %d", n)
	}
	if n, _ := e.DispatchTo(context.Background(), openRide(models.VehicleCar), "stale"); n != 0 {
		t.Fatalf("targeted dispatch still checks freshness, got %d", n)
	}
	if n, _ := e.DispatchTo(context.Background(), openRide(models.VehicleCar), "nobody"); n != 0 {
		t.Fatalf("unknown driver, got %d", n)
	}
}
