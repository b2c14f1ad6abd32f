package presence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	base   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pickup = models.Coord{Lat: 52.5200, Lon: 13.4050}
	// ~1.1km north of pickup
	near = models.Coord{Lat: 52.5300, Lon: 13.4050}
	// ~11km north of pickup
	far = models.Coord{Lat: 52.6200, Lon: 13.4050}
)

func indexes(t *testing.T) map[string]Index {
	t.Helper()
	out := map[string]Index{"memory": NewMemoryIndex()}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c := redis.NewClient(&redis.Options{Addr: addr})
		key := "test:presence:" + t.Name()
		t.Cleanup(func() {
			_ = c.Del(context.Background(), key, key+":seen").Err()
			_ = c.Close()
		})
		out["redis"] = NewRedisIndex(c, key)
	}
	return out
}

func newTracker(idx Index, now *time.Time) *Tracker {
	dir := accounts.NewMemoryDirectory()
	dir.PutDriver(models.DriverAccount{ID: "d-active", VehicleType: models.VehicleCar, ProfileComplete: true, Status: models.AccountActive})
	dir.PutDriver(models.DriverAccount{ID: "d-suspended", VehicleType: models.VehicleCar, ProfileComplete: true, Status: models.AccountSuspended})
	return NewTracker(idx, dir, 120*time.Second, logging.Discard()).WithClock(func() time.Time { return *now })
}

func put(t *testing.T, tr *Tracker, id string, loc models.Coord, vt models.VehicleType, complete bool, status models.AccountStatus, at time.Time) {
	t.Helper()
	err := tr.UpdatePresence(context.Background(), Update{
		DriverID: id, Loc: loc, VehicleType: vt, ProfileComplete: complete, AccountStatus: status, At: at,
	})
	if err != nil {
		t.Fatalf("update presence %s: %v", id, err)
	}
}

func TestNearbyAppliesEligibilityFilters(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			now := base
			tr := newTracker(idx, &now)
			put(t, tr, "ok", near, models.VehicleCar, true, models.AccountActive, base)
			put(t, tr, "far", far, models.VehicleCar, true, models.AccountActive, base)
			put(t, tr, "bike", near, models.VehicleMotorBike, true, models.AccountActive, base)
			put(t, tr, "incomplete", near, models.VehicleCar, false, models.AccountActive, base)
			put(t, tr, "banned", near, models.VehicleCar, true, models.AccountBanned, base)
			put(t, tr, "unknown-vehicle", near, "", true, models.AccountActive, base)
			put(t, tr, "stale", near, models.VehicleCar, true, models.AccountActive, base.Add(-121*time.Second))

			got, err := tr.Nearby(context.Background(), pickup, 5000, 50, models.VehicleCar)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].DriverID != "ok" {
				t.Fatalf("expected only the eligible driver, got %+v", got)
			}
			if got[0].DistanceMeters < 1000 || got[0].DistanceMeters > 1200 {
				t.Fatalf("unexpected distance %f", got[0].DistanceMeters)
			}
		})
	}
}

func TestNearbyLimitCountsEligibleDriversOnly(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			now := base
			tr := newTracker(idx, &now)
			// two bikes parked next to the pickup, the only car further out
			put(t, tr, "bike-1", models.Coord{Lat: 52.5201, Lon: 13.4050}, models.VehicleMotorBike, true, models.AccountActive, base)
			put(t, tr, "bike-2", models.Coord{Lat: 52.5200, Lon: 13.4052}, models.VehicleMotorBike, true, models.AccountActive, base)
			put(t, tr, "car", near, models.VehicleCar, true, models.AccountActive, base)

			got, err := tr.Nearby(context.Background(), pickup, 5000, 2, models.VehicleCar)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].DriverID != "car" {
				t.Fatalf("expected the car behind the bikes, got %+v", got)
			}

			got, err = tr.Nearby(context.Background(), pickup, 5000, 1, models.VehicleMotorBike)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].DriverID != "bike-1" {
				t.Fatalf("expected the nearest bike only, got %+v", got)
			}
		})
	}
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	for name, idx := range indexes(t) {
		t.Run(name, func(t *testing.T) {
			now := base
			tr := newTracker(idx, &now)
			put(t, tr, "fresh", near, models.VehicleCar, true, models.AccountActive, base.Add(-60*time.Second))
			put(t, tr, "stale", near, models.VehicleCar, true, models.AccountActive, base.Add(-200*time.Second))

			n, err := tr.Sweep(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("expected one eviction, got %d", n)
			}
			if _, ok, _ := idx.Get(context.Background(), "stale"); ok {
				t.Fatalf("stale entry survived the sweep")
			}
			if _, ok, _ := idx.Get(context.Background(), "fresh"); !ok {
				t.Fatalf("fresh entry was evicted")
			}
		})
	}
}

func TestGoOnlineUsesAccountData(t *testing.T) {
	now := base
	idx := NewMemoryIndex()
	tr := newTracker(idx, &now)
	ctx := context.Background()

	if err := tr.UpdateLocation(ctx, "d-active", near); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("location update while offline must conflict, got %v", err)
	}
	if err := tr.GoOnline(ctx, "d-suspended", near); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("suspended driver must not go online, got %v", err)
	}
	if err := tr.GoOnline(ctx, "d-active", near); err != nil {
		t.Fatal(err)
	}
	now = base.Add(30 * time.Second)
	if err := tr.UpdateLocation(ctx, "d-active", pickup); err != nil {
		t.Fatal(err)
	}
	p, eligible, err := tr.Eligible(ctx, "d-active", models.VehicleCar)
	if err != nil || !eligible {
		t.Fatalf("expected eligible driver, got %+v eligible=%v err=%v", p, eligible, err)
	}
	if !p.LastSeen.Equal(now) || p.Loc != pickup {
		t.Fatalf("location update not applied: %+v", p)
	}

	if err := tr.GoOffline(ctx, "d-active"); err != nil {
		t.Fatal(err)
	}
	if _, eligible, _ := tr.Eligible(ctx, "d-active", models.VehicleCar); eligible {
		t.Fatalf("offline driver must not be eligible")
	}
}

func TestUpdatePresenceValidates(t *testing.T) {
	now := base
	tr := newTracker(NewMemoryIndex(), &now)
	err := tr.UpdatePresence(context.Background(), Update{DriverID: "x", Loc: models.Coord{Lat: 95, Lon: 0}})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
