package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newRide(id string, status models.RideStatus) *models.Ride {
	return &models.Ride{
		ID:          id,
		RiderID:     "rider-" + id,
		Pickup:      "A",
		Destination: "B",
		VehicleType: models.VehicleCar,
		Status:      status,
		Price:       12.5,
		Currency:    "usd",
		Origin:      models.Coord{Lat: 52.52, Lon: 13.40},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

// stores returns every RideStore implementation available in this environment.
func stores(t *testing.T) map[string]interface {
	RideStore
	ShareStore
} {
	t.Helper()
	out := map[string]interface {
		RideStore
		ShareStore
	}{"memory": NewMemoryStore()}
	if dsn := os.Getenv("PG_DSN"); dsn != "" {
		pg, err := NewPostgresStore(dsn)
		if err != nil {
			t.Fatalf("postgres: %v", err)
		}
		if _, err := Migrate(context.Background(), pg.DB(), "../../migrations"); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func uniqueID(t *testing.T, name string) string {
	return fmt.Sprintf("%s-%s-%d", t.Name(), name, time.Now().UnixNano())
}

func TestUpdateStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uniqueID(t, "r")
			if err := s.CreateRide(ctx, newRide(id, models.StatusPendingPayment)); err != nil {
				t.Fatalf("create: %v", err)
			}
			at := t0.Add(time.Minute)
			ok, err := s.UpdateStatus(ctx, StatusChange{RideID: id, From: models.StatusFindingDriver, To: models.StatusCanceled, At: at})
			if err != nil || ok {
				t.Fatalf("stale from must not match: ok=%v err=%v", ok, err)
			}
			ok, err = s.UpdateStatus(ctx, StatusChange{RideID: id, From: models.StatusPendingPayment, To: models.StatusFindingDriver, At: at})
			if err != nil || !ok {
				t.Fatalf("expected match: ok=%v err=%v", ok, err)
			}
			r, err := s.GetRide(ctx, id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if r.Status != models.StatusFindingDriver || !r.UpdatedAt.Equal(at) {
				t.Fatalf("unexpected ride %+v", r)
			}
		})
	}
}

func TestClaimRideConcurrent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uniqueID(t, "r")
			if err := s.CreateRide(ctx, newRide(id, models.StatusFindingDriver)); err != nil {
				t.Fatalf("create: %v", err)
			}
			const drivers = 16
			var wins int32
			var winner atomic.Value
			var wg sync.WaitGroup
			for i := 0; i < drivers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					d := fmt.Sprintf("driver-%d", i)
					ok, err := s.ClaimRide(ctx, id, d, t0.Add(time.Second))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if ok {
						atomic.AddInt32(&wins, 1)
						winner.Store(d)
					}
				}(i)
			}
			wg.Wait()
			if wins != 1 {
				t.Fatalf("expected exactly one winning claim, got %d", wins)
			}
			r, _ := s.GetRide(ctx, id)
			if r.DriverID != winner.Load().(string) || r.Status != models.StatusArrivingToPickup {
				t.Fatalf("stored ride %+v does not match winner %v", r, winner.Load())
			}
		})
	}
}

func TestDeleteUnassignedHonoursCondition(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uniqueID(t, "r")
			_ = s.CreateRide(ctx, newRide(id, models.StatusPendingPayment))

			ok, _ := s.DeleteUnassigned(ctx, id, DeleteCondition{Status: models.StatusPendingPayment, UpdatedAt: t0.Add(time.Second)})
			if ok {
				t.Fatalf("delete must not match a newer updated_at")
			}
			ok, _ = s.DeleteUnassigned(ctx, id, DeleteCondition{Status: models.StatusFindingDriver})
			if ok {
				t.Fatalf("delete must not match another status")
			}
			ok, err := s.DeleteUnassigned(ctx, id, DeleteCondition{Status: models.StatusPendingPayment, UpdatedAt: t0})
			if err != nil || !ok {
				t.Fatalf("expected delete: ok=%v err=%v", ok, err)
			}
			if _, err := s.GetRide(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			claimed := uniqueID(t, "claimed")
			_ = s.CreateRide(ctx, newRide(claimed, models.StatusFindingDriver))
			_, _ = s.ClaimRide(ctx, claimed, "d1", t0)
			ok, _ = s.DeleteUnassigned(ctx, claimed, DeleteCondition{Status: models.StatusArrivingToPickup})
			if ok {
				t.Fatalf("assigned rides must never be deleted")
			}
		})
	}
}

func TestApplyPayment(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uniqueID(t, "r")
			_ = s.CreateRide(ctx, newRide(id, models.StatusPendingPayment))
			u := PaymentUpdate{
				RideID: id, From: models.StatusPendingPayment, To: models.StatusFindingDriver,
				Paid: true, PaymentIntentID: "pi_1", Invoice: []byte(`{"id":"cs_1"}`), At: t0.Add(time.Minute),
			}
			ok, err := s.ApplyPayment(ctx, u)
			if err != nil || !ok {
				t.Fatalf("apply: ok=%v err=%v", ok, err)
			}
			ok, _ = s.ApplyPayment(ctx, u)
			if ok {
				t.Fatalf("second status-moving apply must not match")
			}
			r, _ := s.GetRide(ctx, id)
			if !r.PaymentStatus || r.PaymentIntentID != "pi_1" || r.Status != models.StatusFindingDriver {
				t.Fatalf("unexpected ride %+v", r)
			}

			ok, _ = s.ApplyPayment(ctx, PaymentUpdate{RideID: id, Invoice: []byte(`{"id":"in_1"}`), Paid: true, At: t0.Add(2 * time.Minute)})
			if !ok {
				t.Fatalf("payment-only update must match any status")
			}
			r, _ = s.GetRide(ctx, id)
			if r.PaymentIntentID != "pi_1" || r.Status != models.StatusFindingDriver {
				t.Fatalf("payment-only update clobbered fields: %+v", r)
			}
		})
	}
}

func TestHasActiveRideAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := newRide("r1", models.StatusCompleted)
	_ = s.CreateRide(ctx, r)
	if active, _ := s.HasActiveRide(ctx, r.RiderID); active {
		t.Fatalf("completed ride must not count as active")
	}
	r2 := newRide("r2", models.StatusFindingDriver)
	r2.RiderID = r.RiderID
	_ = s.CreateRide(ctx, r2)
	if active, _ := s.HasActiveRide(ctx, r.RiderID); !active {
		t.Fatalf("expected active ride")
	}
	got, _ := s.ListByStatus(ctx, models.StatusPendingPayment, models.StatusFindingDriver)
	if len(got) != 1 || got[0].ID != "r2" {
		t.Fatalf("unexpected list %+v", got)
	}
	if err := s.CreateRide(ctx, r2); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("duplicate create must conflict, got %v", err)
	}
}

func TestShareLinksReused(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rideID := uniqueID(t, "ride")
			first, created, err := s.GetOrCreateShare(ctx, models.ShareLink{Token: uniqueID(t, "tok1"), RideID: rideID, CreatedBy: "u1", CreatedAt: t0})
			if err != nil || !created {
				t.Fatalf("first share: created=%v err=%v", created, err)
			}
			again, created, err := s.GetOrCreateShare(ctx, models.ShareLink{Token: uniqueID(t, "tok2"), RideID: rideID, CreatedBy: "u1", CreatedAt: t0})
			if err != nil || created || again.Token != first.Token {
				t.Fatalf("expected reuse of %s, got %+v created=%v err=%v", first.Token, again, created, err)
			}
			resolved, err := s.ResolveShare(ctx, first.Token)
			if err != nil || resolved.RideID != rideID {
				t.Fatalf("resolve: %+v %v", resolved, err)
			}
			if _, err := s.ResolveShare(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestDriverRide(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			driverID := uniqueID(t, "driver")
			if _, err := s.DriverRide(ctx, driverID); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}

			done := newRide(uniqueID(t, "done"), models.StatusCompleted)
			done.DriverID = driverID
			if err := s.CreateRide(ctx, done); err != nil {
				t.Fatal(err)
			}
			if _, err := s.DriverRide(ctx, driverID); !errors.Is(err, apperr.ErrNotFound) {
				t.Fatalf("a completed ride is not in progress, got %v", err)
			}

			current := newRide(uniqueID(t, "current"), models.StatusFindingDriver)
			if err := s.CreateRide(ctx, current); err != nil {
				t.Fatal(err)
			}
			if ok, err := s.ClaimRide(ctx, current.ID, driverID, t0.Add(time.Minute)); err != nil || !ok {
				t.Fatalf("claim: ok=%v err=%v", ok, err)
			}
			got, err := s.DriverRide(ctx, driverID)
			if err != nil || got.ID != current.ID || got.Status != models.StatusArrivingToPickup {
				t.Fatalf("expected %s arriving, got %+v err=%v", current.ID, got, err)
			}
		})
	}
}

func TestChatsKeepOrder(t *testing.T) {
	ctx := context.Background()
	chatStores := map[string]ChatStore{"memory": NewMemoryChatStore()}
	if pgStores := stores(t); pgStores["postgres"] != nil {
		chatStores["postgres"] = NewPostgresChatStore(pgStores["postgres"].(*PostgresStore).DB())
	}
	for name, s := range chatStores {
		t.Run(name, func(t *testing.T) {
			rideID := uniqueID(t, "ride")
			second := models.ChatMessage{ID: uniqueID(t, "m2"), RideID: rideID, SenderID: "d1", SenderRole: models.RoleDriver, Message: "outside", CreatedAt: t0.Add(time.Minute)}
			first := models.ChatMessage{ID: uniqueID(t, "m1"), RideID: rideID, SenderID: "r1", SenderRole: models.RoleRider, Message: "where are you?", CreatedAt: t0}
			for _, m := range []models.ChatMessage{second, first} {
				if err := s.AddChat(ctx, m); err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.Chats(ctx, rideID)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].ID != first.ID || got[1].SenderRole != models.RoleDriver {
				t.Fatalf("unexpected chats %+v", got)
			}
			if none, err := s.Chats(ctx, uniqueID(t, "other")); err != nil || len(none) != 0 {
				t.Fatalf("expected no chats, got %v %v", none, err)
			}
		})
	}
}
