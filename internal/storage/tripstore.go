package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// StatusChange is a conditional status write: it applies only while the
// stored status equals From and, when DriverID is set, the stored driver
// equals DriverID.
type StatusChange struct {
	RideID   string
	From     models.RideStatus
	To       models.RideStatus
	DriverID string
	At       time.Time
}

// PaymentUpdate records payment data on a ride. When To is set the write is
// conditioned on the stored status being From and moves the ride to To.
type PaymentUpdate struct {
	RideID          string
	From            models.RideStatus
	To              models.RideStatus
	Paid            bool
	PaymentIntentID string
	Invoice         json.RawMessage
	At              time.Time
}

// DeleteCondition guards a hard delete. The ride must be unassigned, in
// Status, and (when UpdatedAt is non-zero) untouched since UpdatedAt.
type DeleteCondition struct {
	Status    models.RideStatus
	UpdatedAt time.Time
}

// RideStore persists rides. Every mutating method is a single conditional
// write and reports whether a row matched.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateStatus(ctx context.Context, c StatusChange) (bool, error)
	ClaimRide(ctx context.Context, rideID, driverID string, at time.Time) (bool, error)
	ApplyPayment(ctx context.Context, u PaymentUpdate) (bool, error)
	SetPaymentLink(ctx context.Context, rideID, url string) error
	DeleteUnassigned(ctx context.Context, rideID string, cond DeleteCondition) (bool, error)
	HasActiveRide(ctx context.Context, riderID string) (bool, error)
	// DriverRide returns the ride the driver is heading to or driving, or
	// NotFound.
	DriverRide(ctx context.Context, driverID string) (*models.Ride, error)
	ListByStatus(ctx context.Context, statuses ...models.RideStatus) ([]*models.Ride, error)
}

// ShareStore keeps ride share links.
type ShareStore interface {
	// GetOrCreateShare returns the link already issued by createdBy for the
	// ride, or stores candidate. The bool reports whether candidate was stored.
	GetOrCreateShare(ctx context.Context, candidate models.ShareLink) (*models.ShareLink, bool, error)
	ResolveShare(ctx context.Context, token string) (*models.ShareLink, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	rides  map[string]*models.Ride
	shares map[string]models.ShareLink
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:  make(map[string]*models.Ride),
		shares: make(map[string]models.ShareLink),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rides[r.ID]; exists {
		return fmt.Errorf("ride %s already exists: %w", r.ID, apperr.ErrConflict)
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, fmt.Errorf("ride %s: %w", id, apperr.ErrNotFound)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, c StatusChange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[c.RideID]
	if !ok || r.Status != c.From {
		return false, nil
	}
	if c.DriverID != "" && r.DriverID != c.DriverID {
		return false, nil
	}
	r.Status = c.To
	r.UpdatedAt = c.At
	return true, nil
}

func (m *MemoryStore) ClaimRide(_ context.Context, rideID, driverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.Status != models.StatusFindingDriver || r.DriverID != "" {
		return false, nil
	}
	r.DriverID = driverID
	r.Status = models.StatusArrivingToPickup
	r.UpdatedAt = at
	return true, nil
}

func (m *MemoryStore) ApplyPayment(_ context.Context, u PaymentUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[u.RideID]
	if !ok {
		return false, nil
	}
	if u.To != "" && r.Status != u.From {
		return false, nil
	}
	if u.To != "" {
		r.Status = u.To
	}
	r.PaymentStatus = r.PaymentStatus || u.Paid
	if u.PaymentIntentID != "" {
		r.PaymentIntentID = u.PaymentIntentID
	}
	if u.Invoice != nil {
		r.Invoice = append(json.RawMessage(nil), u.Invoice...)
	}
	r.UpdatedAt = u.At
	return true, nil
}

func (m *MemoryStore) SetPaymentLink(_ context.Context, rideID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return fmt.Errorf("ride %s: %w", rideID, apperr.ErrNotFound)
	}
	r.PaymentLink = url
	return nil
}

func (m *MemoryStore) DeleteUnassigned(_ context.Context, rideID string, cond DeleteCondition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok || r.DriverID != "" || r.Status != cond.Status {
		return false, nil
	}
	if !cond.UpdatedAt.IsZero() && !r.UpdatedAt.Equal(cond.UpdatedAt) {
		return false, nil
	}
	delete(m.rides, rideID)
	return true, nil
}

func (m *MemoryStore) HasActiveRide(_ context.Context, riderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.RiderID == riderID && r.Status.Active() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) DriverRide(_ context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Ride
	for _, r := range m.rides {
		if r.DriverID != driverID || !r.Status.OnTrip() {
			continue
		}
		if found == nil || r.UpdatedAt.After(found.UpdatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no ride in progress for driver %s: %w", driverID, apperr.ErrNotFound)
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses ...models.RideStatus) ([]*models.Ride, error) {
	want := make(map[models.RideStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	m.mu.RLock()
	out := make([]*models.Ride, 0)
	for _, r := range m.rides {
		if want[r.Status] {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetOrCreateShare(_ context.Context, candidate models.ShareLink) (*models.ShareLink, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.shares {
		if s.RideID == candidate.RideID && s.CreatedBy == candidate.CreatedBy {
			existing := s
			return &existing, false, nil
		}
	}
	if _, taken := m.shares[candidate.Token]; taken {
		return nil, false, fmt.Errorf("share token collision: %w", apperr.ErrConflict)
	}
	m.shares[candidate.Token] = candidate
	return &candidate, true, nil
}

func (m *MemoryStore) ResolveShare(_ context.Context, token string) (*models.ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.shares[token]
	if !ok {
		return nil, fmt.Errorf("share %s: %w", token, apperr.ErrNotFound)
	}
	return &s, nil
}
