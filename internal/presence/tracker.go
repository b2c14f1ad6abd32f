// Package presence keeps the liveness cache of on-duty drivers used by dispatch.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Update is the single write into the index.
type Update struct {
	DriverID        string
	Loc             models.Coord
	VehicleType     models.VehicleType
	ProfileComplete bool
	AccountStatus   models.AccountStatus
	At              time.Time
}

type Tracker struct {
	idx      Index
	accounts accounts.Directory
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger
}

func NewTracker(idx Index, dir accounts.Directory, ttl time.Duration, log *slog.Logger) *Tracker {
	return &Tracker{idx: idx, accounts: dir, ttl: ttl, now: time.Now, log: log}
}

// WithClock replaces the time source; tests use it.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) TTL() time.Duration { return t.ttl }

// UpdatePresence upserts the driver's entry. It is the only path that writes
// to the index; a zero At means now.
func (t *Tracker) UpdatePresence(ctx context.Context, u Update) error {
	if u.DriverID == "" {
		return apperr.Validation("driver id is required")
	}
	if !u.Loc.Valid() {
		return apperr.Validation("invalid coordinate %.6f,%.6f", u.Loc.Lat, u.Loc.Lon)
	}
	at := u.At
	if at.IsZero() {
		at = t.now()
	}
	return t.idx.Upsert(ctx, models.DriverPresence{
		DriverID:        u.DriverID,
		Loc:             u.Loc,
		VehicleType:     u.VehicleType,
		ProfileComplete: u.ProfileComplete,
		AccountStatus:   u.AccountStatus,
		OnDuty:          true,
		LastSeen:        at,
	})
}

// GoOnline puts a driver on duty at loc, refreshing eligibility flags from
// the account directory.
func (t *Tracker) GoOnline(ctx context.Context, driverID string, loc models.Coord) error {
	acct, err := t.accounts.DriverByID(ctx, driverID)
	if err != nil {
		return err
	}
	if acct.Status != models.AccountActive {
		return fmt.Errorf("driver account is %s: %w", acct.Status, apperr.ErrForbidden)
	}
	return t.UpdatePresence(ctx, Update{
		DriverID:        driverID,
		Loc:             loc,
		VehicleType:     acct.VehicleType,
		ProfileComplete: acct.ProfileComplete,
		AccountStatus:   acct.Status,
	})
}

// UpdateLocation refreshes the location of a driver that is already on duty.
func (t *Tracker) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	cur, ok, err := t.idx.Get(ctx, driverID)
	if err != nil {
		return err
	}
	if !ok || !cur.OnDuty {
		return fmt.Errorf("driver %s is offline: %w", driverID, apperr.ErrConflict)
	}
	return t.UpdatePresence(ctx, Update{
		DriverID:        driverID,
		Loc:             loc,
		VehicleType:     cur.VehicleType,
		ProfileComplete: cur.ProfileComplete,
		AccountStatus:   cur.AccountStatus,
	})
}

// GoOffline removes the driver from the index.
func (t *Tracker) GoOffline(ctx context.Context, driverID string) error {
	return t.idx.Remove(ctx, driverID)
}

// Eligible re-reads the driver's entry and applies every dispatch filter.
func (t *Tracker) Eligible(ctx context.Context, driverID string, want models.VehicleType) (models.DriverPresence, bool, error) {
	p, ok, err := t.idx.Get(ctx, driverID)
	if err != nil || !ok {
		return p, false, err
	}
	return p, p.Eligible(t.now(), t.ttl, want), nil
}

// Nearby returns up to limit eligible drivers within radius of loc, nearest
// first. The limit counts eligible drivers only, so the whole radius is read
// before filtering.
func (t *Tracker) Nearby(ctx context.Context, loc models.Coord, radiusMeters float64, limit int, want models.VehicleType) ([]Candidate, error) {
	raw, err := t.idx.Nearby(ctx, loc.Lat, loc.Lon, radiusMeters, 0)
	if err != nil {
		return nil, err
	}
	now := t.now()
	out := raw[:0]
	for _, c := range raw {
		if limit > 0 && len(out) == limit {
			break
		}
		if c.Eligible(now, t.ttl, want) {
			out = append(out, c)
		}
	}
	return out, nil
}

// Sweep evicts every entry older than the TTL.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	n, err := t.idx.Sweep(ctx, t.now().Add(-t.ttl))
	if err != nil {
		return n, err
	}
	observability.PresenceEvictions.Add(float64(n))
	if count, err := t.idx.Count(ctx); err == nil {
		observability.DriversOnline.Set(float64(count))
	}
	if n > 0 {
		t.log.Info("presence sweep", "evicted", n)
	}
	return n, nil
}
