// Package dispatch offers open rides to nearby eligible drivers.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

// Presence is the read side of the presence tracker.
type Presence interface {
	Nearby(ctx context.Context, loc models.Coord, radiusMeters float64, limit int, want models.VehicleType) ([]presence.Candidate, error)
	Eligible(ctx context.Context, driverID string, want models.VehicleType) (models.DriverPresence, bool, error)
}

// Offerer delivers a ride_request to one driver.
type Offerer interface {
	RideRequest(ctx context.Context, driverID string, p models.RideRequestPayload) error
}

type Config struct {
	RadiusMeters float64
	Limit        int
	// SpeedMps turns pickup distance into the ETA shown to drivers.
	SpeedMps float64
}

type Engine struct {
	presence Presence
	offers   Offerer
	cfg      Config
	log      *slog.Logger
}

func NewEngine(p Presence, o Offerer, cfg Config, log *slog.Logger) *Engine {
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = 5000
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	return &Engine{presence: p, offers: o, cfg: cfg, log: log}
}

// Dispatch sends one ride_request to every eligible driver within the radius
// of the pickup and returns how many were notified. Zero is not an error.
func (e *Engine) Dispatch(ctx context.Context, r *models.Ride) (int, error) {
	start := time.Now()
	defer func() { observability.DispatchLatency.Observe(time.Since(start).Seconds()) }()

	if !r.VehicleType.Valid() {
		e.log.Warn("dispatch skipped, unknown vehicle type", "ride_id", r.ID, "vehicle_type", string(r.VehicleType))
		e.record(r, 0)
		return 0, nil
	}
	cands, err := e.presence.Nearby(ctx, r.Origin, e.cfg.RadiusMeters, e.cfg.Limit, r.VehicleType)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].DistanceMeters < cands[j].DistanceMeters })

	notified := 0
	for _, c := range cands {
		if e.offer(ctx, r, c.DriverID) {
			notified++
		}
	}
	e.record(r, notified)
	return notified, nil
}

// DispatchTo offers the ride to one named driver, skipping the radius query.
// The driver must still pass every eligibility filter.
func (e *Engine) DispatchTo(ctx context.Context, r *models.Ride, driverID string) (int, error) {
	n := 0
	if e.offer(ctx, r, driverID) {
		n = 1
	}
	e.record(r, n)
	return n, nil
}

// offer re-reads the driver's presence, since the geo query may return ids
// that went stale since, and sends the request. Failures are logged so the
// remaining candidates still get theirs.
func (e *Engine) offer(ctx context.Context, r *models.Ride, driverID string) bool {
	p, ok, err := e.presence.Eligible(ctx, driverID, r.VehicleType)
	if err != nil {
		e.log.Warn("eligibility check failed", "ride_id", r.ID, "driver_id", driverID, "error", err)
		return false
	}
	if !ok {
		e.log.Debug("candidate no longer eligible", "ride_id", r.ID, "driver_id", driverID)
		return false
	}
	dist := geo.Haversine(p.Loc.Lat, p.Loc.Lon, r.Origin.Lat, r.Origin.Lon)
	payload := models.RideRequestPayload{
		RideID:       r.ID,
		Pickup:       r.Pickup,
		Destination:  r.Destination,
		PickupLoc:    r.Origin,
		DropoffLoc:   r.DestinationCoord,
		VehicleType:  r.VehicleType,
		FareEstimate: r.Price,
		RiderID:      r.RiderID,
		DistanceM:    dist,
		PickupETA:    eta.EstimateSeconds(dist, e.cfg.SpeedMps),
	}
	if err := e.offers.RideRequest(ctx, driverID, payload); err != nil {
		e.log.Warn("ride request not delivered", "ride_id", r.ID, "driver_id", driverID, "error", err)
		return false
	}
	return true
}

func (e *Engine) record(r *models.Ride, notified int) {
	observability.DispatchNotified.Observe(float64(notified))
	if notified == 0 {
		observability.DispatchNoDrivers.Inc()
		e.log.Info("no drivers available", "ride_id", r.ID, "vehicle_type", string(r.VehicleType))
		return
	}
	e.log.Info("ride dispatched", "ride_id", r.ID, "drivers", notified)
}
