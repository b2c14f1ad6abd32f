package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/accounts"
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

// Gateway is the part of the payment provider the lifecycle needs.
type Gateway interface {
	CreatePaymentLink(ctx context.Context, r *models.Ride) (string, error)
	Refund(ctx context.Context, paymentIntentID string, amountMinor int64) (string, error)
}

type Notifier interface {
	StatusChanged(ctx context.Context, r *models.Ride, from models.RideStatus, message string)
	RideTaken(ctx context.Context, rideID string)
	ServerMessage(ctx context.Context, rt models.RecipientType, rid, rideID, text string)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *models.Ride) (int, error)
	DispatchTo(ctx context.Context, r *models.Ride, driverID string) (int, error)
}

// Watchdogs arms the timeout checks for a new ride.
type Watchdogs interface {
	Arm(r *models.Ride)
}

type Deps struct {
	Rides      storage.RideStore
	Shares     storage.ShareStore
	Chats      storage.ChatStore
	Accounts   accounts.Directory
	Router     eta.Router
	Gateway    Gateway
	Notifier   Notifier
	Dispatcher Dispatcher
	Watchdogs  Watchdogs
	Currency   string
}

type Service struct {
	rides      storage.RideStore
	shares     storage.ShareStore
	chats      storage.ChatStore
	accounts   accounts.Directory
	router     eta.Router
	gateway    Gateway
	notifier   Notifier
	dispatcher Dispatcher
	watchdogs  Watchdogs
	currency   string
	now        func() time.Time
	log        *slog.Logger
}

func NewService(d Deps, log *slog.Logger) *Service {
	if d.Chats == nil {
		d.Chats = storage.NewMemoryChatStore()
	}
	return &Service{
		rides:      d.Rides,
		shares:     d.Shares,
		chats:      d.Chats,
		accounts:   d.Accounts,
		router:     d.Router,
		gateway:    d.Gateway,
		notifier:   d.Notifier,
		dispatcher: d.Dispatcher,
		watchdogs:  d.Watchdogs,
		currency:   d.Currency,
		now:        time.Now,
		log:        log,
	}
}

// WithClock replaces the time source; tests use it.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// clock is truncated to what Postgres stores so conditional deletes on
// updated_at compare equal after a round trip.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type CreateRequest struct {
	Pickup           string             `json:"pickup"`
	Destination      string             `json:"destination"`
	Stops            []string           `json:"stops,omitempty"`
	Origin           models.Coord       `json:"origin"`
	DestinationCoord models.Coord       `json:"destination_coord"`
	VehicleType      models.VehicleType `json:"vehicle_type"`
}

func (r CreateRequest) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Pickup) == "" {
		problems = append(problems, "pickup is required")
	}
	if strings.TrimSpace(r.Destination) == "" {
		problems = append(problems, "destination is required")
	}
	if !r.Origin.Valid() {
		problems = append(problems, "origin is not a valid coordinate")
	}
	if !r.DestinationCoord.Valid() {
		problems = append(problems, "destination_coord is not a valid coordinate")
	}
	if !r.VehicleType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown vehicle type %q", r.VehicleType))
	}
	if len(problems) > 0 {
		return apperr.Validation("%s", strings.Join(problems, "; "))
	}
	return nil
}

// Create prices the trip, stores the ride in pendingPayment, attaches a
// payment link and arms the watchdogs.
func (s *Service) Create(ctx context.Context, riderID string, req CreateRequest) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	acct, err := s.accounts.RiderByID(ctx, riderID)
	if err != nil {
		return nil, err
	}
	if acct.Status != models.AccountActive {
		return nil, fmt.Errorf("rider account is %s: %w", acct.Status, apperr.ErrForbidden)
	}
	active, err := s.rides.HasActiveRide(ctx, riderID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("rider %s already has an active ride: %w", riderID, apperr.ErrConflict)
	}

	route, err := s.router.Route(ctx, req.Origin, req.DestinationCoord)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	price, err := pricing.Fare(req.VehicleType, route.DistanceMeters, route.DurationSeconds)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	r := &models.Ride{
		ID:               uuid.NewString(),
		RiderID:          riderID,
		Pickup:           req.Pickup,
		Destination:      req.Destination,
		Stops:            req.Stops,
		VehicleType:      req.VehicleType,
		Status:           models.StatusPendingPayment,
		Price:            price,
		Currency:         s.currency,
		Origin:           req.Origin,
		DestinationCoord: req.DestinationCoord,
		DistanceMeters:   route.DistanceMeters,
		DurationSeconds:  route.DurationSeconds,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.rides.CreateRide(ctx, r); err != nil {
		return nil, err
	}

	url, err := s.gateway.CreatePaymentLink(ctx, r)
	if err != nil {
		cond := storage.DeleteCondition{Status: models.StatusPendingPayment, UpdatedAt: now}
		if _, derr := s.rides.DeleteUnassigned(ctx, r.ID, cond); derr != nil {
			s.log.Error("remove ride after payment link failure", "ride_id", r.ID, "error", derr)
		}
		return nil, err
	}
	if err := s.rides.SetPaymentLink(ctx, r.ID, url); err != nil {
		return nil, err
	}
	r.PaymentLink = url

	if s.watchdogs != nil {
		s.watchdogs.Arm(r)
	}
	s.log.Info("ride created", "ride_id", r.ID, "rider_id", riderID, "vehicle_type", string(r.VehicleType), "price", price)
	return r, nil
}

// Get returns the ride if the actor may see it. Drivers may see open rides
// they could claim.
func (s *Service) Get(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin:
		return r, nil
	case models.RoleRider:
		if r.RiderID == actor.ID {
			return r, nil
		}
	case models.RoleDriver:
		if r.DriverID == actor.ID || (!r.Assigned() && r.Status == models.StatusFindingDriver) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("ride %s: %w", rideID, apperr.ErrForbidden)
}

// Accept claims an open ride for driverID. The store applies the claim only
// while the ride is findingDriver with no driver, so of two concurrent claims
// exactly one wins.
func (s *Service) Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	acct, err := s.accounts.DriverByID(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if acct.Status != models.AccountActive || !acct.ProfileComplete {
		observability.RideClaims.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("driver %s is not eligible to accept rides: %w", driverID, apperr.ErrForbidden)
	}
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Assigned() && r.DriverID != driverID {
		observability.RideClaims.WithLabelValues("rejected").Inc()
		return nil, &apperr.OwnershipError{RideID: r.ID, Assigned: r.DriverID, Attempted: driverID, Current: string(r.Status)}
	}
	if err := CheckTransition(r.Status, models.StatusArrivingToPickup); err != nil {
		observability.RideClaims.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if r.VehicleType != acct.VehicleType {
		observability.RideClaims.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("ride needs a %s: %w", r.VehicleType, apperr.ErrForbidden)
	}

	now := s.clock()
	ok, err := s.rides.ClaimRide(ctx, rideID, driverID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		observability.RideClaims.WithLabelValues("lost").Inc()
		return nil, s.lost(ctx, rideID, r.Status, models.StatusArrivingToPickup, driverID)
	}
	observability.RideClaims.WithLabelValues("won").Inc()

	from := r.Status
	r.DriverID = driverID
	r.Status = models.StatusArrivingToPickup
	r.UpdatedAt = now
	s.confirmed(ctx, r, from, "driver is on the way")
	s.notifier.RideTaken(ctx, r.ID)
	return r, nil
}

// Start moves an assigned ride to drivingToDestination.
func (s *Service) Start(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return s.driverStep(ctx, driverID, rideID, models.StatusDrivingToDestination, "trip started")
}

// Complete finishes the trip. Completion never refunds.
func (s *Service) Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	return s.driverStep(ctx, driverID, rideID, models.StatusCompleted, "trip completed")
}

func (s *Service) driverStep(ctx context.Context, driverID, rideID string, to models.RideStatus, message string) (*models.Ride, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Assigned() && r.DriverID != driverID {
		return nil, &apperr.OwnershipError{RideID: r.ID, Assigned: r.DriverID, Attempted: driverID, Current: string(r.Status)}
	}
	if err := CheckTransition(r.Status, to); err != nil {
		return nil, err
	}
	now := s.clock()
	ok, err := s.rides.UpdateStatus(ctx, storage.StatusChange{RideID: rideID, From: r.Status, To: to, DriverID: driverID, At: now})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lost(ctx, rideID, r.Status, to, driverID)
	}
	from := r.Status
	r.Status = to
	r.UpdatedAt = now
	s.confirmed(ctx, r, from, message)
	return r, nil
}

type CancelResult struct {
	Ride        *models.Ride `json:"ride"`
	RefundID    string       `json:"refund_id,omitempty"`
	RefundMinor int64        `json:"refund_amount_minor,omitempty"`
}

// Cancel cancels the ride on behalf of its rider, its assigned driver or an
// admin and refunds the captured payment by the fraction for the state it
// was canceled from. A gateway failure is returned after the ride is already
// canceled.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*CancelResult, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case models.RoleAdmin:
	case models.RoleRider:
		if r.RiderID != actor.ID {
			return nil, fmt.Errorf("ride %s: %w", rideID, apperr.ErrForbidden)
		}
	case models.RoleDriver:
		if !r.Assigned() {
			return nil, fmt.Errorf("ride %s has no driver: %w", rideID, apperr.ErrForbidden)
		}
		if r.DriverID != actor.ID {
			return nil, &apperr.OwnershipError{RideID: r.ID, Assigned: r.DriverID, Attempted: actor.ID, Current: string(r.Status)}
		}
	default:
		return nil, apperr.ErrForbidden
	}
	if err := CheckTransition(r.Status, models.StatusCanceled); err != nil {
		return nil, err
	}
	amount, refund, err := refundAmount(r, models.StatusCanceled)
	if err != nil {
		observability.Refunds.WithLabelValues("inconsistent").Inc()
		return nil, err
	}

	now := s.clock()
	change := storage.StatusChange{RideID: rideID, From: r.Status, To: models.StatusCanceled, DriverID: r.DriverID, At: now}
	ok, err := s.rides.UpdateStatus(ctx, change)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.lost(ctx, rideID, r.Status, models.StatusCanceled, r.DriverID)
	}
	from := r.Status
	r.Status = models.StatusCanceled
	r.UpdatedAt = now
	if reason == "" {
		reason = fmt.Sprintf("ride canceled by %s", actor.Role)
	}
	s.confirmed(ctx, r, from, reason)

	res := &CancelResult{Ride: r}
	if !refund {
		observability.Refunds.WithLabelValues("skipped").Inc()
		return res, nil
	}
	id, err := s.gateway.Refund(ctx, r.PaymentIntentID, amount)
	if err != nil {
		observability.Refunds.WithLabelValues("failed").Inc()
		s.log.Error("refund failed", "ride_id", r.ID, "payment_intent", r.PaymentIntentID, "amount_minor", amount, "error", err)
		return res, err
	}
	observability.Refunds.WithLabelValues("issued").Inc()
	res.RefundID = id
	res.RefundMinor = amount
	s.log.Info("refund issued", "ride_id", r.ID, "refund_id", id, "amount_minor", amount)
	return res, nil
}

// refundAmount returns the minor-unit amount to refund for r moving to to.
// An unpaid ride refunds nothing; a paid ride without a payment intent is an
// inconsistent record.
func refundAmount(r *models.Ride, to models.RideStatus) (int64, bool, error) {
	fraction, ok := RefundFraction(r.Status, to)
	if !ok || !r.PaymentStatus {
		return 0, false, nil
	}
	if r.PaymentIntentID == "" {
		return 0, false, fmt.Errorf("ride %s is paid but has no payment intent: %w", r.ID, apperr.ErrPaymentState)
	}
	return int64(math.Round(r.Price * 100 * fraction)), true, nil
}

// DeleteUnclaimed removes a ride that has no driver. It refuses when the
// ride changed since it was read.
func (s *Service) DeleteUnclaimed(ctx context.Context, rideID string) error {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.Assigned() {
		return fmt.Errorf("ride %s has an assigned driver: %w", rideID, apperr.ErrConflict)
	}
	ok, err := s.rides.DeleteUnassigned(ctx, rideID, storage.DeleteCondition{Status: r.Status, UpdatedAt: r.UpdatedAt})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("ride %s changed, re-fetch and retry: %w", rideID, apperr.ErrConflict)
	}
	s.log.Info("ride deleted by admin", "ride_id", rideID, "status", string(r.Status))
	s.notifier.ServerMessage(ctx, models.RecipientRider, r.RiderID, rideID, "your ride request was removed")
	return nil
}

// AdminDispatch re-runs dispatch for an open ride, optionally targeting one
// driver. It returns the number of drivers notified.
func (s *Service) AdminDispatch(ctx context.Context, rideID, driverID string) (int, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return 0, err
	}
	if r.Status != models.StatusFindingDriver || r.Assigned() {
		return 0, fmt.Errorf("ride %s is %s, not open for dispatch: %w", rideID, r.Status, apperr.ErrConflict)
	}
	if driverID != "" {
		return s.dispatcher.DispatchTo(ctx, r, driverID)
	}
	return s.dispatcher.Dispatch(ctx, r)
}

// Share returns the rider's share link for the ride, creating one on first use.
func (s *Service) Share(ctx context.Context, riderID, rideID string) (*models.ShareLink, bool, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	if r.RiderID != riderID {
		return nil, false, fmt.Errorf("ride %s: %w", rideID, apperr.ErrForbidden)
	}
	return s.shares.GetOrCreateShare(ctx, models.ShareLink{
		Token:     strings.ReplaceAll(uuid.NewString(), "-", ""),
		RideID:    rideID,
		CreatedBy: riderID,
		CreatedAt: s.clock(),
	})
}

// ResolveShare returns the shared ride without payment details.
func (s *Service) ResolveShare(ctx context.Context, token string) (*models.Ride, error) {
	link, err := s.shares.ResolveShare(ctx, token)
	if err != nil {
		return nil, err
	}
	r, err := s.rides.GetRide(ctx, link.RideID)
	if err != nil {
		return nil, err
	}
	r.PaymentLink = ""
	r.PaymentIntentID = ""
	r.Invoice = nil
	return r, nil
}

// lost builds the error for a conditional write that matched nothing. The
// ride is re-read so the caller sees the state that won.
func (s *Service) lost(ctx context.Context, rideID string, from, to models.RideStatus, driverID string) error {
	cur, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if driverID != "" && cur.Assigned() && cur.DriverID != driverID {
		return &apperr.OwnershipError{RideID: rideID, Assigned: cur.DriverID, Attempted: driverID, Current: string(cur.Status), Raced: true}
	}
	return &apperr.TransitionError{From: string(from), To: string(to), Current: string(cur.Status), Lost: true}
}

// confirmed runs the side effects of a stored transition.
func (s *Service) confirmed(ctx context.Context, r *models.Ride, from models.RideStatus, message string) {
	observability.RideTransitions.WithLabelValues(string(from), string(r.Status)).Inc()
	s.log.Info("ride transition", "ride_id", r.ID, "from", string(from), "to", string(r.Status), "driver_id", r.DriverID)
	s.notifier.StatusChanged(ctx, r, from, message)
}

func isNotFound(err error) bool { return errors.Is(err, apperr.ErrNotFound) }
