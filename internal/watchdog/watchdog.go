// Package watchdog removes rides that sit too long in an early state. Each
// check re-reads the ride and measures against its stored updated_at, so any
// update in between pushes the deadline out without touching the timer.
package watchdog

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/tasks"
)

type Kind string

const (
	Payment       Kind = "payment"
	FindingDriver Kind = "finding_driver"
)

type Outcome string

const (
	OutcomeDeleted     Outcome = "deleted"
	OutcomeRescheduled Outcome = "rescheduled"
	OutcomeLeftState   Outcome = "left_state"
	OutcomeGone        Outcome = "gone"
	OutcomeRearmLimit  Outcome = "rearm_limit"
)

type rule struct {
	status    models.RideStatus
	threshold time.Duration
	recheck   time.Duration
}

type Config struct {
	PaymentTimeout       time.Duration
	PaymentRecheck       time.Duration
	FindingDriverTimeout time.Duration
	FindingDriverRecheck time.Duration
	MaxRearms            int
}

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListByStatus(ctx context.Context, statuses ...models.RideStatus) ([]*models.Ride, error)
}

// Scheduler runs f after d and returns a function that cancels it.
type Scheduler func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

type Watchdog struct {
	store     Store
	queue     tasks.Queue
	rules     map[Kind]rule
	maxRearms int
	now       func() time.Time
	schedule  Scheduler
	log       *slog.Logger

	mu      sync.Mutex
	timers  map[string]func() bool
	stopped bool
}

func New(store Store, queue tasks.Queue, cfg Config, log *slog.Logger) *Watchdog {
	if cfg.MaxRearms <= 0 {
		cfg.MaxRearms = 30
	}
	return &Watchdog{
		store: store,
		queue: queue,
		rules: map[Kind]rule{
			Payment:       {status: models.StatusPendingPayment, threshold: cfg.PaymentTimeout, recheck: cfg.PaymentRecheck},
			FindingDriver: {status: models.StatusFindingDriver, threshold: cfg.FindingDriverTimeout, recheck: cfg.FindingDriverRecheck},
		},
		maxRearms: cfg.MaxRearms,
		now:       time.Now,
		schedule:  afterFunc,
		log:       log,
		timers:    make(map[string]func() bool),
	}
}

// WithClock replaces the time source; tests use it.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// WithScheduler replaces time.AfterFunc; tests use it.
func (w *Watchdog) WithScheduler(s Scheduler) *Watchdog {
	w.schedule = s
	return w
}

// Arm starts both checks for a new ride.
func (w *Watchdog) Arm(r *models.Ride) {
	w.arm(Payment, r.ID, 0)
	w.arm(FindingDriver, r.ID, 0)
}

func timerKey(kind Kind, rideID string) string { return string(kind) + ":" + rideID }

func (w *Watchdog) arm(kind Kind, rideID string, rearms int) {
	rl := w.rules[kind]
	key := timerKey(kind, rideID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if stop, ok := w.timers[key]; ok {
		stop()
	}
	w.timers[key] = w.schedule(rl.recheck, func() { w.fire(kind, rideID, rearms) })
}

func (w *Watchdog) disarm(kind Kind, rideID string) {
	w.mu.Lock()
	delete(w.timers, timerKey(kind, rideID))
	w.mu.Unlock()
}

func (w *Watchdog) fire(kind Kind, rideID string, rearms int) {
	out := w.Check(context.Background(), kind, rideID)
	if out == OutcomeRescheduled {
		if rearms+1 > w.maxRearms {
			out = OutcomeRearmLimit
			w.log.Warn("watchdog gave up", "kind", string(kind), "ride_id", rideID, "rearms", rearms)
		} else {
			observability.WatchdogFirings.WithLabelValues(string(kind), string(out)).Inc()
			w.arm(kind, rideID, rearms+1)
			return
		}
	}
	observability.WatchdogFirings.WithLabelValues(string(kind), string(out)).Inc()
	w.disarm(kind, rideID)
}

// Check evaluates one firing. Rescheduled means the caller should check
// again later.
func (w *Watchdog) Check(ctx context.Context, kind Kind, rideID string) Outcome {
	rl := w.rules[kind]
	r, err := w.store.GetRide(ctx, rideID)
	if errors.Is(err, apperr.ErrNotFound) {
		return OutcomeGone
	}
	if err != nil {
		w.log.Warn("watchdog read failed", "kind", string(kind), "ride_id", rideID, "error", err)
		return OutcomeRescheduled
	}

	switch {
	case r.Status.Rank() < rl.status.Rank():
		// not there yet
		return OutcomeRescheduled
	case r.Status != rl.status || r.Assigned():
		return OutcomeLeftState
	case kind == Payment && r.PaymentStatus:
		// paid, checkout confirmation still in flight
		return OutcomeRescheduled
	}

	age := w.now().Sub(r.UpdatedAt)
	if age <= rl.threshold {
		return OutcomeRescheduled
	}
	task := models.RideDeleteTask{
		RideID:    r.ID,
		RiderID:   r.RiderID,
		Status:    r.Status,
		UpdatedAt: r.UpdatedAt,
		Reason:    reason(kind),
	}
	if err := w.queue.Enqueue(ctx, tasks.DeleteRide, task); err != nil {
		w.log.Error("watchdog delete enqueue failed", "kind", string(kind), "ride_id", rideID, "error", err)
		return OutcomeRescheduled
	}
	w.log.Info("watchdog expired ride", "kind", string(kind), "ride_id", rideID, "age", age.String(), "payment_intent", r.PaymentIntentID)
	return OutcomeDeleted
}

func reason(kind Kind) string {
	if kind == Payment {
		return "payment was not completed in time"
	}
	return "no driver accepted the ride in time"
}

// Recover re-arms the checks for rides that were waiting when the process
// stopped.
func (w *Watchdog) Recover(ctx context.Context) (int, error) {
	rides, err := w.store.ListByStatus(ctx, models.StatusPendingPayment, models.StatusFindingDriver)
	if err != nil {
		return 0, err
	}
	for _, r := range rides {
		w.Arm(r)
	}
	if len(rides) > 0 {
		w.log.Info("watchdogs recovered", "rides", len(rides))
	}
	return len(rides), nil
}

// Pending reports the number of armed checks.
func (w *Watchdog) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.timers)
}

// Stop cancels every armed check. Arm is a no-op afterwards.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for k, stop := range w.timers {
		stop()
		delete(w.timers, k)
	}
}
