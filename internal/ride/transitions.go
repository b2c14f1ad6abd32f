// Package ride owns the ride lifecycle: the transition table, the atomic
// claim, refunds on cancellation and the async updates driven by payment
// webhooks.
package ride

import (
	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

var transitions = map[models.RideStatus][]models.RideStatus{
	models.StatusPendingPayment:       {models.StatusFindingDriver, models.StatusCanceled},
	models.StatusFindingDriver:        {models.StatusArrivingToPickup, models.StatusCanceled},
	models.StatusArrivingToPickup:     {models.StatusDrivingToDestination, models.StatusCanceled},
	models.StatusDrivingToDestination: {models.StatusCompleted},
}

// refundFractions is keyed by the status a ride is canceled from.
var refundFractions = map[models.RideStatus]float64{
	models.StatusPendingPayment:   0.95,
	models.StatusFindingDriver:    0.90,
	models.StatusArrivingToPickup: 0.75,
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.RideStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns nil for an allowed change and a *TransitionError
// otherwise. Same-state requests are conflicts.
func CheckTransition(from, to models.RideStatus) error {
	if from == to {
		return &apperr.TransitionError{From: string(from), To: string(to), Current: string(from), Noop: true}
	}
	if !CanTransition(from, to) {
		return &apperr.TransitionError{From: string(from), To: string(to), Current: string(from)}
	}
	return nil
}

// RefundFraction is the share of the captured amount returned when a ride
// moves from -> to. Only cancellations carry one.
func RefundFraction(from, to models.RideStatus) (float64, bool) {
	if to != models.StatusCanceled {
		return 0, false
	}
	f, ok := refundFractions[from]
	return f, ok
}
