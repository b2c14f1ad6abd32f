package models

type RideStatus string

const (
	StatusPendingPayment       RideStatus = "pendingPayment"
	StatusFindingDriver        RideStatus = "findingDriver"
	StatusArrivingToPickup     RideStatus = "arrivingToPickup"
	StatusDrivingToDestination RideStatus = "drivingToDestination"
	StatusCompleted            RideStatus = "completed"
	StatusCanceled             RideStatus = "canceled"
)

// AllStatuses lists every ride status in lifecycle order.
var AllStatuses = []RideStatus{
	StatusPendingPayment,
	StatusFindingDriver,
	StatusArrivingToPickup,
	StatusDrivingToDestination,
	StatusCompleted,
	StatusCanceled,
}

func (s RideStatus) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusFindingDriver, StatusArrivingToPickup,
		StatusDrivingToDestination, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Active reports whether a ride in this status still occupies its rider.
func (s RideStatus) Active() bool {
	return s.Valid() && !s.Terminal()
}

// OnTrip reports whether a driver is assigned and the trip is under way:
// heading to the pickup or driving to the destination.
func (s RideStatus) OnTrip() bool {
	return s == StatusArrivingToPickup || s == StatusDrivingToDestination
}

// Rank orders the non-terminal statuses along the happy path; terminal statuses rank highest.
func (s RideStatus) Rank() int {
	switch s {
	case StatusPendingPayment:
		return 0
	case StatusFindingDriver:
		return 1
	case StatusArrivingToPickup:
		return 2
	case StatusDrivingToDestination:
		return 3
	case StatusCompleted, StatusCanceled:
		return 4
	}
	return -1
}
