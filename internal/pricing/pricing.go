// Package pricing turns a route estimate into a fare.
package pricing

import (
	"fmt"
	"math"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// Rate is the fare table entry for one vehicle type.
type Rate struct {
	Base      float64
	PerKm     float64
	PerMinute float64
	Seats     int
}

var rates = map[models.VehicleType]Rate{
	models.VehicleMotorBike: {Base: 2.0, PerKm: 1.0, PerMinute: 0.2, Seats: 0},
	models.VehicleCar:       {Base: 4.0, PerKm: 2.0, PerMinute: 0.4, Seats: 4},
}

// RateFor returns the fare table entry for vt.
func RateFor(vt models.VehicleType) (Rate, bool) {
	r, ok := rates[vt]
	return r, ok
}

// Fare computes base + distance + time charges, rounded to cents.
func Fare(vt models.VehicleType, distanceMeters, durationSeconds float64) (float64, error) {
	r, ok := rates[vt]
	if !ok {
		return 0, apperr.Validation("unknown vehicle type %q", vt)
	}
	if distanceMeters < 0 || durationSeconds < 0 || math.IsNaN(distanceMeters) || math.IsNaN(durationSeconds) {
		return 0, fmt.Errorf("%w: negative route estimate", apperr.ErrValidation)
	}
	amount := r.Base + r.PerKm*distanceMeters/1000 + r.PerMinute*durationSeconds/60
	return math.Round(amount*100) / 100, nil
}

// MinorUnits converts an amount to the smallest currency unit.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
