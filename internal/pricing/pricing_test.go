package pricing

import (
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestFare(t *testing.T) {
	cases := []struct {
		vt   models.VehicleType
		dist float64
		dur  float64
		want float64
	}{
		// 4 + 2*10 + 0.4*10
		{models.VehicleCar, 10_000, 600, 28},
		// 2 + 1*3.5 + 0.2*7
		{models.VehicleMotorBike, 3_500, 420, 6.9},
		{models.VehicleCar, 0, 0, 4},
	}
	for _, tc := range cases {
		got, err := Fare(tc.vt, tc.dist, tc.dur)
		if err != nil {
			t.Fatalf("Fare(%s): %v", tc.vt, err)
		}
		if got != tc.want {
			t.Fatalf("Fare(%s, %v, %v) = %v, want %v", tc.vt, tc.dist, tc.dur, got, tc.want)
		}
	}
}

func TestFareRejectsUnknownVehicle(t *testing.T) {
	if _, err := Fare("BOAT", 100, 10); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMinorUnits(t *testing.T) {
	if got := MinorUnits(19.99); got != 1999 {
		t.Fatalf("MinorUnits = %d", got)
	}
}
