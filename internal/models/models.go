package models

import (
	"encoding/json"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a plausible WGS84 coordinate.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type VehicleType string

const (
	VehicleCar       VehicleType = "CAR"
	VehicleMotorBike VehicleType = "MOTOR_BIKE"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleCar, VehicleMotorBike:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountActive              AccountStatus = "active"
	AccountPendingVerification AccountStatus = "pendingVerification"
	AccountSuspended           AccountStatus = "suspended"
	AccountBanned              AccountStatus = "banned"
	AccountDeactivated         AccountStatus = "deactivated"
)

type RecipientType string

const (
	RecipientRider  RecipientType = "rider"
	RecipientDriver RecipientType = "driver"
)

func (t RecipientType) Valid() bool {
	return t == RecipientRider || t == RecipientDriver
}

type Ride struct {
	ID               string          `json:"id"`
	RiderID          string          `json:"rider_id"`
	DriverID         string          `json:"driver_id,omitempty"`
	Pickup           string          `json:"pickup"`
	Destination      string          `json:"destination"`
	Stops            []string        `json:"stops,omitempty"`
	VehicleType      VehicleType     `json:"vehicle_type"`
	Status           RideStatus      `json:"status"`
	Price            float64         `json:"price"`
	Currency         string          `json:"currency"`
	PaymentStatus    bool            `json:"payment_status"`
	PaymentIntentID  string          `json:"payment_intent_id,omitempty"`
	PaymentLink      string          `json:"payment_link,omitempty"`
	Invoice          json.RawMessage `json:"invoice,omitempty"`
	Origin           Coord           `json:"origin"`
	DestinationCoord Coord           `json:"destination_coord"`
	DistanceMeters   float64         `json:"distance_meters"`
	DurationSeconds  float64         `json:"duration_seconds"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Assigned reports whether a driver has claimed the ride.
func (r *Ride) Assigned() bool { return r.DriverID != "" }

// Clone returns a deep copy so stores never hand out shared state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.Stops != nil {
		c.Stops = append([]string(nil), r.Stops...)
	}
	if r.Invoice != nil {
		c.Invoice = append(json.RawMessage(nil), r.Invoice...)
	}
	return &c
}

// DriverPresence is the liveness snapshot kept for an on-duty driver.
type DriverPresence struct {
	DriverID        string        `json:"driver_id"`
	Loc             Coord         `json:"loc"`
	VehicleType     VehicleType   `json:"vehicle_type"`
	ProfileComplete bool          `json:"profile_complete"`
	AccountStatus   AccountStatus `json:"account_status"`
	OnDuty          bool          `json:"on_duty"`
	LastSeen        time.Time     `json:"last_seen"`
}

// Fresh reports whether the entry was written within ttl of now.
func (p DriverPresence) Fresh(now time.Time, ttl time.Duration) bool {
	return !p.LastSeen.IsZero() && now.Sub(p.LastSeen) <= ttl
}

// Eligible applies every dispatch filter except distance.
func (p DriverPresence) Eligible(now time.Time, ttl time.Duration, want VehicleType) bool {
	if !p.OnDuty || !p.ProfileComplete || p.AccountStatus != AccountActive {
		return false
	}
	if !p.VehicleType.Valid() || p.VehicleType != want {
		return false
	}
	return p.Fresh(now, ttl)
}

type EventType string

const (
	EventRideRequest      EventType = "ride_request"
	EventRideStatusUpdate EventType = "ride_status_update"
	EventServerMessage    EventType = "server_message"
)

type Event struct {
	ID            string          `json:"id"`
	RecipientType RecipientType   `json:"recipient_type"`
	RecipientID   string          `json:"recipient_id"`
	Type          EventType       `json:"event"`
	Payload       json.RawMessage `json:"data"`
	CreatedAt     time.Time       `json:"created_at"`
	LastSentAt    time.Time       `json:"-"`
}

type ShareLink struct {
	Token     string    `json:"token"`
	RideID    string    `json:"ride_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// DriverAccount is the read-only view of a driver account used for eligibility checks.
type DriverAccount struct {
	ID              string        `json:"id"`
	VehicleType     VehicleType   `json:"vehicle_type"`
	ProfileComplete bool          `json:"profile_complete"`
	Status          AccountStatus `json:"status"`
}

type RiderAccount struct {
	ID     string        `json:"id"`
	Email  string        `json:"email"`
	Status AccountStatus `json:"status"`
}

// RideRequestPayload is the body of a ride_request event.
type RideRequestPayload struct {
	RideID       string      `json:"ride_id"`
	Pickup       string      `json:"pickup"`
	Destination  string      `json:"destination"`
	PickupLoc    Coord       `json:"pickup_location"`
	DropoffLoc   Coord       `json:"dropoff_location"`
	VehicleType  VehicleType `json:"vehicle_type"`
	FareEstimate float64     `json:"fare_estimate"`
	RiderID      string      `json:"rider_id"`
	DistanceM    float64     `json:"distance_to_pickup_m"`
	PickupETA    float64     `json:"pickup_eta_seconds"`
}

// RideStatusPayload is the body of a ride_status_update event.
type RideStatusPayload struct {
	RideID   string     `json:"ride_id"`
	Status   RideStatus `json:"status"`
	From     RideStatus `json:"from,omitempty"`
	DriverID string     `json:"driver_id,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// ChatMessage is one message of the in-ride conversation between the rider
// and the assigned driver.
type ChatMessage struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	SenderID   string    `json:"sender_id"`
	SenderRole Role      `json:"sender_type"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// DriverLocationPayload is broadcast to a ride room while the driver is on
// the way or driving.
type DriverLocationPayload struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	Location Coord     `json:"location"`
	At       time.Time `json:"at"`
}
