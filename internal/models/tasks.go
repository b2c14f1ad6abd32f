package models

import (
	"encoding/json"
	"time"
)

// RideUpdateTask is the payload of the update_ride task produced by webhook
// ingestion. An empty To records payment data without a status change.
type RideUpdateTask struct {
	RideID          string          `json:"ride_id"`
	To              RideStatus      `json:"to,omitempty"`
	Paid            bool            `json:"paid"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Invoice         json.RawMessage `json:"invoice,omitempty"`
	SourceEventID   string          `json:"source_event_id"`
}

// RideDeleteTask is the payload of the delete_ride task. The delete applies
// only if the ride is still unassigned, in Status and untouched since UpdatedAt.
type RideDeleteTask struct {
	RideID    string     `json:"ride_id"`
	RiderID   string     `json:"rider_id"`
	Status    RideStatus `json:"status"`
	UpdatedAt time.Time  `json:"updated_at"`
	Reason    string     `json:"reason"`
}

// PaymentEventRecord is the audit copy of an accepted gateway event.
type PaymentEventRecord struct {
	ProviderID string          `json:"provider_id"`
	Type       string          `json:"type"`
	RideID     string          `json:"ride_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}
