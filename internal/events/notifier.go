package events

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

const AvailableDriversRoom = "available_drivers"

// RideRoom names the push-transport room shared by a ride's participants.
func RideRoom(rideID string) string { return "ride:" + rideID }

// RoomBroadcaster sends an unqueued message to every connection in a room.
type RoomBroadcaster interface {
	BroadcastRoom(ctx context.Context, room, msgType string, payload any) error
}

// Notifier produces the ride notifications. Failures are logged and never
// returned: a confirmed state change must not be reported as failed because a
// notification could not be queued.
type Notifier struct {
	ch    *Channel
	rooms RoomBroadcaster
	log   *slog.Logger
}

func NewNotifier(ch *Channel, rooms RoomBroadcaster, log *slog.Logger) *Notifier {
	return &Notifier{ch: ch, rooms: rooms, log: log}
}

// StatusChanged tells the rider and, when assigned, the driver.
func (n *Notifier) StatusChanged(ctx context.Context, r *models.Ride, from models.RideStatus, message string) {
	p := models.RideStatusPayload{RideID: r.ID, Status: r.Status, From: from, DriverID: r.DriverID, Message: message}
	n.publish(ctx, models.RecipientRider, r.RiderID, models.EventRideStatusUpdate, p)
	if r.DriverID != "" {
		n.publish(ctx, models.RecipientDriver, r.DriverID, models.EventRideStatusUpdate, p)
	}
}

// RideRequest offers a ride to one driver.
func (n *Notifier) RideRequest(ctx context.Context, driverID string, p models.RideRequestPayload) error {
	_, err := n.ch.Publish(ctx, models.RecipientDriver, driverID, models.EventRideRequest, p)
	return err
}

// RideTaken tells every on-duty driver that the ride is no longer open.
func (n *Notifier) RideTaken(ctx context.Context, rideID string) {
	if n.rooms == nil {
		return
	}
	if err := n.rooms.BroadcastRoom(ctx, AvailableDriversRoom, "ride_unavailable", map[string]string{"ride_id": rideID}); err != nil {
		n.log.Warn("ride taken broadcast failed", "ride_id", rideID, "error", err)
	}
}

// ServerMessage sends a free-form message to one recipient.
func (n *Notifier) ServerMessage(ctx context.Context, rt models.RecipientType, rid, rideID, text string) {
	n.publish(ctx, rt, rid, models.EventServerMessage, map[string]string{"ride_id": rideID, "message": text})
}

func (n *Notifier) publish(ctx context.Context, rt models.RecipientType, rid string, typ models.EventType, payload any) {
	if _, err := n.ch.Publish(ctx, rt, rid, typ, payload); err != nil {
		n.log.Warn("notification publish failed",
			"recipient_type", string(rt), "recipient_id", rid, "event", string(typ), "error", err)
	}
}
