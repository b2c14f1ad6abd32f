package ride

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

const maxChatRunes = 1000

// participant reports whether the actor is the ride's rider or its assigned driver.
func participant(r *models.Ride, actor models.Actor) bool {
	switch actor.Role {
	case models.RoleRider:
		return r.RiderID == actor.ID
	case models.RoleDriver:
		return r.Assigned() && r.DriverID == actor.ID
	}
	return false
}

// SendChat stores a message from the rider or the assigned driver. The
// conversation is open only while the trip is under way.
func (s *Service) SendChat(ctx context.Context, actor models.Actor, rideID, text string) (*models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.Validation("message is required")
	}
	if utf8.RuneCountInString(text) > maxChatRunes {
		return nil, apperr.Validation("message exceeds %d characters", maxChatRunes)
	}
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !participant(r, actor) {
		return nil, fmt.Errorf("ride %s: %w", rideID, apperr.ErrForbidden)
	}
	if !r.Status.OnTrip() {
		return nil, fmt.Errorf("chat is closed while the ride is %s: %w", r.Status, apperr.ErrConflict)
	}
	m := models.ChatMessage{
		ID:         uuid.NewString(),
		RideID:     rideID,
		SenderID:   actor.ID,
		SenderRole: actor.Role,
		Message:    text,
		CreatedAt:  s.clock(),
	}
	if err := s.chats.AddChat(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ChatHistory lists the conversation of a ride for its participants and admins.
func (s *Service) ChatHistory(ctx context.Context, actor models.Actor, rideID string) ([]models.ChatMessage, error) {
	r, err := s.rides.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && !participant(r, actor) {
		return nil, fmt.Errorf("ride %s: %w", rideID, apperr.ErrForbidden)
	}
	return s.chats.Chats(ctx, rideID)
}

// DriverRide returns the ride the driver is currently heading to or driving.
func (s *Service) DriverRide(ctx context.Context, driverID string) (*models.Ride, error) {
	return s.rides.DriverRide(ctx, driverID)
}
