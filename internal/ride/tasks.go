package ride

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tasks"
)

// ApplyUpdate applies a webhook-driven ride update. Status changes go
// through the same transition table as every other caller; a rejected change
// is permanent so redelivered duplicates stop here.
func (s *Service) ApplyUpdate(ctx context.Context, t models.RideUpdateTask) error {
	if t.RideID == "" {
		return tasks.Permanent(apperr.Validation("update without ride id"))
	}
	r, err := s.rides.GetRide(ctx, t.RideID)
	if err != nil {
		if isNotFound(err) {
			return tasks.Permanent(err)
		}
		return err
	}
	now := s.clock()

	if t.To == "" {
		ok, err := s.rides.ApplyPayment(ctx, storage.PaymentUpdate{
			RideID:          t.RideID,
			Paid:            t.Paid,
			PaymentIntentID: t.PaymentIntentID,
			Invoice:         t.Invoice,
			At:              now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return tasks.Permanent(fmt.Errorf("ride %s: %w", t.RideID, apperr.ErrNotFound))
		}
		s.log.Info("payment recorded", "ride_id", t.RideID, "event_id", t.SourceEventID)
		return nil
	}

	if err := CheckTransition(r.Status, t.To); err != nil {
		s.log.Info("ride update rejected", "ride_id", t.RideID, "event_id", t.SourceEventID, "error", err)
		return tasks.Permanent(err)
	}
	ok, err := s.rides.ApplyPayment(ctx, storage.PaymentUpdate{
		RideID:          t.RideID,
		From:            r.Status,
		To:              t.To,
		Paid:            t.Paid,
		PaymentIntentID: t.PaymentIntentID,
		Invoice:         t.Invoice,
		At:              now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return tasks.Permanent(s.lost(ctx, t.RideID, r.Status, t.To, ""))
	}

	from := r.Status
	r.Status = t.To
	r.PaymentStatus = r.PaymentStatus || t.Paid
	if t.PaymentIntentID != "" {
		r.PaymentIntentID = t.PaymentIntentID
	}
	r.UpdatedAt = now
	s.confirmed(ctx, r, from, "payment confirmed")

	if t.To == models.StatusFindingDriver && s.dispatcher != nil {
		s.dispatchOpen(ctx, r)
	}
	return nil
}

// dispatchOpen offers a freshly paid ride to nearby drivers. The transition
// is already stored, so failures here are reported and not returned.
func (s *Service) dispatchOpen(ctx context.Context, r *models.Ride) {
	n, err := s.dispatcher.Dispatch(ctx, r)
	if err != nil {
		s.log.Warn("dispatch failed", "ride_id", r.ID, "error", err)
		return
	}
	if n == 0 {
		s.notifier.ServerMessage(ctx, models.RecipientRider, r.RiderID, r.ID, "no drivers available nearby yet, still looking")
	}
}

// ApplyDelete runs a deferred deletion. It is a no-op when the ride was
// claimed, moved on or touched since the deletion was scheduled.
func (s *Service) ApplyDelete(ctx context.Context, t models.RideDeleteTask) error {
	ok, err := s.rides.DeleteUnassigned(ctx, t.RideID, storage.DeleteCondition{Status: t.Status, UpdatedAt: t.UpdatedAt})
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("deferred delete skipped, ride changed", "ride_id", t.RideID, "reason", t.Reason)
		return nil
	}
	observability.RideTransitions.WithLabelValues(string(t.Status), "deleted").Inc()
	s.log.Info("ride deleted", "ride_id", t.RideID, "status", string(t.Status), "reason", t.Reason)
	if t.RiderID != "" {
		s.notifier.ServerMessage(ctx, models.RecipientRider, t.RiderID, t.RideID, t.Reason)
	}
	return nil
}

// UpdateHandler is the update_ride task handler.
func (s *Service) UpdateHandler() tasks.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		t, err := tasks.Decode[models.RideUpdateTask](payload)
		if err != nil {
			return err
		}
		return s.ApplyUpdate(ctx, t)
	}
}

// DeleteHandler is the delete_ride task handler.
func (s *Service) DeleteHandler() tasks.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		t, err := tasks.Decode[models.RideDeleteTask](payload)
		if err != nil {
			return err
		}
		return s.ApplyDelete(ctx, t)
	}
}
