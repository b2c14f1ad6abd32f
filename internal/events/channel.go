// Package events implements the at-least-once notification channel shared by
// the pull (SSE) and push (websocket) transports.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Fanout pushes a freshly published event to live connections. Delivery
// through it is best effort; the queued copy remains until acknowledged.
type Fanout interface {
	Deliver(ctx context.Context, e models.Event) error
}

type Options struct {
	TTL        time.Duration
	RetryAfter time.Duration
}

type Channel struct {
	store      Store
	fanout     Fanout
	ttl        time.Duration
	retryAfter time.Duration
	now        func() time.Time
	newID      func() string
	log        *slog.Logger
}

func NewChannel(store Store, opts Options, log *slog.Logger) *Channel {
	return &Channel{
		store:      store,
		ttl:        opts.TTL,
		retryAfter: opts.RetryAfter,
		now:        time.Now,
		newID:      uuid.NewString,
		log:        log,
	}
}

// WithClock replaces the time source; tests use it.
func (c *Channel) WithClock(now func() time.Time) *Channel {
	c.now = now
	return c
}

// SetFanout attaches the push transport. It is set after construction because
// the transport itself depends on the channel for acknowledgments.
func (c *Channel) SetFanout(f Fanout) { c.fanout = f }

func (c *Channel) RetryAfter() time.Duration { return c.retryAfter }

// Publish appends an event to the recipient's queue and hands it to the push
// transport.
func (c *Channel) Publish(ctx context.Context, rt models.RecipientType, rid string, typ models.EventType, payload any) (models.Event, error) {
	if !rt.Valid() || rid == "" {
		return models.Event{}, apperr.Validation("invalid recipient %s/%q", rt, rid)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	e := models.Event{
		ID:            c.newID(),
		RecipientType: rt,
		RecipientID:   rid,
		Type:          typ,
		Payload:       raw,
		CreatedAt:     c.now(),
	}
	if err := c.store.Append(ctx, e, c.ttl); err != nil {
		return models.Event{}, err
	}
	observability.EventsPublished.WithLabelValues(string(typ)).Inc()
	if c.fanout != nil {
		if err := c.fanout.Deliver(ctx, e); err != nil {
			c.log.Warn("push delivery failed", "event_id", e.ID, "recipient_id", rid, "error", err)
		}
	}
	return e, nil
}

// Filter narrows a subscription. Zero value matches everything.
type Filter struct {
	Types  []models.EventType
	RideID string
}

func (f Filter) match(e models.Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.RideID != "" {
		var ref struct {
			RideID string `json:"ride_id"`
		}
		if json.Unmarshal(e.Payload, &ref) != nil || ref.RideID != f.RideID {
			return false
		}
	}
	return true
}

// Due walks the recipient's queue in insertion order and returns every event
// that was never sent or whose last attempt is at least RetryAfter old. The
// returned events are marked as sent. Tombstones are dropped.
func (c *Channel) Due(ctx context.Context, rt models.RecipientType, rid string, f Filter) ([]models.Event, error) {
	ids, err := c.store.Pending(ctx, rt, rid)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var out []models.Event
	for _, id := range ids {
		e, ok, err := c.store.Load(ctx, id)
		if err != nil {
			return out, err
		}
		if !ok {
			if err := c.store.Drop(ctx, rt, rid, id); err != nil {
				return out, err
			}
			observability.EventsDropped.Inc()
			continue
		}
		if !f.match(e) {
			continue
		}
		if !e.LastSentAt.IsZero() && now.Sub(e.LastSentAt) < c.retryAfter {
			continue
		}
		if !e.LastSentAt.IsZero() {
			observability.EventsRedelivered.Inc()
		}
		if err := c.store.MarkSent(ctx, id, now); err != nil {
			return out, err
		}
		e.LastSentAt = now
		out = append(out, e)
	}
	return out, nil
}

// Ack removes an event from its recipient's queue. Only the recipient may
// acknowledge; an unknown or expired id is NotFound.
func (c *Channel) Ack(ctx context.Context, rt models.RecipientType, rid, eventID string) error {
	e, ok, err := c.store.Load(ctx, eventID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, apperr.ErrNotFound)
	}
	if e.RecipientType != rt || e.RecipientID != rid {
		return fmt.Errorf("event %s belongs to another recipient: %w", eventID, apperr.ErrForbidden)
	}
	if err := c.store.Remove(ctx, rt, rid, eventID); err != nil {
		return err
	}
	observability.EventsAcked.Inc()
	return nil
}

// Subscribe registers a live session for the recipient until the given time.
func (c *Channel) Subscribe(ctx context.Context, rt models.RecipientType, rid string, ttl time.Duration) error {
	return c.store.TouchSubscriber(ctx, rt, rid, c.now().Add(ttl))
}

func (c *Channel) Unsubscribe(ctx context.Context, rt models.RecipientType, rid string) error {
	return c.store.RemoveSubscriber(ctx, rt, rid)
}

// Subscribers lists recipients of a type with a live pull session.
func (c *Channel) Subscribers(ctx context.Context, rt models.RecipientType) ([]string, error) {
	return c.store.Subscribers(ctx, rt, c.now())
}
