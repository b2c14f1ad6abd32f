package payments

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/tasks"
)

// Webhook outcomes returned to the gateway.
const (
	StatusSuccess              = "success"
	StatusDuplicate            = "ignored_duplicate"
	StatusNotPaid              = "ignored_not_paid"
	StatusNotPaymentLink       = "ignored_not_payment_link"
	StatusMissingRideReference = "ignored_missing_ride"
)

const (
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventCheckoutCompleted       = "checkout.session.completed"
)

// SeenStore remembers processed provider event ids.
type SeenStore interface {
	// MarkSeen records id and reports whether it was new. It must be atomic.
	MarkSeen(ctx context.Context, id string) (bool, error)
	// Forget undoes MarkSeen so the gateway's retry is processed again.
	Forget(ctx context.Context, id string) error
}

type invoiceObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type checkoutSessionObject struct {
	ID            string            `json:"id"`
	PaymentStatus string            `json:"payment_status"`
	PaymentLink   string            `json:"payment_link"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// Ingestor verifies, deduplicates and dispatches gateway callbacks. All ride
// mutations are handed to the task queue; nothing here touches the ride store.
type Ingestor struct {
	secret string
	seen   SeenStore
	queue  tasks.Queue
	now    func() time.Time
	log    *slog.Logger
}

func NewIngestor(secret string, seen SeenStore, queue tasks.Queue, log *slog.Logger) *Ingestor {
	return &Ingestor{secret: secret, seen: seen, queue: queue, now: time.Now, log: log}
}

func (i *Ingestor) verify(payload []byte, signature string) (stripe.Event, error) {
	if signature == "" {
		return stripe.Event{}, apperr.Validation("missing Stripe signature")
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signature, i.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, apperr.Validation("invalid webhook: %v", err)
	}
	if ev.ID == "" || ev.Data == nil {
		return stripe.Event{}, apperr.Validation("webhook event without id or data")
	}
	return ev, nil
}

// Handle processes one callback and returns the outcome reported to the
// gateway. Verification happens before any parsing or state access.
func (i *Ingestor) Handle(ctx context.Context, payload []byte, signature string) (string, error) {
	ev, err := i.verify(payload, signature)
	if err != nil {
		observability.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		return "", err
	}
	evType := string(ev.Type)

	fresh, err := i.seen.MarkSeen(ctx, ev.ID)
	if err != nil {
		return "", err
	}
	if !fresh {
		observability.WebhookEvents.WithLabelValues(evType, StatusDuplicate).Inc()
		return StatusDuplicate, nil
	}

	status, update, err := i.route(ev)
	if err != nil {
		i.forget(ctx, ev.ID)
		return "", err
	}

	i.record(ctx, ev, update.RideID)

	if update.RideID != "" {
		if err := i.queue.Enqueue(ctx, tasks.UpdateRide, update); err != nil {
			// let the gateway's retry through the dedup guard
			i.forget(ctx, ev.ID)
			observability.WebhookEvents.WithLabelValues(evType, "enqueue_failed").Inc()
			return "", apperr.Transient("enqueue ride update", err)
		}
	}
	observability.WebhookEvents.WithLabelValues(evType, status).Inc()
	return status, nil
}

// route decides what an event means for its ride. A zero update means no
// ride change.
func (i *Ingestor) route(ev stripe.Event) (string, models.RideUpdateTask, error) {
	switch string(ev.Type) {
	case EventInvoicePaymentSucceeded:
		var inv invoiceObject
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return "", models.RideUpdateTask{}, apperr.Validation("malformed invoice: %v", err)
		}
		rideID := inv.Metadata["ride_id"]
		if rideID == "" {
			i.log.Warn("paid invoice without ride reference", "event_id", ev.ID, "invoice_id", inv.ID)
			return StatusMissingRideReference, models.RideUpdateTask{}, nil
		}
		i.log.Info("invoice paid", "event_id", ev.ID, "invoice_id", inv.ID, "ride_id", rideID)
		return StatusSuccess, models.RideUpdateTask{
			RideID:        rideID,
			Paid:          true,
			Invoice:       ev.Data.Raw,
			SourceEventID: ev.ID,
		}, nil

	case EventInvoicePaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			i.log.Warn("malformed failed invoice", "event_id", ev.ID, "error", err)
			return "", models.RideUpdateTask{}, apperr.Validation("malformed invoice: %v", err)
		}
		i.log.Warn("invoice payment failed", "event_id", ev.ID, "invoice_id", inv.ID)
		return StatusSuccess, models.RideUpdateTask{}, nil

	case EventCheckoutCompleted:
		var cs checkoutSessionObject
		if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
			return "", models.RideUpdateTask{}, apperr.Validation("malformed checkout session: %v", err)
		}
		if cs.PaymentStatus != "paid" {
			return StatusNotPaid, models.RideUpdateTask{}, nil
		}
		if cs.PaymentLink == "" {
			return StatusNotPaymentLink, models.RideUpdateTask{}, nil
		}
		rideID := cs.Metadata["ride_id"]
		if rideID == "" {
			i.log.Warn("paid checkout session without ride reference", "event_id", ev.ID, "session_id", cs.ID)
			return StatusMissingRideReference, models.RideUpdateTask{}, nil
		}
		i.log.Info("checkout session paid", "event_id", ev.ID, "session_id", cs.ID, "ride_id", rideID)
		return StatusSuccess, models.RideUpdateTask{
			RideID:          rideID,
			To:              models.StatusFindingDriver,
			Paid:            true,
			PaymentIntentID: cs.PaymentIntent,
			Invoice:         ev.Data.Raw,
			SourceEventID:   ev.ID,
		}, nil

	default:
		i.log.Debug("unhandled webhook event", "event_id", ev.ID, "type", string(ev.Type))
		return StatusSuccess, models.RideUpdateTask{}, nil
	}
}

// record hands the event to the audit log. It is fire-and-forget: a failure
// is logged and does not affect the outcome.
func (i *Ingestor) record(ctx context.Context, ev stripe.Event, rideID string) {
	raw, err := json.Marshal(ev)
	if err != nil {
		raw = ev.Data.Raw
	}
	rec := models.PaymentEventRecord{
		ProviderID: ev.ID,
		Type:       string(ev.Type),
		RideID:     rideID,
		Payload:    raw,
		ReceivedAt: i.now().UTC(),
	}
	if err := i.queue.Enqueue(ctx, tasks.RecordPaymentEvent, rec); err != nil {
		i.log.Error("audit enqueue failed", "event_id", ev.ID, "error", err)
	}
}

func (i *Ingestor) forget(ctx context.Context, id string) {
	if err := i.seen.Forget(ctx, id); err != nil {
		i.log.Error("dedup rollback failed", "event_id", id, "error", err)
	}
}
