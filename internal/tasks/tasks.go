// Package tasks runs background work (webhook-driven ride updates, deferred
// deletions, audit persistence) away from request handlers.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	UpdateRide         = "update_ride"
	DeleteRide         = "delete_ride"
	RecordPaymentEvent = "record_payment_event"
)

// Queue accepts tasks for at-least-once execution.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// Envelope is the wire form of a task.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

func newEnvelope(name string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Envelope{ID: uuid.NewString(), Name: name, Payload: raw, EnqueuedAt: time.Now().UTC()}, nil
}

type Handler func(ctx context.Context, payload json.RawMessage) error

var ErrUnknownTask = errors.New("unknown task")

// Registry maps task names to handlers. It is populated once at start-up.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

func (r *Registry) handler(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return h, nil
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// runWithRetry calls h up to attempts times, doubling delay between tries.
// Permanent errors stop immediately.
func runWithRetry(ctx context.Context, h Handler, payload json.RawMessage, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = h(ctx, payload); err == nil || IsPermanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Decode unmarshals a task payload; a malformed payload is permanent.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, Permanent(fmt.Errorf("decode task payload: %w", err))
	}
	return v, nil
}
