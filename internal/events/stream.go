package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Sink is the write side of a pull session, e.g. an SSE response.
type Sink interface {
	Send(e models.Event) error
	KeepAlive() error
}

// Streamer runs the pull transport loop for one recipient.
type Streamer struct {
	ch            *Channel
	poll          time.Duration
	subscriberTTL time.Duration
	log           *slog.Logger
}

func NewStreamer(ch *Channel, poll, subscriberTTL time.Duration, log *slog.Logger) *Streamer {
	return &Streamer{ch: ch, poll: poll, subscriberTTL: subscriberTTL, log: log}
}

// Stream delivers due events to sink until ctx is cancelled (the client went
// away) or the sink fails. Queued events are left untouched on exit.
func (s *Streamer) Stream(ctx context.Context, rt models.RecipientType, rid string, f Filter, sink Sink) error {
	defer func() {
		// the request context is already done here
		if err := s.ch.Unsubscribe(context.WithoutCancel(ctx), rt, rid); err != nil {
			s.log.Warn("unsubscribe failed", "recipient_id", rid, "error", err)
		}
	}()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := s.ch.Subscribe(ctx, rt, rid, s.subscriberTTL); err != nil {
			s.log.Warn("subscribe failed", "recipient_id", rid, "error", err)
		}

		due, err := s.ch.Due(ctx, rt, rid, f)
		if err != nil && !errors.Is(err, context.Canceled) {
			// a transient store failure should not end the session
			s.log.Warn("event scan failed", "recipient_id", rid, "error", err)
		}
		for _, e := range due {
			if err := sink.Send(e); err != nil {
				return err
			}
		}
		if len(due) == 0 {
			if err := sink.KeepAlive(); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
