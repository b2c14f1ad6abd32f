// Package push is the room-based websocket transport. Connections live in a
// per-process hub; a Broadcaster carries messages between processes so any
// server can reach any connection.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

// Message is addressed either to a room or to one recipient ("rider:<id>").
type Message struct {
	Room      string          `json:"room,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Type      string          `json:"type"`
	EventID   string          `json:"event_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Broadcaster interface {
	Publish(ctx context.Context, m Message) error
	// Subscribe calls deliver for every published message until ctx is done.
	Subscribe(ctx context.Context, deliver func(Message)) error
	Close() error
}

// LocalBroadcaster delivers in-process only. It is enough for a single
// server.
type LocalBroadcaster struct {
	mu       sync.RWMutex
	handlers map[int]func(Message)
	next     int
}

func NewLocalBroadcaster() *LocalBroadcaster {
	return &LocalBroadcaster{handlers: make(map[int]func(Message))}
}

func (b *LocalBroadcaster) Publish(_ context.Context, m Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(m)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(ctx context.Context, deliver func(Message)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = deliver
	b.mu.Unlock()

	<-ctx.Done()
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

func (b *LocalBroadcaster) Close() error { return nil }

// RecipientKey addresses a recipient across processes.
func RecipientKey(rt models.RecipientType, id string) string { return string(rt) + ":" + id }

const msgRideState = "ride_state"

// Publisher turns events and room broadcasts into messages on the
// broadcaster. It is the producer side of the transport and needs no
// connection state.
type Publisher struct {
	bus Broadcaster
}

func NewPublisher(bus Broadcaster) *Publisher { return &Publisher{bus: bus} }

// Deliver implements events.Fanout. Queued events go to the recipient's
// sessions with their event id for acknowledgment; a ride status change is
// also shown to everyone watching the ride room.
func (p *Publisher) Deliver(ctx context.Context, e models.Event) error {
	err := p.bus.Publish(ctx, Message{
		Recipient: RecipientKey(e.RecipientType, e.RecipientID),
		Type:      string(e.Type),
		EventID:   e.ID,
		Data:      e.Payload,
	})
	if err != nil || e.Type != models.EventRideStatusUpdate || e.RecipientType != models.RecipientRider {
		return err
	}
	var st models.RideStatusPayload
	if err := json.Unmarshal(e.Payload, &st); err != nil || st.RideID == "" {
		return nil
	}
	return p.bus.Publish(ctx, Message{Room: events.RideRoom(st.RideID), Type: msgRideState, Data: e.Payload})
}

// BroadcastRoom implements events.RoomBroadcaster.
func (p *Publisher) BroadcastRoom(ctx context.Context, room, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.bus.Publish(ctx, Message{Room: room, Type: msgType, Data: raw})
}

const DefaultChannel = "push:broadcast"

// RedisBroadcaster fans out over Redis pub/sub.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBroadcaster(client *redis.Client, channel string, log *slog.Logger) *RedisBroadcaster {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroadcaster{client: client, channel: channel, log: log}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, deliver func(Message)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				b.log.Warn("dropping malformed broadcast", "error", err)
				continue
			}
			deliver(m)
		}
	}
}

func (b *RedisBroadcaster) Close() error { return nil }

// NATSBroadcaster fans out over a core NATS subject.
type NATSBroadcaster struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNATSBroadcaster connects to url and retries in the background.
func NewNATSBroadcaster(url, subject string, log *slog.Logger) (*NATSBroadcaster, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if subject == "" {
		subject = "push.broadcast"
	}
	return &NATSBroadcaster{conn: conn, subject: subject, log: log}, nil
}

func (b *NATSBroadcaster) Publish(_ context.Context, m Message) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.conn.Publish(b.subject, raw)
}

func (b *NATSBroadcaster) Subscribe(ctx context.Context, deliver func(Message)) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			b.log.Warn("dropping malformed broadcast", "error", err)
			return
		}
		deliver(m)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}

// Close drains and closes the connection.
func (b *NATSBroadcaster) Close() error {
	return b.conn.Drain()
}
