package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

type Authenticator interface {
	Validate(token string) (models.Actor, error)
}

type Rides interface {
	Get(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error)
	Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Start(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*ride.CancelResult, error)
	DriverRide(ctx context.Context, driverID string) (*models.Ride, error)
	SendChat(ctx context.Context, actor models.Actor, rideID, text string) (*models.ChatMessage, error)
	ChatHistory(ctx context.Context, actor models.Actor, rideID string) ([]models.ChatMessage, error)
}

type Presence interface {
	GoOnline(ctx context.Context, driverID string, loc models.Coord) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	GoOffline(ctx context.Context, driverID string) error
}

// Queue is the recipient side of the event channel: what is due for
// (re)delivery and acknowledgment.
type Queue interface {
	Due(ctx context.Context, rt models.RecipientType, rid string, f events.Filter) ([]models.Event, error)
	Ack(ctx context.Context, rt models.RecipientType, rid, eventID string) error
}

type Config struct {
	PingInterval time.Duration
	AuthTimeout  time.Duration
	WriteTimeout time.Duration
	// PollInterval paces the scan of a session's pending queue.
	PollInterval time.Duration
	// RetryAfter is how long an event written to a session waits for its
	// ack before it is written again.
	RetryAfter time.Duration
}

const (
	maxMessageBytes = 64 << 10

	msgServer         = "server_message"
	msgDriverLocation = "driver_location_update"
	msgChat           = "chat_message"
)

// Hub owns the websocket sessions of this process. Sessions authenticate
// first, then join their recipient key and any rooms they ask for.
type Hub struct {
	auth     Authenticator
	rides    Rides
	presence Presence
	queue    Queue
	bus      Broadcaster
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	sessions    map[*session]struct{}
	byRecipient map[string]map[*session]struct{}
	rooms       map[string]map[*session]struct{}
}

func NewHub(auth Authenticator, rides Rides, presence Presence, queue Queue, bus Broadcaster, cfg Config, log *slog.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	return &Hub{
		auth:        auth,
		rides:       rides,
		presence:    presence,
		queue:       queue,
		bus:         bus,
		cfg:         cfg,
		log:         log,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		sessions:    make(map[*session]struct{}),
		byRecipient: make(map[string]map[*session]struct{}),
		rooms:       make(map[string]map[*session]struct{}),
	}
}

// Run consumes the broadcaster until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	return h.bus.Subscribe(ctx, h.local)
}

// Connections reports the open sessions of this process.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// local writes a broadcast message to the matching sessions of this process.
func (h *Hub) local(m Message) {
	h.mu.RLock()
	var targets []*session
	if m.Recipient != "" {
		for s := range h.byRecipient[m.Recipient] {
			targets = append(targets, s)
		}
	}
	if m.Room != "" {
		for s := range h.rooms[m.Room] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	out := outbound{Type: m.Type, EventID: m.EventID, Room: m.Room, Data: m.Data}
	for _, s := range targets {
		if err := s.write(out); err != nil {
			h.log.Debug("push write failed", "recipient", m.Recipient, "room", m.Room, "error", err)
			continue
		}
		if m.EventID != "" {
			s.noteSent(m.EventID, time.Now())
		}
	}
}

// ServeWS upgrades the request and serves the session until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s := &session{
		conn:         conn,
		writeTimeout: h.cfg.WriteTimeout,
		rooms:        make(map[string]struct{}),
		sent:         make(map[string]time.Time),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		h.deregister(s)
		conn.Close()
	}()

	authTimer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if _, ok := s.identity(); !ok {
			_ = s.write(outbound{Type: msgServer, Data: jsonText("authentication timed out")})
			conn.Close()
		}
	})
	defer authTimer.Stop()

	go h.ping(ctx, s)

	_ = s.write(outbound{Type: msgServer, Data: jsonText("connected; authenticate to continue")})

	pongWait := 2 * h.cfg.PingInterval
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var req request
		if err := json.Unmarshal(raw, &req); err != nil || req.Action == "" {
			_ = s.write(outbound{Type: "error_response", Error: &wireError{Code: apperr.Code(apperr.ErrValidation), Message: "malformed message"}})
			continue
		}
		data, err := h.handle(ctx, s, req)
		resp := outbound{Type: req.Action + "_response", RequestID: req.RequestID, OK: err == nil}
		if err != nil {
			resp.Error = &wireError{Code: apperr.Code(err), Message: err.Error()}
		} else if data != nil {
			resp.Data, _ = json.Marshal(data)
		}
		if err := s.write(resp); err != nil {
			return
		}
		if req.Action == "authenticate" && resp.OK {
			actor, _ := s.identity()
			if rt, ok := actor.Recipient(); ok && s.claimQueue() {
				go h.redeliver(ctx, s, rt, actor.ID)
			}
		}
	}
}

// redeliver flushes the recipient's queue once the session is authenticated
// and keeps writing events that stay unacknowledged past RetryAfter.
func (h *Hub) redeliver(ctx context.Context, s *session, rt models.RecipientType, rid string) {
	t := time.NewTicker(h.cfg.PollInterval)
	defer t.Stop()
	for {
		due, err := h.queue.Due(ctx, rt, rid, events.Filter{})
		if err != nil && ctx.Err() == nil {
			h.log.Warn("event scan failed", "recipient_id", rid, "error", err)
		}
		now := time.Now()
		for _, e := range due {
			// already written live within the window
			if s.sentWithin(e.ID, now, h.cfg.RetryAfter) {
				continue
			}
			if err := s.write(outbound{Type: string(e.Type), EventID: e.ID, Data: e.Payload}); err != nil {
				return
			}
			s.noteSent(e.ID, now)
		}
		s.pruneSent(now.Add(-h.cfg.RetryAfter))

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (h *Hub) ping(ctx context.Context, s *session) {
	t := time.NewTicker(h.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handle(ctx context.Context, s *session, req request) (any, error) {
	var p params
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &p); err != nil {
			return nil, apperr.Validation("malformed data")
		}
	}
	if req.Action == "authenticate" {
		return h.authenticate(s, p.Token)
	}
	actor, ok := s.identity()
	if !ok {
		return nil, fmt.Errorf("authenticate first: %w", apperr.ErrUnauthorized)
	}

	switch req.Action {
	case "go_online", "go_offline", "update_location", "accept_ride", "start_ride", "complete_ride":
		if actor.Role != models.RoleDriver {
			return nil, fmt.Errorf("%s is a driver action: %w", req.Action, apperr.ErrForbidden)
		}
	}

	switch req.Action {
	case "go_online":
		if err := h.presence.GoOnline(ctx, actor.ID, p.coord()); err != nil {
			return nil, err
		}
		h.join(s, events.AvailableDriversRoom)
		return nil, nil
	case "go_offline":
		h.leave(s, events.AvailableDriversRoom)
		return nil, h.presence.GoOffline(ctx, actor.ID)
	case "update_location":
		if err := h.presence.UpdateLocation(ctx, actor.ID, p.coord()); err != nil {
			return nil, err
		}
		h.shareLocation(ctx, actor.ID, p.coord())
		return nil, nil
	case "accept_ride":
		r, err := h.rides.Accept(ctx, actor.ID, p.RideID)
		if err != nil {
			return nil, err
		}
		h.join(s, events.RideRoom(r.ID))
		return r, nil
	case "start_ride":
		return h.rides.Start(ctx, actor.ID, p.RideID)
	case "complete_ride":
		return h.rides.Complete(ctx, actor.ID, p.RideID)
	case "cancel_ride":
		return h.rides.Cancel(ctx, actor, p.RideID, p.Reason)
	case "join_ride_room":
		r, err := h.rides.Get(ctx, actor, p.RideID)
		if err != nil {
			return nil, err
		}
		h.join(s, events.RideRoom(r.ID))
		return map[string]string{"room": events.RideRoom(r.ID)}, nil
	case "get_ride_state":
		return h.rides.Get(ctx, actor, p.RideID)
	case "send_chat_message":
		m, err := h.rides.SendChat(ctx, actor, p.RideID, p.Message)
		if err != nil {
			return nil, err
		}
		room := events.RideRoom(m.RideID)
		h.join(s, room)
		raw, _ := json.Marshal(m)
		if err := h.bus.Publish(ctx, Message{Room: room, Type: msgChat, Data: raw}); err != nil {
			h.log.Warn("chat broadcast failed", "ride_id", m.RideID, "error", err)
		}
		return m, nil
	case "get_ride_chats":
		return h.rides.ChatHistory(ctx, actor, p.RideID)
	case "ack":
		rt, ok := actor.Recipient()
		if !ok {
			return nil, fmt.Errorf("admins have no event queue: %w", apperr.ErrForbidden)
		}
		return nil, h.queue.Ack(ctx, rt, actor.ID, p.EventID)
	default:
		return nil, apperr.Validation("unknown action " + req.Action)
	}
}

func (h *Hub) authenticate(s *session, token string) (any, error) {
	if _, ok := s.identity(); ok {
		return nil, fmt.Errorf("session already authenticated: %w", apperr.ErrConflict)
	}
	actor, err := h.auth.Validate(token)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.actor = &actor
	s.mu.Unlock()
	if rt, ok := actor.Recipient(); ok {
		key := RecipientKey(rt, actor.ID)
		h.mu.Lock()
		addTo(h.byRecipient, key, s)
		h.mu.Unlock()
	}
	h.log.Debug("push session authenticated", "actor_id", actor.ID, "role", string(actor.Role))
	return actor, nil
}

// shareLocation shows the driver's position to the room of the ride they are
// on, if any.
func (h *Hub) shareLocation(ctx context.Context, driverID string, loc models.Coord) {
	r, err := h.rides.DriverRide(ctx, driverID)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			h.log.Warn("driver ride lookup failed", "driver_id", driverID, "error", err)
		}
		return
	}
	raw, err := json.Marshal(models.DriverLocationPayload{RideID: r.ID, DriverID: driverID, Location: loc, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := h.bus.Publish(ctx, Message{Room: events.RideRoom(r.ID), Type: msgDriverLocation, Data: raw}); err != nil {
		h.log.Warn("location broadcast failed", "ride_id", r.ID, "error", err)
	}
}

func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	addTo(h.rooms, room, s)
	h.mu.Unlock()
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	removeFrom(h.rooms, room, s)
	h.mu.Unlock()
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

// deregister drops every reference to s. A driver whose last session closed
// goes off duty.
func (h *Hub) deregister(s *session) {
	actor, authed := s.identity()
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	last := false
	h.mu.Lock()
	delete(h.sessions, s)
	for _, room := range rooms {
		removeFrom(h.rooms, room, s)
	}
	if authed {
		if rt, ok := actor.Recipient(); ok {
			key := RecipientKey(rt, actor.ID)
			removeFrom(h.byRecipient, key, s)
			last = len(h.byRecipient[key]) == 0
		}
	}
	h.mu.Unlock()
	observability.WSConnections.Dec()

	if last && actor.Role == models.RoleDriver {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.GoOffline(ctx, actor.ID); err != nil {
			h.log.Warn("go offline on disconnect failed", "driver_id", actor.ID, "error", err)
		}
	}
}

func addTo(m map[string]map[*session]struct{}, key string, s *session) {
	set, ok := m[key]
	if !ok {
		set = make(map[*session]struct{})
		m[key] = set
	}
	set[s] = struct{}{}
}

func removeFrom(m map[string]map[*session]struct{}, key string, s *session) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(m, key)
	}
}

// session is one websocket connection. Writes are serialized.
type session struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex

	mu    sync.Mutex
	actor *models.Actor
	rooms map[string]struct{}
	// sent holds when each event id was last written to this session.
	sent     map[string]time.Time
	draining bool
}

// claimQueue reports whether the caller should start the session's
// redelivery loop. Only the first call does.
func (s *session) claimQueue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.draining = true
	return true
}

func (s *session) write(v outbound) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *session) noteSent(eventID string, at time.Time) {
	s.mu.Lock()
	s.sent[eventID] = at
	s.mu.Unlock()
}

func (s *session) sentWithin(eventID string, now time.Time, window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.sent[eventID]
	return ok && now.Sub(at) < window
}

func (s *session) pruneSent(before time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.sent {
		if at.Before(before) {
			delete(s.sent, id)
		}
	}
}

func (s *session) identity() (models.Actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actor == nil {
		return models.Actor{}, false
	}
	return *s.actor, true
}

type request struct {
	Action    string          `json:"action"`
	RequestID string          `json:"request_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type params struct {
	Token   string  `json:"token"`
	RideID  string  `json:"ride_id"`
	Reason  string  `json:"reason"`
	EventID string  `json:"event_id"`
	Message string  `json:"message"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

func (p params) coord() models.Coord { return models.Coord{Lat: p.Lat, Lon: p.Lon} }

type outbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	OK        bool            `json:"ok,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func jsonText(s string) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"message": s})
	return raw
}
