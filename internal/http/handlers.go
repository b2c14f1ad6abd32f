// Package httpapi exposes the REST surface, the pull transport (SSE), the
// websocket upgrade and the payment webhook.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

type Authenticator interface {
	Validate(token string) (models.Actor, error)
}

type Rides interface {
	Create(ctx context.Context, riderID string, req ride.CreateRequest) (*models.Ride, error)
	Get(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error)
	Accept(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Start(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Complete(ctx context.Context, driverID, rideID string) (*models.Ride, error)
	Cancel(ctx context.Context, actor models.Actor, rideID, reason string) (*ride.CancelResult, error)
	Share(ctx context.Context, riderID, rideID string) (*models.ShareLink, bool, error)
	ResolveShare(ctx context.Context, token string) (*models.Ride, error)
	AdminDispatch(ctx context.Context, rideID, driverID string) (int, error)
	DeleteUnclaimed(ctx context.Context, rideID string) error
}

type Presence interface {
	GoOnline(ctx context.Context, driverID string, loc models.Coord) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error
	GoOffline(ctx context.Context, driverID string) error
}

type Acker interface {
	Ack(ctx context.Context, rt models.RecipientType, rid, eventID string) error
}

type Streamer interface {
	Stream(ctx context.Context, rt models.RecipientType, rid string, f events.Filter, sink events.Sink) error
}

type Webhooks interface {
	Handle(ctx context.Context, payload []byte, signature string) (string, error)
}

type Heartbeat interface {
	Last(ctx context.Context) (time.Time, bool, error)
}

// Check is a readiness probe of one dependency.
type Check func(ctx context.Context) error

type Deps struct {
	Auth       Authenticator
	Rides      Rides
	Presence   Presence
	Acks       Acker
	Stream     Streamer
	Webhooks   Webhooks
	WS         http.Handler
	Checks     map[string]Check
	Heartbeat  Heartbeat
	RetryAfter time.Duration
}

const maxWebhookBytes = 64 << 10

type Server struct {
	deps   Deps
	mux    *mux.Router
	logger *slog.Logger
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	s := &Server{deps: d, mux: mux.NewRouter(), logger: logger}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/webhooks/stripe", s.handleWebhook).Methods("POST")
	if s.deps.WS != nil {
		s.mux.Handle("/ws", s.deps.WS)
	}
	s.mux.HandleFunc("/api/v1/share/{token}", s.handleResolveShare).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	rider, driver, admin := models.RoleRider, models.RoleDriver, models.RoleAdmin
	api.Handle("/rides", s.only(s.handleCreateRide, rider)).Methods("POST")
	api.Handle("/rides/{id}", s.only(s.handleGetRide, rider, driver, admin)).Methods("GET")
	api.Handle("/rides/{id}/cancel", s.only(s.handleCancel, rider, driver)).Methods("POST")
	api.Handle("/rides/{id}/accept", s.only(s.driverStep(s.deps.Rides.Accept), driver)).Methods("POST")
	api.Handle("/rides/{id}/start", s.only(s.driverStep(s.deps.Rides.Start), driver)).Methods("POST")
	api.Handle("/rides/{id}/complete", s.only(s.driverStep(s.deps.Rides.Complete), driver)).Methods("POST")
	api.Handle("/rides/{id}/share", s.only(s.handleShare, rider)).Methods("POST")
	api.Handle("/drivers/me/location", s.only(s.handleLocation, driver)).Methods("POST")
	api.Handle("/drivers/me/online", s.only(s.handleOnline, driver)).Methods("POST")
	api.Handle("/drivers/me/offline", s.only(s.handleOffline, driver)).Methods("POST")
	api.Handle("/events", s.only(s.handleEvents, rider, driver)).Methods("GET")
	api.Handle("/events/{id}/ack", s.only(s.handleAck, rider, driver)).Methods("POST")
	api.Handle("/admin/rides/{id}/dispatch", s.only(s.handleAdminDispatch, admin)).Methods("POST")
	api.Handle("/admin/rides/{id}", s.only(s.handleAdminDelete, admin)).Methods("DELETE")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var req ride.CreateRequest
	if !s.decode(w, r, &req) {
		return
	}
	created, err := s.deps.Rides.Create(r.Context(), actor.ID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	got, err := s.deps.Rides.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	res, err := s.deps.Rides.Cancel(r.Context(), actor, mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type driverAction func(ctx context.Context, driverID, rideID string) (*models.Ride, error)

func (s *Server) driverStep(step driverAction) actorHandler {
	return func(w http.ResponseWriter, r *http.Request, actor models.Actor) {
		out, err := step(r.Context(), actor.ID, mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	link, created, err := s.deps.Rides.Share(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, link)
}

func (s *Server) handleResolveShare(w http.ResponseWriter, r *http.Request) {
	got, err := s.deps.Rides.ResolveShare(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var loc models.Coord
	if !s.decode(w, r, &loc) {
		return
	}
	if err := s.deps.Presence.UpdateLocation(r.Context(), actor.ID, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var loc models.Coord
	if !s.decode(w, r, &loc) {
		return
	}
	if err := s.deps.Presence.GoOnline(r.Context(), actor.ID, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOffline(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	if err := s.deps.Presence.GoOffline(r.Context(), actor.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	rt, _ := actor.Recipient()
	if err := s.deps.Acks.Ack(r.Context(), rt, actor.ID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminDispatch(w http.ResponseWriter, r *http.Request, _ models.Actor) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	n, err := s.deps.Rides.AdminDispatch(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"notified": n})
}

func (s *Server) handleAdminDelete(w http.ResponseWriter, r *http.Request, _ models.Actor) {
	if err := s.deps.Rides.DeleteUnclaimed(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.writeError(w, r, apperr.Validation("unreadable body: %v", err))
		return
	}
	status, err := s.deps.Webhooks.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := map[string]string{}
	ready := true
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			report[name] = err.Error()
			ready = false
			continue
		}
		report[name] = "ok"
	}
	if s.deps.Heartbeat != nil {
		// informational: the mark expires between beats
		switch at, ok, err := s.deps.Heartbeat.Last(ctx); {
		case err != nil:
			report["scheduler_heartbeat"] = err.Error()
		case !ok:
			report["scheduler_heartbeat"] = "missing"
		default:
			report["scheduler_heartbeat"] = at.Format(time.RFC3339)
		}
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// decode reads a JSON body, answering 400 itself on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, apperr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

type errorBody struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", requestIDFromContext(r.Context()), "error", err)
		if status == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	if status == http.StatusServiceUnavailable && s.deps.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprint(int(s.deps.RetryAfter.Seconds())))
	}
	writeJSON(w, status, errorBody{
		Status:    status,
		Code:      apperr.Code(err),
		Message:   msg,
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
