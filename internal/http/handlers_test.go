package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

type fakeRides struct {
	acceptErr  error
	shares     map[string]bool
	dispatched string
	deleted    string
}

func (f *fakeRides) Create(_ context.Context, riderID string, req ride.CreateRequest) (*models.Ride, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &models.Ride{ID: "ride-new", RiderID: riderID, Status: models.StatusPendingPayment, VehicleType: req.VehicleType}, nil
}

func (f *fakeRides) Get(_ context.Context, actor models.Actor, id string) (*models.Ride, error) {
	if id != "ride-1" {
		return nil, apperr.ErrNotFound
	}
	return &models.Ride{ID: id, RiderID: actor.ID}, nil
}

func (f *fakeRides) Accept(_ context.Context, driverID, id string) (*models.Ride, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	return &models.Ride{ID: id, DriverID: driverID, Status: models.StatusArrivingToPickup}, nil
}

func (f *fakeRides) Start(_ context.Context, driverID, id string) (*models.Ride, error) {
	return &models.Ride{ID: id, DriverID: driverID, Status: models.StatusDrivingToDestination}, nil
}

func (f *fakeRides) Complete(_ context.Context, driverID, id string) (*models.Ride, error) {
	return &models.Ride{ID: id, DriverID: driverID, Status: models.StatusCompleted}, nil
}

func (f *fakeRides) Cancel(_ context.Context, _ models.Actor, id, _ string) (*ride.CancelResult, error) {
	return &ride.CancelResult{Ride: &models.Ride{ID: id, Status: models.StatusCanceled}, RefundMinor: 1900}, nil
}

func (f *fakeRides) Share(_ context.Context, riderID, id string) (*models.ShareLink, bool, error) {
	created := !f.shares[id]
	f.shares[id] = true
	return &models.ShareLink{Token: "tok-" + id, RideID: id, CreatedBy: riderID}, created, nil
}

func (f *fakeRides) ResolveShare(_ context.Context, token string) (*models.Ride, error) {
	if token != "tok-ride-1" {
		return nil, apperr.ErrNotFound
	}
	return &models.Ride{ID: "ride-1"}, nil
}

func (f *fakeRides) AdminDispatch(_ context.Context, id, driverID string) (int, error) {
	f.dispatched = id + "/" + driverID
	return 1, nil
}

func (f *fakeRides) DeleteUnclaimed(_ context.Context, id string) error {
	f.deleted = id
	return nil
}

type fakePresence struct{ online map[string]models.Coord }

func (f *fakePresence) GoOnline(_ context.Context, id string, loc models.Coord) error {
	f.online[id] = loc
	return nil
}

func (f *fakePresence) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	if _, ok := f.online[id]; !ok {
		return apperr.ErrConflict
	}
	f.online[id] = loc
	return nil
}

func (f *fakePresence) GoOffline(_ context.Context, id string) error {
	delete(f.online, id)
	return nil
}

type fakeAcker struct{ got string }

func (f *fakeAcker) Ack(_ context.Context, rt models.RecipientType, rid, id string) error {
	f.got = string(rt) + ":" + rid + "/" + id
	return nil
}

type fakeStream struct{ filter events.Filter }

func (f *fakeStream) Stream(_ context.Context, rt models.RecipientType, rid string, filter events.Filter, sink events.Sink) error {
	f.filter = filter
	if err := sink.Send(models.Event{ID: "evt-1", RecipientType: rt, RecipientID: rid, Type: models.EventRideRequest, Payload: json.RawMessage(`{"ride_id":"ride-1"}`)}); err != nil {
		return err
	}
	return sink.KeepAlive()
}

type fakeWebhooks struct{ sig string }

func (f *fakeWebhooks) Handle(_ context.Context, payload []byte, sig string) (string, error) {
	f.sig = sig
	if sig == "" {
		return "", apperr.Validation("missing Stripe signature")
	}
	return "success", nil
}

type fixture struct {
	srv      *Server
	tokens   *auth.Validator
	rides    *fakeRides
	presence *fakePresence
	acks     *fakeAcker
	stream   *fakeStream
	webhooks *fakeWebhooks
	checkErr error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tokens:   auth.NewValidator("test-secret"),
		rides:    &fakeRides{shares: map[string]bool{}},
		presence: &fakePresence{online: map[string]models.Coord{}},
		acks:     &fakeAcker{},
		stream:   &fakeStream{},
		webhooks: &fakeWebhooks{},
	}
	s := NewServer(Deps{
		Auth:     f.tokens,
		Rides:    f.rides,
		Presence: f.presence,
		Acks:     f.acks,
		Stream:   f.stream,
		Webhooks: f.webhooks,
		Checks: map[string]Check{
			"store": func(context.Context) error { return f.checkErr },
		},
		RetryAfter: 5 * time.Second,
	}, logging.Discard())
	f.srv = s
	return f
}

func (f *fixture) do(t *testing.T, method, path string, actor *models.Actor, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if actor != nil {
		tok, err := f.tokens.Issue(*actor, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec.Result(), rec.Body.Bytes()
}

var (
	rider  = &models.Actor{ID: "rider-1", Role: models.RoleRider}
	driver = &models.Actor{ID: "driver-1", Role: models.RoleDriver}
	admin  = &models.Actor{ID: "admin-1", Role: models.RoleAdmin}
)

func decodeError(t *testing.T, raw []byte) errorBody {
	t.Helper()
	var e errorBody
	if err := json.Unmarshal(raw, &e); err != nil {
		t.Fatalf("error body %q: %v", raw, err)
	}
	return e
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/healthz", nil, "")
	if resp.StatusCode != 200 || string(body) != "ok" {
		t.Fatalf("healthz: %d %s", resp.StatusCode, body)
	}
}

func TestReadyReportsFailingCheck(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.do(t, "GET", "/ready", nil, ""); resp.StatusCode != 200 {
		t.Fatalf("ready: %d", resp.StatusCode)
	}
	f.checkErr = errors.New("connection refused")
	resp, body := f.do(t, "GET", "/ready", nil, "")
	if resp.StatusCode != http.StatusServiceUnavailable || !strings.Contains(string(body), "connection refused") {
		t.Fatalf("ready with failing store: %d %s", resp.StatusCode, body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "GET", "/api/v1/rides/ride-1", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", resp.StatusCode)
	}
	e := decodeError(t, body)
	if e.Code != "unauthorized" || e.Status != 401 || e.RequestID == "" {
		t.Fatalf("unexpected error body %+v", e)
	}
	if resp.Header.Get("X-Request-ID") != e.RequestID {
		t.Fatalf("request id header %q, body %q", resp.Header.Get("X-Request-ID"), e.RequestID)
	}
}

func TestRoleGuards(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		method, path string
		actor        *models.Actor
	}{
		{"POST", "/api/v1/rides/ride-1/accept", rider},
		{"POST", "/api/v1/rides", driver},
		{"POST", "/api/v1/admin/rides/ride-1/dispatch", driver},
		{"DELETE", "/api/v1/admin/rides/ride-1", rider},
		{"GET", "/api/v1/events", admin},
	}
	for _, tc := range cases {
		resp, body := f.do(t, tc.method, tc.path, tc.actor, "")
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s %s as %s: %d %s", tc.method, tc.path, tc.actor.Role, resp.StatusCode, body)
		}
	}
}

func TestErrorStatusMapping(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		err  error
		want int
		code string
	}{
		{&apperr.OwnershipError{RideID: "ride-1", Raced: true}, http.StatusConflict, "conflict"},
		{&apperr.OwnershipError{RideID: "ride-1"}, http.StatusForbidden, "ownership_conflict"},
		{&apperr.TransitionError{From: string(models.StatusCompleted), To: string(models.StatusArrivingToPickup)}, http.StatusBadRequest, "invalid_transition"},
		{apperr.Upstream("refund", errors.New("card_declined")), http.StatusBadGateway, "payment_gateway_error"},
		{apperr.Transient("get ride", errors.New("timeout")), http.StatusServiceUnavailable, "unavailable"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		f.rides.acceptErr = tc.err
		resp, body := f.do(t, "POST", "/api/v1/rides/ride-1/accept", driver, "")
		e := decodeError(t, body)
		if resp.StatusCode != tc.want || e.Code != tc.code {
			t.Fatalf("%v: got %d %s, want %d %s", tc.err, resp.StatusCode, e.Code, tc.want, tc.code)
		}
		if tc.want == http.StatusServiceUnavailable && resp.Header.Get("Retry-After") != "5" {
			t.Fatalf("missing Retry-After on 503")
		}
		if tc.want == http.StatusInternalServerError && e.Message != "internal error" {
			t.Fatalf("internal error leaked: %q", e.Message)
		}
	}
}

func TestCreateRide(t *testing.T) {
	f := newFixture(t)
	body := `{"pickup":"A","destination":"B","origin":{"lat":40.7,"lon":-74},"destination_coord":{"lat":40.8,"lon":-73.9},"vehicle_type":"CAR"}`
	resp, raw := f.do(t, "POST", "/api/v1/rides", rider, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, raw)
	}
	var r models.Ride
	if err := json.Unmarshal(raw, &r); err != nil || r.RiderID != "rider-1" {
		t.Fatalf("ride %+v err=%v", r, err)
	}

	resp, raw = f.do(t, "POST", "/api/v1/rides", rider, `{"pickup":"A","surprise":true}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field accepted: %d %s", resp.StatusCode, raw)
	}
}

func TestDriverLifecycleAndCancel(t *testing.T) {
	f := newFixture(t)
	for _, step := range []string{"accept", "start", "complete"} {
		if resp, raw := f.do(t, "POST", "/api/v1/rides/ride-1/"+step, driver, ""); resp.StatusCode != 200 {
			t.Fatalf("%s: %d %s", step, resp.StatusCode, raw)
		}
	}
	resp, raw := f.do(t, "POST", "/api/v1/rides/ride-1/cancel", rider, `{"reason":"changed plans"}`)
	if resp.StatusCode != 200 || !strings.Contains(string(raw), `"refund_amount_minor":1900`) {
		t.Fatalf("cancel: %d %s", resp.StatusCode, raw)
	}
}

func TestShareCreateReuseAndResolve(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.do(t, "POST", "/api/v1/rides/ride-1/share", rider, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first share: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, "POST", "/api/v1/rides/ride-1/share", rider, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("second share: %d", resp.StatusCode)
	}
	if resp, raw := f.do(t, "GET", "/api/v1/share/tok-ride-1", nil, ""); resp.StatusCode != 200 || !strings.Contains(string(raw), "ride-1") {
		t.Fatalf("resolve without token: %d %s", resp.StatusCode, raw)
	}
	if resp, _ := f.do(t, "GET", "/api/v1/share/nope", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token: %d", resp.StatusCode)
	}
}

func TestDriverPresenceEndpoints(t *testing.T) {
	f := newFixture(t)
	if resp, _ := f.do(t, "POST", "/api/v1/drivers/me/location", driver, `{"lat":1,"lon":1}`); resp.StatusCode != http.StatusConflict {
		t.Fatalf("location while offline: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, "POST", "/api/v1/drivers/me/online", driver, `{"lat":1,"lon":1}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("online: %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, "POST", "/api/v1/drivers/me/location", driver, `{"lat":2,"lon":2}`); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("location: %d", resp.StatusCode)
	}
	if f.presence.online["driver-1"] != (models.Coord{Lat: 2, Lon: 2}) {
		t.Fatalf("location not stored")
	}
	if resp, _ := f.do(t, "POST", "/api/v1/drivers/me/offline", driver, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("offline: %d", resp.StatusCode)
	}
}

func TestEventsStreamAndAck(t *testing.T) {
	f := newFixture(t)
	resp, raw := f.do(t, "GET", "/api/v1/events?types=ride_request,%20server_message&ride_id=ride-1", driver, "")
	if resp.StatusCode != 200 || resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("stream: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	body := string(raw)
	for _, want := range []string{"retry: 5000", "id: evt-1", "event: ride_request", ": keep-alive"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream body missing %q:\n%s", want, body)
		}
	}
	if len(f.stream.filter.Types) != 2 || f.stream.filter.Types[1] != models.EventServerMessage || f.stream.filter.RideID != "ride-1" {
		t.Fatalf("filter %+v", f.stream.filter)
	}

	if resp, _ := f.do(t, "POST", "/api/v1/events/evt-1/ack", driver, ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ack: %d", resp.StatusCode)
	}
	if f.acks.got != "driver:driver-1/evt-1" {
		t.Fatalf("ack recorded as %q", f.acks.got)
	}
}

func TestAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	resp, raw := f.do(t, "POST", "/api/v1/admin/rides/ride-1/dispatch", admin, `{"driver_id":"driver-9"}`)
	if resp.StatusCode != 200 || !strings.Contains(string(raw), `"notified":1`) || f.rides.dispatched != "ride-1/driver-9" {
		t.Fatalf("dispatch: %d %s %q", resp.StatusCode, raw, f.rides.dispatched)
	}
	if resp, _ := f.do(t, "DELETE", "/api/v1/admin/rides/ride-1", admin, ""); resp.StatusCode != http.StatusNoContent || f.rides.deleted != "ride-1" {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
}

func TestWebhookForwardsSignature(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest("POST", "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	resp, raw := rec.Result(), rec.Body.Bytes()
	if resp.StatusCode != 200 || !strings.Contains(string(raw), `"status":"success"`) || f.webhooks.sig != "t=1,v1=abc" {
		t.Fatalf("webhook: %d %s sig=%q", resp.StatusCode, raw, f.webhooks.sig)
	}

	if resp, _ := f.do(t, "POST", "/webhooks/stripe", nil, `{"id":"evt_1"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned webhook: %d", resp.StatusCode)
	}
}
