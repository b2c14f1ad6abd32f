package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/tasks"
)

func memoryConfig() config.ServerConfig {
	return config.ServerConfig{
		JWTSecret:         "test-secret",
		Currency:          "usd",
		DefaultSpeedMps:   10,
		PresenceTTL:       120 * time.Second,
		SweepInterval:     180 * time.Second,
		EventTTL:          time.Hour,
		RetryAfter:        5 * time.Second,
		PollInterval:      time.Second,
		SubscriberTTL:     90 * time.Second,
		TaskWorkers:       1,
		TaskQueueDepth:    8,
		TaskMaxAttempts:   1,
		HeartbeatInterval: 105 * time.Second,
		HeartbeatTTL:      60 * time.Second,
	}
}

func TestNewInMemory(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if a.Pool == nil || a.Queue == nil {
		t.Fatal("expected the in-process task pool")
	}
	if a.Redis != nil || a.Postgres != nil {
		t.Fatal("no external backend should be connected")
	}
	for _, name := range []string{tasks.UpdateRide, tasks.DeleteRide, tasks.RecordPaymentEvent} {
		if err := a.Queue.Enqueue(context.Background(), name, map[string]string{}); err != nil {
			t.Fatalf("enqueue %s: %v", name, err)
		}
	}

	h := a.HTTPHandler()
	for _, path := range []string{"/healthz", "/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/rides/r1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestSchedulerRegistersJobs(t *testing.T) {
	a, err := New(context.Background(), memoryConfig(), logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	s, err := a.Scheduler()
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	if got := s.Jobs(); got != 2 {
		t.Fatalf("expected 2 jobs, got %d", got)
	}
}

func TestSchedulerRejectsMissingInterval(t *testing.T) {
	cfg := memoryConfig()
	cfg.SweepInterval = 0
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if _, err := a.Scheduler(); err == nil {
		t.Fatal("expected an error for a zero sweep interval")
	}
}

func TestUnknownBroadcastBackendFallsBackToLocal(t *testing.T) {
	cfg := memoryConfig()
	cfg.BroadcastBackend = ""
	a, err := New(context.Background(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	if a.Bus == nil {
		t.Fatal("expected a broadcaster")
	}
}
