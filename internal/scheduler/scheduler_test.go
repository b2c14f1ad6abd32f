package scheduler

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/logging"
)

func TestEveryRunsJobWithRunContext(t *testing.T) {
	s := New(logging.Discard())
	type key struct{}
	var runs, sawValue atomic.Int32
	err := s.Every("tick", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		if ctx.Value(key{}) == "run" {
			sawValue.Add(1)
		}
		return errors.New("logged, not fatal")
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Jobs() != 1 {
		t.Fatalf("expected one job, got %d", s.Jobs())
	}

	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "run"))
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	<-done
	if runs.Load() < 2 {
		t.Fatalf("job ran %d times", runs.Load())
	}
	if sawValue.Load() != runs.Load() {
		t.Fatalf("job did not receive the run context")
	}
}

func TestEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New(logging.Discard())
	if err := s.Every("bad", 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestMemoryHeartbeatExpires(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewMemoryHeartbeat(60 * time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, ok, _ := h.Last(ctx); ok {
		t.Fatalf("no beat yet")
	}
	_ = h.Beat(ctx)
	now = now.Add(59 * time.Second)
	if at, ok, _ := h.Last(ctx); !ok || !at.Equal(now.Add(-59*time.Second)) {
		t.Fatalf("beat lost: %v %v", at, ok)
	}
	now = now.Add(time.Second)
	if _, ok, _ := h.Last(ctx); ok {
		t.Fatalf("beat should have expired")
	}
}

func TestRedisHeartbeat(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	h := NewRedisHeartbeat(client, time.Minute)
	if err := h.Beat(ctx); err != nil {
		t.Fatal(err)
	}
	at, ok, err := h.Last(ctx)
	if err != nil || !ok || time.Since(at) > time.Minute {
		t.Fatalf("last=%v ok=%v err=%v", at, ok, err)
	}
	if ttl := client.TTL(ctx, HeartbeatKey).Val(); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %s", ttl)
	}
}
