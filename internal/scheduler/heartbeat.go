package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
)

const HeartbeatKey = "scheduler:heartbeat"

// Heartbeat records that the scheduler is alive. The mark expires after its
// TTL, so a missing mark means no beat within the TTL.
type Heartbeat interface {
	Beat(ctx context.Context) error
	Last(ctx context.Context) (time.Time, bool, error)
}

type RedisHeartbeat struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisHeartbeat(client *redis.Client, ttl time.Duration) *RedisHeartbeat {
	return &RedisHeartbeat{client: client, ttl: ttl, now: time.Now}
}

func (h *RedisHeartbeat) Beat(ctx context.Context) error {
	err := h.client.Set(ctx, HeartbeatKey, h.now().UTC().Format(time.RFC3339Nano), h.ttl).Err()
	return apperr.Transient("heartbeat", err)
}

func (h *RedisHeartbeat) Last(ctx context.Context) (time.Time, bool, error) {
	raw, err := h.client.Get(ctx, HeartbeatKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, apperr.Transient("heartbeat", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// MemoryHeartbeat serves single-process deployments without Redis.
type MemoryHeartbeat struct {
	mu   sync.Mutex
	ttl  time.Duration
	last time.Time
	now  func() time.Time
}

func NewMemoryHeartbeat(ttl time.Duration) *MemoryHeartbeat {
	return &MemoryHeartbeat{ttl: ttl, now: time.Now}
}

// WithClock replaces the time source; tests use it.
func (h *MemoryHeartbeat) WithClock(now func() time.Time) *MemoryHeartbeat {
	h.now = now
	return h
}

func (h *MemoryHeartbeat) Beat(context.Context) error {
	h.mu.Lock()
	h.last = h.now().UTC()
	h.mu.Unlock()
	return nil
}

func (h *MemoryHeartbeat) Last(context.Context) (time.Time, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last.IsZero() || h.now().Sub(h.last) >= h.ttl {
		return time.Time{}, false, nil
	}
	return h.last, true, nil
}
