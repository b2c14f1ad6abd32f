package payments

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
)

// RedisSeenStore dedups provider event ids with SET NX.
type RedisSeenStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSeenStore(client *redis.Client, ttl time.Duration) *RedisSeenStore {
	return &RedisSeenStore{client: client, ttl: ttl}
}

func seenKey(id string) string { return "webhook:seen:" + id }

func (s *RedisSeenStore) MarkSeen(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SetNX(ctx, seenKey(id), time.Now().UTC().Format(time.RFC3339), s.ttl).Result()
	if err != nil {
		return false, apperr.Transient("webhook dedup", err)
	}
	return ok, nil
}

func (s *RedisSeenStore) Forget(ctx context.Context, id string) error {
	return apperr.Transient("webhook dedup rollback", s.client.Del(ctx, seenKey(id)).Err())
}

type MemorySeenStore struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewMemorySeenStore() *MemorySeenStore {
	return &MemorySeenStore{ids: make(map[string]struct{})}
}

func (m *MemorySeenStore) MarkSeen(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[id]; ok {
		return false, nil
	}
	m.ids[id] = struct{}{}
	return true, nil
}

func (m *MemorySeenStore) Forget(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.ids, id)
	m.mu.Unlock()
	return nil
}
