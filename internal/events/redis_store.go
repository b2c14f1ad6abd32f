package events

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisStore keeps queues as lists under events:pending:<type>:<id>, records
// as hashes under events:event:<id> with a TTL, and the live subscribers of a
// recipient type in a sorted set scored by registration expiry.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func pendingKey(rt models.RecipientType, rid string) string {
	return "events:pending:" + string(rt) + ":" + rid
}

func recordKey(id string) string { return "events:event:" + id }

func subscribersKey(rt models.RecipientType) string { return "events:subscribers:" + string(rt) }

func (s *RedisStore) Append(ctx context.Context, e models.Event, ttl time.Duration) error {
	q := pendingKey(e.RecipientType, e.RecipientID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(e.ID), map[string]interface{}{
			"recipient_type": string(e.RecipientType),
			"recipient_id":   e.RecipientID,
			"type":           string(e.Type),
			"payload":        string(e.Payload),
			"created_at":     strconv.FormatInt(e.CreatedAt.UnixMilli(), 10),
			"last_sent_at":   "0",
		})
		pipe.Expire(ctx, recordKey(e.ID), ttl)
		pipe.RPush(ctx, q, e.ID)
		// the queue outlives every record it references
		pipe.Expire(ctx, q, ttl)
		return nil
	})
	return apperr.Transient("event append", err)
}

func (s *RedisStore) Pending(ctx context.Context, rt models.RecipientType, rid string) ([]string, error) {
	ids, err := s.client.LRange(ctx, pendingKey(rt, rid), 0, -1).Result()
	if err != nil {
		return nil, apperr.Transient("event pending", err)
	}
	return ids, nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (models.Event, bool, error) {
	m, err := s.client.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return models.Event{}, false, apperr.Transient("event load", err)
	}
	if len(m) == 0 {
		return models.Event{}, false, nil
	}
	e := models.Event{
		ID:            id,
		RecipientType: models.RecipientType(m["recipient_type"]),
		RecipientID:   m["recipient_id"],
		Type:          models.EventType(m["type"]),
		Payload:       []byte(m["payload"]),
	}
	if ms, err := strconv.ParseInt(m["created_at"], 10, 64); err == nil {
		e.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(m["last_sent_at"], 10, 64); err == nil && ms > 0 {
		e.LastSentAt = time.UnixMilli(ms).UTC()
	}
	return e, true, nil
}

// markSent must not resurrect an expired record without its TTL.
var markSent = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'last_sent_at', ARGV[1])
  return 1
end
return 0
`)

func (s *RedisStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	err := markSent.Run(ctx, s.client, []string{recordKey(id)}, at.UnixMilli()).Err()
	return apperr.Transient("event mark sent", err)
}

func (s *RedisStore) Remove(ctx context.Context, rt models.RecipientType, rid, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, pendingKey(rt, rid), 0, id)
		pipe.Del(ctx, recordKey(id))
		return nil
	})
	return apperr.Transient("event remove", err)
}

func (s *RedisStore) Drop(ctx context.Context, rt models.RecipientType, rid, id string) error {
	return apperr.Transient("event drop", s.client.LRem(ctx, pendingKey(rt, rid), 0, id).Err())
}

func (s *RedisStore) TouchSubscriber(ctx context.Context, rt models.RecipientType, rid string, until time.Time) error {
	err := s.client.ZAdd(ctx, subscribersKey(rt), redis.Z{Score: float64(until.UnixMilli()), Member: rid}).Err()
	return apperr.Transient("subscriber touch", err)
}

func (s *RedisStore) RemoveSubscriber(ctx context.Context, rt models.RecipientType, rid string) error {
	return apperr.Transient("subscriber remove", s.client.ZRem(ctx, subscribersKey(rt), rid).Err())
}

func (s *RedisStore) Subscribers(ctx context.Context, rt models.RecipientType, now time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, subscribersKey(rt), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, apperr.Transient("subscribers", err)
	}
	return ids, nil
}
