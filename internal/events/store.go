package events

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store holds per-recipient pending queues and the expiring event records
// they point at. A queued id whose record is gone is a tombstone.
type Store interface {
	Append(ctx context.Context, e models.Event, ttl time.Duration) error
	Pending(ctx context.Context, rt models.RecipientType, rid string) ([]string, error)
	Load(ctx context.Context, id string) (models.Event, bool, error)
	// MarkSent records a delivery attempt; it is a no-op when the record expired.
	MarkSent(ctx context.Context, id string, at time.Time) error
	// Remove dequeues the id and deletes its record.
	Remove(ctx context.Context, rt models.RecipientType, rid, id string) error
	// Drop dequeues the id only.
	Drop(ctx context.Context, rt models.RecipientType, rid, id string) error

	TouchSubscriber(ctx context.Context, rt models.RecipientType, rid string, until time.Time) error
	RemoveSubscriber(ctx context.Context, rt models.RecipientType, rid string) error
	Subscribers(ctx context.Context, rt models.RecipientType, now time.Time) ([]string, error)
}

type memRecord struct {
	ev      models.Event
	expires time.Time
}

// MemoryStore is a single-process Store. Expiry is evaluated against the
// injected clock on read.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	queues  map[string][]string
	records map[string]memRecord
	subs    map[models.RecipientType]map[string]time.Time
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		queues:  make(map[string][]string),
		records: make(map[string]memRecord),
		subs:    make(map[models.RecipientType]map[string]time.Time),
	}
}

func queueKey(rt models.RecipientType, rid string) string { return string(rt) + ":" + rid }

func (m *MemoryStore) Append(_ context.Context, e models.Event, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[e.ID] = memRecord{ev: e, expires: m.now().Add(ttl)}
	k := queueKey(e.RecipientType, e.RecipientID)
	m.queues[k] = append(m.queues[k], e.ID)
	return nil
}

func (m *MemoryStore) Pending(_ context.Context, rt models.RecipientType, rid string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queues[queueKey(rt, rid)]...), nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (models.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return models.Event{}, false, nil
	}
	if !m.now().Before(rec.expires) {
		delete(m.records, id)
		return models.Event{}, false, nil
	}
	return rec.ev, true, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		rec.ev.LastSentAt = at
		m.records[id] = rec
	}
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, rt models.RecipientType, rid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeue(rt, rid, id)
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) Drop(_ context.Context, rt models.RecipientType, rid, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeue(rt, rid, id)
	return nil
}

func (m *MemoryStore) dequeue(rt models.RecipientType, rid, id string) {
	k := queueKey(rt, rid)
	q := m.queues[k]
	for i, v := range q {
		if v == id {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(m.queues, k)
		return
	}
	m.queues[k] = q
}

func (m *MemoryStore) TouchSubscriber(_ context.Context, rt models.RecipientType, rid string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs[rt] == nil {
		m.subs[rt] = make(map[string]time.Time)
	}
	m.subs[rt][rid] = until
	return nil
}

func (m *MemoryStore) RemoveSubscriber(_ context.Context, rt models.RecipientType, rid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs[rt], rid)
	return nil
}

func (m *MemoryStore) Subscribers(_ context.Context, rt models.RecipientType, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for rid, until := range m.subs[rt] {
		if until.After(now) {
			out = append(out, rid)
		}
	}
	return out, nil
}
