package payments

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/tasks"
)

// EventLog is the audit trail of accepted gateway events.
type EventLog interface {
	Record(ctx context.Context, rec models.PaymentEventRecord) error
}

// PGEventLog writes to the payment_events table. Replays of the same
// provider id are ignored.
type PGEventLog struct {
	pool *pgxpool.Pool
}

func NewPGEventLog(ctx context.Context, dsn string) (*PGEventLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGEventLog{pool: pool}, nil
}

func (l *PGEventLog) Record(ctx context.Context, rec models.PaymentEventRecord) error {
	var rideID *string
	if rec.RideID != "" {
		rideID = &rec.RideID
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO payment_events (provider_id, event_type, ride_id, payload, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id) DO NOTHING`,
		rec.ProviderID, rec.Type, rideID, []byte(rec.Payload), rec.ReceivedAt,
	)
	return err
}

func (l *PGEventLog) Close() { l.pool.Close() }

type MemoryEventLog struct {
	mu      sync.Mutex
	records map[string]models.PaymentEventRecord
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{records: make(map[string]models.PaymentEventRecord)}
}

func (m *MemoryEventLog) Record(_ context.Context, rec models.PaymentEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ProviderID]; !ok {
		m.records[rec.ProviderID] = rec
	}
	return nil
}

func (m *MemoryEventLog) Get(id string) (models.PaymentEventRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// RecordHandler is the record_payment_event task handler.
func RecordHandler(log EventLog) tasks.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		rec, err := tasks.Decode[models.PaymentEventRecord](payload)
		if err != nil {
			return err
		}
		return log.Record(ctx, rec)
	}
}
