package storage

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// ChatStore keeps the in-ride conversation.
type ChatStore interface {
	AddChat(ctx context.Context, m models.ChatMessage) error
	// Chats returns the messages of a ride, oldest first.
	Chats(ctx context.Context, rideID string) ([]models.ChatMessage, error)
}

type MemoryChatStore struct {
	mu     sync.RWMutex
	byRide map[string][]models.ChatMessage
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{byRide: make(map[string][]models.ChatMessage)}
}

func (m *MemoryChatStore) AddChat(_ context.Context, msg models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRide[msg.RideID] = append(m.byRide[msg.RideID], msg)
	return nil
}

func (m *MemoryChatStore) Chats(_ context.Context, rideID string) ([]models.ChatMessage, error) {
	m.mu.RLock()
	out := append([]models.ChatMessage(nil), m.byRide[rideID]...)
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PostgresChatStore shares the ride store's connection pool.
type PostgresChatStore struct {
	db *sql.DB
}

func NewPostgresChatStore(db *sql.DB) *PostgresChatStore { return &PostgresChatStore{db: db} }

func (p *PostgresChatStore) AddChat(ctx context.Context, m models.ChatMessage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_chats(id, ride_id, sender_id, sender_role, message, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, m.ID, m.RideID, m.SenderID, string(m.SenderRole), m.Message, m.CreatedAt)
	return storeErr("insert chat", err)
}

func (p *PostgresChatStore) Chats(ctx context.Context, rideID string) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, sender_id, sender_role, message, created_at
		FROM ride_chats WHERE ride_id = $1 ORDER BY created_at, id`, rideID)
	if err != nil {
		return nil, storeErr("list chats", err)
	}
	defer rows.Close()
	out := make([]models.ChatMessage, 0)
	for rows.Next() {
		var (
			m    models.ChatMessage
			role string
		)
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &role, &m.Message, &m.CreatedAt); err != nil {
			return nil, storeErr("scan chat", err)
		}
		m.SenderRole = models.Role(role)
		out = append(out, m)
	}
	return out, storeErr("list chats", rows.Err())
}
