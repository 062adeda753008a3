// README: Chat history persistence (Postgres and in-memory).
package chat

import (
	"context"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"rideshare/internal/types"
)

type Store interface {
	Append(ctx context.Context, m *Message) error
	// Recent returns up to limit messages of a ride, oldest first.
	Recent(ctx context.Context, rideID types.ID, limit int) ([]*Message, error)
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Append(ctx context.Context, m *Message) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO chat_messages (id, ride_id, sender_id, text, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		string(m.ID), string(m.RideID), string(m.SenderID), m.Text, m.CreatedAt,
	)
	return err
}

func (s *PgStore) Recent(ctx context.Context, rideID types.ID, limit int) ([]*Message, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, ride_id, sender_id, text, created_at
        FROM (
            SELECT id, ride_id, sender_id, text, created_at
            FROM chat_messages
            WHERE ride_id = $1
            ORDER BY created_at DESC, id DESC
            LIMIT $2
        ) recent
        ORDER BY created_at, id`, string(rideID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RideID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

type MemoryStore struct {
	mu     sync.RWMutex
	byRide map[types.ID][]*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRide: make(map[types.ID][]*Message)}
}

func (s *MemoryStore) Append(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *m
	s.mu.Lock()
	s.byRide[m.RideID] = append(s.byRide[m.RideID], &c)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, rideID types.ID, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := s.byRide[rideID]
	out := make([]*Message, 0, len(all))
	for _, m := range all {
		c := *m
		out = append(out, &c)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
