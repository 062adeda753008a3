// README: SOS persistence; alerts are insert-only, profiles are upserted.
package sos

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideshare/internal/types"
)

type Store interface {
	AppendAlert(ctx context.Context, a *Alert) error
	ListAlerts(ctx context.Context, userID types.ID) ([]*Alert, error)
	GetProfile(ctx context.Context, userID types.ID) (*Profile, error)
	SaveProfile(ctx context.Context, p *Profile) error
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) AppendAlert(ctx context.Context, a *Alert) error {
	var lat, lng *float64
	if a.Location != nil {
		lat, lng = &a.Location.Lat, &a.Location.Lng
	}
	var rideID *string
	if a.RideID != nil {
		v := string(*a.RideID)
		rideID = &v
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO sos_alerts (id, user_id, ride_id, lat, lng, message, contacts, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(a.ID), string(a.UserID), rideID, lat, lng, a.Message, a.Contacts, a.CreatedAt,
	)
	return err
}

func (s *PgStore) ListAlerts(ctx context.Context, userID types.ID) ([]*Alert, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, user_id, ride_id, lat, lng, message, contacts, created_at
        FROM sos_alerts
        WHERE user_id = $1
        ORDER BY created_at DESC`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		var (
			a        Alert
			rideID   *string
			lat, lng *float64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &rideID, &lat, &lng, &a.Message, &a.Contacts, &a.CreatedAt); err != nil {
			return nil, err
		}
		if rideID != nil {
			id := types.ID(*rideID)
			a.RideID = &id
		}
		if lat != nil && lng != nil {
			a.Location = &types.Point{Lat: *lat, Lng: *lng}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PgStore) GetProfile(ctx context.Context, userID types.ID) (*Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, `
        SELECT user_id, contacts, message, updated_at
        FROM sos_profiles
        WHERE user_id = $1`, string(userID),
	).Scan(&p.UserID, &p.Contacts, &p.Message, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PgStore) SaveProfile(ctx context.Context, p *Profile) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO sos_profiles (user_id, contacts, message, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (user_id) DO UPDATE
        SET contacts = EXCLUDED.contacts,
            message = EXCLUDED.message,
            updated_at = EXCLUDED.updated_at`,
		string(p.UserID), p.Contacts, p.Message, p.UpdatedAt,
	)
	return err
}

type MemoryStore struct {
	mu       sync.RWMutex
	alerts   []*Alert
	profiles map[types.ID]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[types.ID]*Profile)}
}

func (s *MemoryStore) AppendAlert(ctx context.Context, a *Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *a
	c.Contacts = append([]string(nil), a.Contacts...)
	s.mu.Lock()
	s.alerts = append(s.alerts, &c)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListAlerts(ctx context.Context, userID types.ID) ([]*Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []*Alert
	for _, a := range s.alerts {
		if a.UserID == userID {
			c := *a
			out = append(out, &c)
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID types.ID) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	c := *p
	c.Contacts = append([]string(nil), p.Contacts...)
	return &c, nil
}

func (s *MemoryStore) SaveProfile(ctx context.Context, p *Profile) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := *p
	c.Contacts = append([]string(nil), p.Contacts...)
	s.mu.Lock()
	s.profiles[p.UserID] = &c
	s.mu.Unlock()
	return nil
}
