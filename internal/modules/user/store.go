// README: User persistence (Postgres and in-memory).
package user

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideshare/internal/types"
)

type Store interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id types.ID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	CreateReset(ctx context.Context, r *PasswordReset) error
	// ResetPassword consumes an unused, unexpired reset and sets the new hash in one step.
	ResetPassword(ctx context.Context, tokenHash, passwordHash string, now time.Time) error
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

const userColumns = `id, name, email, phone, password_hash, roles, created_at`

func (s *PgStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO users (`+userColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(u.ID), u.Name, u.Email, u.Phone, u.PasswordHash, u.Roles, u.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrEmailTaken
	}
	return err
}

func (s *PgStore) GetByID(ctx context.Context, id types.ID) (*User, error) {
	return s.get(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, string(id))
}

func (s *PgStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.get(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (s *PgStore) get(ctx context.Context, query string, arg string) (*User, error) {
	var u User
	err := s.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Name, &u.Email, &u.Phone, &u.PasswordHash, &u.Roles, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PgStore) CreateReset(ctx context.Context, r *PasswordReset) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO password_resets (token_hash, user_id, expires_at)
        VALUES ($1, $2, $3)`,
		r.TokenHash, string(r.UserID), r.ExpiresAt,
	)
	return err
}

func (s *PgStore) ResetPassword(ctx context.Context, tokenHash, passwordHash string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID string
	err = tx.QueryRow(ctx, `
        UPDATE password_resets
        SET used_at = $2
        WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
        RETURNING user_id`, tokenHash, now,
	).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidResetToken
	}
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type MemoryStore struct {
	mu     sync.Mutex
	users  map[types.ID]*User
	resets map[string]*PasswordReset
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[types.ID]*User),
		resets: make(map[string]*PasswordReset),
	}
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailTaken
		}
	}
	c := *u
	s.users[u.ID] = &c
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id types.ID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) CreateReset(_ context.Context, r *PasswordReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.resets[r.TokenHash] = &c
	return nil
}

func (s *MemoryStore) ResetPassword(_ context.Context, tokenHash, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resets[tokenHash]
	if !ok || r.UsedAt != nil || !now.Before(r.ExpiresAt) {
		return ErrInvalidResetToken
	}
	u, ok := s.users[r.UserID]
	if !ok {
		return ErrInvalidResetToken
	}
	used := now
	r.UsedAt = &used
	u.PasswordHash = passwordHash
	return nil
}
