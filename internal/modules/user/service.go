// README: Account service; registration, password login and single-use reset tokens.
package user

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rideshare/internal/types"
)

const minPasswordLen = 8

// TokenIssuer mints session tokens; *infra.JWTAuth satisfies it.
type TokenIssuer interface {
	Issue(userID string, roles []string) (string, time.Time, error)
}

// Notifier delivers the raw reset token to the account owner.
type Notifier interface {
	SendPasswordReset(ctx context.Context, u *User, token string) error
}

type Options struct {
	BcryptCost int
	ResetTTL   time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
	Notifier   Notifier
}

type Service struct {
	store  Store
	tokens TokenIssuer
	opts   Options
	now    func() time.Time
	log    *slog.Logger
}

func NewService(store Store, tokens TokenIssuer, opts Options) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.ResetTTL <= 0 {
		opts.ResetTTL = time.Hour
	}
	s := &Service{store: store, tokens: tokens, opts: opts, now: opts.Now, log: opts.Logger}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.opts.Notifier == nil {
		s.opts.Notifier = LogNotifier{Logger: s.log}
	}
	return s
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (*Session, error) {
	name := strings.TrimSpace(cmd.Name)
	email := normalizeEmail(cmd.Email)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrBadRequest)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	if len(cmd.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cmd.Password), s.opts.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	u := &User{
		ID:           types.NewID(),
		Name:         name,
		Email:        email,
		Phone:        strings.TrimSpace(cmd.Phone),
		PasswordHash: string(hash),
		Roles:        []string{RoleRider},
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.log.Info("user registered", "user_id", u.ID)
	return s.session(u)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.session(u)
}

func (s *Service) Me(ctx context.Context, id types.ID) (*User, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) session(u *User) (*Session, error) {
	tok, exp, err := s.tokens.Issue(string(u.ID), u.Roles)
	if err != nil {
		return nil, err
	}
	return &Session{Token: tok, ExpiresAt: exp, User: u}, nil
}

// RequestPasswordReset always succeeds for unknown emails so callers cannot probe accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	u, err := s.store.GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}
	token := hex.EncodeToString(raw)
	r := &PasswordReset{
		TokenHash: hashToken(token),
		UserID:    u.ID,
		ExpiresAt: s.now().UTC().Add(s.opts.ResetTTL),
	}
	if err := s.store.CreateReset(ctx, r); err != nil {
		return err
	}
	return s.opts.Notifier.SendPasswordReset(ctx, u, token)
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return ErrInvalidResetToken
	}
	if len(newPassword) < minPasswordLen {
		return fmt.Errorf("%w: password must be at least %d characters", ErrBadRequest, minPasswordLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.store.ResetPassword(ctx, hashToken(token), string(hash), s.now().UTC())
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// LogNotifier writes the reset token to the log; for development setups without mail.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) SendPasswordReset(_ context.Context, u *User, token string) error {
	n.Logger.Info("password reset requested", "user_id", u.ID, "email", u.Email, "token", token)
	return nil
}
