// README: User accounts and password reset tokens.
package user

import (
	"errors"
	"time"

	"rideshare/internal/types"
)

var (
	ErrBadRequest         = errors.New("bad request")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidResetToken  = errors.New("reset token invalid or expired")
)

const RoleRider = "rider"

type User struct {
	ID           types.ID  `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone,omitempty"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
}

// PasswordReset stores only the SHA-256 of the token that was handed out.
type PasswordReset struct {
	TokenHash string
	UserID    types.ID
	ExpiresAt time.Time
	UsedAt    *time.Time
}

type RegisterCommand struct {
	Name     string
	Email    string
	Phone    string
	Password string
}

type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      *User     `json:"user"`
}
