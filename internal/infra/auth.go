// README: Bearer token issuing and verification (HS256 JWT).
package infra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Token holds the verified identity used by downstream middleware.
type Token struct {
	UID       string
	Roles     []string
	ExpiresAt time.Time
}

// TokenVerifier resolves a raw bearer credential to a Token.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, raw string) (*Token, error)
}

type claims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth issues and verifies HS256 tokens signed with a shared secret.
type JWTAuth struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewJWTAuth(secret, issuer string, ttl time.Duration) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}
}

func (a *JWTAuth) Issue(userID string, roles []string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (a *JWTAuth) VerifyToken(_ context.Context, raw string) (*Token, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	t := &Token{UID: c.Subject, Roles: c.Roles}
	if c.ExpiresAt != nil {
		t.ExpiresAt = c.ExpiresAt.Time
	}
	return t, nil
}
