// README: Optional Firebase Admin SDK token verifier, used instead of JWTAuth when a project is configured.
package infra

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

type firebaseVerifier struct {
	client *auth.Client
}

// NewFirebaseVerifier creates a TokenVerifier using the Firebase Admin SDK.
// If credentialsFile is empty, application-default credentials are used.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (TokenVerifier, error) {
	opts := []option.ClientOption{}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Auth: %w", err)
	}
	return &firebaseVerifier{client: client}, nil
}

func (v *firebaseVerifier) VerifyToken(ctx context.Context, raw string) (*Token, error) {
	tok, err := v.client.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return &Token{
		UID:       tok.UID,
		Roles:     rolesFromClaims(tok.Claims),
		ExpiresAt: time.Unix(tok.Expires, 0),
	}, nil
}

// rolesFromClaims reads custom claims set either as "roles": [...] or "role": "x".
func rolesFromClaims(c map[string]interface{}) []string {
	var roles []string
	if list, ok := c["roles"].([]interface{}); ok {
		for _, r := range list {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	}
	if r, ok := c["role"].(string); ok && r != "" {
		roles = append(roles, r)
	}
	return roles
}
