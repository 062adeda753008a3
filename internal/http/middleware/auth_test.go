// README: Tests for bearer auth, request id and recovery middleware.
package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"rideshare/internal/http/middleware"
	"rideshare/internal/infra"
	"rideshare/internal/logging"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.Token
	err   error
	got   string
}

func (s *stubVerifier) VerifyToken(_ context.Context, raw string) (*infra.Token, error) {
	s.got = raw
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": middleware.CallerUID(c), "keys": len(c.Keys)})
	})
	return r
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "user1"}})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "user1"}})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Token sometoken")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer invalidtoken")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_OnlyUIDPopulated(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "rider123", Roles: []string{"rider"}}})
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer validtoken")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"uid":"rider123"`) {
		t.Errorf("expected uid in body, got %s", body)
	}
	if !strings.Contains(body, `"keys":1`) {
		t.Errorf("expected only the caller uid in the request context, got %s", body)
	}
}

func TestAuth_QueryTokenForWebSockets(t *testing.T) {
	v := &stubVerifier{token: &infra.Token{UID: "rider123"}}
	r := newTestRouter(v)
	req := httptest.NewRequest(http.MethodGet, "/test?token=fromquery", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if v.got != "fromquery" {
		t.Errorf("expected query token to be verified, got %q", v.got)
	}
}

func TestAuth_WithRealJWT(t *testing.T) {
	auth := infra.NewJWTAuth("test-secret", "rideshare", time.Hour)
	tok, _, err := auth.Issue("u-42", []string{"rider"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	r := newTestRouter(auth)
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "u-42") {
		t.Fatalf("expected issued token to authenticate, got %d %s", w.Code, w.Body.String())
	}
}

func TestRequestIDAndRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var logs bytes.Buffer
	log := logging.NewWithWriter(&logs, "info", "json")
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.Logging(log), middleware.Recovery(log))
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := w.Header().Get(middleware.HeaderRequestID); got != "req-1" {
		t.Fatalf("expected request id to be echoed, got %q", got)
	}
	if !strings.Contains(logs.String(), "panic recovered") || !strings.Contains(logs.String(), `"request_id":"req-1"`) {
		t.Fatalf("expected panic and access log lines, got %s", logs.String())
	}
}
