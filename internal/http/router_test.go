// README: End-to-end tests through the gin router with in-memory stores.
package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	httptransport "rideshare/internal/http"
	"rideshare/internal/infra"
	"rideshare/internal/logging"
	"rideshare/internal/modules/chat"
	"rideshare/internal/modules/ride"
	"rideshare/internal/modules/sos"
	"rideshare/internal/modules/user"
)

type testApp struct {
	router *gin.Engine
	rides  *ride.Service
	hub    *chat.Hub
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logging.Discard()
	auth := infra.NewJWTAuth("test-secret", "rideshare", time.Hour)

	var hub *chat.Hub
	rides := ride.NewService(ride.NewMemoryStore(), ride.Options{
		Logger: log,
		Events: ride.SinkFunc(func(ctx context.Context, events []ride.Event) { hub.Publish(ctx, events) }),
	})
	hub = chat.NewHub(rides, chat.HubOptions{SweepInterval: time.Hour, Logger: log})
	gate := chat.NewGate(rides, chat.NewMemoryStore(), hub, chat.GateOptions{Logger: log})

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:    rides,
		Users:    user.NewService(user.NewMemoryStore(), auth, user.Options{BcryptCost: bcrypt.MinCost, Logger: log}),
		SOS:      sos.NewService(sos.NewMemoryStore(), nil, sos.Options{Logger: log}),
		Gate:     gate,
		Hub:      hub,
		Verifier: auth,
		Logger:   log,
	})
	return &testApp{router: router, rides: rides, hub: hub}
}

func (a *testApp) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

type account struct {
	ID    string
	Token string
}

func (a *testApp) register(t *testing.T, name string) account {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"name":     name,
		"email":    strings.ToLower(name) + "@example.com",
		"password": "s3cret-password",
	})
	expectStatus(t, w, http.StatusCreated)
	sess := decode[struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}](t, w)
	return account{ID: sess.User.ID, Token: sess.Token}
}

type rideBody struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	SeatsAvailable int    `json:"seats_available"`
}

func (a *testApp) postRide(t *testing.T, owner account, seats int) rideBody {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/rides", owner.Token, map[string]any{
		"origin":         "Berlin Hbf",
		"destination":    "Leipzig Hbf",
		"departure_at":   time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"seats":          seats,
		"price_per_seat": 1500,
	})
	expectStatus(t, w, http.StatusCreated)
	return decode[rideBody](t, w)
}

type bookingBody struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TotalPrice struct {
		Amount int64 `json:"amount"`
	} `json:"total_price"`
}

func (a *testApp) book(t *testing.T, rider account, rideID string, seats int) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/api/bookings", rider.Token, map[string]any{"ride_id": rideID, "seats": seats})
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)
	expectStatus(t, app.do(t, http.MethodGet, "/health", "", nil), http.StatusOK)
	w := app.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "rideshare_http_requests_total") {
		t.Fatal("expected http metrics to be exported")
	}
}

func TestAuthFlow(t *testing.T) {
	app := newTestApp(t)
	acc := app.register(t, "Ada")

	expectStatus(t, app.do(t, http.MethodGet, "/api/users/me", "", nil), http.StatusUnauthorized)
	w := app.do(t, http.MethodGet, "/api/users/me", acc.Token, nil)
	expectStatus(t, w, http.StatusOK)
	if strings.Contains(w.Body.String(), "password") {
		t.Fatalf("password hash leaked: %s", w.Body.String())
	}

	w = app.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "nope-nope"})
	expectStatus(t, w, http.StatusUnauthorized)
	w = app.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ADA@example.com", "password": "s3cret-password"})
	expectStatus(t, w, http.StatusOK)

	w = app.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"name": "Ada 2", "email": "ada@example.com", "password": "s3cret-password"})
	expectStatus(t, w, http.StatusConflict)

	w = app.do(t, http.MethodPost, "/api/auth/forgot-password", "", map[string]string{"email": "ghost@example.com"})
	expectStatus(t, w, http.StatusAccepted)
	w = app.do(t, http.MethodPost, "/api/auth/reset-password", "", map[string]string{"token": "bogus", "password": "another-password"})
	expectStatus(t, w, http.StatusBadRequest)
}

func TestRideLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	owner := app.register(t, "Owner")
	rider := app.register(t, "Rider")
	other := app.register(t, "Other")

	r := app.postRide(t, owner, 3)
	if r.Status != "posted" || r.SeatsAvailable != 3 {
		t.Fatalf("unexpected ride %+v", r)
	}

	w := app.book(t, rider, r.ID, 2)
	expectStatus(t, w, http.StatusCreated)
	b := decode[bookingBody](t, w)
	if b.TotalPrice.Amount != 3000 || b.Status != "active" {
		t.Fatalf("unexpected booking %+v", b)
	}
	expectStatus(t, app.book(t, other, r.ID, 2), http.StatusConflict)
	expectStatus(t, app.book(t, owner, r.ID, 1), http.StatusBadRequest)
	expectStatus(t, app.book(t, rider, r.ID, 0), http.StatusBadRequest)

	w = app.do(t, http.MethodGet, "/api/rides/"+r.ID, rider.Token, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[rideBody](t, w); got.SeatsAvailable != 1 {
		t.Fatalf("expected 1 seat left, got %d", got.SeatsAvailable)
	}
	if strings.Contains(w.Body.String(), "otp") {
		t.Fatalf("ride response must not expose start codes: %s", w.Body.String())
	}

	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/"+r.ID+"/bookings", rider.Token, nil), http.StatusForbidden)
	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/"+r.ID+"/bookings", owner.Token, nil), http.StatusOK)
	expectStatus(t, app.do(t, http.MethodGet, "/api/bookings/"+b.ID, other.Token, nil), http.StatusForbidden)

	expectStatus(t, app.do(t, http.MethodPatch, "/api/rides/"+r.ID, owner.Token, map[string]any{"seats": 5}), http.StatusBadRequest)
	expectStatus(t, app.do(t, http.MethodPatch, "/api/rides/"+r.ID, rider.Token, map[string]any{"notes": "hi"}), http.StatusForbidden)
	expectStatus(t, app.do(t, http.MethodPatch, "/api/rides/"+r.ID, owner.Token, map[string]any{"notes": "no smoking"}), http.StatusOK)

	expectStatus(t, app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/otp", rider.Token, nil), http.StatusForbidden)
	w = app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/otp", owner.Token, nil)
	expectStatus(t, w, http.StatusCreated)
	code := decode[struct {
		Code string `json:"code"`
	}](t, w).Code

	expectStatus(t, app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/start", owner.Token, nil), http.StatusBadRequest)
	expectStatus(t, app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/start", owner.Token, map[string]string{"otp": flipFirst(code)}), http.StatusConflict)
	expectStatus(t, app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/start", rider.Token, map[string]string{"otp": code}), http.StatusForbidden)

	w = app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/start", owner.Token, map[string]string{"otp": code})
	expectStatus(t, w, http.StatusOK)
	if got := decode[rideBody](t, w); got.Status != "ongoing" {
		t.Fatalf("expected ongoing, got %s", got.Status)
	}
	expectStatus(t, app.book(t, other, r.ID, 1), http.StatusConflict)
	expectStatus(t, app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/cancel", owner.Token, nil), http.StatusConflict)

	w = app.do(t, http.MethodPost, "/api/rides/"+r.ID+"/complete", owner.Token, nil)
	expectStatus(t, w, http.StatusOK)
	expectStatus(t, app.do(t, http.MethodDelete, "/api/bookings/"+b.ID, rider.Token, nil), http.StatusConflict)

	expectStatus(t, app.do(t, http.MethodDelete, "/api/rides/"+r.ID, owner.Token, nil), http.StatusNoContent)
	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/"+r.ID, owner.Token, nil), http.StatusNotFound)
}

func TestSearchAndListings(t *testing.T) {
	app := newTestApp(t)
	owner := app.register(t, "Owner")
	rider := app.register(t, "Rider")
	r := app.postRide(t, owner, 2)

	w := app.do(t, http.MethodGet, "/api/rides/search?origin=berlin&destination=leipzig", rider.Token, nil)
	expectStatus(t, w, http.StatusOK)
	found := decode[struct {
		Rides []rideBody `json:"rides"`
	}](t, w)
	if len(found.Rides) != 1 || found.Rides[0].ID != r.ID {
		t.Fatalf("expected ride in search, got %+v", found.Rides)
	}
	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/search?date=tomorrow", rider.Token, nil), http.StatusBadRequest)

	expectStatus(t, app.book(t, rider, r.ID, 2), http.StatusCreated)
	w = app.do(t, http.MethodGet, "/api/rides/search?origin=berlin", rider.Token, nil)
	if got := decode[struct {
		Rides []rideBody `json:"rides"`
	}](t, w); len(got.Rides) != 0 {
		t.Fatalf("full ride must not be listed, got %+v", got.Rides)
	}

	w = app.do(t, http.MethodGet, "/api/bookings/mine", rider.Token, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decode[struct {
		Bookings []bookingBody `json:"bookings"`
	}](t, w); len(got.Bookings) != 1 {
		t.Fatalf("expected one booking, got %+v", got.Bookings)
	}
	w = app.do(t, http.MethodGet, "/api/rides/mine", owner.Token, nil)
	if got := decode[struct {
		Rides []rideBody `json:"rides"`
	}](t, w); len(got.Rides) != 1 {
		t.Fatalf("expected one owned ride, got %+v", got.Rides)
	}
}

func TestErrorResponses(t *testing.T) {
	app := newTestApp(t)
	acc := app.register(t, "Ada")

	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/not-a-uuid", acc.Token, nil), http.StatusBadRequest)
	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/6f1c1f7e-8f0e-4c36-9d8e-5b4a3b2c1d0e", acc.Token, nil), http.StatusNotFound)
	expectStatus(t, app.do(t, http.MethodPost, "/api/rides", acc.Token, map[string]any{"origin": "A"}), http.StatusBadRequest)
	expectStatus(t, app.do(t, http.MethodGet, "/api/rides/mine", "garbage", nil), http.StatusUnauthorized)
}

func TestSOSOverHTTP(t *testing.T) {
	app := newTestApp(t)
	acc := app.register(t, "Ada")

	w := app.do(t, http.MethodPut, "/api/sos/me", acc.Token, map[string]any{"contacts": []string{"a", "b", "c", "d"}})
	expectStatus(t, w, http.StatusBadRequest)
	w = app.do(t, http.MethodPut, "/api/sos/me", acc.Token, map[string]any{"contacts": []string{"+4912345", "mum@example.com"}})
	expectStatus(t, w, http.StatusOK)

	w = app.do(t, http.MethodPost, "/api/sos/trigger", acc.Token, map[string]any{"location": map[string]float64{"lat": 100, "lng": 0}})
	expectStatus(t, w, http.StatusBadRequest)
	w = app.do(t, http.MethodPost, "/api/sos/trigger", acc.Token, map[string]any{"location": map[string]float64{"lat": 52.52, "lng": 13.37}})
	expectStatus(t, w, http.StatusCreated)
	alert := decode[sos.Alert](t, w)
	if len(alert.Contacts) != 2 || alert.Location == nil {
		t.Fatalf("unexpected alert %+v", alert)
	}

	w = app.do(t, http.MethodGet, "/api/sos/alerts", acc.Token, nil)
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), string(alert.ID)) {
		t.Fatalf("alert missing from list: %s", w.Body.String())
	}
}

func TestChatREST(t *testing.T) {
	app := newTestApp(t)
	owner := app.register(t, "Owner")
	rider := app.register(t, "Rider")
	stranger := app.register(t, "Stranger")
	r := app.postRide(t, owner, 2)
	expectStatus(t, app.book(t, rider, r.ID, 1), http.StatusCreated)

	expectStatus(t, app.do(t, http.MethodPost, "/api/chats/"+r.ID, rider.Token, map[string]string{"text": "  on my way  "}), http.StatusCreated)
	expectStatus(t, app.do(t, http.MethodPost, "/api/chats/"+r.ID, stranger.Token, map[string]string{"text": "hi"}), http.StatusForbidden)
	expectStatus(t, app.do(t, http.MethodPost, "/api/chats/"+r.ID, rider.Token, map[string]string{"text": strings.Repeat("x", 2001)}), http.StatusBadRequest)
	expectStatus(t, app.do(t, http.MethodGet, "/api/chats/"+r.ID, stranger.Token, nil), http.StatusForbidden)

	w := app.do(t, http.MethodGet, "/api/chats/"+r.ID, owner.Token, nil)
	expectStatus(t, w, http.StatusOK)
	history := decode[struct {
		Messages []chat.Message `json:"messages"`
	}](t, w)
	if len(history.Messages) != 1 || history.Messages[0].Text != "on my way" {
		t.Fatalf("unexpected history %+v", history.Messages)
	}
}

func flipFirst(code string) string {
	if code[0] == '9' {
		return "0" + code[1:]
	}
	return string(code[0]+1) + code[1:]
}
