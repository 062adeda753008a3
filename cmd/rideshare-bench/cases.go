// README: Bench cases; environment checks, the booking race with seat cross-checks, and load.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"rideshare/migrations"
)

const (
	statusPass = "PASS"
	statusFail = "FAIL"
	statusSkip = "SKIP"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// state shared by the lifecycle cases, filled in order
	driverToken  string
	riderTokens  []string
	rideID       string
	seatsClaimed int
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisURL != "" {
		if opt, err := redis.ParseURL(r.cfg.RedisURL); err == nil {
			r.redis = redis.NewClient(opt)
		}
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: checkPostgres},
		{Name: "Env: Redis connect", Run: checkRedis},
		{Name: "Migration: tables exist", Run: checkTables},
		{Name: "API: health", Run: checkHealth},
		{Name: "Auth: register driver and riders", Run: registerUsers},
		{Name: "Ride: post contended ride", Run: postRide},
		{Name: "Booking: owner cannot book own ride", Run: ownBooking},
		{Name: "Booking: concurrent single-seat race", Run: bookingRace},
		{Name: "Booking: API seat count matches", Run: apiSeatCheck},
		{Name: "Booking: DB seat ledger matches", Run: dbSeatCheck},
		{Name: "Ride: OTP start then complete", Run: lifecycle},
		{Name: "Perf: search load", Run: searchLoad},
	}
}

func checkPostgres(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.db.Ping(ctx); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

func checkRedis(ctx context.Context, r *Runner) Result {
	if r.redis == nil {
		return Result{Status: statusSkip, Note: "redis not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.redis.Ping(ctx).Err(); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return Result{Status: statusPass}
}

var createTableRe = regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)

func checkTables(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	stmts, err := migrations.Statements()
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	for _, s := range stmts {
		m := createTableRe.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		var exists bool
		err := r.db.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
			m[1],
		).Scan(&exists)
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		if !exists {
			return Result{Status: statusFail, Note: "missing table: " + m[1]}
		}
	}
	return Result{Status: statusPass}
}

func checkHealth(ctx context.Context, r *Runner) Result {
	start := time.Now()
	status, _, err := r.call(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return expect(status, time.Since(start), http.StatusOK)
}

type session struct {
	Token string `json:"token"`
}

func (r *Runner) register(ctx context.Context, name string) (string, error) {
	body := map[string]string{
		"name":     name,
		"email":    fmt.Sprintf("%s-%s@bench.local", name, uuid.NewString()[:8]),
		"password": "bench-password",
	}
	status, raw, err := r.call(ctx, http.MethodPost, "/api/auth/register", "", body)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", fmt.Errorf("register %s: status=%d", name, status)
	}
	var s session
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s.Token, nil
}

func registerUsers(ctx context.Context, r *Runner) Result {
	start := time.Now()
	tok, err := r.register(ctx, "driver")
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	r.driverToken = tok
	r.riderTokens = r.riderTokens[:0]
	for i := 0; i < r.cfg.Concurrency; i++ {
		tok, err := r.register(ctx, fmt.Sprintf("rider%d", i))
		if err != nil {
			return Result{Status: statusFail, Note: err.Error()}
		}
		r.riderTokens = append(r.riderTokens, tok)
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: fmt.Sprintf("riders=%d", len(r.riderTokens))}
}

type rideView struct {
	ID             string `json:"id"`
	SeatsTotal     int    `json:"seats_total"`
	SeatsAvailable int    `json:"seats_available"`
	Status         string `json:"status"`
}

func postRide(ctx context.Context, r *Runner) Result {
	if r.driverToken == "" {
		return Result{Status: statusSkip, Note: "no driver"}
	}
	body := map[string]any{
		"origin":         "Bench Origin",
		"destination":    "Bench Destination",
		"departure_at":   time.Now().Add(2 * time.Hour).UTC(),
		"seats":          r.cfg.Seats,
		"price_per_seat": 1250,
	}
	start := time.Now()
	status, raw, err := r.call(ctx, http.MethodPost, "/api/rides", r.driverToken, body)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status != http.StatusCreated {
		return Result{Status: statusFail, Note: fmt.Sprintf("status=%d", status)}
	}
	var v rideView
	if err := json.Unmarshal(raw, &v); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	r.rideID = v.ID
	return Result{Status: statusPass, Latency: time.Since(start), Note: "ride=" + v.ID}
}

func ownBooking(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	start := time.Now()
	status, _, err := r.call(ctx, http.MethodPost, "/api/bookings", r.driverToken, map[string]any{"ride_id": r.rideID, "seats": 1})
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	return expect(status, time.Since(start), http.StatusBadRequest)
}

// bookingRace books one seat per rider at once; exactly min(seats, riders) may win.
func bookingRace(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	var created, conflicts, other atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()
	for _, tok := range r.riderTokens {
		wg.Add(1)
		go func(tok string) {
			defer wg.Done()
			status, _, err := r.call(ctx, http.MethodPost, "/api/bookings", tok, map[string]any{"ride_id": r.rideID, "seats": 1})
			switch {
			case err != nil:
				other.Add(1)
			case status == http.StatusCreated:
				created.Add(1)
			case status == http.StatusConflict:
				conflicts.Add(1)
			default:
				other.Add(1)
			}
		}(tok)
	}
	wg.Wait()

	r.seatsClaimed = int(created.Load())
	want := min(r.cfg.Seats, len(r.riderTokens))
	note := fmt.Sprintf("created=%d conflicts=%d other=%d", created.Load(), conflicts.Load(), other.Load())
	if r.seatsClaimed != want || other.Load() != 0 {
		return Result{Status: statusFail, Latency: time.Since(start), Note: note + fmt.Sprintf(" want created=%d", want)}
	}
	return Result{Status: statusPass, Latency: time.Since(start), Note: note}
}

func (r *Runner) fetchRide(ctx context.Context) (rideView, error) {
	var v rideView
	status, raw, err := r.call(ctx, http.MethodGet, "/api/rides/"+r.rideID, r.driverToken, nil)
	if err != nil {
		return v, err
	}
	if status != http.StatusOK {
		return v, fmt.Errorf("get ride: status=%d", status)
	}
	err = json.Unmarshal(raw, &v)
	return v, err
}

func apiSeatCheck(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	v, err := r.fetchRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if v.SeatsAvailable != v.SeatsTotal-r.seatsClaimed {
		return Result{Status: statusFail, Note: fmt.Sprintf("available=%d total=%d claimed=%d", v.SeatsAvailable, v.SeatsTotal, r.seatsClaimed)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("available=%d", v.SeatsAvailable)}
}

// dbSeatCheck verifies seats_available plus active booked seats equals seats_total.
func dbSeatCheck(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: statusSkip, Note: "dsn not configured"}
	}
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	var total, available, booked int
	err := r.db.QueryRow(ctx, `
		SELECT r.seats_total, r.seats_available,
		       COALESCE((SELECT SUM(b.seats_booked) FROM bookings b WHERE b.ride_id = r.id AND b.status = 'active'), 0)
		FROM rides r WHERE r.id = $1`, r.rideID).Scan(&total, &available, &booked)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if available+booked != total || booked != r.seatsClaimed {
		return Result{Status: statusFail, Note: fmt.Sprintf("total=%d available=%d booked=%d claimed=%d", total, available, booked, r.seatsClaimed)}
	}
	return Result{Status: statusPass, Note: fmt.Sprintf("total=%d available=%d booked=%d", total, available, booked)}
}

type otpView struct {
	Code string `json:"code"`
}

func lifecycle(ctx context.Context, r *Runner) Result {
	if r.rideID == "" {
		return Result{Status: statusSkip, Note: "no ride"}
	}
	start := time.Now()
	status, raw, err := r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/otp", r.driverToken, nil)
	if err != nil || status != http.StatusCreated {
		return Result{Status: statusFail, Note: fmt.Sprintf("issue otp: status=%d err=%v", status, err)}
	}
	var otp otpView
	if err := json.Unmarshal(raw, &otp); err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if status, _, err = r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/start", r.driverToken, map[string]string{"otp": "not-the-code"}); err != nil || status != http.StatusConflict {
		return Result{Status: statusFail, Note: fmt.Sprintf("wrong otp: status=%d err=%v", status, err)}
	}
	if status, _, err = r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/start", r.driverToken, map[string]string{"otp": otp.Code}); err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("start: status=%d err=%v", status, err)}
	}
	if status, _, err = r.call(ctx, http.MethodPost, "/api/rides/"+r.rideID+"/complete", r.driverToken, nil); err != nil || status != http.StatusOK {
		return Result{Status: statusFail, Note: fmt.Sprintf("complete: status=%d err=%v", status, err)}
	}
	v, err := r.fetchRide(ctx)
	if err != nil {
		return Result{Status: statusFail, Note: err.Error()}
	}
	if v.Status != "completed" {
		return Result{Status: statusFail, Note: "status=" + v.Status}
	}
	return Result{Status: statusPass, Latency: time.Since(start)}
}

func searchLoad(ctx context.Context, r *Runner) Result {
	if len(r.riderTokens) == 0 {
		return Result{Status: statusSkip, Note: "no riders"}
	}
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		tok := r.riderTokens[i%len(r.riderTokens)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) && ctx.Err() == nil {
				status, _, err := r.call(ctx, http.MethodGet, "/api/rides/search?origin=bench", tok, nil)
				if err != nil || status != http.StatusOK {
					errCount.Add(1)
					continue
				}
				count.Add(1)
			}
		}()
	}
	wg.Wait()

	if count.Load() == 0 {
		return Result{Status: statusFail, Note: "no requests completed"}
	}
	rps := float64(count.Load()) / r.cfg.Duration.Seconds()
	return Result{Status: statusPass, Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount.Load())}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, err
}

func expect(status int, latency time.Duration, want int) Result {
	note := fmt.Sprintf("status=%d", status)
	if status != want {
		return Result{Status: statusFail, Latency: latency, Note: note}
	}
	return Result{Status: statusPass, Latency: latency, Note: note}
}
