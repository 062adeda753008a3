package ride

import (
	"context"
	"sync"
	"testing"
	"time"

	"rideshare/internal/logging"
	"rideshare/internal/types"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, events []Event) {
	r.mu.Lock()
	r.events = append(r.events, events...)
	r.mu.Unlock()
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc   *Service
	store *MemoryStore
	clock *testClock
	sink  *recordingSink
}

func newHarness(t *testing.T, mod ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(),
		clock: newTestClock(),
		sink:  &recordingSink{},
	}
	opts := Options{
		CommitRetries: 3,
		Now:           h.clock.Now,
		Logger:        logging.Discard(),
		Events:        h.sink,
	}
	for _, m := range mod {
		m(&opts)
	}
	h.svc = NewService(h.store, opts)
	return h
}

func (h *harness) postRide(t *testing.T, owner types.ID, seats int) *Ride {
	t.Helper()
	r, err := h.svc.Post(context.Background(), PostCommand{
		OwnerID:      owner,
		Origin:       "Berlin Hbf",
		Destination:  "Leipzig",
		DepartureAt:  h.clock.Now().Add(6 * time.Hour),
		Seats:        seats,
		PricePerSeat: 1500,
	})
	if err != nil {
		t.Fatalf("post ride: %v", err)
	}
	return r
}

func (h *harness) book(t *testing.T, rideID, rider types.ID, seats int) *Booking {
	t.Helper()
	b, err := h.svc.CreateBooking(context.Background(), CreateBookingCommand{RideID: rideID, RiderID: rider, Seats: seats})
	if err != nil {
		t.Fatalf("book %d seats for %s: %v", seats, rider, err)
	}
	return b
}

func (h *harness) seatsAvailable(t *testing.T, rideID types.ID) int {
	t.Helper()
	r, err := h.svc.Get(context.Background(), rideID)
	if err != nil {
		t.Fatalf("get ride: %v", err)
	}
	return r.SeatsAvailable
}

// assertInventory checks SeatsAvailable against the active bookings in the store.
func (h *harness) assertInventory(t *testing.T, rideID types.ID) {
	t.Helper()
	r, active, err := h.store.LoadState(context.Background(), rideID)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	booked := 0
	for _, b := range active {
		booked += b.SeatsBooked
	}
	if r.SeatsAvailable != r.SeatsTotal-booked || r.SeatsAvailable < 0 {
		t.Fatalf("inventory out of balance: total=%d available=%d booked=%d", r.SeatsTotal, r.SeatsAvailable, booked)
	}
}

// wrongCode returns a code of the same length that differs from code.
func wrongCode(code string) string {
	b := []byte(code)
	if b[0] == '9' {
		b[0] = '0'
	} else {
		b[0]++
	}
	return string(b)
}
