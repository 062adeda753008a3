// README: Concurrency tests for seat inventory and start codes (run with -race).
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rideshare/internal/types"
)

func TestConcurrentBookingsNeverOverbook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 5 * time.Second })
	r := h.postRide(t, "owner", 5)

	const riders = 24
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, riders)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(rider types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.CreateBooking(ctx, CreateBookingCommand{RideID: r.ID, RiderID: rider, Seats: 1})
			errs <- err
		}(types.ID(fmt.Sprintf("rider-%d", i)))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrInsufficientSeats) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 5 {
		t.Fatalf("expected exactly 5 bookings, got %d", success)
	}
	if got := h.seatsAvailable(t, r.ID); got != 0 {
		t.Fatalf("expected 0 seats left, got %d", got)
	}
	h.assertInventory(t, r.ID)
}

func TestConcurrentMixedSeatBookingsNeverOverbook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 5 * time.Second })
	const capacity = 5
	r := h.postRide(t, "owner", capacity)

	requests := []int{3, 2, 2, 1, 1, 3, 2, 1, 2, 1, 4, 1}
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		booked int
		wins   int
	)
	start := make(chan struct{})
	errs := make(chan error, len(requests))
	for i, seats := range requests {
		wg.Add(1)
		go func(rider types.ID, seats int) {
			defer wg.Done()
			<-start
			b, err := h.svc.CreateBooking(ctx, CreateBookingCommand{RideID: r.ID, RiderID: rider, Seats: seats})
			if err != nil {
				errs <- err
				return
			}
			if b.SeatsBooked != seats {
				errs <- fmt.Errorf("booking %s holds %d seats, requested %d", b.ID, b.SeatsBooked, seats)
				return
			}
			mu.Lock()
			booked += seats
			wins++
			mu.Unlock()
		}(types.ID(fmt.Sprintf("rider-%d", i)), seats)
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, ErrInsufficientSeats) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins == 0 {
		t.Fatal("expected at least one booking to succeed")
	}
	if booked > capacity {
		t.Fatalf("overbooked: %d seats granted on a %d-seat ride", booked, capacity)
	}
	if got := h.seatsAvailable(t, r.ID); got != capacity-booked {
		t.Fatalf("expected %d seats left, got %d", capacity-booked, got)
	}
	h.assertInventory(t, r.ID)
}

func TestConcurrentVerifyOTPSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 5 * time.Second })
	r := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan bool, attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := h.svc.VerifyOTP(ctx, r.ID, otp.Code)
			if err != nil {
				errs <- err
				return
			}
			results <- ok
		}()
	}
	close(start)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}
	success := 0
	for ok := range results {
		if ok {
			success++
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 successful verification, got %d", success)
	}
}

func TestConcurrentBookVsCancelRide(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 5 * time.Second })
	r := h.postRide(t, "owner", 3)

	var wg sync.WaitGroup
	start := make(chan struct{})
	bookErrs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(rider types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.CreateBooking(ctx, CreateBookingCommand{RideID: r.ID, RiderID: rider, Seats: 1})
			bookErrs <- err
		}(types.ID(fmt.Sprintf("rider-%d", i)))
	}
	var cancelErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		_, cancelErr = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusCancelled})
	}()
	close(start)
	wg.Wait()
	close(bookErrs)

	if cancelErr != nil {
		t.Fatalf("cancel ride: %v", cancelErr)
	}
	for err := range bookErrs {
		if err != nil && !errors.Is(err, ErrRideNotPosted) && !errors.Is(err, ErrInsufficientSeats) {
			t.Fatalf("unexpected booking error: %v", err)
		}
	}
	got, err := h.svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled || got.SeatsAvailable != got.SeatsTotal {
		t.Fatalf("expected cancelled ride with all seats free, got %s %d/%d", got.Status, got.SeatsAvailable, got.SeatsTotal)
	}
	bookings, err := h.store.ListBookingsByRide(ctx, r.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, b := range bookings {
		if b.Status != BookingCancelled {
			t.Fatalf("booking %s survived ride cancellation", b.ID)
		}
	}
	h.assertInventory(t, r.ID)
}

func TestConcurrentCancelSameBooking(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 5 * time.Second })
	r := h.postRide(t, "owner", 4)
	b := h.book(t, r.ID, "alice", 3)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(actor types.ID) {
			defer wg.Done()
			<-start
			_, err := h.svc.CancelBooking(ctx, b.ID, actor)
			errs <- err
		}([]types.ID{"alice", "owner"}[i%2])
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	if got := h.seatsAvailable(t, r.ID); got != 4 {
		t.Fatalf("expected seats restored exactly once, got %d", got)
	}
}

func TestDifferentRidesProceedInParallel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.LockTimeout = 50 * time.Millisecond })
	busy := h.postRide(t, "owner", 2)
	free := h.postRide(t, "owner", 2)

	release, err := h.svc.locks.acquire(ctx, busy.ID)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	if _, err := h.svc.CreateBooking(ctx, CreateBookingCommand{RideID: free.ID, RiderID: "alice", Seats: 1}); err != nil {
		t.Fatalf("booking another ride blocked by a held lock: %v", err)
	}
}
