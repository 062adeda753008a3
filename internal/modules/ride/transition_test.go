package ride

import (
	"context"
	"errors"
	"testing"
	"time"

	"rideshare/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPosted, StatusOngoing, true},
		{StatusPosted, StatusCancelled, true},
		{StatusOngoing, StatusCompleted, true},
		{StatusPosted, StatusCompleted, false},
		{StatusOngoing, StatusCancelled, false},
		{StatusOngoing, StatusPosted, false},
		{StatusCompleted, StatusOngoing, false},
		{StatusCancelled, StatusPosted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestOTPStartScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.postRide(t, "owner", 2)
	h.book(t, r.ID, "rider", 1)

	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	if len(otp.Code) != 6 {
		t.Fatalf("expected 6 digit code, got %q", otp.Code)
	}

	_, err = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "rider", To: StatusOngoing, OTP: wrongCode(otp.Code)})
	if !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("rider with wrong code: expected invalid, got %v", err)
	}

	started, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code})
	if err != nil {
		t.Fatalf("owner start: %v", err)
	}
	if started.Status != StatusOngoing {
		t.Fatalf("expected ongoing, got %s", started.Status)
	}
	if started.ActiveOTP == nil || started.ActiveOTP.ConsumedAt == nil {
		t.Fatal("expected code to be consumed")
	}

	_, err = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code})
	if !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("repeated code: expected invalid, got %v", err)
	}
}

func TestStartRequiresOTP(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.postRide(t, "owner", 2)

	_, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing})
	if !errors.Is(err, ErrOTPRequired) {
		t.Fatalf("expected otp required, got %v", err)
	}
	_, err = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: "123456"})
	if !errors.Is(err, ErrOTPInvalid) {
		t.Fatalf("no code issued: expected invalid, got %v", err)
	}
}

func TestNonOwnerWithValidCodeDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	_, err = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "rider", To: StatusOngoing, OTP: otp.Code})
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code}); err != nil {
		t.Fatalf("owner start after rejected rider: %v", err)
	}
}

func TestExpiredOTPIsRejectedAndKept(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.OTPTTL = time.Minute })
	r := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	h.clock.Advance(2 * time.Minute)

	ok, err := h.svc.VerifyOTP(ctx, r.ID, otp.Code)
	if err != nil || ok {
		t.Fatalf("expected expired code rejected, got ok=%v err=%v", ok, err)
	}
	got, err := h.svc.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActiveOTP == nil || got.ActiveOTP.ConsumedAt != nil {
		t.Fatal("expired code should stay in place unconsumed")
	}

	fresh, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	ok, err = h.svc.VerifyOTP(ctx, r.ID, fresh.Code)
	if err != nil || !ok {
		t.Fatalf("expected fresh code accepted, got ok=%v err=%v", ok, err)
	}
	ok, err = h.svc.VerifyOTP(ctx, r.ID, fresh.Code)
	if err != nil || ok {
		t.Fatalf("expected consumed code rejected, got ok=%v err=%v", ok, err)
	}
}

func TestIssueOTPRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.postRide(t, "owner", 2)
	if _, err := h.svc.IssueOTP(ctx, r.ID, "rider"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	first, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	second, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if first.Code != second.Code {
		if ok, _ := h.svc.VerifyOTP(ctx, r.ID, first.Code); ok {
			t.Fatal("replaced code must not verify")
		}
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := h.svc.IssueOTP(ctx, r.ID, "owner"); !errors.Is(err, ErrRideNotPosted) {
		t.Fatalf("expected ride not posted, got %v", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	r := h.postRide(t, "owner", 2)
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusCompleted}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("posted -> completed: expected illegal, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusPosted}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("posted -> posted: expected illegal, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: "flying"}); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("unknown status: expected bad request, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "rider", To: StatusCancelled}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("rider cancel: expected not owner, got %v", err)
	}

	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for _, to := range []Status{StatusPosted, StatusOngoing, StatusCompleted, StatusCancelled} {
		if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: to, OTP: "123456"}); !errors.Is(err, ErrIllegalTransition) {
			t.Fatalf("cancelled -> %s: expected illegal, got %v", to, err)
		}
	}

	ongoing := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, ongoing.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: ongoing.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: ongoing.ID, ActorID: "owner", To: StatusCancelled}); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("ongoing -> cancelled: expected illegal, got %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: ongoing.ID, ActorID: "rider", To: StatusCompleted}); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("rider complete: expected not owner, got %v", err)
	}
	done, err := h.svc.Transition(ctx, TransitionCommand{RideID: ongoing.ID, ActorID: "owner", To: StatusCompleted})
	if err != nil || done.Status != StatusCompleted {
		t.Fatalf("complete: %v", err)
	}
}

func TestCancelRideCascades(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := h.postRide(t, "owner", 4)
	a := h.book(t, r.ID, "alice", 1)
	b := h.book(t, r.ID, "bob", 2)

	got, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusCancelled})
	if err != nil {
		t.Fatalf("cancel ride: %v", err)
	}
	if got.Status != StatusCancelled || got.SeatsAvailable != 4 {
		t.Fatalf("unexpected ride after cancel: status=%s seats=%d", got.Status, got.SeatsAvailable)
	}
	for _, id := range []types.ID{a.ID, b.ID} {
		bk, err := h.store.GetBooking(ctx, id)
		if err != nil {
			t.Fatalf("get booking: %v", err)
		}
		if bk.Status != BookingCancelled || bk.CancelledBy == nil || *bk.CancelledBy != "owner" {
			t.Fatalf("booking %s not cascaded: %+v", id, bk)
		}
	}
	h.assertInventory(t, r.ID)

	members, err := h.svc.Members(ctx, r.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "owner" {
		t.Fatalf("expected only the owner left, got %v", members)
	}
}

type countingLimiter struct {
	max      int
	failures map[types.ID]int
}

func (c *countingLimiter) Exceeded(_ context.Context, id types.ID) (bool, error) {
	return c.failures[id] >= c.max, nil
}

func (c *countingLimiter) RecordFailure(_ context.Context, id types.ID) error {
	c.failures[id]++
	return nil
}

func (c *countingLimiter) Reset(_ context.Context, id types.ID) error {
	delete(c.failures, id)
	return nil
}

func TestTooManyOTPAttempts(t *testing.T) {
	ctx := context.Background()
	lim := &countingLimiter{max: 3, failures: map[types.ID]int{}}
	h := newHarness(t, func(o *Options) { o.Attempts = lim })
	r := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	bad := wrongCode(otp.Code)
	for i := 0; i < 3; i++ {
		if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: bad}); !errors.Is(err, ErrOTPInvalid) {
			t.Fatalf("attempt %d: expected invalid, got %v", i, err)
		}
	}
	_, err = h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code})
	if !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected too many attempts, got %v", err)
	}

	fresh, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if _, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: fresh.Code}); err != nil {
		t.Fatalf("start after reissue: %v", err)
	}
}

func TestStrangerWrongCodesDoNotLockOutOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) { o.Attempts = NewMemoryAttemptLimiter(5, 10*time.Minute) })
	r := h.postRide(t, "owner", 2)
	otp, err := h.svc.IssueOTP(ctx, r.ID, "owner")
	if err != nil {
		t.Fatalf("issue otp: %v", err)
	}
	bad := wrongCode(otp.Code)
	for i := 0; i < 10; i++ {
		_, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "stranger", To: StatusOngoing, OTP: bad})
		if !errors.Is(err, ErrOTPInvalid) {
			t.Fatalf("stranger attempt %d: expected invalid, got %v", i, err)
		}
	}

	ok, err := h.svc.VerifyOTP(ctx, r.ID, wrongCode(otp.Code))
	if err != nil || ok {
		t.Fatalf("verify wrong code: ok=%v err=%v", ok, err)
	}
	started, err := h.svc.Transition(ctx, TransitionCommand{RideID: r.ID, ActorID: "owner", To: StatusOngoing, OTP: otp.Code})
	if err != nil {
		t.Fatalf("owner start with valid code: %v", err)
	}
	if started.Status != StatusOngoing {
		t.Fatalf("expected ongoing, got %s", started.Status)
	}
}

func TestMemoryAttemptLimiterWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	l := NewMemoryAttemptLimiter(2, time.Minute)
	l.now = clock.Now

	for i := 0; i < 2; i++ {
		if err := l.RecordFailure(ctx, "r1"); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if ok, _ := l.Exceeded(ctx, "r1"); !ok {
		t.Fatal("expected limit reached")
	}
	if ok, _ := l.Exceeded(ctx, "r2"); ok {
		t.Fatal("limit should be per ride")
	}
	clock.Advance(2 * time.Minute)
	if ok, _ := l.Exceeded(ctx, "r1"); ok {
		t.Fatal("expected window to expire")
	}
	_ = l.RecordFailure(ctx, "r1")
	_ = l.Reset(ctx, "r1")
	if ok, _ := l.Exceeded(ctx, "r1"); ok {
		t.Fatal("expected reset to clear the counter")
	}
}
