// README: OTP authority; issues and checks the single live start code of a ride.
package ride

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"rideshare/internal/types"
)

// AttemptLimiter bounds failed start code checks per ride.
type AttemptLimiter interface {
	Exceeded(ctx context.Context, rideID types.ID) (bool, error)
	RecordFailure(ctx context.Context, rideID types.ID) error
	Reset(ctx context.Context, rideID types.ID) error
}

func generateCode(length int) (string, error) {
	ten := big.NewInt(10)
	buf := make([]byte, length)
	for i := range buf {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("generate start code: %w", err)
		}
		buf[i] = byte('0' + d.Int64())
	}
	return string(buf), nil
}

// matches reports whether code is the live, unexpired, unconsumed code.
func (o *OTP) matches(code string, now time.Time) bool {
	if o == nil || o.ConsumedAt != nil || !now.Before(o.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(o.Code), []byte(code)) == 1
}

// checkOTP validates code against the ride's live OTP without consuming it.
// Only counted checks consult and feed the attempt limiter, so callers who
// cannot start the ride never lock its owner out.
func (s *Service) checkOTP(ctx context.Context, st *State, code string, counted bool) error {
	if code == "" {
		return ErrOTPRequired
	}
	if counted && s.attempts != nil {
		exceeded, err := s.attempts.Exceeded(ctx, st.Ride.ID)
		if err != nil {
			s.log.Warn("otp attempt limiter unavailable", "ride_id", st.Ride.ID, "error", err)
		}
		if exceeded {
			return ErrTooManyAttempts
		}
	}
	if !st.Ride.ActiveOTP.matches(code, st.now) {
		if counted && s.attempts != nil {
			if err := s.attempts.RecordFailure(ctx, st.Ride.ID); err != nil {
				s.log.Warn("otp attempt limiter unavailable", "ride_id", st.Ride.ID, "error", err)
			}
		}
		return ErrOTPInvalid
	}
	return nil
}

func (st *State) consumeOTP() {
	now := st.now
	st.Ride.ActiveOTP.ConsumedAt = &now
	st.touch()
}

// IssueOTP creates a new start code for a posted ride, replacing any live one.
func (s *Service) IssueOTP(ctx context.Context, rideID, actorID types.ID) (*OTP, error) {
	code, err := generateCode(s.opts.OTPLength)
	if err != nil {
		return nil, err
	}
	var issued OTP
	_, err = s.mutate(ctx, "issue_otp", rideID, func(st *State) error {
		if st.Ride.OwnerID != actorID {
			return ErrNotOwner
		}
		if st.Ride.Status != StatusPosted {
			return ErrRideNotPosted
		}
		issued = OTP{Code: code, IssuedAt: st.now, ExpiresAt: st.now.Add(s.opts.OTPTTL)}
		otp := issued
		st.Ride.ActiveOTP = &otp
		st.emit(Event{Type: EventOTPIssued, ActorID: actorID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.attempts != nil {
		if err := s.attempts.Reset(ctx, rideID); err != nil {
			s.log.Warn("reset otp attempts", "ride_id", rideID, "error", err)
		}
	}
	return &issued, nil
}

// VerifyOTP consumes the ride's live code if code matches it. Of two concurrent
// calls with the same valid code exactly one returns true. An expired code is
// rejected and left in place. Callers are trusted, so failures count against the ride.
func (s *Service) VerifyOTP(ctx context.Context, rideID types.ID, code string) (bool, error) {
	ok := false
	_, err := s.mutate(ctx, "verify_otp", rideID, func(st *State) error {
		ok = false
		switch err := s.checkOTP(ctx, st, code, true); err {
		case nil:
		case ErrOTPInvalid, ErrOTPRequired:
			return nil
		default:
			return err
		}
		st.consumeOTP()
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	s.countOTP(ok)
	return ok, nil
}
