// README: Ride state machine; owner-only transitions, OTP-gated start and cascading cancellation.
package ride

import (
	"context"
	"fmt"

	"rideshare/internal/observability"
	"rideshare/internal/types"
)

type TransitionCommand struct {
	RideID  types.ID
	ActorID types.ID
	To      Status
	OTP     string
}

// Transition moves a ride to cmd.To. Checks run in this order: terminal or unknown
// transitions, then the start code for posted->ongoing, then ownership. A rider
// presenting a wrong code therefore sees ErrOTPInvalid, and a non-owner presenting
// the right code gets ErrNotOwner without consuming it. Only the owner's wrong
// codes count toward the attempt limit.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Ride, error) {
	switch cmd.To {
	case StatusPosted, StatusOngoing, StatusCompleted, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrBadRequest, cmd.To)
	}
	st, err := s.mutate(ctx, "transition", cmd.RideID, func(st *State) error {
		r := st.Ride
		if r.Status.Terminal() {
			return ErrIllegalTransition
		}
		if cmd.To == StatusOngoing && (r.Status == StatusPosted || cmd.OTP != "") {
			if err := s.checkOTP(ctx, st, cmd.OTP, r.OwnerID == cmd.ActorID); err != nil {
				return err
			}
		}
		if !CanTransition(r.Status, cmd.To) {
			return ErrIllegalTransition
		}
		if r.OwnerID != cmd.ActorID {
			return ErrNotOwner
		}

		from := r.Status
		switch cmd.To {
		case StatusOngoing:
			st.consumeOTP()
			r.Status = StatusOngoing
			st.emit(Event{Type: EventRideStatus, ActorID: cmd.ActorID, FromStatus: from, ToStatus: r.Status})
		case StatusCompleted:
			r.Status = StatusCompleted
			st.emit(Event{Type: EventRideStatus, ActorID: cmd.ActorID, FromStatus: from, ToStatus: r.Status})
		case StatusCancelled:
			st.cancelRide(cmd.ActorID)
		}
		return nil
	})
	result := "ok"
	if err != nil {
		result = errorLabel(err)
	}
	observability.RideTransitionsTotal.WithLabelValues(string(cmd.To), result).Inc()
	if cmd.To == StatusOngoing {
		s.countOTP(err == nil)
	}
	if err != nil {
		return nil, err
	}
	return st.Ride.clone(), nil
}

// cancelRide cancels a posted ride and every active booking on it.
func (st *State) cancelRide(actor types.ID) {
	active := append([]*Booking(nil), st.Bookings...)
	for _, b := range active {
		st.cancelBooking(b, actor)
	}
	from := st.Ride.Status
	st.Ride.Status = StatusCancelled
	st.emit(Event{Type: EventRideStatus, ActorID: actor, FromStatus: from, ToStatus: StatusCancelled})
}

func (s *Service) countOTP(ok bool) {
	if ok {
		observability.OTPVerificationsTotal.WithLabelValues("ok").Inc()
		return
	}
	observability.OTPVerificationsTotal.WithLabelValues("rejected").Inc()
}
