// README: Booking coordinator; seat reservation and booking record commit as one unit.
package ride

import (
	"context"
	"errors"
	"fmt"

	"rideshare/internal/observability"
	"rideshare/internal/types"
)

type CreateBookingCommand struct {
	RideID  types.ID
	RiderID types.ID
	Seats   int
}

// CreateBooking reserves seats on a posted ride and records the booking. Both land in
// the same commit; if the booking cannot be bound the reservation is released before
// returning, so no observer sees one without the other.
func (s *Service) CreateBooking(ctx context.Context, cmd CreateBookingCommand) (*Booking, error) {
	if cmd.RiderID == "" {
		return nil, fmt.Errorf("%w: rider is required", ErrBadRequest)
	}
	if cmd.Seats < 1 {
		return nil, fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	}
	var booking *Booking
	_, err := s.mutate(ctx, "book", cmd.RideID, func(st *State) error {
		r := st.Ride
		if r.OwnerID == cmd.RiderID {
			return ErrOwnRide
		}
		if r.Status != StatusPosted {
			return ErrRideNotPosted
		}
		res, err := st.TryReserve(cmd.Seats)
		if err != nil {
			return err
		}
		b := &Booking{
			RideID:      r.ID,
			RiderID:     cmd.RiderID,
			SeatsBooked: cmd.Seats,
			TotalPrice:  r.PricePerSeat.Times(cmd.Seats),
			Status:      BookingActive,
			CreatedAt:   st.now,
		}
		if err := st.bind(res, b); err != nil {
			st.Release(res)
			return err
		}
		st.emit(Event{Type: EventBookingCreated, BookingID: &b.ID, RiderID: &b.RiderID, ActorID: cmd.RiderID})
		booking = b
		return nil
	})
	if err != nil {
		observability.BookingsTotal.WithLabelValues(errorLabel(err)).Inc()
		return nil, err
	}
	observability.BookingsTotal.WithLabelValues("ok").Inc()
	return booking.clone(), nil
}

// CancelBooking is allowed for the booking's rider and the ride owner. Cancelling an
// already cancelled booking succeeds without releasing anything.
func (s *Service) CancelBooking(ctx context.Context, bookingID, actorID types.ID) (*Booking, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	current, err := s.store.GetBooking(sctx, bookingID)
	cancel()
	if err != nil {
		return nil, err
	}
	var out *Booking
	_, err = s.mutate(ctx, "cancel_booking", current.RideID, func(st *State) error {
		if actorID != current.RiderID && actorID != st.Ride.OwnerID {
			return ErrNotAuthorized
		}
		b := st.activeBooking(bookingID)
		if b == nil {
			out = nil
			return nil
		}
		if st.Ride.Status.Terminal() {
			return ErrIllegalTransition
		}
		st.cancelBooking(b, actorID)
		out = b
		return nil
	})
	if errors.Is(err, ErrRideNotFound) {
		// archived ride: only a booking that is already cancelled can be "cancelled" again
		if actorID != current.RiderID {
			return nil, ErrNotAuthorized
		}
		if current.Status != BookingCancelled {
			return nil, ErrIllegalTransition
		}
		return current, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
		defer cancel()
		return s.store.GetBooking(sctx, bookingID)
	}
	return out.clone(), nil
}

// GetBooking returns a booking to its rider or the ride owner.
func (s *Service) GetBooking(ctx context.Context, bookingID, actorID types.ID) (*Booking, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	b, err := s.store.GetBooking(sctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.RiderID == actorID {
		return b, nil
	}
	r, err := s.store.GetRide(sctx, b.RideID)
	if errors.Is(err, ErrRideNotFound) {
		return nil, ErrNotAuthorized
	}
	if err != nil {
		return nil, err
	}
	if r.OwnerID != actorID {
		return nil, ErrNotAuthorized
	}
	return b, nil
}

func (s *Service) ListBookingsByRider(ctx context.Context, riderID types.ID) ([]*Booking, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.ListBookingsByRider(sctx, riderID)
}

// ListBookingsByRide is restricted to the ride owner.
func (s *Service) ListBookingsByRide(ctx context.Context, rideID, actorID types.ID) ([]*Booking, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	r, err := s.store.GetRide(sctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.OwnerID != actorID {
		return nil, ErrNotOwner
	}
	return s.store.ListBookingsByRide(sctx, rideID)
}

func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, ErrRideNotPosted):
		return "not_posted"
	case errors.Is(err, ErrRideNotFound), errors.Is(err, ErrBookingNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotAuthorized), errors.Is(err, ErrOwnRide):
		return "forbidden"
	case errors.Is(err, ErrOTPRequired), errors.Is(err, ErrOTPInvalid), errors.Is(err, ErrTooManyAttempts):
		return "otp_rejected"
	case errors.Is(err, ErrBadRequest):
		return "invalid"
	case errors.Is(err, ErrContention):
		return "contention"
	default:
		return "error"
	}
}
