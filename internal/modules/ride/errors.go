// README: Ride engine error taxonomy.
package ride

import "errors"

var (
	// validation
	ErrBadRequest = errors.New("bad request")
	ErrOwnRide    = errors.New("cannot book your own ride")

	// not found
	ErrRideNotFound    = errors.New("ride not found")
	ErrBookingNotFound = errors.New("booking not found")

	// authorization
	ErrNotOwner      = errors.New("only the ride owner can do this")
	ErrNotAuthorized = errors.New("not allowed to act on this booking")

	// state conflict
	ErrRideNotPosted     = errors.New("ride is not open for booking")
	ErrInsufficientSeats = errors.New("insufficient seats available")
	ErrIllegalTransition = errors.New("illegal ride status transition")
	ErrOTPRequired       = errors.New("start code required")
	ErrOTPInvalid        = errors.New("start code invalid, expired or already used")
	ErrTooManyAttempts   = errors.New("too many start code attempts")

	// contention
	ErrConflict   = errors.New("ride changed concurrently")
	ErrContention = errors.New("ride is busy, retry")
)
