// README: Seat inventory and the per-ride unit of work that every mutation runs inside.
package ride

import (
	"fmt"
	"time"

	"rideshare/internal/types"
)

// Reservation is a seat hold on one ride. Once bound to a booking its ID is the booking ID.
type Reservation struct {
	ID     types.ID
	RideID types.ID
	Seats  int
}

// State is a ride and its active bookings, loaded under the ride's lock for one mutation.
// Changes made through State are committed together or not at all.
type State struct {
	Ride     *Ride
	Bookings []*Booking

	now             time.Time
	expectedVersion int
	dirty           bool
	holds           map[types.ID]int
	created         []*Booking
	updated         []*Booking
	events          []Event
}

func newState(r *Ride, active []*Booking, now time.Time) *State {
	return &State{
		Ride:            r,
		Bookings:        active,
		now:             now,
		expectedVersion: r.Version,
		holds:           make(map[types.ID]int),
	}
}

// TryReserve takes seats from the ride's inventory. The check and the decrement
// happen on the locked snapshot and only become visible on commit.
func (st *State) TryReserve(seats int) (Reservation, error) {
	if seats < 1 {
		return Reservation{}, fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	}
	if st.Ride.SeatsAvailable < seats {
		return Reservation{}, ErrInsufficientSeats
	}
	res := Reservation{ID: types.NewID(), RideID: st.Ride.ID, Seats: seats}
	st.Ride.SeatsAvailable -= seats
	st.holds[res.ID] = seats
	st.touch()
	return res, nil
}

// Release gives a reservation's seats back. Releasing the same token twice is a no-op;
// the second call returns false.
func (st *State) Release(res Reservation) bool {
	if seats, ok := st.holds[res.ID]; ok {
		delete(st.holds, res.ID)
		st.Ride.SeatsAvailable += seats
		st.touch()
		return true
	}
	for i, b := range st.Bookings {
		if b.ID != res.ID {
			continue
		}
		now := st.now
		b.Status = BookingCancelled
		b.CancelledAt = &now
		st.Ride.SeatsAvailable += b.SeatsBooked
		st.Bookings = append(st.Bookings[:i], st.Bookings[i+1:]...)
		st.markUpdated(b)
		st.touch()
		return true
	}
	return false
}

// bind turns a hold into a booking.
func (st *State) bind(res Reservation, b *Booking) error {
	seats, ok := st.holds[res.ID]
	if !ok {
		return fmt.Errorf("reservation %s is not held on ride %s", res.ID, st.Ride.ID)
	}
	if b.SeatsBooked != seats || b.RideID != st.Ride.ID {
		return fmt.Errorf("booking %s does not match reservation %s", b.ID, res.ID)
	}
	delete(st.holds, res.ID)
	b.ID = res.ID
	st.Bookings = append(st.Bookings, b)
	st.created = append(st.created, b)
	st.touch()
	return nil
}

func (st *State) cancelBooking(b *Booking, actor types.ID) bool {
	by := actor
	if !st.Release(b.Reservation()) {
		return false
	}
	b.CancelledBy = &by
	st.emit(Event{Type: EventBookingCancelled, BookingID: &b.ID, RiderID: &b.RiderID, ActorID: actor})
	return true
}

func (st *State) activeBooking(id types.ID) *Booking {
	for _, b := range st.Bookings {
		if b.ID == id {
			return b
		}
	}
	return nil
}

func (st *State) markUpdated(b *Booking) {
	for _, c := range st.created {
		if c == b {
			return
		}
	}
	st.updated = append(st.updated, b)
}

func (st *State) emit(e Event) {
	e.RideID = st.Ride.ID
	e.At = st.now
	st.events = append(st.events, e)
	st.touch()
}

func (st *State) touch() {
	st.dirty = true
	st.Ride.UpdatedAt = st.now
}

// check verifies the inventory invariant before anything is written.
func (st *State) check() error {
	if len(st.holds) > 0 {
		return fmt.Errorf("ride %s: %d seat reservation(s) not bound to a booking", st.Ride.ID, len(st.holds))
	}
	booked := 0
	for _, b := range st.Bookings {
		if b.Status != BookingActive {
			return fmt.Errorf("ride %s: booking %s listed as active with status %s", st.Ride.ID, b.ID, b.Status)
		}
		booked += b.SeatsBooked
	}
	r := st.Ride
	if r.SeatsAvailable < 0 || r.SeatsAvailable > r.SeatsTotal || r.SeatsAvailable != r.SeatsTotal-booked {
		return fmt.Errorf("ride %s: seat inventory out of balance (total=%d available=%d booked=%d)",
			r.ID, r.SeatsTotal, r.SeatsAvailable, booked)
	}
	return nil
}

func (st *State) change() Change {
	return Change{
		Ride:            st.Ride,
		ExpectedVersion: st.expectedVersion,
		Created:         st.created,
		Updated:         st.updated,
		Events:          st.events,
	}
}
