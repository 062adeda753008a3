// README: Ride aggregate, bookings, OTP record and the ride status flow.
package ride

import (
	"time"

	"rideshare/internal/types"
)

type Status string

const (
	StatusPosted    Status = "posted"
	StatusOngoing   Status = "ongoing"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type BookingStatus string

const (
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
)

// OTP is the single live start code of a ride.
type OTP struct {
	Code       string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

type Route struct {
	Distance string
	Duration time.Duration
}

type Ride struct {
	ID             types.ID
	OwnerID        types.ID
	Origin         string
	Destination    string
	DepartureAt    time.Time
	SeatsTotal     int
	SeatsAvailable int
	PricePerSeat   types.Money
	Notes          string
	Status         Status
	ActiveOTP      *OTP
	Route          *Route
	Version        int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

type Booking struct {
	ID          types.ID
	RideID      types.ID
	RiderID     types.ID
	SeatsBooked int
	TotalPrice  types.Money
	Status      BookingStatus
	CreatedAt   time.Time
	CancelledAt *time.Time
	CancelledBy *types.ID
}

type EventType string

const (
	EventRidePosted       EventType = "ride.posted"
	EventRideUpdated      EventType = "ride.updated"
	EventRideStatus       EventType = "ride.status_changed"
	EventRideDeleted      EventType = "ride.deleted"
	EventOTPIssued        EventType = "otp.issued"
	EventBookingCreated   EventType = "booking.created"
	EventBookingCancelled EventType = "booking.cancelled"
)

// Event is an audit record of one ride mutation.
type Event struct {
	Type       EventType `json:"type"`
	RideID     types.ID  `json:"ride_id"`
	BookingID  *types.ID `json:"booking_id,omitempty"`
	ActorID    types.ID  `json:"actor_id,omitempty"`
	RiderID    *types.ID `json:"rider_id,omitempty"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status,omitempty"`
	At         time.Time `json:"at"`
}

// AllowedTransitions represents the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPosted:  {StatusOngoing, StatusCancelled},
	StatusOngoing: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (r *Ride) clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	if r.ActiveOTP != nil {
		otp := *r.ActiveOTP
		if r.ActiveOTP.ConsumedAt != nil {
			t := *r.ActiveOTP.ConsumedAt
			otp.ConsumedAt = &t
		}
		c.ActiveOTP = &otp
	}
	if r.Route != nil {
		route := *r.Route
		c.Route = &route
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

func (b *Booking) clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		c.CancelledAt = &t
	}
	if b.CancelledBy != nil {
		id := *b.CancelledBy
		c.CancelledBy = &id
	}
	return &c
}

// Reservation returns the token that releases this booking's seats.
func (b *Booking) Reservation() Reservation {
	return Reservation{ID: b.ID, RideID: b.RideID, Seats: b.SeatsBooked}
}
