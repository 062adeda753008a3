// README: Ride store contract and its PostgreSQL implementation (version CAS in one transaction).
package ride

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideshare/internal/types"
)

// Change is everything one serialized mutation wrote. Commit applies it atomically
// and fails with ErrConflict if the ride's version moved since it was loaded.
type Change struct {
	Ride            *Ride
	ExpectedVersion int
	Created         []*Booking
	Updated         []*Booking
	Events          []Event
}

type Store interface {
	CreateRide(ctx context.Context, r *Ride, ev Event) error
	// GetRide and LoadState treat archived rides as missing.
	GetRide(ctx context.Context, id types.ID) (*Ride, error)
	LoadState(ctx context.Context, id types.ID) (*Ride, []*Booking, error)
	Commit(ctx context.Context, ch Change) error
	SearchRides(ctx context.Context, q SearchQuery) ([]*Ride, error)
	ListRidesByOwner(ctx context.Context, ownerID types.ID) ([]*Ride, error)
	GetBooking(ctx context.Context, id types.ID) (*Booking, error)
	ListBookingsByRide(ctx context.Context, rideID types.ID) ([]*Booking, error)
	ListBookingsByRider(ctx context.Context, riderID types.ID) ([]*Booking, error)
}

type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

const rideColumns = `
    id, owner_id, origin, destination, departure_at,
    seats_total, seats_available, price_amount, price_currency, notes,
    status, version, route_distance, route_duration_seconds,
    otp_code, otp_issued_at, otp_expires_at, otp_consumed_at,
    created_at, updated_at, deleted_at`

const bookingColumns = `
    id, ride_id, rider_id, seats_booked, total_amount, total_currency,
    status, created_at, cancelled_at, cancelled_by`

func (s *PgStore) CreateRide(ctx context.Context, r *Ride, ev Event) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	dist, dur := routeArgs(r.Route)
	code, issued, expires, consumed := otpArgs(r.ActiveOTP)
	_, err = tx.Exec(ctx, `
        INSERT INTO rides (`+rideColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		string(r.ID), string(r.OwnerID), r.Origin, r.Destination, r.DepartureAt,
		r.SeatsTotal, r.SeatsAvailable, r.PricePerSeat.Amount, r.PricePerSeat.Currency, r.Notes,
		string(r.Status), r.Version, dist, dur,
		code, issued, expires, consumed,
		r.CreatedAt, r.UpdatedAt, r.DeletedAt,
	)
	if err != nil {
		return err
	}
	if err := appendEvents(ctx, tx, []Event{ev}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	row := s.db.QueryRow(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1 AND deleted_at IS NULL`, string(id))
	r, err := scanRide(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func (s *PgStore) LoadState(ctx context.Context, id types.ID) (*Ride, []*Booking, error) {
	r, err := s.GetRide(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+bookingColumns+`
        FROM bookings
        WHERE ride_id = $1 AND status = 'active'
        ORDER BY created_at`, string(id))
	if err != nil {
		return nil, nil, err
	}
	active, err := collectBookings(rows)
	if err != nil {
		return nil, nil, err
	}
	return r, active, nil
}

func (s *PgStore) Commit(ctx context.Context, ch Change) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r := ch.Ride
	dist, dur := routeArgs(r.Route)
	code, issued, expires, consumed := otpArgs(r.ActiveOTP)
	tag, err := tx.Exec(ctx, `
        UPDATE rides
        SET origin = $3,
            destination = $4,
            departure_at = $5,
            seats_available = $6,
            price_amount = $7,
            notes = $8,
            status = $9,
            route_distance = $10,
            route_duration_seconds = $11,
            otp_code = $12,
            otp_issued_at = $13,
            otp_expires_at = $14,
            otp_consumed_at = $15,
            updated_at = $16,
            deleted_at = $17,
            version = version + 1
        WHERE id = $1 AND version = $2`,
		string(r.ID), ch.ExpectedVersion,
		r.Origin, r.Destination, r.DepartureAt, r.SeatsAvailable, r.PricePerSeat.Amount, r.Notes,
		string(r.Status), dist, dur, code, issued, expires, consumed, r.UpdatedAt, r.DeletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return ErrConflict
	}

	for _, b := range ch.Created {
		_, err := tx.Exec(ctx, `
            INSERT INTO bookings (`+bookingColumns+`)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			string(b.ID), string(b.RideID), string(b.RiderID), b.SeatsBooked,
			b.TotalPrice.Amount, b.TotalPrice.Currency, string(b.Status), b.CreatedAt,
			b.CancelledAt, idPtr(b.CancelledBy),
		)
		if err != nil {
			return fmt.Errorf("insert booking %s: %w", b.ID, err)
		}
	}
	for _, b := range ch.Updated {
		tag, err := tx.Exec(ctx, `
            UPDATE bookings
            SET status = $3, cancelled_at = $4, cancelled_by = $5
            WHERE id = $1 AND ride_id = $2`,
			string(b.ID), string(b.RideID), string(b.Status), b.CancelledAt, idPtr(b.CancelledBy),
		)
		if err != nil {
			return fmt.Errorf("update booking %s: %w", b.ID, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("update booking %s: %w", b.ID, ErrBookingNotFound)
		}
	}
	if err := appendEvents(ctx, tx, ch.Events); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PgStore) SearchRides(ctx context.Context, q SearchQuery) ([]*Ride, error) {
	var from, to *time.Time
	if q.Date != nil {
		start := *q.Date
		end := start.Add(24 * time.Hour)
		from, to = &start, &end
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+rideColumns+`
        FROM rides
        WHERE deleted_at IS NULL
          AND status IN ('posted', 'ongoing')
          AND seats_available > 0
          AND origin ILIKE $1
          AND destination ILIKE $2
          AND ($3::timestamptz IS NULL OR (departure_at >= $3 AND departure_at < $4))
        ORDER BY departure_at
        LIMIT $5`,
		containsPattern(q.Origin), containsPattern(q.Destination), from, to, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (s *PgStore) ListRidesByOwner(ctx context.Context, ownerID types.ID) ([]*Ride, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+rideColumns+`
        FROM rides
        WHERE owner_id = $1 AND deleted_at IS NULL
        ORDER BY created_at DESC`, string(ownerID))
	if err != nil {
		return nil, err
	}
	return collectRides(rows)
}

func (s *PgStore) GetBooking(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBookingNotFound
	}
	return b, err
}

func (s *PgStore) ListBookingsByRide(ctx context.Context, rideID types.ID) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+bookingColumns+`
        FROM bookings
        WHERE ride_id = $1
        ORDER BY created_at`, string(rideID))
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func (s *PgStore) ListBookingsByRider(ctx context.Context, riderID types.ID) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+bookingColumns+`
        FROM bookings
        WHERE rider_id = $1
        ORDER BY created_at DESC`, string(riderID))
	if err != nil {
		return nil, err
	}
	return collectBookings(rows)
}

func appendEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, e := range events {
		_, err := tx.Exec(ctx, `
            INSERT INTO ride_events (ride_id, booking_id, type, actor_id, from_status, to_status, created_at)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			string(e.RideID), idPtr(e.BookingID), string(e.Type), nullable(string(e.ActorID)),
			nullable(string(e.FromStatus)), nullable(string(e.ToStatus)), e.At,
		)
		if err != nil {
			return fmt.Errorf("append %s event: %w", e.Type, err)
		}
	}
	return nil
}

func scanRide(row pgx.Row) (*Ride, error) {
	var (
		r                           Ride
		status                      string
		dist                        *string
		durSeconds                  *int64
		code                        *string
		issued, expires, consumedAt *time.Time
	)
	err := row.Scan(
		&r.ID, &r.OwnerID, &r.Origin, &r.Destination, &r.DepartureAt,
		&r.SeatsTotal, &r.SeatsAvailable, &r.PricePerSeat.Amount, &r.PricePerSeat.Currency, &r.Notes,
		&status, &r.Version, &dist, &durSeconds,
		&code, &issued, &expires, &consumedAt,
		&r.CreatedAt, &r.UpdatedAt, &r.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if dist != nil {
		r.Route = &Route{Distance: *dist}
		if durSeconds != nil {
			r.Route.Duration = time.Duration(*durSeconds) * time.Second
		}
	}
	if code != nil && issued != nil && expires != nil {
		r.ActiveOTP = &OTP{Code: *code, IssuedAt: *issued, ExpiresAt: *expires, ConsumedAt: consumedAt}
	}
	return &r, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b           Booking
		status      string
		cancelledBy *string
	)
	err := row.Scan(
		&b.ID, &b.RideID, &b.RiderID, &b.SeatsBooked, &b.TotalPrice.Amount, &b.TotalPrice.Currency,
		&status, &b.CreatedAt, &b.CancelledAt, &cancelledBy,
	)
	if err != nil {
		return nil, err
	}
	b.Status = BookingStatus(status)
	if cancelledBy != nil {
		id := types.ID(*cancelledBy)
		b.CancelledBy = &id
	}
	return &b, nil
}

func collectRides(rows pgx.Rows) ([]*Ride, error) {
	defer rows.Close()
	var out []*Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func collectBookings(rows pgx.Rows) ([]*Booking, error) {
	defer rows.Close()
	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// containsPattern builds a case-insensitive substring pattern with LIKE wildcards escaped.
func containsPattern(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(v) + "%"
}

func routeArgs(r *Route) (*string, *int64) {
	if r == nil {
		return nil, nil
	}
	d := r.Distance
	secs := int64(r.Duration / time.Second)
	return &d, &secs
}

func otpArgs(o *OTP) (*string, *time.Time, *time.Time, *time.Time) {
	if o == nil {
		return nil, nil, nil, nil
	}
	code, issued, expires := o.Code, o.IssuedAt, o.ExpiresAt
	return &code, &issued, &expires, o.ConsumedAt
}

func idPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
