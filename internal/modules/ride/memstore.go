// README: In-memory ride store for single-instance runs and tests; same version-check contract as PgStore.
package ride

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"rideshare/internal/types"
)

// MemoryStore keeps rides, bookings and the event log in maps. Its mutex only guards
// the maps; ride serialization is still the service's job.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[types.ID]*Ride
	bookings map[types.ID]*Booking
	events   []Event

	// beforeCommit runs inside Commit before the version check. Tests use it to
	// simulate another writer.
	beforeCommit func(ch Change)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[types.ID]*Ride),
		bookings: make(map[types.ID]*Booking),
	}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *Ride, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.clone()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id types.ID) (*Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok || r.DeletedAt != nil {
		return nil, ErrRideNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) LoadState(ctx context.Context, id types.ID) (*Ride, []*Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok || r.DeletedAt != nil {
		return nil, nil, ErrRideNotFound
	}
	var active []*Booking
	for _, b := range m.bookings {
		if b.RideID == id && b.Status == BookingActive {
			active = append(active, b.clone())
		}
	}
	sortBookings(active, false)
	return r.clone(), active, nil
}

func (m *MemoryStore) Commit(ctx context.Context, ch Change) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.beforeCommit != nil {
		m.beforeCommit(ch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[ch.Ride.ID]
	if !ok {
		return ErrRideNotFound
	}
	if cur.Version != ch.ExpectedVersion {
		return ErrConflict
	}
	for _, b := range ch.Updated {
		if _, ok := m.bookings[b.ID]; !ok {
			return ErrBookingNotFound
		}
	}
	next := ch.Ride.clone()
	next.Version = ch.ExpectedVersion + 1
	m.rides[next.ID] = next
	for _, b := range ch.Created {
		m.bookings[b.ID] = b.clone()
	}
	for _, b := range ch.Updated {
		m.bookings[b.ID] = b.clone()
	}
	m.events = append(m.events, ch.Events...)
	return nil
}

func (m *MemoryStore) SearchRides(ctx context.Context, q SearchQuery) ([]*Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	origin := strings.ToLower(q.Origin)
	destination := strings.ToLower(q.Destination)
	m.mu.RLock()
	var out []*Ride
	for _, r := range m.rides {
		if r.DeletedAt != nil || r.SeatsAvailable <= 0 {
			continue
		}
		if r.Status != StatusPosted && r.Status != StatusOngoing {
			continue
		}
		if !strings.Contains(strings.ToLower(r.Origin), origin) ||
			!strings.Contains(strings.ToLower(r.Destination), destination) {
			continue
		}
		if q.Date != nil {
			end := q.Date.Add(24 * time.Hour)
			if r.DepartureAt.Before(*q.Date) || !r.DepartureAt.Before(end) {
				continue
			}
		}
		out = append(out, r.clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DepartureAt.Before(out[j].DepartureAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListRidesByOwner(ctx context.Context, ownerID types.ID) ([]*Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*Ride
	for _, r := range m.rides {
		if r.OwnerID == ownerID && r.DeletedAt == nil {
			out = append(out, r.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetBooking(ctx context.Context, id types.ID) (*Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return b.clone(), nil
}

func (m *MemoryStore) ListBookingsByRide(ctx context.Context, rideID types.ID) ([]*Booking, error) {
	return m.listBookings(ctx, func(b *Booking) bool { return b.RideID == rideID }, false)
}

func (m *MemoryStore) ListBookingsByRider(ctx context.Context, riderID types.ID) ([]*Booking, error) {
	return m.listBookings(ctx, func(b *Booking) bool { return b.RiderID == riderID }, true)
}

// Events returns a copy of the committed event log.
func (m *MemoryStore) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Event(nil), m.events...)
}

func (m *MemoryStore) listBookings(ctx context.Context, keep func(*Booking) bool, newestFirst bool) ([]*Booking, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*Booking
	for _, b := range m.bookings {
		if keep(b) {
			out = append(out, b.clone())
		}
	}
	m.mu.RUnlock()
	sortBookings(out, newestFirst)
	return out, nil
}

func sortBookings(bs []*Booking, newestFirst bool) {
	sort.Slice(bs, func(i, j int) bool {
		if bs[i].CreatedAt.Equal(bs[j].CreatedAt) {
			return bs[i].ID < bs[j].ID
		}
		if newestFirst {
			return bs[i].CreatedAt.After(bs[j].CreatedAt)
		}
		return bs[i].CreatedAt.Before(bs[j].CreatedAt)
	})
}
