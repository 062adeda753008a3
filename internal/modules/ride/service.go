// README: Ride service; posting, search, updates and the serialized mutate loop every write goes through.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"rideshare/internal/observability"
	"rideshare/internal/types"
)

// RouteEstimator returns the driving duration and a human readable distance.
type RouteEstimator interface {
	GetTravelEstimate(ctx context.Context, origin, destination string) (time.Duration, string, error)
}

// EventSink receives lifecycle events after they are committed.
type EventSink interface {
	Publish(ctx context.Context, events []Event)
}

type Options struct {
	Currency      string
	OTPLength     int
	OTPTTL        time.Duration
	LockTimeout   time.Duration
	StoreTimeout  time.Duration
	CommitRetries int
	SearchLimit   int

	Now      func() time.Time
	Logger   *slog.Logger
	Routes   RouteEstimator
	Attempts AttemptLimiter
	Events   EventSink
}

type Service struct {
	store    Store
	locks    *lockArena
	opts     Options
	log      *slog.Logger
	now      func() time.Time
	routes   RouteEstimator
	attempts AttemptLimiter
	events   EventSink
}

func NewService(store Store, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	if opts.OTPLength <= 0 {
		opts.OTPLength = 6
	}
	if opts.OTPTTL <= 0 {
		opts.OTPTTL = 10 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	if opts.CommitRetries < 0 {
		opts.CommitRetries = 0
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 50
	}
	s := &Service{
		store:    store,
		locks:    newLockArena(),
		opts:     opts,
		log:      opts.Logger,
		now:      opts.Now,
		routes:   opts.Routes,
		attempts: opts.Attempts,
		events:   opts.Events,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type PostCommand struct {
	OwnerID      types.ID
	Origin       string
	Destination  string
	DepartureAt  time.Time
	Seats        int
	PricePerSeat int64
	Notes        string
}

type UpdateCommand struct {
	RideID       types.ID
	ActorID      types.ID
	Origin       *string
	Destination  *string
	DepartureAt  *time.Time
	PricePerSeat *int64
	Notes        *string
}

type SearchQuery struct {
	Origin      string
	Destination string
	// Date restricts results to departures on the same UTC day.
	Date  *time.Time
	Limit int
}

func (s *Service) Post(ctx context.Context, cmd PostCommand) (*Ride, error) {
	cmd.Origin = strings.TrimSpace(cmd.Origin)
	cmd.Destination = strings.TrimSpace(cmd.Destination)
	switch {
	case cmd.OwnerID == "":
		return nil, fmt.Errorf("%w: owner is required", ErrBadRequest)
	case cmd.Origin == "" || cmd.Destination == "":
		return nil, fmt.Errorf("%w: origin and destination are required", ErrBadRequest)
	case cmd.DepartureAt.IsZero():
		return nil, fmt.Errorf("%w: departure time is required", ErrBadRequest)
	case cmd.Seats < 1:
		return nil, fmt.Errorf("%w: seats must be at least 1", ErrBadRequest)
	case cmd.PricePerSeat < 0:
		return nil, fmt.Errorf("%w: price per seat must not be negative", ErrBadRequest)
	}

	now := s.now()
	r := &Ride{
		ID:             types.NewID(),
		OwnerID:        cmd.OwnerID,
		Origin:         cmd.Origin,
		Destination:    cmd.Destination,
		DepartureAt:    cmd.DepartureAt.UTC(),
		SeatsTotal:     cmd.Seats,
		SeatsAvailable: cmd.Seats,
		PricePerSeat:   types.Money{Amount: cmd.PricePerSeat, Currency: s.opts.Currency},
		Notes:          strings.TrimSpace(cmd.Notes),
		Status:         StatusPosted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.Route = s.estimateRoute(ctx, r.Origin, r.Destination)

	ev := Event{Type: EventRidePosted, RideID: r.ID, ActorID: cmd.OwnerID, ToStatus: StatusPosted, At: now}
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	if err := s.store.CreateRide(sctx, r, ev); err != nil {
		return nil, fmt.Errorf("post ride: %w", err)
	}
	s.publish(ctx, []Event{ev})
	return r.clone(), nil
}

func (s *Service) estimateRoute(ctx context.Context, origin, destination string) *Route {
	if s.routes == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	d, dist, err := s.routes.GetTravelEstimate(rctx, origin, destination)
	if err != nil {
		s.log.Warn("route estimate failed", "origin", origin, "destination", destination, "error", err)
		return nil
	}
	return &Route{Distance: dist, Duration: d}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.GetRide(sctx, id)
}

func (s *Service) Search(ctx context.Context, q SearchQuery) ([]*Ride, error) {
	q.Origin = strings.TrimSpace(q.Origin)
	q.Destination = strings.TrimSpace(q.Destination)
	if q.Limit <= 0 || q.Limit > s.opts.SearchLimit {
		q.Limit = s.opts.SearchLimit
	}
	if q.Date != nil {
		d := q.Date.UTC()
		day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
		q.Date = &day
	}
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.SearchRides(sctx, q)
}

func (s *Service) ListByOwner(ctx context.Context, ownerID types.ID) ([]*Ride, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.store.ListRidesByOwner(sctx, ownerID)
}

// Update edits the descriptive fields of a posted ride. Capacity is fixed at posting.
func (s *Service) Update(ctx context.Context, cmd UpdateCommand) (*Ride, error) {
	if cmd.Origin != nil && strings.TrimSpace(*cmd.Origin) == "" {
		return nil, fmt.Errorf("%w: origin must not be empty", ErrBadRequest)
	}
	if cmd.Destination != nil && strings.TrimSpace(*cmd.Destination) == "" {
		return nil, fmt.Errorf("%w: destination must not be empty", ErrBadRequest)
	}
	if cmd.DepartureAt != nil && cmd.DepartureAt.IsZero() {
		return nil, fmt.Errorf("%w: departure time must be set", ErrBadRequest)
	}
	if cmd.PricePerSeat != nil && *cmd.PricePerSeat < 0 {
		return nil, fmt.Errorf("%w: price per seat must not be negative", ErrBadRequest)
	}
	st, err := s.mutate(ctx, "update", cmd.RideID, func(st *State) error {
		r := st.Ride
		if r.OwnerID != cmd.ActorID {
			return ErrNotOwner
		}
		if r.Status != StatusPosted {
			return ErrRideNotPosted
		}
		if cmd.Origin != nil {
			r.Origin = strings.TrimSpace(*cmd.Origin)
		}
		if cmd.Destination != nil {
			r.Destination = strings.TrimSpace(*cmd.Destination)
		}
		if cmd.DepartureAt != nil {
			r.DepartureAt = cmd.DepartureAt.UTC()
		}
		if cmd.PricePerSeat != nil {
			r.PricePerSeat.Amount = *cmd.PricePerSeat
		}
		if cmd.Notes != nil {
			r.Notes = strings.TrimSpace(*cmd.Notes)
		}
		st.emit(Event{Type: EventRideUpdated, ActorID: cmd.ActorID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st.Ride.clone(), nil
}

// Delete archives a ride. A posted ride is cancelled first, releasing every booking.
func (s *Service) Delete(ctx context.Context, rideID, actorID types.ID) error {
	_, err := s.mutate(ctx, "delete", rideID, func(st *State) error {
		r := st.Ride
		if r.OwnerID != actorID {
			return ErrNotOwner
		}
		switch r.Status {
		case StatusPosted:
			st.cancelRide(actorID)
		case StatusCompleted:
		default:
			return ErrIllegalTransition
		}
		now := st.now
		r.DeletedAt = &now
		st.emit(Event{Type: EventRideDeleted, ActorID: actorID, FromStatus: r.Status, ToStatus: r.Status})
		return nil
	})
	return err
}

// Members is the derived chat membership of a ride: the owner plus every rider
// holding an active booking. It is read from the store on every call.
func (s *Service) Members(ctx context.Context, rideID types.ID) ([]types.ID, error) {
	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	r, active, err := s.store.LoadState(sctx, rideID)
	if err != nil {
		return nil, err
	}
	members := []types.ID{r.OwnerID}
	seen := map[types.ID]bool{r.OwnerID: true}
	for _, b := range active {
		if !seen[b.RiderID] {
			seen[b.RiderID] = true
			members = append(members, b.RiderID)
		}
	}
	return members, nil
}

func (s *Service) IsMember(ctx context.Context, rideID, userID types.ID) (bool, error) {
	members, err := s.Members(ctx, rideID)
	if errors.Is(err, ErrRideNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for _, m := range members {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

// mutate runs fn against a locked snapshot of the ride and commits the result with a
// version check. Version conflicts (another instance wrote first) are retried.
func (s *Service) mutate(ctx context.Context, op string, rideID types.ID, fn func(st *State) error) (*State, error) {
	if rideID == "" {
		return nil, fmt.Errorf("%w: ride id is required", ErrBadRequest)
	}
	for attempt := 0; ; attempt++ {
		st, err := s.attempt(ctx, op, rideID, fn)
		if err == nil {
			if st.dirty {
				s.publish(ctx, st.events)
			}
			return st, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		if attempt >= s.opts.CommitRetries {
			return nil, fmt.Errorf("%s ride %s: %w after %d attempts", op, rideID, ErrContention, attempt+1)
		}
		observability.CommitRetriesTotal.WithLabelValues(op).Inc()
		if err := sleepCtx(ctx, backoff(attempt)); err != nil {
			return nil, fmt.Errorf("%s ride %s: %w", op, rideID, err)
		}
	}
}

func (s *Service) attempt(ctx context.Context, op string, rideID types.ID, fn func(st *State) error) (*State, error) {
	waitStart := time.Now()
	lctx, cancel := context.WithTimeout(ctx, s.opts.LockTimeout)
	release, err := s.locks.acquire(lctx, rideID)
	cancel()
	observability.LockWaitSeconds.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s ride %s: %w", op, rideID, ctx.Err())
		}
		return nil, fmt.Errorf("%s ride %s: lock wait exceeded %s: %w", op, rideID, s.opts.LockTimeout, ErrContention)
	}
	defer release()

	sctx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	r, active, err := s.store.LoadState(sctx, rideID)
	if errors.Is(err, ErrRideNotFound) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s ride %s: load: %w", op, rideID, err)
	}
	st := newState(r, active, s.now())
	if err := fn(st); err != nil {
		return nil, err
	}
	if !st.dirty {
		return st, nil
	}
	if err := st.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.store.Commit(sctx, st.change()); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("%s ride %s: commit: %w", op, rideID, err)
	}
	st.Ride.Version = st.expectedVersion + 1
	return st, nil
}

func (s *Service) publish(ctx context.Context, events []Event) {
	if s.events == nil || len(events) == 0 {
		return
	}
	s.events.Publish(context.WithoutCancel(ctx), events)
}

func backoff(attempt int) time.Duration {
	base := 5 * time.Millisecond << attempt
	if base > 200*time.Millisecond {
		base = 200 * time.Millisecond
	}
	return base/2 + rand.N(base/2+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
