// README: Chat rooms of live connections; snapshot delivery, periodic revalidation sweep and eviction.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rideshare/internal/modules/ride"
	"rideshare/internal/observability"
	"rideshare/internal/types"
)

// Conn is one client connection to a ride chat. The transport drains Send and
// stops when Done is closed, reporting Reason to the client.
type Conn struct {
	RideID types.ID
	UserID types.ID

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	reason  string
	limiter *rate.Limiter
}

func (c *Conn) Send() <-chan []byte   { return c.send }
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Evict closes the connection for reason. Only the first call has an effect.
func (c *Conn) Evict(reason string) bool {
	evicted := false
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
		evicted = true
	})
	return evicted
}

// Allow reports whether the client may send another message now.
func (c *Conn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

type HubOptions struct {
	SweepInterval  time.Duration
	SendBuffer     int
	MessagesPerSec float64
	Burst          int
	Logger         *slog.Logger
}

type Hub struct {
	members Membership
	opts    HubOptions
	log     *slog.Logger

	mu    sync.RWMutex
	rooms map[types.ID]map[*Conn]struct{}
}

func NewHub(members Membership, opts HubOptions) *Hub {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 2 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		members: members,
		opts:    opts,
		log:     opts.Logger,
		rooms:   make(map[types.ID]map[*Conn]struct{}),
	}
}

// Join registers a connection. Callers authorize before joining.
func (h *Hub) Join(rideID, userID types.ID) *Conn {
	c := &Conn{
		RideID: rideID,
		UserID: userID,
		send:   make(chan []byte, h.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	if h.opts.MessagesPerSec > 0 {
		burst := h.opts.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(h.opts.MessagesPerSec), burst)
	}
	h.mu.Lock()
	room, ok := h.rooms[rideID]
	if !ok {
		room = make(map[*Conn]struct{})
		h.rooms[rideID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	observability.ChatConnections.Inc()
	return c
}

// Leave unregisters c. Safe to call after an eviction already removed it.
func (h *Hub) Leave(c *Conn) {
	if h.remove(c) {
		observability.ChatConnections.Dec()
	}
}

func (h *Hub) remove(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.RideID]
	if !ok {
		return false
	}
	if _, ok := room[c]; !ok {
		return false
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.RideID)
	}
	return true
}

// Evict closes c for reason and removes it from its room.
func (h *Hub) Evict(c *Conn, reason string) {
	if c.Evict(reason) {
		observability.ChatEvictionsTotal.WithLabelValues(reason).Inc()
		h.log.Info("chat connection evicted", "ride_id", c.RideID, "user_id", c.UserID, "reason", reason)
	}
	h.Leave(c)
}

// Deliver hands d to every local connection of the ride whose user is a recipient.
func (h *Hub) Deliver(_ context.Context, d Delivery) error {
	allowed := make(map[types.ID]struct{}, len(d.Recipients))
	for _, id := range d.Recipients {
		allowed[id] = struct{}{}
	}
	var targets []*Conn
	h.mu.RLock()
	for c := range h.rooms[d.RideID] {
		if _, ok := allowed[c.UserID]; ok && !c.closed() {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(d.Payload) {
			h.Evict(c, ReasonSlowConsumer)
		}
	}
	return nil
}

// Revalidate re-reads the ride's membership and evicts connections of users who
// are no longer members. An archived ride has no members.
func (h *Hub) Revalidate(ctx context.Context, rideID types.ID) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[rideID]))
	for c := range h.rooms[rideID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return nil
	}

	members, err := h.members.Members(ctx, rideID)
	if err != nil && !errors.Is(err, ride.ErrRideNotFound) {
		return err
	}
	current := make(map[types.ID]struct{}, len(members))
	for _, id := range members {
		current[id] = struct{}{}
	}
	for _, c := range conns {
		if _, ok := current[c.UserID]; !ok {
			h.Evict(c, ReasonNotAuthorized)
		}
	}
	return nil
}

// Sweep revalidates every room with at least one connection.
func (h *Hub) Sweep(ctx context.Context) {
	h.mu.RLock()
	rides := make([]types.ID, 0, len(h.rooms))
	for id := range h.rooms {
		rides = append(rides, id)
	}
	h.mu.RUnlock()

	for _, id := range rides {
		if err := h.Revalidate(ctx, id); err != nil {
			h.log.Warn("chat revalidation failed", "ride_id", id, "error", err)
		}
	}
}

// Run sweeps on every tick until ctx is done, then closes all connections.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Publish implements ride.EventSink: cancellations trigger an immediate revalidation.
func (h *Hub) Publish(ctx context.Context, events []ride.Event) {
	for _, id := range revokedRides(events) {
		if err := h.Revalidate(ctx, id); err != nil {
			h.log.Warn("chat revalidation failed", "ride_id", id, "error", err)
		}
	}
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, room := range h.rooms {
		n += len(room)
	}
	return n
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*Conn
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.Evict(c, ReasonShutdown)
	}
}

func revokedRides(events []ride.Event) []types.ID {
	seen := make(map[types.ID]bool)
	var out []types.ID
	for _, e := range events {
		if e.Revokes() && !seen[e.RideID] {
			seen[e.RideID] = true
			out = append(out, e.RideID)
		}
	}
	return out
}
