// README: Chat access gate; membership checks on connect, on every message and for history reads.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"rideshare/internal/modules/ride"
	"rideshare/internal/observability"
	"rideshare/internal/types"
)

type GateOptions struct {
	MaxMessageLen int
	HistoryLimit  int
	Now           func() time.Time
	Logger        *slog.Logger
}

type Gate struct {
	members Membership
	store   Store
	fanout  Fanout
	opts    GateOptions
	now     func() time.Time
	log     *slog.Logger
}

func NewGate(members Membership, store Store, fanout Fanout, opts GateOptions) *Gate {
	if opts.MaxMessageLen <= 0 {
		opts.MaxMessageLen = 2000
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	g := &Gate{members: members, store: store, fanout: fanout, opts: opts, now: opts.Now, log: opts.Logger}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	return g
}

// Authorize reads membership from ride state; nothing is cached between calls.
func (g *Gate) Authorize(ctx context.Context, rideID, userID types.ID) (bool, error) {
	return g.members.IsMember(ctx, rideID, userID)
}

// RelayMessage stores a message from a current member and delivers it to the
// members as of this call, the sender included.
func (g *Gate) RelayMessage(ctx context.Context, rideID, senderID types.ID, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > g.opts.MaxMessageLen {
		return nil, fmt.Errorf("%w: at most %d characters", ErrMessageTooLong, g.opts.MaxMessageLen)
	}
	members, err := g.snapshot(ctx, rideID, senderID)
	if err != nil {
		observability.ChatMessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	m := &Message{
		ID:        types.NewID(),
		RideID:    rideID,
		SenderID:  senderID,
		Text:      text,
		CreatedAt: g.now().UTC(),
	}
	if err := g.store.Append(ctx, m); err != nil {
		observability.ChatMessagesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("store chat message: %w", err)
	}
	observability.ChatMessagesTotal.WithLabelValues("ok").Inc()
	g.deliver(ctx, rideID, members, Frame{Type: FrameMessage, Message: m})
	return m, nil
}

// RelayTyping forwards a typing indicator to the other members.
func (g *Gate) RelayTyping(ctx context.Context, rideID, senderID types.ID) error {
	members, err := g.snapshot(ctx, rideID, senderID)
	if err != nil {
		return err
	}
	others := make([]types.ID, 0, len(members))
	for _, id := range members {
		if id != senderID {
			others = append(others, id)
		}
	}
	g.deliver(ctx, rideID, others, Frame{Type: FrameTyping, RideID: rideID, UserID: senderID})
	return nil
}

// History returns the latest messages of a ride, oldest first, to a current member.
func (g *Gate) History(ctx context.Context, rideID, userID types.ID) ([]*Message, error) {
	ok, err := g.Authorize(ctx, rideID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return g.store.Recent(ctx, rideID, g.opts.HistoryLimit)
}

func (g *Gate) snapshot(ctx context.Context, rideID, senderID types.ID) ([]types.ID, error) {
	members, err := g.members.Members(ctx, rideID)
	if errors.Is(err, ride.ErrRideNotFound) {
		return nil, ErrNotMember
	}
	if err != nil {
		return nil, err
	}
	for _, id := range members {
		if id == senderID {
			return members, nil
		}
	}
	return nil, ErrNotMember
}

func (g *Gate) deliver(ctx context.Context, rideID types.ID, recipients []types.ID, f Frame) {
	if g.fanout == nil || len(recipients) == 0 {
		return
	}
	payload, err := json.Marshal(f)
	if err != nil {
		g.log.Error("encode chat frame", "ride_id", rideID, "error", err)
		return
	}
	if err := g.fanout.Deliver(ctx, Delivery{RideID: rideID, Recipients: recipients, Payload: payload}); err != nil {
		observability.PublishFailuresTotal.WithLabelValues("chat").Inc()
		g.log.Warn("chat fan-out failed", "ride_id", rideID, "type", f.Type, "error", err)
	}
}
