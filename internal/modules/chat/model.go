// README: Ride chat messages, wire frames and the chat error set.
package chat

import (
	"context"
	"errors"
	"time"

	"rideshare/internal/types"
)

var (
	ErrNotMember      = errors.New("not a member of this ride chat")
	ErrEmptyMessage   = errors.New("message text is required")
	ErrMessageTooLong = errors.New("message text too long")
	ErrRateLimited    = errors.New("sending too fast")
)

type Message struct {
	ID        types.ID  `json:"id"`
	RideID    types.ID  `json:"ride_id"`
	SenderID  types.ID  `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	FrameMessage = "message"
	FrameTyping  = "typing"
	FrameError   = "error"
)

// Eviction reasons, also sent as the error frame code and the close reason.
const (
	ReasonNotAuthorized = "not_authorized"
	ReasonSlowConsumer  = "slow_consumer"
	ReasonRateLimited   = "rate_limited"
	ReasonShutdown      = "shutdown"
)

// CloseNotAuthorized is the WebSocket close code sent with ReasonNotAuthorized.
const CloseNotAuthorized = 4403

// Inbound is what clients send over the socket.
type Inbound struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Frame is what the server sends over the socket.
type Frame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	RideID  types.ID `json:"ride_id,omitempty"`
	UserID  types.ID `json:"user_id,omitempty"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Membership answers who may take part in a ride's chat. It is backed by live
// ride and booking state.
type Membership interface {
	IsMember(ctx context.Context, rideID, userID types.ID) (bool, error)
	Members(ctx context.Context, rideID types.ID) ([]types.ID, error)
}

// Delivery is one payload addressed to the members of a ride at the time it was accepted.
type Delivery struct {
	RideID     types.ID
	Recipients []types.ID
	Payload    []byte
}

// Fanout carries deliveries to connected clients, locally or across instances.
type Fanout interface {
	Deliver(ctx context.Context, d Delivery) error
}
