// README: Cross-instance chat fan-out over Redis pub/sub with CBOR envelopes.
package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"rideshare/internal/modules/ride"
	"rideshare/internal/observability"
	"rideshare/internal/types"
)

const (
	kindDeliver    = "deliver"
	kindRevalidate = "revalidate"
)

// envelope is the pub/sub payload. Integer keys keep it small on the wire.
type envelope struct {
	Kind       string   `cbor:"1,keyasint"`
	RideID     string   `cbor:"2,keyasint"`
	Recipients []string `cbor:"3,keyasint,omitempty"`
	Payload    []byte   `cbor:"4,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("chat: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("chat: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	err := decMode.Unmarshal(data, &e)
	return e, err
}

// RedisBroker publishes deliveries and revalidation requests to every instance,
// including this one, and applies what it receives to the local hub.
type RedisBroker struct {
	client  *redis.Client
	channel string
	hub     *Hub
	log     *slog.Logger
}

func NewRedisBroker(client *redis.Client, channel string, hub *Hub, log *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = "rideshare:chat"
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBroker{client: client, channel: channel, hub: hub, log: log}
}

func (b *RedisBroker) Deliver(ctx context.Context, d Delivery) error {
	recipients := make([]string, 0, len(d.Recipients))
	for _, id := range d.Recipients {
		recipients = append(recipients, string(id))
	}
	return b.publish(ctx, envelope{Kind: kindDeliver, RideID: string(d.RideID), Recipients: recipients, Payload: d.Payload})
}

// Publish implements ride.EventSink. When Redis is unreachable the local hub is
// still revalidated; other instances catch up on their next sweep.
func (b *RedisBroker) Publish(ctx context.Context, events []ride.Event) {
	for _, id := range revokedRides(events) {
		if err := b.publish(ctx, envelope{Kind: kindRevalidate, RideID: string(id)}); err != nil {
			observability.PublishFailuresTotal.WithLabelValues("chat").Inc()
			b.log.Warn("publish chat revalidation", "ride_id", id, "error", err)
			if err := b.hub.Revalidate(ctx, id); err != nil {
				b.log.Warn("chat revalidation failed", "ride_id", id, "error", err)
			}
		}
	}
}

func (b *RedisBroker) publish(ctx context.Context, e envelope) error {
	data, err := encodeEnvelope(e)
	if err != nil {
		return fmt.Errorf("encode chat envelope: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Run consumes the channel until ctx is done.
func (b *RedisBroker) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.handle(ctx, []byte(msg.Payload))
		}
	}
}

func (b *RedisBroker) handle(ctx context.Context, data []byte) {
	e, err := decodeEnvelope(data)
	if err != nil {
		b.log.Warn("decode chat envelope", "error", err)
		return
	}
	rideID := types.ID(e.RideID)
	switch e.Kind {
	case kindDeliver:
		recipients := make([]types.ID, 0, len(e.Recipients))
		for _, id := range e.Recipients {
			recipients = append(recipients, types.ID(id))
		}
		_ = b.hub.Deliver(ctx, Delivery{RideID: rideID, Recipients: recipients, Payload: e.Payload})
	case kindRevalidate:
		if err := b.hub.Revalidate(ctx, rideID); err != nil {
			b.log.Warn("chat revalidation failed", "ride_id", rideID, "error", err)
		}
	default:
		b.log.Warn("unknown chat envelope", "kind", e.Kind)
	}
}
