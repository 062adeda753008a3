// README: Post-commit event fan-out; broker publishing and in-process subscribers.
package ride

import (
	"context"
	"encoding/json"
	"log/slog"

	"rideshare/internal/observability"
)

// Publisher is a message broker that accepts one message per routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// BrokerSink forwards committed events to a broker as JSON, routed by event type.
// Failures are logged and counted; the mutation already committed.
type BrokerSink struct {
	pub Publisher
	log *slog.Logger
}

func NewBrokerSink(pub Publisher, log *slog.Logger) *BrokerSink {
	if log == nil {
		log = slog.Default()
	}
	return &BrokerSink{pub: pub, log: log}
}

func (b *BrokerSink) Publish(ctx context.Context, events []Event) {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			b.log.Error("encode ride event", "type", e.Type, "ride_id", e.RideID, "error", err)
			continue
		}
		if err := b.pub.Publish(ctx, string(e.Type), body); err != nil {
			observability.PublishFailuresTotal.WithLabelValues("broker").Inc()
			b.log.Warn("publish ride event", "type", e.Type, "ride_id", e.RideID, "error", err)
		}
	}
}

// MultiSink delivers every batch to each sink in order.
type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, events []Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, events)
		}
	}
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, events []Event)

func (f SinkFunc) Publish(ctx context.Context, events []Event) {
	f(ctx, events)
}

// Revokes reports whether e can remove someone from the ride's member set.
func (e Event) Revokes() bool {
	switch e.Type {
	case EventBookingCancelled, EventRideDeleted:
		return true
	case EventRideStatus:
		return e.ToStatus == StatusCancelled
	}
	return false
}
