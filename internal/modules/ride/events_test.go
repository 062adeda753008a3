package ride

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"rideshare/internal/logging"
)

type fakePublisher struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, key string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, body)
	return nil
}

func TestBrokerSinkRoutesByType(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewBrokerSink(pub, logging.Discard())
	sink.Publish(context.Background(), []Event{
		{Type: EventBookingCreated, RideID: "r1", ActorID: "alice"},
		{Type: EventRideStatus, RideID: "r1", FromStatus: StatusPosted, ToStatus: StatusCancelled},
	})
	if len(pub.keys) != 2 || pub.keys[0] != "booking.created" || pub.keys[1] != "ride.status_changed" {
		t.Fatalf("unexpected routing keys: %v", pub.keys)
	}
	var e Event
	if err := json.Unmarshal(pub.bodies[1], &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ToStatus != StatusCancelled || e.RideID != "r1" {
		t.Fatalf("unexpected payload: %+v", e)
	}
}

func TestBrokerSinkSwallowsFailures(t *testing.T) {
	sink := NewBrokerSink(&fakePublisher{err: errors.New("broker down")}, logging.Discard())
	sink.Publish(context.Background(), []Event{{Type: EventRidePosted, RideID: "r1"}})
}

func TestMultiSinkAndRevokes(t *testing.T) {
	var seen int
	count := SinkFunc(func(_ context.Context, events []Event) { seen += len(events) })
	MultiSink{count, nil, count}.Publish(context.Background(), []Event{{Type: EventRidePosted}})
	if seen != 2 {
		t.Fatalf("expected each sink to see the batch, got %d", seen)
	}

	cases := []struct {
		e    Event
		want bool
	}{
		{Event{Type: EventBookingCancelled}, true},
		{Event{Type: EventRideDeleted}, true},
		{Event{Type: EventRideStatus, ToStatus: StatusCancelled}, true},
		{Event{Type: EventRideStatus, ToStatus: StatusOngoing}, false},
		{Event{Type: EventBookingCreated}, false},
	}
	for _, tc := range cases {
		if got := tc.e.Revokes(); got != tc.want {
			t.Fatalf("%s/%s: expected %v", tc.e.Type, tc.e.ToStatus, tc.want)
		}
	}
}
