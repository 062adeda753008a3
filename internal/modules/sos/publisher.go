// README: Kafka alert stream publisher, keyed by user so one user's alerts stay ordered.
package sos

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaPublisher(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 5 * time.Second}
}

func (k *KafkaPublisher) PublishAlert(ctx context.Context, a *Alert) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.UserID),
		Value: b,
		Time:  a.CreatedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("sos.triggered")},
		},
	})
}
