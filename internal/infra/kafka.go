// README: Kafka writer construction for outbound alert streams.
package infra

import (
	"time"

	"github.com/segmentio/kafka-go"
)

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           2 * time.Second,
		AllowAutoTopicCreation: true,
	}
}
