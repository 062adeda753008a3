// README: RabbitMQ publisher for ride lifecycle events (topic exchange, publisher confirms).
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const reconnectInterval = 5 * time.Second

type RabbitPublisher struct {
	url      string
	exchange string
	log      *slog.Logger

	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	reconnecting bool
}

func NewRabbitPublisher(url, exchange string, log *slog.Logger) (*RabbitPublisher, error) {
	p := &RabbitPublisher{url: url, exchange: exchange, log: log}
	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return p, nil
}

func (p *RabbitPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return err
	}
	p.mu.Lock()
	p.conn, p.ch = conn, ch
	p.mu.Unlock()
	return nil
}

// Publish sends one persistent JSON message and waits for the broker confirm.
func (p *RabbitPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	conn, ch := p.conn, p.ch
	p.mu.Unlock()
	if conn == nil || conn.IsClosed() || ch == nil || ch.IsClosed() {
		go p.reconnect()
		return errors.New("rabbitmq connection is closed")
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return err
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("rabbitmq nacked %s", routingKey)
	}
	return nil
}

func (p *RabbitPublisher) reconnect() {
	p.mu.Lock()
	if p.reconnecting {
		p.mu.Unlock()
		return
	}
	p.reconnecting = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.reconnecting = false
		p.mu.Unlock()
	}()

	for attempt := 1; attempt <= 5; attempt++ {
		err := p.connect()
		if err == nil {
			p.log.Info("rabbitmq reconnected", "attempt", attempt)
			return
		}
		p.log.Warn("rabbitmq reconnect failed", "attempt", attempt, "error", err)
		time.Sleep(reconnectInterval)
	}
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil && !p.ch.IsClosed() {
		if err := p.ch.Close(); err != nil {
			return fmt.Errorf("close rabbitmq channel: %w", err)
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close rabbitmq connection: %w", err)
		}
	}
	return nil
}
