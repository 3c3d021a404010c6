// Package audit publishes session audit events to an AMQP topic exchange.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/foxseedlab/denwaban/internal/audit"
)

const sessionEndedRoutingKey = "session.ended"

type AMQPPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	p := &AMQPPublisher{exchange: exchange}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect audit broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open audit channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare audit exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return p, nil
}

func (p *AMQPPublisher) PublishSessionEnded(ctx context.Context, event audit.SessionEnded) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx, p.exchange, sessionEndedRoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NopPublisher drops events; used when no audit broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishSessionEnded(context.Context, audit.SessionEnded) error { return nil }
