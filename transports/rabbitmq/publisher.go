// Package rabbitmq publishes pipeline lifecycle events to an AMQP topic
// exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/docflow-go/contracts"
)

// Publisher delivers events to a topic exchange. It implements
// pipeline.EventPublisher.
type Publisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger

	mu       sync.RWMutex
	reliable bool
	confirms chan amqp.Confirmation
	timeout  time.Duration
}

// PublisherConfig holds configuration for the publisher.
type PublisherConfig struct {
	Exchange       string
	Reliable       bool
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
}

// PublisherOption configures the publisher.
type PublisherOption func(*PublisherConfig)

// WithExchange sets the exchange name.
func WithExchange(exchange string) PublisherOption {
	return func(c *PublisherConfig) {
		c.Exchange = exchange
	}
}

// WithReliablePublishing enables publisher confirms.
func WithReliablePublishing(reliable bool) PublisherOption {
	return func(c *PublisherConfig) {
		c.Reliable = reliable
	}
}

// WithConfirmTimeout sets how long a publish waits for a broker confirm.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.ConfirmTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(c *PublisherConfig) {
		c.Logger = logger
	}
}

// Connect dials the broker, opens a channel and declares the exchange.
func Connect(url string, opts ...PublisherOption) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("broker url cannot be empty")
	}

	cfg := &PublisherConfig{
		Exchange:       "docflow.events",
		Reliable:       true,
		ConfirmTimeout: 5 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	publisher, err := newPublisher(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return publisher, nil
}

func newPublisher(conn *amqp.Connection, cfg *PublisherConfig) (*Publisher, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	err = channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil)
	if err != nil {
		channel.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	publisher := &Publisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		logger:   cfg.Logger,
		reliable: cfg.Reliable,
		timeout:  cfg.ConfirmTimeout,
	}

	if cfg.Reliable {
		if err := channel.Confirm(false); err != nil {
			channel.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
		publisher.confirms = channel.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	return publisher, nil
}

// Publish marshals the event and sends it to the exchange. The routing key is
// derived from the event type so consumers can bind per event kind.
func (p *Publisher) Publish(ctx context.Context, event contracts.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil {
		return fmt.Errorf("publisher is closed")
	}

	key, publishing, err := buildPublishing(event)
	if err != nil {
		return err
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, key, false, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.GetType(), err)
	}

	if p.reliable && p.confirms != nil {
		select {
		case confirm := <-p.confirms:
			if !confirm.Ack {
				return fmt.Errorf("broker rejected %s", event.GetType())
			}
		case <-time.After(p.timeout):
			return fmt.Errorf("timeout waiting for publish confirmation")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.logger.Debug("published event",
		"type", event.GetType(),
		"routingKey", key,
		"aggregateId", event.GetAggregateID())
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return nil
	}
	channelErr := p.channel.Close()
	p.channel = nil

	connErr := p.conn.Close()
	if channelErr != nil {
		return channelErr
	}
	return connErr
}

// buildPublishing prepares the routing key and the wire message for an event.
func buildPublishing(event contracts.Event) (string, amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return "", amqp.Publishing{}, fmt.Errorf("failed to marshal %s: %w", event.GetType(), err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.GetID(),
		Timestamp:    event.GetTimestamp(),
		Type:         event.GetType(),
		Headers: amqp.Table{
			"aggregateId": event.GetAggregateID(),
			"sequence":    event.GetSequence(),
		},
		Body: body,
	}
	if cid := event.GetCorrelationID(); cid != "" {
		publishing.CorrelationId = cid
	}
	return routingKey(event), publishing, nil
}

// routingKey maps an event onto "evt.<Type>.<aggregateId>".
func routingKey(event contracts.Event) string {
	return fmt.Sprintf("evt.%s.%s", event.GetType(), event.GetAggregateID())
}
