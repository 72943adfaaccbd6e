// Package broker carries replay items from terminals to the relay host
// over RabbitMQ. Messages are persistent and publisher-confirmed, so an
// item leaves the terminal's durable queue only after the broker has it
// on disk.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tablemesh/pos-core/internal/models"
	"github.com/tablemesh/pos-core/pkg/metrics"
)

const ExchangeName = "pos.replay"

// Envelope is the wire format for one replayed mutation. TerminalID lets
// the relay record which terminal applied each item.
type Envelope struct {
	TerminalID string            `json:"terminal_id"`
	PropertyID string            `json:"property_id"`
	Item       models.ReplayItem `json:"item"`
}

// Publisher is the terminal-side broker client. It implements the sync
// worker's dispatch contract.
type Publisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	terminalID string
	propertyID string
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPublisher connects, declares the topic exchange, and enables
// publisher confirms.
func NewPublisher(url, terminalID, propertyID string, l *slog.Logger) (*Publisher, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %v", err)
	}

	if err := ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %v", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		conn:       c,
		channel:    ch,
		logger:     l,
		terminalID: terminalID,
		propertyID: propertyID,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)

	go func() {
		select {
		case err := <-p.connClosed:
			p.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ connection closed", "error", err)
		case err := <-p.chanClosed:
			p.healthy.Store(false)
			metrics.BrokerHealthy.Set(0)
			l.Warn("RabbitMQ channel closed", "error", err)
		case <-p.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ, monitors established", "url", url)
	return p, nil
}

// Dispatch publishes one replay item with the routing key
// pos.<property>.<entityType>.<operation>.
func (p *Publisher) Dispatch(ctx context.Context, item models.ReplayItem) error {
	routingKey := fmt.Sprintf("pos.%s.%s.%s", p.propertyID, item.EntityType, item.Operation)
	return p.Publish(ctx, routingKey, item)
}

// Publish sends one item and blocks until the broker confirms persistence.
func (p *Publisher) Publish(ctx context.Context, routingKey string, item models.ReplayItem) error {
	if !p.IsHealthy() {
		return fmt.Errorf("broker connection is closed")
	}

	body, err := json.Marshal(Envelope{
		TerminalID: p.terminalID,
		PropertyID: p.propertyID,
		Item:       item,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize envelope: %v", err)
	}

	l := p.logger.With(
		"item_id", item.ID,
		"routing_key", routingKey,
	)

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		ExchangeName,
		routingKey,
		false,
		false,
		amqp.Publishing{
			Headers: amqp.Table{
				"item_id":     item.ID,
				"terminal_id": p.terminalID,
			},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		l.Error("failed to publish message to exchange", "error", err)
		return fmt.Errorf("publish call failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received: message not persisted")
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("publisher confirm timeout")
	}
}

// Close gracefully shuts down the RabbitMQ resources
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.logger.Info("Terminating RabbitMQ publisher")
		p.cancel()
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true if the connection and channel are active
func (p *Publisher) IsHealthy() bool {
	return p.healthy.Load()
}
