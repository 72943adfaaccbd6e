package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ApplyHandler applies one envelope to the authoritative store. A nil
// return acknowledges the delivery; anything else requeues it.
type ApplyHandler interface {
	Apply(ctx context.Context, env Envelope) error
}

// Consumer is the relay-side broker client. One queue receives every
// terminal's replay stream for the properties this relay serves.
type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	handler ApplyHandler
	logger  *slog.Logger
}

func NewConsumer(url string, handler ApplyHandler, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %v", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %v", err)
	}

	// Prefetch 1 preserves per-terminal delivery order through the apply.
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %v", err)
	}

	return &Consumer{
		conn:    conn,
		channel: ch,
		handler: handler,
		logger:  logger,
	}, nil
}

// Listen binds the durable apply queue and consumes until ctx is done.
func (c *Consumer) Listen(ctx context.Context) error {
	queueName := "pos.relay.apply"
	routingKey := "pos.#"

	q, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %v", err)
	}

	if err := c.channel.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %v", err)
	}

	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %v", err)
	}

	c.logger.Info("Consumer is online and waiting for replay items", "queue", q.Name, "routing_key", routingKey)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}

			var env Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				c.logger.Error("Failed to unmarshal envelope", "error", err)
				d.Nack(false, false) // Drop malformed messages
				continue
			}

			err := c.handler.Apply(ctx, env)
			if err != nil {
				c.logger.Error("Apply failed, requeueing",
					"item_id", env.Item.ID,
					"terminal_id", env.TerminalID,
					"error", err,
				)
				time.Sleep(5 * time.Second) // Throttling retries
				d.Nack(false, true)
				continue
			}

			// Manual ack: only after the authoritative commit.
			if err := d.Ack(false); err != nil {
				c.logger.Error("Failed to Ack message", "item_id", env.Item.ID, "error", err)
			}
		}
	}
}

// Close gracefully terminates RabbitMQ resources
func (c *Consumer) Close() {
	c.logger.Info("Shutting down RabbitMQ consumer")
	c.channel.Close()
	c.conn.Close()
}
