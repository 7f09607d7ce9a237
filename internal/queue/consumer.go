// Package queue connects the delivery-receipt channel (RabbitMQ) to the
// recipient registry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/jakande/bulksend-backend/internal/config"
	"github.com/jakande/bulksend-backend/internal/service"
)

// ReceiptConsumer drains the delivery_receipts queue and applies each receipt
// through the callback service. Receipts that fail to apply are redelivered a
// bounded number of times via the x-retry-count header, then dropped.
type ReceiptConsumer struct {
	Callbacks *service.CallbackService
	Cfg       *config.QueueConfig
	Log       zerolog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewReceiptConsumer(callbacks *service.CallbackService, cfg *config.QueueConfig, log zerolog.Logger) *ReceiptConsumer {
	return &ReceiptConsumer{
		Callbacks: callbacks,
		Cfg:       cfg,
		Log:       log.With().Str("component", "receipt_consumer").Logger(),
	}
}

// Run blocks consuming receipts until the context is cancelled or the broker
// connection drops.
func (c *ReceiptConsumer) Run(ctx context.Context) error {
	conn, err := amqp.Dial(c.Cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()
	c.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	c.ch = ch

	q, err := ch.QueueDeclare(
		c.Cfg.ReceiptQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.Log.Info().Str("queue", q.Name).Msg("consuming delivery receipts")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("receipt channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *ReceiptConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var receipt service.DeliveryReceipt
	if err := json.Unmarshal(d.Body, &receipt); err != nil {
		c.Log.Warn().Err(err).Msg("invalid receipt payload, dropping")
		_ = d.Ack(false)
		return
	}

	if err := c.Callbacks.Apply(ctx, receipt); err != nil {
		retryCount := redeliveryCount(d)
		if retryCount < c.Cfg.MaxRedeliver {
			c.Log.Warn().Err(err).Int("retry", retryCount).Msg("receipt apply failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		c.Log.Error().Err(err).
			Str("provider_message_id", receipt.ProviderMessageID).
			Msg("receipt apply failed permanently, dropping")
	}
	_ = d.Ack(false)
}

func redeliveryCount(d amqp.Delivery) int {
	if d.Headers == nil {
		if d.Redelivered {
			return 1
		}
		return 0
	}
	switch v := d.Headers["x-retry-count"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	}
	if d.Redelivered {
		return 1
	}
	return 0
}
