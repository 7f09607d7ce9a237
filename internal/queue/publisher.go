package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/jakande/bulksend-backend/internal/config"
	"github.com/jakande/bulksend-backend/internal/provider"
	"github.com/jakande/bulksend-backend/internal/service"
)

// ReceiptPublisher pushes delivery receipts onto the broker. Production
// receipts come from the provider's webhook side; this publisher exists for
// the seeder and local end-to-end runs.
type ReceiptPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewReceiptPublisher(cfg *config.QueueConfig) (*ReceiptPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.ReceiptQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	return &ReceiptPublisher{conn: conn, ch: ch, queue: cfg.ReceiptQueue}, nil
}

func (p *ReceiptPublisher) Publish(receipt service.DeliveryReceipt) error {
	body, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to encode receipt: %w", err)
	}
	return p.ch.Publish(
		"",
		p.queue,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
}

func (p *ReceiptPublisher) Close() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// ReceiptingSender wraps a transport and publishes a delivered receipt for
// every accepted send, standing in for the provider's webhook during local
// end-to-end runs.
type ReceiptingSender struct {
	Inner     provider.Sender
	Publisher *ReceiptPublisher
	Log       zerolog.Logger
}

func (s *ReceiptingSender) Send(ctx context.Context, templateRef, address string, params map[string]string) (*provider.SendResult, error) {
	result, err := s.Inner.Send(ctx, templateRef, address, params)
	if err != nil {
		return nil, err
	}
	receipt := service.DeliveryReceipt{
		ProviderMessageID: result.ProviderMessageID,
		Status:            "delivered",
	}
	if pubErr := s.Publisher.Publish(receipt); pubErr != nil {
		s.Log.Warn().Err(pubErr).Msg("failed to publish simulated receipt")
	}
	return result, nil
}

var _ provider.Sender = (*ReceiptingSender)(nil)
