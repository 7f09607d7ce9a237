package service

import (
	"context"

	"github.com/rs/zerolog"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/metrics"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// DeliveryReceipt is the out-of-band status notification from the transport's
// callback channel.
type DeliveryReceipt struct {
	ProviderMessageID string `json:"provider_message_id"`
	Status            string `json:"status"` // sent, delivered, read, failed
	Error             string `json:"error,omitempty"`
}

// CallbackService applies delivery receipts to the recipient registry using
// the same compare-and-swap discipline as the dispatcher.
type CallbackService struct {
	Recipients repository.RecipientRepositoryInterface
	Stats      *StatsService
	Log        zerolog.Logger
}

var receiptStatuses = map[string]model.RecipientStatus{
	"sent":      model.RecipientSent,
	"delivered": model.RecipientDelivered,
	"read":      model.RecipientRead,
	"failed":    model.RecipientFailed,
}

// Apply resolves the recipient by provider message id and moves it forward.
// Stale or out-of-order receipts (a "delivered" arriving after "read") are
// dropped silently: statuses never move backward. Unknown provider ids are
// logged and dropped; the provider may report on messages from another
// system.
func (s *CallbackService) Apply(ctx context.Context, receipt DeliveryReceipt) error {
	to, ok := receiptStatuses[receipt.Status]
	if !ok {
		s.Log.Warn().Str("status", receipt.Status).Msg("unrecognized receipt status")
		metrics.ReceiptsTotal.WithLabelValues("unknown").Inc()
		return nil
	}

	rec, err := s.Recipients.FindByProviderMessageID(ctx, receipt.ProviderMessageID)
	if err != nil {
		return err
	}
	if rec == nil {
		s.Log.Warn().Str("provider_message_id", receipt.ProviderMessageID).Msg("receipt for unknown message")
		metrics.ReceiptsTotal.WithLabelValues("unknown").Inc()
		return nil
	}

	if !rec.Status.CanTransitionTo(to) {
		metrics.ReceiptsTotal.WithLabelValues("stale").Inc()
		s.Log.Debug().
			Int("recipient_id", rec.ID).
			Str("from", rec.Status.String()).
			Str("to", string(to)).
			Msg("stale receipt dropped")
		return nil
	}

	fields := repository.TransitionFields{}
	if to == model.RecipientFailed && receipt.Error != "" {
		errMsg := receipt.Error
		fields.LastError = &errMsg
	}
	if err := s.Recipients.Transition(ctx, rec.ID, rec.Status, to, fields); err != nil {
		if appErrors.IsConflict(err) {
			// Raced with another receipt; the winner moved the row.
			metrics.ReceiptsTotal.WithLabelValues("stale").Inc()
			return nil
		}
		return err
	}
	if s.Stats != nil {
		s.Stats.Invalidate(rec.CampaignID)
	}
	metrics.ReceiptsTotal.WithLabelValues(receipt.Status).Inc()
	return nil
}
