package model

import "time"

// RecipientStatus is the delivery state of a single (campaign, address) record.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientQueued    RecipientStatus = "queued"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
	RecipientSkipped   RecipientStatus = "skipped"
)

func (s RecipientStatus) String() string { return string(s) }

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientPending, RecipientQueued, RecipientSent, RecipientDelivered,
		RecipientRead, RecipientFailed, RecipientSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further transition may occur.
func (s RecipientStatus) Terminal() bool {
	return s == RecipientRead || s == RecipientFailed || s == RecipientSkipped
}

// CanTransitionTo reports whether the forward transition s -> to is allowed.
// Delivery receipts may arrive out of order, so a later status is reachable
// directly from any earlier one (queued -> delivered skips sent), but never
// backward.
func (s RecipientStatus) CanTransitionTo(to RecipientStatus) bool {
	switch s {
	case RecipientPending:
		return to == RecipientQueued || to == RecipientSkipped || to == RecipientFailed
	case RecipientQueued:
		return to == RecipientSent || to == RecipientDelivered || to == RecipientRead || to == RecipientFailed
	case RecipientSent:
		return to == RecipientDelivered || to == RecipientRead || to == RecipientFailed
	case RecipientDelivered:
		return to == RecipientRead
	}
	return false
}

type Recipient struct {
	ID                int             `db:"id" json:"id"`
	CampaignID        int             `db:"campaign_id" json:"campaign_id"`
	Address           string          `db:"address" json:"address"`
	Params            string          `db:"params" json:"params,omitempty"` // JSON object
	Status            RecipientStatus `db:"status" json:"status"`
	ScheduledDay      *time.Time      `db:"scheduled_day" json:"scheduled_day,omitempty"`
	ProviderMessageID *string         `db:"provider_message_id" json:"provider_message_id,omitempty"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	LastError         *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}
