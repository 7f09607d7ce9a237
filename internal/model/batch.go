package model

import "time"

// ClaimStatus is the processing state of a daily batch.
type ClaimStatus string

const (
	BatchUnclaimed ClaimStatus = "unclaimed"
	BatchClaimed   ClaimStatus = "claimed"
	BatchCompleted ClaimStatus = "completed"
)

func (s ClaimStatus) String() string { return string(s) }

func (s ClaimStatus) IsValid() bool {
	switch s {
	case BatchUnclaimed, BatchClaimed, BatchCompleted:
		return true
	}
	return false
}

// Batch is a scheduling unit for one campaign day, not a recipient container.
// Recipients reference it implicitly via their scheduled_day.
type Batch struct {
	ID          int         `db:"id" json:"id"`
	CampaignID  int         `db:"campaign_id" json:"campaign_id"`
	Day         time.Time   `db:"day" json:"day"`
	Capacity    int         `db:"capacity" json:"capacity"`
	ClaimStatus ClaimStatus `db:"claim_status" json:"claim_status"`
	ClaimOwner  *string     `db:"claim_owner" json:"claim_owner,omitempty"`
	ClaimExpiry *time.Time  `db:"claim_expiry" json:"claim_expiry,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
}
