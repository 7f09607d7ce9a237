package appErrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

func IsCampaignNotFound(err error) bool {
	var e *ErrCampaignNotFound
	return errors.As(err, &e)
}

// ErrRecipientNotFound marks a lookup miss on the recipient registry.
type ErrRecipientNotFound struct {
	RecipientID int
}

func (e *ErrRecipientNotFound) Error() string {
	return fmt.Sprintf("recipient with ID %d not found", e.RecipientID)
}

func NewRecipientNotFound(id int) error {
	return &ErrRecipientNotFound{RecipientID: id}
}

func IsRecipientNotFound(err error) bool {
	var e *ErrRecipientNotFound
	return errors.As(err, &e)
}

// ErrBatchNotFound means no batch row exists for the (campaign, day) pair.
type ErrBatchNotFound struct {
	CampaignID int
	Day        time.Time
}

func (e *ErrBatchNotFound) Error() string {
	return fmt.Sprintf("no batch for campaign %d on %s", e.CampaignID, e.Day.Format("2006-01-02"))
}

func NewBatchNotFound(campaignID int, day time.Time) error {
	return &ErrBatchNotFound{CampaignID: campaignID, Day: day}
}

func IsBatchNotFound(err error) bool {
	var e *ErrBatchNotFound
	return errors.As(err, &e)
}

// ErrConflict is an optimistic-concurrency loss: the row's current state did
// not match the expected state of a conditional update. Always safe to drop
// or retry later, never escalated as a hard failure.
type ErrConflict struct {
	Entity string
	ID     int
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("%s %d: state changed concurrently", e.Entity, e.ID)
}

func NewConflict(entity string, id int) error {
	return &ErrConflict{Entity: entity, ID: id}
}

func IsConflict(err error) bool {
	var e *ErrConflict
	return errors.As(err, &e)
}

// ErrAlreadyClaimed means another actor currently holds the batch lease.
// Callers may retry later; this is an expected outcome, not a failure.
type ErrAlreadyClaimed struct {
	CampaignID int
	Day        time.Time
}

func (e *ErrAlreadyClaimed) Error() string {
	return fmt.Sprintf("batch for campaign %d on %s is claimed by another actor", e.CampaignID, e.Day.Format("2006-01-02"))
}

func NewAlreadyClaimed(campaignID int, day time.Time) error {
	return &ErrAlreadyClaimed{CampaignID: campaignID, Day: day}
}

func IsAlreadyClaimed(err error) bool {
	var e *ErrAlreadyClaimed
	return errors.As(err, &e)
}

// ===================== planning errors =====================

// ErrEmptyCampaign rejects activation of a campaign with no recipients.
type ErrEmptyCampaign struct {
	CampaignID int
}

func (e *ErrEmptyCampaign) Error() string {
	return fmt.Sprintf("campaign %d has no recipients to plan", e.CampaignID)
}

func NewEmptyCampaign(id int) error {
	return &ErrEmptyCampaign{CampaignID: id}
}

// ErrInvalidCap rejects a non-positive daily cap.
type ErrInvalidCap struct {
	Cap int
}

func (e *ErrInvalidCap) Error() string {
	return fmt.Sprintf("daily cap must be positive, got %d", e.Cap)
}

func NewInvalidCap(cap int) error {
	return &ErrInvalidCap{Cap: cap}
}

// ErrAlreadyPlanned rejects re-planning a campaign whose batches exist.
type ErrAlreadyPlanned struct {
	CampaignID int
}

func (e *ErrAlreadyPlanned) Error() string {
	return fmt.Sprintf("campaign %d already has planned batches", e.CampaignID)
}

func NewAlreadyPlanned(id int) error {
	return &ErrAlreadyPlanned{CampaignID: id}
}

func IsPlanningError(err error) bool {
	var empty *ErrEmptyCampaign
	var cap *ErrInvalidCap
	var planned *ErrAlreadyPlanned
	return errors.As(err, &empty) || errors.As(err, &cap) || errors.As(err, &planned)
}

// ErrInvalidTransition rejects a lifecycle operation not allowed from the
// campaign's current status.
type ErrInvalidTransition struct {
	Entity string
	From   string
	Op     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("%s in status %q does not allow %s", e.Entity, e.From, e.Op)
}

func NewInvalidTransition(entity, from, op string) error {
	return &ErrInvalidTransition{Entity: entity, From: from, Op: op}
}

func IsInvalidTransition(err error) bool {
	var e *ErrInvalidTransition
	return errors.As(err, &e)
}
