// Package inmem provides in-memory implementations of the repository
// interfaces for tests and local dry runs. The same compare-and-swap
// semantics as the Postgres layer apply: conditional mutations fail with
// ErrConflict when the expected state no longer holds.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/jakande/bulksend-backend/internal/errors"
	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// Store holds all three registries behind a single mutex, which is enough to
// make every conditional update atomic.
type Store struct {
	// Now is the clock source for created/updated timestamps; nil means
	// time.Now. Tests inject a fake clock here.
	Now func() time.Time

	mu sync.Mutex

	campaigns     map[int]*model.Campaign
	recipients    map[int]*model.Recipient
	recipientKeys map[string]int          // campaignID/address -> recipient id
	batches       map[string]*model.Batch // key: campaignID/day

	nextCampaignID  int
	nextRecipientID int
	nextBatchID     int
}

func NewStore() *Store {
	return &Store{
		campaigns:     make(map[int]*model.Campaign),
		recipients:    make(map[int]*model.Recipient),
		recipientKeys: make(map[string]int),
		batches:       make(map[string]*model.Batch),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func batchKey(campaignID int, day time.Time) string {
	return fmt.Sprintf("%d/%s", campaignID, model.DayKey(model.DayOf(day)))
}

func (s *Store) Campaigns() repository.CampaignRepositoryInterface { return (*campaignRepo)(s) }

func (s *Store) Recipients() repository.RecipientRepositoryInterface { return (*recipientRepo)(s) }

func (s *Store) Batches() repository.BatchRepositoryInterface { return (*batchRepo)(s) }

// ===================== campaigns =====================

type campaignRepo Store

func (r *campaignRepo) Create(_ context.Context, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextCampaignID++
	c.ID = r.nextCampaignID
	c.CreatedAt = (*Store)(r).now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}

func (r *campaignRepo) GetByID(_ context.Context, id int) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (r *campaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := []*model.Campaign{}
	for _, c := range r.campaigns {
		if status != "" && string(c.Status) != status {
			continue
		}
		cp := *c
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (r *campaignRepo) UpdateStatus(_ context.Context, id int, from, to model.CampaignStatus, startedAt, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok || c.Status != from {
		return appErrors.NewConflict("campaign", id)
	}
	c.Status = to
	if startedAt != nil {
		c.StartedAt = startedAt
	}
	if completedAt != nil {
		c.CompletedAt = completedAt
	}
	now := (*Store)(r).now()
	c.UpdatedAt = &now
	return nil
}

func (r *campaignRepo) UpdateTotalRecipients(_ context.Context, id, total int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.campaigns[id]; ok {
		c.TotalRecipients = total
	}
	return nil
}

// ===================== recipients =====================

type recipientRepo Store

func (r *recipientRepo) Add(_ context.Context, rec *model.Recipient) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%d/%s", rec.CampaignID, rec.Address)
	if _, exists := r.recipientKeys[key]; exists {
		return false, nil // duplicate, no-op
	}
	r.nextRecipientID++
	rec.ID = r.nextRecipientID
	now := (*Store)(r).now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = model.RecipientPending
	}
	cp := *rec
	r.recipients[rec.ID] = &cp
	r.recipientKeys[key] = rec.ID
	return true, nil
}

func (r *recipientRepo) GetByID(_ context.Context, id int) (*model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recipients[id]
	if !ok {
		return nil, appErrors.NewRecipientNotFound(id)
	}
	cp := *rec
	return &cp, nil
}

func (r *recipientRepo) FindByProviderMessageID(_ context.Context, providerMessageID string) (*model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.recipients {
		if rec.ProviderMessageID != nil && *rec.ProviderMessageID == providerMessageID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *recipientRepo) ListPending(_ context.Context, campaignID int) ([]*model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(campaignID, func(rec *model.Recipient) bool {
		return rec.Status == model.RecipientPending
	}, 0), nil
}

func (r *recipientRepo) ListDue(_ context.Context, campaignID int, day time.Time, limit int) ([]*model.Recipient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := model.DayOf(day)
	return r.collect(campaignID, func(rec *model.Recipient) bool {
		return rec.Status == model.RecipientPending &&
			rec.ScheduledDay != nil && rec.ScheduledDay.Equal(d)
	}, limit), nil
}

// collect returns copies in creation (id) order; callers hold the lock.
func (r *recipientRepo) collect(campaignID int, match func(*model.Recipient) bool, limit int) []*model.Recipient {
	out := []*model.Recipient{}
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *recipientRepo) Transition(_ context.Context, id int, from, to model.RecipientStatus, fields repository.TransitionFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recipients[id]
	if !ok || rec.Status != from {
		return appErrors.NewConflict("recipient", id)
	}
	rec.Status = to
	if fields.ProviderMessageID != nil {
		rec.ProviderMessageID = fields.ProviderMessageID
	}
	if fields.LastError != nil {
		rec.LastError = fields.LastError
	}
	if fields.RetryCount != nil {
		rec.RetryCount = *fields.RetryCount
	}
	if fields.ScheduledDay != nil {
		d := model.DayOf(*fields.ScheduledDay)
		rec.ScheduledDay = &d
	}
	rec.UpdatedAt = (*Store)(r).now()
	return nil
}

func (r *recipientRepo) Defer(ctx context.Context, id int, fields repository.TransitionFields) error {
	return r.Transition(ctx, id, model.RecipientPending, model.RecipientPending, fields)
}

func (r *recipientRepo) AssignDay(_ context.Context, ids []int, day time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := model.DayOf(day)
	for _, id := range ids {
		if rec, ok := r.recipients[id]; ok {
			sd := d
			rec.ScheduledDay = &sd
			rec.UpdatedAt = (*Store)(r).now()
		}
	}
	return nil
}

func (r *recipientRepo) CountByStatus(_ context.Context, campaignID int) (map[model.RecipientStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[model.RecipientStatus]int{}
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (r *recipientRepo) CountUpdatedOn(_ context.Context, campaignID int, day time.Time) (map[model.RecipientStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := model.DayOf(day)
	counts := map[model.RecipientStatus]int{}
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && model.DayOf(rec.UpdatedAt).Equal(d) {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (r *recipientRepo) CountPending(ctx context.Context, campaignID int) (int, error) {
	counts, err := r.CountByStatus(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return counts[model.RecipientPending], nil
}

func (r *recipientRepo) CountScheduled(_ context.Context, campaignID int, day time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := model.DayOf(day)
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID && rec.ScheduledDay != nil && rec.ScheduledDay.Equal(d) {
			n++
		}
	}
	return n, nil
}

func (r *recipientRepo) CountTotal(_ context.Context, campaignID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.recipients {
		if rec.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

// ===================== batches =====================

type batchRepo Store

func (r *batchRepo) Create(_ context.Context, b *model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(b)
}

func (r *batchRepo) createLocked(b *model.Batch) error {
	key := batchKey(b.CampaignID, b.Day)
	if _, exists := r.batches[key]; exists {
		return appErrors.NewConflict("batch", b.CampaignID)
	}
	r.nextBatchID++
	b.ID = r.nextBatchID
	b.Day = model.DayOf(b.Day)
	b.CreatedAt = (*Store)(r).now()
	if b.ClaimStatus == "" {
		b.ClaimStatus = model.BatchUnclaimed
	}
	cp := *b
	r.batches[key] = &cp
	return nil
}

func (r *batchRepo) CreateMany(_ context.Context, batches []*model.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range batches {
		if err := r.createLocked(b); err != nil {
			return err
		}
	}
	return nil
}

func (r *batchRepo) Get(_ context.Context, campaignID int, day time.Time) (*model.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchKey(campaignID, day)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (r *batchRepo) CountForCampaign(_ context.Context, campaignID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, b := range r.batches {
		if b.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (r *batchRepo) Claim(_ context.Context, campaignID int, day time.Time, owner string, expiry, now time.Time) (*model.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchKey(campaignID, day)]
	if !ok {
		return nil, appErrors.NewBatchNotFound(campaignID, day)
	}
	if b.ClaimStatus == model.BatchCompleted {
		cp := *b
		return &cp, nil // re-run of a finished day, caller no-ops
	}
	expired := b.ClaimExpiry != nil && b.ClaimExpiry.Before(now)
	if b.ClaimStatus == model.BatchClaimed && !expired {
		return nil, appErrors.NewAlreadyClaimed(campaignID, day)
	}
	b.ClaimStatus = model.BatchClaimed
	b.ClaimOwner = &owner
	e := expiry
	b.ClaimExpiry = &e
	cp := *b
	return &cp, nil
}

func (r *batchRepo) Complete(_ context.Context, campaignID int, day time.Time, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchKey(campaignID, day)]
	if !ok || b.ClaimStatus != model.BatchClaimed || b.ClaimOwner == nil || *b.ClaimOwner != owner {
		return appErrors.NewConflict("batch", campaignID)
	}
	b.ClaimStatus = model.BatchCompleted
	return nil
}

func (r *batchRepo) Release(_ context.Context, campaignID int, day time.Time, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchKey(campaignID, day)]
	if !ok || b.ClaimStatus != model.BatchClaimed || b.ClaimOwner == nil || *b.ClaimOwner != owner {
		return appErrors.NewConflict("batch", campaignID)
	}
	b.ClaimStatus = model.BatchUnclaimed
	b.ClaimOwner = nil
	b.ClaimExpiry = nil
	return nil
}

func (r *batchRepo) IncrementCapacity(_ context.Context, campaignID int, day time.Time, limit int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchKey(campaignID, day)]
	if !ok || b.ClaimStatus != model.BatchUnclaimed || b.Capacity >= limit {
		return false, nil
	}
	b.Capacity++
	return true, nil
}

var (
	_ repository.CampaignRepositoryInterface  = (*campaignRepo)(nil)
	_ repository.RecipientRepositoryInterface = (*recipientRepo)(nil)
	_ repository.BatchRepositoryInterface     = (*batchRepo)(nil)
)
