package service

import (
	"context"
	"sync"
	"time"

	"github.com/jakande/bulksend-backend/internal/model"
	"github.com/jakande/bulksend-backend/internal/repository"
)

// StatsService derives campaign- and day-level counters from recipient rows.
// It is never a source of truth: the cache is an optimization and every value
// is recomputable from the registry.
type StatsService struct {
	Recipients repository.RecipientRepositoryInterface

	mu    sync.Mutex
	cache map[int]*model.CampaignStats
}

func NewStatsService(recipients repository.RecipientRepositoryInterface) *StatsService {
	return &StatsService{
		Recipients: recipients,
		cache:      make(map[int]*model.CampaignStats),
	}
}

// Stats returns per-status counts for the campaign, recomputing on a cache
// miss.
func (s *StatsService) Stats(ctx context.Context, campaignID int) (*model.CampaignStats, error) {
	s.mu.Lock()
	if cached, ok := s.cache[campaignID]; ok {
		cp := *cached
		s.mu.Unlock()
		return &cp, nil
	}
	s.mu.Unlock()

	counts, err := s.Recipients.CountByStatus(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	stats := fromCounts(counts)

	s.mu.Lock()
	s.cache[campaignID] = stats
	s.mu.Unlock()

	cp := *stats
	return &cp, nil
}

// Invalidate drops the cached counters after any recipient transition; the
// next read recomputes from rows.
func (s *StatsService) Invalidate(campaignID int) {
	s.mu.Lock()
	delete(s.cache, campaignID)
	s.mu.Unlock()
}

// DailySnapshot buckets recipients whose last transition happened on the
// given day. Taken once per day after the dispatch run completes.
func (s *StatsService) DailySnapshot(ctx context.Context, campaignID int, day time.Time) (*model.CampaignStats, error) {
	counts, err := s.Recipients.CountUpdatedOn(ctx, campaignID, day)
	if err != nil {
		return nil, err
	}
	return fromCounts(counts), nil
}

func fromCounts(counts map[model.RecipientStatus]int) *model.CampaignStats {
	stats := &model.CampaignStats{
		Pending: counts[model.RecipientPending],
		Queued:  counts[model.RecipientQueued],
		// Sent counts every transport-accepted recipient, including
		// those whose delivery receipt has not arrived yet.
		Sent:      counts[model.RecipientSent] + counts[model.RecipientQueued],
		Delivered: counts[model.RecipientDelivered],
		Read:      counts[model.RecipientRead],
		Failed:    counts[model.RecipientFailed],
		Skipped:   counts[model.RecipientSkipped],
	}
	for _, n := range counts {
		stats.Total += n
	}
	return stats
}
