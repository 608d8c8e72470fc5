package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

type StagingRepo struct {
	mu      sync.RWMutex
	records map[string]domain.StagingRecord
}

func newStagingRepo() *StagingRepo {
	return &StagingRepo{records: make(map[string]domain.StagingRecord)}
}

func (r *StagingRepo) CreateStaging(_ context.Context, record domain.StagingRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.StagingID]; ok {
		return repo.ErrConflict
	}
	r.records[record.StagingID] = cloneRecord(record)
	return nil
}

func (r *StagingRepo) GetStaging(_ context.Context, stagingID string) (domain.StagingRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[stagingID]
	if !ok {
		return domain.StagingRecord{}, repo.ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *StagingRepo) ListStaging(_ context.Context, filter repo.StagingFilter) ([]domain.StagingRecord, error) {
	r.mu.RLock()
	out := make([]domain.StagingRecord, 0)
	for _, rec := range r.records {
		if filter.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].StagingID < out[j].StagingID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *StagingRepo) CountByState(context.Context) (map[domain.StagingState]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.StagingState]int)
	for _, rec := range r.records {
		out[rec.State()]++
	}
	return out, nil
}

func (r *StagingRepo) AttachSpecResult(_ context.Context, stagingID string, result domain.SpecResult) (domain.StagingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[stagingID]
	if !ok {
		return domain.StagingRecord{}, repo.ErrNotFound
	}
	if rec.SpecResult != nil {
		return cloneRecord(rec), repo.ErrAlreadyVerified
	}
	if rec.AbandonedAt != nil {
		return cloneRecord(rec), repo.ErrAbandoned
	}
	res := result
	rec.SpecResult = &res
	r.records[stagingID] = rec
	return cloneRecord(rec), nil
}

func (r *StagingRepo) MarkAbandoned(_ context.Context, stagingID string, at time.Time) (domain.StagingRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[stagingID]
	if !ok {
		return domain.StagingRecord{}, repo.ErrNotFound
	}
	if rec.SpecResult != nil {
		return cloneRecord(rec), repo.ErrAlreadyVerified
	}
	if rec.AbandonedAt == nil {
		t := at.UTC()
		rec.AbandonedAt = &t
		r.records[stagingID] = rec
	}
	return cloneRecord(rec), nil
}

// checkPromotable reports why a record cannot be promoted, if it cannot.
func (r *StagingRepo) checkPromotable(stagingID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[stagingID]
	switch {
	case !ok:
		return repo.ErrNotFound
	case rec.PromotedAt != nil:
		return repo.ErrAlreadyPromoted
	case rec.SpecResult == nil || rec.SpecResult.Status != domain.SpecStatusPass:
		return repo.ErrNotVerified
	}
	return nil
}

func (r *StagingRepo) stampPromoted(stagingID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[stagingID]
	if !ok || rec.PromotedAt != nil {
		return
	}
	t := at.UTC()
	rec.PromotedAt = &t
	r.records[stagingID] = rec
}

func cloneRecord(rec domain.StagingRecord) domain.StagingRecord {
	out := rec
	if rec.SpecResult != nil {
		res := *rec.SpecResult
		out.SpecResult = &res
	}
	if rec.PromotedAt != nil {
		t := *rec.PromotedAt
		out.PromotedAt = &t
	}
	if rec.AbandonedAt != nil {
		t := *rec.AbandonedAt
		out.AbandonedAt = &t
	}
	return out
}
