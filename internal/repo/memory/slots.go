package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

// slotCell holds the current immutable snapshot of one slot. Writers build a
// new snapshot and publish it with CompareAndSwap.
type slotCell struct {
	current atomic.Pointer[domain.Slot]
}

type SlotRepo struct {
	cells   sync.Map // domain.SlotKey -> *slotCell
	staging *StagingRepo
}

func (r *SlotRepo) cell(key domain.SlotKey) (*slotCell, bool) {
	v, ok := r.cells.Load(key)
	if !ok {
		return nil, false
	}
	c := v.(*slotCell)
	return c, c.current.Load() != nil
}

func (r *SlotRepo) cellOrCreate(key domain.SlotKey, position int, at time.Time) *slotCell {
	if c, ok := r.cell(key); ok {
		return c
	}
	empty := emptySlot(key, position, at)
	fresh := &slotCell{}
	fresh.current.Store(&empty)
	v, _ := r.cells.LoadOrStore(key, fresh)
	return v.(*slotCell)
}

func emptySlot(key domain.SlotKey, position int, at time.Time) domain.Slot {
	return domain.Slot{
		Key:        key,
		Position:   position,
		DeclaredAt: at.UTC(),
		UpdatedAt:  at.UTC(),
		History:    []domain.PromotionEvent{},
	}
}

func (r *SlotRepo) GetSlot(_ context.Context, key domain.SlotKey) (domain.Slot, error) {
	c, ok := r.cell(key)
	if !ok {
		return domain.Slot{}, repo.ErrNotFound
	}
	return c.current.Load().Clone(), nil
}

func (r *SlotRepo) ListSlots(_ context.Context, language domain.Language) ([]domain.Slot, error) {
	out := make([]domain.Slot, 0)
	r.cells.Range(func(_, v any) bool {
		s := v.(*slotCell).current.Load()
		if s != nil && (language == "" || s.Key.Language == language) {
			out = append(out, s.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Language != out[j].Key.Language {
			return out[i].Key.Language < out[j].Key.Language
		}
		return out[i].Key.SlotID < out[j].Key.SlotID
	})
	return out, nil
}

func (r *SlotRepo) DeclareSlot(_ context.Context, key domain.SlotKey, position int, at time.Time) (domain.Slot, error) {
	return r.cellOrCreate(key, position, at).current.Load().Clone(), nil
}

// CommitPromotion retries internally when the snapshot changed without a
// version bump, such as a lock toggle. A slot that does not exist yet is
// published with the promotion already applied.
func (r *SlotRepo) CommitPromotion(_ context.Context, commit repo.PromotionCommit) (domain.Slot, domain.PromotionEvent, error) {
	if err := r.staging.checkPromotable(commit.StagingID); err != nil {
		return domain.Slot{}, domain.PromotionEvent{}, err
	}

	for {
		c, ok := r.cell(commit.Slot)
		if !ok {
			empty := emptySlot(commit.Slot, commit.Position, commit.PromotedAt)
			if commit.ExpectedVersion != empty.Version {
				return empty, domain.PromotionEvent{}, repo.ErrVersionConflict
			}
			next, event := applyPromotion(empty, commit)
			fresh := &slotCell{}
			fresh.current.Store(&next)
			if _, loaded := r.cells.LoadOrStore(commit.Slot, fresh); loaded {
				continue
			}
			r.staging.stampPromoted(commit.StagingID, event.PromotedAt)
			return next.Clone(), event, nil
		}

		cur := c.current.Load()
		for _, h := range cur.History {
			if h.StagingID == commit.StagingID {
				return cur.Clone(), domain.PromotionEvent{}, repo.ErrAlreadyPromoted
			}
		}
		if cur.Locked {
			return cur.Clone(), domain.PromotionEvent{}, repo.ErrSlotLocked
		}
		if cur.Version != commit.ExpectedVersion {
			return cur.Clone(), domain.PromotionEvent{}, repo.ErrVersionConflict
		}
		next, event := applyPromotion(*cur, commit)
		if c.current.CompareAndSwap(cur, &next) {
			r.staging.stampPromoted(commit.StagingID, event.PromotedAt)
			return next.Clone(), event, nil
		}
	}
}

func applyPromotion(cur domain.Slot, commit repo.PromotionCommit) (domain.Slot, domain.PromotionEvent) {
	event := domain.PromotionEvent{
		StagingID:         commit.StagingID,
		ContentHash:       commit.ContentHash,
		PromotedAt:        commit.PromotedAt.UTC(),
		OutgoingStagingID: cur.ActiveStagingID,
		Version:           cur.Version + 1,
	}
	next := cur.Clone()
	next.Version = event.Version
	next.ActiveStagingID = commit.StagingID
	next.ActiveSnippetHash = commit.ContentHash
	next.UpdatedAt = event.PromotedAt
	next.History = append(next.History, event)
	return next, event
}

func (r *SlotRepo) SetLock(_ context.Context, change repo.LockChange) (domain.Slot, error) {
	c := r.cellOrCreate(change.Slot, change.Position, change.At)
	for {
		cur := c.current.Load()
		if cur.Locked == change.Locked && cur.LockReason == change.Reason {
			return cur.Clone(), nil
		}
		next := cur.Clone()
		next.Locked = change.Locked
		next.LockReason = ""
		if change.Locked {
			next.LockReason = change.Reason
		}
		next.UpdatedAt = change.At.UTC()
		if c.current.CompareAndSwap(cur, &next) {
			return next.Clone(), nil
		}
	}
}
