package repo

import (
	"context"
	"errors"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyVerified = errors.New("already verified")
	ErrAlreadyPromoted = errors.New("already promoted")
	ErrAbandoned       = errors.New("abandoned")
	ErrSlotLocked      = errors.New("slot locked")
	ErrNotVerified     = errors.New("not verified as pass")
)

type StagingFilter struct {
	Language    domain.Language
	SlotID      string
	ContentHash string
	State       domain.StagingState
	Limit       int
}

// StagingRepository persists staging records. Records are never deleted;
// spec results, promoted_at and abandoned_at are each set at most once.
type StagingRepository interface {
	CreateStaging(ctx context.Context, record domain.StagingRecord) error
	GetStaging(ctx context.Context, stagingID string) (domain.StagingRecord, error)
	// ListStaging returns matches ordered by created_at, oldest first.
	ListStaging(ctx context.Context, filter StagingFilter) ([]domain.StagingRecord, error)
	CountByState(ctx context.Context) (map[domain.StagingState]int, error)
	// AttachSpecResult fails with ErrAlreadyVerified or ErrAbandoned when the record is not STAGED.
	AttachSpecResult(ctx context.Context, stagingID string, result domain.SpecResult) (domain.StagingRecord, error)
	// MarkAbandoned fails with ErrAlreadyVerified when a result is already attached.
	MarkAbandoned(ctx context.Context, stagingID string, at time.Time) (domain.StagingRecord, error)
}

// PromotionCommit is applied as a single atomic step: the slot must still be
// at ExpectedVersion, unlocked, and the record must be PASS and unpromoted.
type PromotionCommit struct {
	Slot            domain.SlotKey
	Position        int
	ExpectedVersion int64
	StagingID       string
	ContentHash     string
	PromotedAt      time.Time
}

type LockChange struct {
	Slot     domain.SlotKey
	Position int
	Locked   bool
	Reason   string
	At       time.Time
}

// SlotRepository holds the production registry.
type SlotRepository interface {
	GetSlot(ctx context.Context, key domain.SlotKey) (domain.Slot, error)
	ListSlots(ctx context.Context, language domain.Language) ([]domain.Slot, error)
	// DeclareSlot creates an empty slot at version 0; it is a no-op when the slot exists.
	DeclareSlot(ctx context.Context, key domain.SlotKey, position int, at time.Time) (domain.Slot, error)
	// CommitPromotion returns ErrVersionConflict when the slot moved past
	// ExpectedVersion, ErrSlotLocked, ErrAlreadyPromoted, ErrNotVerified or ErrNotFound.
	CommitPromotion(ctx context.Context, commit PromotionCommit) (domain.Slot, domain.PromotionEvent, error)
	SetLock(ctx context.Context, change LockChange) (domain.Slot, error)
}

type AuditFilter struct {
	StagingID   string
	Slot        *domain.SlotKey
	ContentHash string
	Kinds       []domain.EventKind
	AfterSeq    int64
	Limit       int
}

// AuditRepository is append-only. AppendEvent assigns Seq, PrevHash and IntegritySHA256.
type AuditRepository interface {
	AppendEvent(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error)
	// ListEvents returns matches in sequence order.
	ListEvents(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error)
}

// Store bundles the repositories a deployment is backed by.
type Store interface {
	Staging() StagingRepository
	Slots() SlotRepository
	Audit() AuditRepository
	Ping(ctx context.Context) error
}

func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// Matches reports whether record satisfies the filter, ignoring Limit.
func (f StagingFilter) Matches(record domain.StagingRecord) bool {
	if f.Language != "" && record.Language != f.Language {
		return false
	}
	if f.SlotID != "" && record.SlotID != f.SlotID {
		return false
	}
	if f.ContentHash != "" && record.ContentHash != f.ContentHash {
		return false
	}
	if f.State != "" && record.State() != f.State {
		return false
	}
	return true
}

func (f AuditFilter) Matches(event domain.AuditEvent) bool {
	if event.Seq <= f.AfterSeq {
		return false
	}
	if f.StagingID != "" && event.StagingID != f.StagingID {
		return false
	}
	if f.Slot != nil && event.SlotKey() != *f.Slot {
		return false
	}
	if f.ContentHash != "" && event.ContentHash != f.ContentHash {
		return false
	}
	if len(f.Kinds) > 0 {
		for _, k := range f.Kinds {
			if event.Kind == k {
				return true
			}
		}
		return false
	}
	return true
}
