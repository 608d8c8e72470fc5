package domain

import (
	"errors"
	"fmt"
)

// EnsureStagingRecordImmutable checks that after differs from before only by
// fields that may be attached once, and that nothing attached was rewritten.
func EnsureStagingRecordImmutable(before, after StagingRecord) error {
	if before.StagingID == "" || after.StagingID == "" {
		return errors.New("staging ids are required")
	}
	if before.StagingID != after.StagingID {
		return fmt.Errorf("staging id changed from %q to %q", before.StagingID, after.StagingID)
	}
	switch {
	case before.ContentHash != after.ContentHash:
		return errors.New("content hash is immutable")
	case before.Language != after.Language:
		return errors.New("language is immutable")
	case before.Engine != after.Engine:
		return errors.New("engine is immutable")
	case before.SlotID != after.SlotID:
		return errors.New("slot id is immutable")
	case before.Label != after.Label:
		return errors.New("label is immutable")
	case !before.CreatedAt.Equal(after.CreatedAt):
		return errors.New("created_at is immutable")
	}
	if before.SpecResult != nil && (after.SpecResult == nil || *before.SpecResult != *after.SpecResult) {
		return errors.New("spec result is immutable once attached")
	}
	if before.PromotedAt != nil && (after.PromotedAt == nil || !before.PromotedAt.Equal(*after.PromotedAt)) {
		return errors.New("promoted_at is immutable once set")
	}
	if before.AbandonedAt != nil && (after.AbandonedAt == nil || !before.AbandonedAt.Equal(*after.AbandonedAt)) {
		return errors.New("abandoned_at is immutable once set")
	}
	if after.PromotedAt != nil && after.PromotedAt.Before(after.CreatedAt) {
		return errors.New("promoted_at must not precede created_at")
	}
	return nil
}

// EnsureHistoryAppendOnly checks that after extends before without rewriting it.
func EnsureHistoryAppendOnly(before, after []PromotionEvent) error {
	if len(after) < len(before) {
		return fmt.Errorf("history shrank from %d to %d entries", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			return fmt.Errorf("history entry %d rewritten", i)
		}
	}
	return nil
}
