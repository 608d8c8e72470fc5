// Package promotion moves PASS attempts into production slots. Every slot
// mutation is an optimistic compare-and-set on the slot version.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

// Observer is told about each committed promotion, after the audit append.
type Observer interface {
	Promoted(ctx context.Context, rec domain.StagingRecord, slot domain.Slot, event domain.PromotionEvent) error
}

type Coordinator struct {
	engines   *engine.Catalog
	staging   repo.StagingRepository
	slots     repo.SlotRepository
	audit     audit.Appender
	observers []Observer
	logger    *slog.Logger
	now       func() time.Time
}

func NewCoordinator(engines *engine.Catalog, staging repo.StagingRepository, slots repo.SlotRepository, log audit.Appender, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{
		engines: engines,
		staging: staging,
		slots:   slots,
		audit:   log,
		logger:  logger,
		now:     time.Now,
	}
}

func (c *Coordinator) AddObserver(o Observer) {
	if o != nil {
		c.observers = append(c.observers, o)
	}
}

// Promote makes one attempt to install the staging record in its target slot.
// A concurrent promotion to the same slot yields *domain.StaleSlotVersionError;
// callers re-read and retry, or use PromoteWithRetry.
func (c *Coordinator) Promote(ctx context.Context, stagingID string) (domain.PromotionEvent, error) {
	rec, err := c.staging.GetStaging(ctx, stagingID)
	if err != nil {
		return domain.PromotionEvent{}, stagingErr(stagingID, err)
	}
	if rec.PromotedAt != nil {
		return domain.PromotionEvent{}, &domain.AlreadyPromotedError{StagingID: stagingID, PromotedAt: *rec.PromotedAt}
	}
	if rec.AbandonedAt != nil {
		return domain.PromotionEvent{}, &domain.AbandonedError{StagingID: stagingID}
	}
	if rec.SpecResult == nil || rec.SpecResult.Status != domain.SpecStatusPass {
		var status domain.SpecStatus
		if rec.SpecResult != nil {
			status = rec.SpecResult.Status
		}
		return domain.PromotionEvent{}, &domain.VerificationMismatchError{StagingID: stagingID, Status: status}
	}

	key := rec.SlotKey()
	var expected int64
	slot, err := c.slots.GetSlot(ctx, key)
	switch {
	case err == nil:
		if slot.Locked {
			return domain.PromotionEvent{}, &domain.SlotLockedError{Slot: key, Reason: slot.LockReason}
		}
		expected = slot.Version
	case errors.Is(err, repo.ErrNotFound):
		// First promotion creates the slot at version 0.
	default:
		return domain.PromotionEvent{}, fmt.Errorf("read slot %s: %w", key, err)
	}

	promotedAt := c.now().UTC().Truncate(time.Microsecond)
	if promotedAt.Before(rec.CreatedAt) {
		promotedAt = rec.CreatedAt
	}

	committed, event, err := c.slots.CommitPromotion(ctx, repo.PromotionCommit{
		Slot:            key,
		Position:        rec.Position,
		ExpectedVersion: expected,
		StagingID:       stagingID,
		ContentHash:     rec.ContentHash,
		PromotedAt:      promotedAt,
	})
	if err != nil {
		return domain.PromotionEvent{}, c.commitErr(ctx, rec, expected, committed, err)
	}

	rec.PromotedAt = &event.PromotedAt
	if _, err := c.audit.Append(ctx, domain.AuditEvent{
		Kind:        domain.EventPromoted,
		StagingID:   stagingID,
		Language:    key.Language,
		SlotID:      key.SlotID,
		ContentHash: rec.ContentHash,
		OccurredAt:  event.PromotedAt,
		Payload: map[string]any{
			audit.PayloadVersion:  event.Version,
			"outgoing_staging_id": event.OutgoingStagingID,
			"engine":              string(rec.Engine),
			"label":               rec.Label,
			"elapsed_ns":          int64(rec.SpecResult.Elapsed),
		},
	}); err != nil {
		// Slot history already holds the promotion.
		c.logger.Error("audit promoted event", "staging_id", stagingID, "slot", key.String(), "error", err)
	}

	for _, o := range c.observers {
		if err := o.Promoted(ctx, rec, committed, event); err != nil {
			c.logger.Warn("promotion observer failed", "staging_id", stagingID, "slot", key.String(), "error", err)
		}
	}

	c.logger.Info("snippet promoted",
		"staging_id", stagingID,
		"slot", key.String(),
		"version", event.Version,
		"outgoing_staging_id", event.OutgoingStagingID,
	)
	return event, nil
}

func (c *Coordinator) commitErr(ctx context.Context, rec domain.StagingRecord, expected int64, current domain.Slot, err error) error {
	key := rec.SlotKey()
	switch {
	case errors.Is(err, repo.ErrVersionConflict):
		return &domain.StaleSlotVersionError{Slot: key, Expected: expected, Actual: current.Version}
	case errors.Is(err, repo.ErrSlotLocked):
		return &domain.SlotLockedError{Slot: key, Reason: current.LockReason}
	case errors.Is(err, repo.ErrAlreadyPromoted):
		promoted := &domain.AlreadyPromotedError{StagingID: rec.StagingID}
		if fresh, getErr := c.staging.GetStaging(ctx, rec.StagingID); getErr == nil && fresh.PromotedAt != nil {
			promoted.PromotedAt = *fresh.PromotedAt
		}
		return promoted
	case errors.Is(err, repo.ErrNotVerified):
		return &domain.VerificationMismatchError{StagingID: rec.StagingID}
	default:
		return stagingErr(rec.StagingID, err)
	}
}

// PromoteWithRetry retries Promote on a stale slot version up to retries
// more times. Any other error ends the loop.
func (c *Coordinator) PromoteWithRetry(ctx context.Context, stagingID string, retries int) (domain.PromotionEvent, error) {
	var stale *domain.StaleSlotVersionError
	for attempt := 0; ; attempt++ {
		event, err := c.Promote(ctx, stagingID)
		if err == nil || !errors.As(err, &stale) || attempt >= retries {
			return event, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.PromotionEvent{}, ctxErr
		}
		c.logger.Debug("promotion lost slot race; retrying",
			"staging_id", stagingID,
			"slot", stale.Slot.String(),
			"expected", stale.Expected,
			"actual", stale.Actual,
		)
	}
}

func (c *Coordinator) resolveSlot(key domain.SlotKey) (domain.SlotKey, int, error) {
	key.Language = key.Language.Normalized()
	_, pos, err := c.engines.ForSlot(key)
	if err != nil {
		return domain.SlotKey{}, 0, err
	}
	return key, pos, nil
}

func (c *Coordinator) GetSlot(ctx context.Context, key domain.SlotKey) (domain.Slot, error) {
	key, _, err := c.resolveSlot(key)
	if err != nil {
		return domain.Slot{}, err
	}
	slot, err := c.slots.GetSlot(ctx, key)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Slot{}, &domain.UnknownSlotError{Slot: key}
	}
	return slot, err
}

// ListSlots returns every known slot; an empty language means all languages.
func (c *Coordinator) ListSlots(ctx context.Context, language domain.Language) ([]domain.Slot, error) {
	return c.slots.ListSlots(ctx, language.Normalized())
}

// Lock makes the slot reject promotions until Unlock. The slot is declared
// if it does not exist yet.
func (c *Coordinator) Lock(ctx context.Context, key domain.SlotKey, reason string) (domain.Slot, error) {
	return c.setLock(ctx, key, true, reason)
}

func (c *Coordinator) Unlock(ctx context.Context, key domain.SlotKey) (domain.Slot, error) {
	return c.setLock(ctx, key, false, "")
}

func (c *Coordinator) setLock(ctx context.Context, key domain.SlotKey, locked bool, reason string) (domain.Slot, error) {
	key, pos, err := c.resolveSlot(key)
	if err != nil {
		return domain.Slot{}, err
	}
	at := c.now().UTC().Truncate(time.Microsecond)
	slot, err := c.slots.SetLock(ctx, repo.LockChange{Slot: key, Position: pos, Locked: locked, Reason: reason, At: at})
	if err != nil {
		return domain.Slot{}, fmt.Errorf("set lock on %s: %w", key, err)
	}

	kind := domain.EventSlotUnlocked
	if locked {
		kind = domain.EventSlotLocked
	}
	if _, err := c.audit.Append(ctx, domain.AuditEvent{
		Kind:        kind,
		Language:    key.Language,
		SlotID:      key.SlotID,
		ContentHash: slot.ActiveSnippetHash,
		OccurredAt:  at,
		Payload:     map[string]any{"reason": reason, "version": slot.Version},
	}); err != nil {
		c.logger.Error("audit slot lock event", "slot", key.String(), "error", err)
	}
	c.logger.Info("slot lock changed", "slot", key.String(), "locked", locked, "reason", reason)
	return slot, nil
}

// DeclareSlots creates every slot the engine catalog pre-declares.
func (c *Coordinator) DeclareSlots(ctx context.Context) (int, error) {
	declared := 0
	at := c.now().UTC().Truncate(time.Microsecond)
	for _, key := range c.engines.DeclaredSlots() {
		_, pos, err := c.engines.ForSlot(key)
		if err != nil {
			return declared, err
		}
		if _, err := c.slots.DeclareSlot(ctx, key, pos, at); err != nil {
			return declared, fmt.Errorf("declare slot %s: %w", key, err)
		}
		declared++
	}
	return declared, nil
}

func stagingErr(stagingID string, err error) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return &domain.UnknownStagingIDError{StagingID: stagingID}
	case errors.Is(err, repo.ErrAbandoned):
		return &domain.AbandonedError{StagingID: stagingID}
	case errors.Is(err, repo.ErrAlreadyPromoted):
		return &domain.AlreadyPromotedError{StagingID: stagingID}
	case errors.Is(err, repo.ErrNotVerified):
		return &domain.VerificationMismatchError{StagingID: stagingID}
	default:
		return fmt.Errorf("staging %s: %w", stagingID, err)
	}
}
