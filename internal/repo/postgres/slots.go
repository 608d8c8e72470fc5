package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

const slotColumns = `language, slot_id, position, version, active_staging_id, active_snippet_hash, locked, lock_reason, declared_at, updated_at`

type SlotStore struct {
	db TxDB
}

func (s *SlotStore) GetSlot(ctx context.Context, key domain.SlotKey) (domain.Slot, error) {
	return getSlot(ctx, s.db, key, false)
}

func (s *SlotStore) ListSlots(ctx context.Context, language domain.Language) ([]domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots`
	args := []any{}
	if language != "" {
		query += ` WHERE language = $1`
		args = append(args, string(language))
	}
	query += ` ORDER BY language, slot_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	slots := make([]domain.Slot, 0)
	for rows.Next() {
		slot, err := scanSlot(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	for i := range slots {
		history, err := loadHistory(ctx, s.db, slots[i].Key)
		if err != nil {
			return nil, err
		}
		slots[i].History = history
	}
	return slots, nil
}

func (s *SlotStore) DeclareSlot(ctx context.Context, key domain.SlotKey, position int, at time.Time) (domain.Slot, error) {
	if err := declare(ctx, s.db, key, position, at); err != nil {
		return domain.Slot{}, err
	}
	return s.GetSlot(ctx, key)
}

func (s *SlotStore) CommitPromotion(ctx context.Context, commit repo.PromotionCommit) (domain.Slot, domain.PromotionEvent, error) {
	var event domain.PromotionEvent
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var status sql.NullString
		var promotedAt sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT spec_status, promoted_at FROM staging_records WHERE staging_id = $1 FOR UPDATE`,
			commit.StagingID,
		).Scan(&status, &promotedAt)
		if err != nil {
			return handleNotFound(err)
		}
		if promotedAt.Valid {
			return repo.ErrAlreadyPromoted
		}
		if !status.Valid || status.String != string(domain.SpecStatusPass) {
			return repo.ErrNotVerified
		}

		if err := declare(ctx, tx, commit.Slot, commit.Position, commit.PromotedAt); err != nil {
			return err
		}

		current, err := getSlot(ctx, tx, commit.Slot, true)
		if err != nil {
			return err
		}
		if current.Locked {
			return repo.ErrSlotLocked
		}
		if current.Version != commit.ExpectedVersion {
			return repo.ErrVersionConflict
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE slots SET version = version + 1, active_staging_id = $4, active_snippet_hash = $5, updated_at = $6
			 WHERE language = $1 AND slot_id = $2 AND version = $3`,
			string(commit.Slot.Language), commit.Slot.SlotID, commit.ExpectedVersion,
			commit.StagingID, commit.ContentHash, commit.PromotedAt.UTC(),
		); err != nil {
			return fmt.Errorf("advance slot version: %w", err)
		}

		event = domain.PromotionEvent{
			StagingID:         commit.StagingID,
			ContentHash:       commit.ContentHash,
			PromotedAt:        commit.PromotedAt.UTC(),
			OutgoingStagingID: current.ActiveStagingID,
			Version:           current.Version + 1,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO slot_history (language, slot_id, version, staging_id, content_hash, promoted_at, outgoing_staging_id)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			string(commit.Slot.Language), commit.Slot.SlotID, event.Version, event.StagingID,
			event.ContentHash, event.PromotedAt, nullString(event.OutgoingStagingID),
		); err != nil {
			if isUniqueViolation(err) {
				return repo.ErrAlreadyPromoted
			}
			return fmt.Errorf("insert slot history: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE staging_records SET promoted_at = $2 WHERE staging_id = $1`,
			commit.StagingID, event.PromotedAt,
		); err != nil {
			return fmt.Errorf("stamp promoted_at: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repo.ErrVersionConflict) || errors.Is(err, repo.ErrSlotLocked) {
			current, getErr := s.GetSlot(ctx, commit.Slot)
			if getErr == nil {
				return current, domain.PromotionEvent{}, err
			}
		}
		return domain.Slot{}, domain.PromotionEvent{}, err
	}
	slot, err := s.GetSlot(ctx, commit.Slot)
	if err != nil {
		return domain.Slot{}, domain.PromotionEvent{}, err
	}
	return slot, event, nil
}

func (s *SlotStore) SetLock(ctx context.Context, change repo.LockChange) (domain.Slot, error) {
	if err := declare(ctx, s.db, change.Slot, change.Position, change.At); err != nil {
		return domain.Slot{}, err
	}
	reason := sql.NullString{}
	if change.Locked {
		reason = nullString(change.Reason)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE slots SET locked = $3, lock_reason = $4, updated_at = $5
		 WHERE language = $1 AND slot_id = $2 AND (locked <> $3 OR lock_reason IS DISTINCT FROM $4)`,
		string(change.Slot.Language), change.Slot.SlotID, change.Locked, reason, change.At.UTC(),
	); err != nil {
		return domain.Slot{}, fmt.Errorf("set slot lock: %w", err)
	}
	return s.GetSlot(ctx, change.Slot)
}

func declare(ctx context.Context, db DB, key domain.SlotKey, position int, at time.Time) error {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO slots (language, slot_id, position, version, declared_at, updated_at)
		 VALUES ($1,$2,$3,0,$4,$4)
		 ON CONFLICT (language, slot_id) DO NOTHING`,
		string(key.Language), key.SlotID, position, at.UTC(),
	); err != nil {
		return fmt.Errorf("declare slot: %w", err)
	}
	return nil
}

// getSlot with forUpdate row-locks the slot inside a transaction and skips history.
func getSlot(ctx context.Context, db DB, key domain.SlotKey, forUpdate bool) (domain.Slot, error) {
	query := `SELECT ` + slotColumns + ` FROM slots WHERE language = $1 AND slot_id = $2`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	slot, err := scanSlot(db.QueryRowContext(ctx, query, string(key.Language), key.SlotID))
	if err != nil {
		return domain.Slot{}, handleNotFound(err)
	}
	if forUpdate {
		return slot, nil
	}
	history, err := loadHistory(ctx, db, key)
	if err != nil {
		return domain.Slot{}, err
	}
	slot.History = history
	return slot, nil
}

func loadHistory(ctx context.Context, db DB, key domain.SlotKey) ([]domain.PromotionEvent, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT staging_id, content_hash, promoted_at, outgoing_staging_id, version
		 FROM slot_history WHERE language = $1 AND slot_id = $2 ORDER BY version ASC`,
		string(key.Language), key.SlotID)
	if err != nil {
		return nil, fmt.Errorf("load slot history: %w", err)
	}
	defer rows.Close()
	history := make([]domain.PromotionEvent, 0)
	for rows.Next() {
		var ev domain.PromotionEvent
		var outgoing sql.NullString
		if err := rows.Scan(&ev.StagingID, &ev.ContentHash, &ev.PromotedAt, &outgoing, &ev.Version); err != nil {
			return nil, fmt.Errorf("scan slot history: %w", err)
		}
		ev.PromotedAt = ev.PromotedAt.UTC()
		ev.OutgoingStagingID = outgoing.String
		history = append(history, ev)
	}
	return history, rows.Err()
}

func scanSlot(row rowScanner) (domain.Slot, error) {
	var slot domain.Slot
	var language string
	var activeID, activeHash, reason sql.NullString
	if err := row.Scan(&language, &slot.Key.SlotID, &slot.Position, &slot.Version, &activeID, &activeHash,
		&slot.Locked, &reason, &slot.DeclaredAt, &slot.UpdatedAt); err != nil {
		return domain.Slot{}, err
	}
	slot.Key.Language = domain.Language(language)
	slot.ActiveStagingID = activeID.String
	slot.ActiveSnippetHash = activeHash.String
	slot.LockReason = reason.String
	slot.DeclaredAt = slot.DeclaredAt.UTC()
	slot.UpdatedAt = slot.UpdatedAt.UTC()
	slot.History = []domain.PromotionEvent{}
	return slot, nil
}
