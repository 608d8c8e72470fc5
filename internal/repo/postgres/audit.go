package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/platform/auditlog"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

// auditChainLockKey serializes appends so seq and prev_sha256 form one chain.
const auditChainLockKey int64 = 0x6d61727368616c

const auditColumns = `seq, event_id, kind, occurred_at, staging_id, language, slot_id, content_hash, actor, request_id, payload, prev_sha256, integrity_sha256`

type AuditStore struct {
	db TxDB
}

func (s *AuditStore) AppendEvent(ctx context.Context, event domain.AuditEvent) (domain.AuditEvent, error) {
	if err := event.Validate(); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit event: %w", err)
	}
	payload, err := auditlog.EncodePayload(event.Payload)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	// timestamptz keeps microseconds; hash what will be read back.
	event.OccurredAt = event.OccurredAt.UTC().Truncate(time.Microsecond)

	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}
		var lastSeq sql.NullInt64
		var lastHash sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT seq, integrity_sha256 FROM snippet_audit_events ORDER BY seq DESC LIMIT 1`,
		).Scan(&lastSeq, &lastHash)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read audit head: %w", err)
		}
		event.Seq = lastSeq.Int64 + 1
		event.PrevHash = auditlog.GenesisHash
		if lastHash.Valid {
			event.PrevHash = lastHash.String
		}
		sum, err := auditlog.ComputeIntegritySHA256(event.Entry(payload))
		if err != nil {
			return err
		}
		event.IntegritySHA256 = sum

		_, err = tx.ExecContext(ctx,
			`INSERT INTO snippet_audit_events (`+auditColumns+`)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			event.Seq,
			event.EventID,
			string(event.Kind),
			event.OccurredAt,
			nullString(event.StagingID),
			nullString(string(event.Language)),
			nullString(event.SlotID),
			nullString(event.ContentHash),
			strings.TrimSpace(event.Actor),
			nullString(event.RequestID),
			string(payload),
			event.PrevHash,
			event.IntegritySHA256,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.AuditEvent{}, err
	}
	return event, nil
}

func (s *AuditStore) ListEvents(ctx context.Context, filter repo.AuditFilter) ([]domain.AuditEvent, error) {
	query, args := buildAuditListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	out := make([]domain.AuditEvent, 0)
	for rows.Next() {
		var e domain.AuditEvent
		var kind, payload string
		var stagingID, language, slotID, contentHash, requestID sql.NullString
		if err := rows.Scan(&e.Seq, &e.EventID, &kind, &e.OccurredAt, &stagingID, &language, &slotID,
			&contentHash, &e.Actor, &requestID, &payload, &e.PrevHash, &e.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Kind = domain.EventKind(kind)
		e.OccurredAt = e.OccurredAt.UTC()
		e.StagingID = stagingID.String
		e.Language = domain.Language(language.String)
		e.SlotID = slotID.String
		e.ContentHash = contentHash.String
		e.RequestID = requestID.String
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload seq %d: %w", e.Seq, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

func buildAuditListQuery(filter repo.AuditFilter) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 6)

	if filter.AfterSeq > 0 {
		args = append(args, filter.AfterSeq)
		clauses = append(clauses, fmt.Sprintf("seq > $%d", len(args)))
	}
	if filter.StagingID != "" {
		args = append(args, filter.StagingID)
		clauses = append(clauses, fmt.Sprintf("staging_id = $%d", len(args)))
	}
	if filter.Slot != nil {
		args = append(args, string(filter.Slot.Language), filter.Slot.SlotID)
		clauses = append(clauses, fmt.Sprintf("language = $%d AND slot_id = $%d", len(args)-1, len(args)))
	}
	if filter.ContentHash != "" {
		args = append(args, filter.ContentHash)
		clauses = append(clauses, fmt.Sprintf("content_hash = $%d", len(args)))
	}
	if len(filter.Kinds) > 0 {
		placeholders := make([]string, 0, len(filter.Kinds))
		for _, k := range filter.Kinds {
			args = append(args, string(k))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ",")+")")
	}

	query := `SELECT ` + auditColumns + ` FROM snippet_audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}
