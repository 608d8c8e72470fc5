package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

const stagingColumns = `staging_id, content_hash, language, engine_id, slot_id, position, label, submitter, created_at,
	spec_status, spec_elapsed_ns, spec_detail, spec_output, verified_at, promoted_at, abandoned_at, integrity_sha256`

type StagingStore struct {
	db TxDB
}

func (s *StagingStore) CreateStaging(ctx context.Context, rec domain.StagingRecord) error {
	if err := requireIntegrity(rec.IntegritySHA256); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staging_records (staging_id, content_hash, language, engine_id, slot_id, position, label, submitter, created_at, integrity_sha256)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.StagingID,
		rec.ContentHash,
		string(rec.Language),
		string(rec.Engine),
		rec.SlotID,
		rec.Position,
		rec.Label,
		nullString(rec.Submitter),
		rec.CreatedAt.UTC(),
		rec.IntegritySHA256,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repo.ErrConflict
		}
		return fmt.Errorf("insert staging record: %w", err)
	}
	return nil
}

func (s *StagingStore) GetStaging(ctx context.Context, stagingID string) (domain.StagingRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+stagingColumns+` FROM staging_records WHERE staging_id = $1`, stagingID)
	rec, err := scanStaging(row)
	if err != nil {
		return domain.StagingRecord{}, handleNotFound(err)
	}
	return rec, nil
}

func (s *StagingStore) ListStaging(ctx context.Context, filter repo.StagingFilter) ([]domain.StagingRecord, error) {
	query, args := buildStagingListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list staging records: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StagingRecord, 0)
	for rows.Next() {
		rec, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staging record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list staging records: %w", err)
	}
	return out, nil
}

func buildStagingListQuery(filter repo.StagingFilter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 5)

	if filter.Language != "" {
		args = append(args, string(filter.Language))
		clauses = append(clauses, fmt.Sprintf("language = $%d", len(args)))
	}
	if filter.SlotID != "" {
		args = append(args, filter.SlotID)
		clauses = append(clauses, fmt.Sprintf("slot_id = $%d", len(args)))
	}
	if filter.ContentHash != "" {
		args = append(args, filter.ContentHash)
		clauses = append(clauses, fmt.Sprintf("content_hash = $%d", len(args)))
	}
	if pred := statePredicate(filter.State); pred != "" {
		clauses = append(clauses, pred)
	}

	query := `SELECT ` + stagingColumns + ` FROM staging_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, staging_id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func statePredicate(state domain.StagingState) string {
	switch state {
	case domain.StatePromoted:
		return "promoted_at IS NOT NULL"
	case domain.StateAbandoned:
		return "promoted_at IS NULL AND abandoned_at IS NOT NULL"
	case domain.StateStaged:
		return "promoted_at IS NULL AND abandoned_at IS NULL AND spec_status IS NULL"
	case domain.StateVerifiedPass:
		return "promoted_at IS NULL AND abandoned_at IS NULL AND spec_status = 'PASS'"
	case domain.StateVerifiedFail:
		return "promoted_at IS NULL AND abandoned_at IS NULL AND spec_status IS NOT NULL AND spec_status <> 'PASS'"
	default:
		return ""
	}
}

func (s *StagingStore) CountByState(ctx context.Context) (map[domain.StagingState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		CASE
			WHEN promoted_at IS NOT NULL THEN 'PROMOTED'
			WHEN abandoned_at IS NOT NULL THEN 'ABANDONED'
			WHEN spec_status IS NULL THEN 'STAGED'
			WHEN spec_status = 'PASS' THEN 'VERIFIED_PASS'
			ELSE 'VERIFIED_FAIL'
		END AS state, count(*)
		FROM staging_records GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("count staging records: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.StagingState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.StagingState(state)] = n
	}
	return out, rows.Err()
}

func (s *StagingStore) AttachSpecResult(ctx context.Context, stagingID string, result domain.SpecResult) (domain.StagingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE staging_records
		 SET spec_status = $2, spec_elapsed_ns = $3, spec_detail = $4, spec_output = $5, verified_at = $6
		 WHERE staging_id = $1 AND spec_status IS NULL AND abandoned_at IS NULL
		 RETURNING `+stagingColumns,
		stagingID,
		string(result.Status),
		int64(result.Elapsed),
		nullString(result.Detail),
		sql.NullString{String: result.Output, Valid: result.Output != ""},
		result.VerifiedAt.UTC(),
	)
	rec, err := scanStaging(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StagingRecord{}, fmt.Errorf("attach spec result: %w", err)
	}
	current, getErr := s.GetStaging(ctx, stagingID)
	if getErr != nil {
		return domain.StagingRecord{}, getErr
	}
	if current.SpecResult != nil {
		return current, repo.ErrAlreadyVerified
	}
	return current, repo.ErrAbandoned
}

func (s *StagingStore) MarkAbandoned(ctx context.Context, stagingID string, at time.Time) (domain.StagingRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`UPDATE staging_records SET abandoned_at = COALESCE(abandoned_at, $2)
		 WHERE staging_id = $1 AND spec_status IS NULL
		 RETURNING `+stagingColumns,
		stagingID, at.UTC(),
	)
	rec, err := scanStaging(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.StagingRecord{}, fmt.Errorf("abandon staging record: %w", err)
	}
	current, getErr := s.GetStaging(ctx, stagingID)
	if getErr != nil {
		return domain.StagingRecord{}, getErr
	}
	return current, repo.ErrAlreadyVerified
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStaging(row rowScanner) (domain.StagingRecord, error) {
	var rec domain.StagingRecord
	var language, engine string
	var submitter, specStatus, specDetail, specOut sql.NullString
	var specElapsed sql.NullInt64
	var verifiedAt, promotedAt, abandonedAt sql.NullTime
	if err := row.Scan(
		&rec.StagingID, &rec.ContentHash, &language, &engine, &rec.SlotID, &rec.Position, &rec.Label, &submitter, &rec.CreatedAt,
		&specStatus, &specElapsed, &specDetail, &specOut, &verifiedAt, &promotedAt, &abandonedAt, &rec.IntegritySHA256,
	); err != nil {
		return domain.StagingRecord{}, err
	}
	rec.Language = domain.Language(language)
	rec.Engine = domain.EngineID(engine)
	rec.Submitter = submitter.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	if specStatus.Valid {
		rec.SpecResult = &domain.SpecResult{
			Status:     domain.SpecStatus(specStatus.String),
			Elapsed:    time.Duration(specElapsed.Int64),
			Detail:     specDetail.String,
			Output:     specOut.String,
			VerifiedAt: verifiedAt.Time.UTC(),
		}
	}
	rec.PromotedAt = timePtr(promotedAt)
	rec.AbandonedAt = timePtr(abandonedAt)
	return rec, nil
}
