// Package intake validates submissions, stores their normalized source and
// creates STAGED records.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/platform/env"
	"github.com/animus-labs/snippet-marshal/internal/repo"
)

const (
	maxLabelLen     = 200
	maxSubmitterLen = 200
	idAttempts      = 5
)

type Config struct {
	MaxSourceBytes int64
}

func ConfigFromEnv() (Config, error) {
	limit, err := env.Bytes("MARSHAL_MAX_SOURCE_BYTES", 256<<10)
	if err != nil {
		return Config{}, err
	}
	if limit <= 0 {
		return Config{}, errors.New("MARSHAL_MAX_SOURCE_BYTES must be positive")
	}
	return Config{MaxSourceBytes: limit}, nil
}

type Request struct {
	Language  domain.Language `json:"language"`
	Engine    domain.EngineID `json:"engine"`
	SlotID    string          `json:"slot_id"`
	Label     string          `json:"label"`
	Source    string          `json:"source"`
	Submitter string          `json:"submitter,omitempty"`
	// AutoPromote asks the scheduler to promote on PASS.
	AutoPromote bool `json:"auto_promote,omitempty"`
}

// ContentStore is satisfied by *contentstore.Store.
type ContentStore interface {
	Store(ctx context.Context, language domain.Language, data []byte) (string, bool, error)
}

// Dispatcher queues a staged attempt for execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, stagingID string, autoPromote bool) error
}

type Service struct {
	cfg        Config
	engines    *engine.Catalog
	content    ContentStore
	staging    repo.StagingRepository
	audit      audit.Appender
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

func NewService(cfg Config, engines *engine.Catalog, content ContentStore, staging repo.StagingRepository, log audit.Appender, logger *slog.Logger) *Service {
	if cfg.MaxSourceBytes <= 0 {
		cfg.MaxSourceBytes = 256 << 10
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Service{
		cfg:     cfg,
		engines: engines,
		content: content,
		staging: staging,
		audit:   log,
		logger:  logger,
		now:     time.Now,
		newID:   NewStagingID,
	}
}

// SetDispatcher wires the scheduler. It breaks the construction cycle
// between intake and the pipeline.
func (s *Service) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// NewStagingID returns "stg-" followed by twelve random hex digits.
func NewStagingID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "stg-" + raw[:12]
}

// Submit stages the snippet and hands it to the dispatcher. When the queue
// rejects it the record is still returned alongside the error.
func (s *Service) Submit(ctx context.Context, req Request) (domain.StagingRecord, error) {
	rec, err := s.Stage(ctx, req)
	if err != nil {
		return domain.StagingRecord{}, err
	}
	if s.dispatcher == nil {
		return rec, nil
	}
	if err := s.dispatcher.Enqueue(ctx, rec.StagingID, req.AutoPromote); err != nil {
		return rec, err
	}
	return rec, nil
}

// Stage validates, normalizes and stores the snippet and creates the STAGED
// record without scheduling it.
func (s *Service) Stage(ctx context.Context, req Request) (domain.StagingRecord, error) {
	lang := req.Language.Normalized()
	desc, err := s.engines.Resolve(lang, req.Engine)
	if err != nil {
		return domain.StagingRecord{}, err
	}
	position, err := desc.SlotPosition(strings.TrimSpace(req.SlotID))
	if err != nil {
		return domain.StagingRecord{}, err
	}
	label := strings.TrimSpace(req.Label)
	submitter := strings.TrimSpace(req.Submitter)
	if err := s.validate(label, submitter, req.Source); err != nil {
		return domain.StagingRecord{}, err
	}

	normalized := engine.Normalize(desc.Normalize, []byte(req.Source))
	if len(normalized) == 0 {
		return domain.StagingRecord{}, &domain.ValidationError{Issues: []string{"source is empty after normalization"}}
	}
	hash, created, err := s.content.Store(ctx, lang, normalized)
	if err != nil {
		return domain.StagingRecord{}, fmt.Errorf("store snippet: %w", err)
	}

	rec := domain.StagingRecord{
		ContentHash: hash,
		Language:    lang,
		Engine:      desc.ID(),
		SlotID:      strings.TrimSpace(req.SlotID),
		Position:    position,
		Label:       label,
		Submitter:   submitter,
		CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}
	for attempt := 1; ; attempt++ {
		rec.StagingID = s.newID()
		rec.IntegritySHA256, err = RecordIntegrity(rec)
		if err != nil {
			return domain.StagingRecord{}, err
		}
		err = s.staging.CreateStaging(ctx, rec)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrConflict) || attempt == idAttempts {
			return domain.StagingRecord{}, fmt.Errorf("create staging record: %w", err)
		}
	}

	if _, err := s.audit.Append(ctx, domain.AuditEvent{
		Kind:        domain.EventStagingCreated,
		StagingID:   rec.StagingID,
		Language:    rec.Language,
		SlotID:      rec.SlotID,
		ContentHash: rec.ContentHash,
		OccurredAt:  rec.CreatedAt,
		Payload: map[string]any{
			"engine":       string(rec.Engine),
			"label":        rec.Label,
			"position":     rec.Position,
			"submitter":    rec.Submitter,
			"blob_created": created,
			"size_bytes":   len(normalized),
		},
	}); err != nil {
		s.logger.Error("audit staging created", "staging_id", rec.StagingID, "error", err)
	}

	s.logger.Info("snippet staged",
		"staging_id", rec.StagingID,
		"engine", string(rec.Engine),
		"slot", rec.SlotKey().String(),
		"content_hash", rec.ContentHash,
		"size", humanize.IBytes(uint64(len(normalized))),
		"new_blob", created,
	)
	return rec, nil
}

func (s *Service) validate(label, submitter, source string) error {
	var v domain.ValidationError
	switch {
	case label == "":
		v.Add("label is required")
	case utf8.RuneCountInString(label) > maxLabelLen:
		v.Add(fmt.Sprintf("label exceeds %d characters", maxLabelLen))
	case strings.IndexFunc(label, unicode.IsControl) >= 0:
		v.Add("label must not contain control characters")
	}
	if utf8.RuneCountInString(submitter) > maxSubmitterLen {
		v.Add(fmt.Sprintf("submitter exceeds %d characters", maxSubmitterLen))
	}
	switch {
	case strings.TrimSpace(strings.TrimPrefix(source, "\uFEFF")) == "":
		v.Add("source is required")
	case int64(len(source)) > s.cfg.MaxSourceBytes:
		v.Add(fmt.Sprintf("source is %s, limit is %s",
			humanize.IBytes(uint64(len(source))), humanize.IBytes(uint64(s.cfg.MaxSourceBytes))))
	case !utf8.ValidString(source):
		v.Add("source must be valid UTF-8")
	}
	return v.OrNil()
}

// RecordIntegrity digests the immutable identity of a staging record.
func RecordIntegrity(rec domain.StagingRecord) (string, error) {
	blob, err := json.Marshal(struct {
		StagingID   string `json:"staging_id"`
		ContentHash string `json:"content_hash"`
		Language    string `json:"language"`
		Engine      string `json:"engine"`
		SlotID      string `json:"slot_id"`
		Position    int    `json:"position"`
		Label       string `json:"label"`
		Submitter   string `json:"submitter"`
		CreatedAt   string `json:"created_at"`
	}{
		StagingID:   rec.StagingID,
		ContentHash: rec.ContentHash,
		Language:    string(rec.Language),
		Engine:      string(rec.Engine),
		SlotID:      rec.SlotID,
		Position:    rec.Position,
		Label:       rec.Label,
		Submitter:   rec.Submitter,
		CreatedAt:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
