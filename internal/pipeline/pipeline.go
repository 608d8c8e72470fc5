// Package pipeline drives staged attempts through execution, verification
// and optional promotion, either queued or synchronously.
package pipeline

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
	"github.com/animus-labs/snippet-marshal/internal/intake"
	"github.com/animus-labs/snippet-marshal/internal/platform/env"
	"github.com/animus-labs/snippet-marshal/internal/repo"
	"github.com/animus-labs/snippet-marshal/internal/sandbox"
)

type Config struct {
	QueueCapacity       int
	PromoteRetries      int
	ReverifyParallelism int
}

func ConfigFromEnv() (Config, error) {
	capacity, err := env.Int("MARSHAL_QUEUE_CAPACITY", 256)
	if err != nil {
		return Config{}, err
	}
	retries, err := env.Int("MARSHAL_PROMOTE_RETRIES", 5)
	if err != nil {
		return Config{}, err
	}
	parallel, err := env.Int("MARSHAL_REVERIFY_PARALLELISM", 4)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{QueueCapacity: capacity, PromoteRetries: retries, ReverifyParallelism: parallel}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.QueueCapacity < 1:
		return errors.New("MARSHAL_QUEUE_CAPACITY must be >= 1")
	case c.PromoteRetries < 0:
		return errors.New("MARSHAL_PROMOTE_RETRIES must be >= 0")
	case c.ReverifyParallelism < 1:
		return errors.New("MARSHAL_REVERIFY_PARALLELISM must be >= 1")
	}
	return nil
}

// Executor is satisfied by *sandbox.Pool.
type Executor interface {
	Execute(ctx context.Context, req sandbox.Request) (domain.ExecutionOutcome, error)
}

type ContentFetcher interface {
	Fetch(ctx context.Context, hash string) (domain.Snippet, error)
}

type Verifier interface {
	Verify(ctx context.Context, stagingID string, outcome domain.ExecutionOutcome) (domain.SpecResult, error)
}

// Promoter is satisfied by *promotion.Coordinator.
type Promoter interface {
	PromoteWithRetry(ctx context.Context, stagingID string, retries int) (domain.PromotionEvent, error)
	GetSlot(ctx context.Context, key domain.SlotKey) (domain.Slot, error)
	ListSlots(ctx context.Context, language domain.Language) ([]domain.Slot, error)
}

type Stager interface {
	Stage(ctx context.Context, req intake.Request) (domain.StagingRecord, error)
}

type Deps struct {
	Engines  *engine.Catalog
	Staging  repo.StagingRepository
	Content  ContentFetcher
	Executor Executor
	Verifier Verifier
	Promoter Promoter
	Stager   Stager
	Audit    audit.Appender
	Logger   *slog.Logger
}

// Result is the state of one attempt after Process. A failed auto-promotion
// does not fail the attempt; it is reported in PromotionError.
type Result struct {
	Record         domain.StagingRecord     `json:"record"`
	Outcome        *domain.ExecutionOutcome `json:"outcome,omitempty"`
	Promotion      *domain.PromotionEvent   `json:"promotion,omitempty"`
	PromotionError string                   `json:"promotion_error,omitempty"`
	promotionErr   error
}

// PromotionErr returns the typed auto-promotion failure, if any.
func (r Result) PromotionErr() error { return r.promotionErr }

type Pipeline struct {
	cfg      Config
	engines  *engine.Catalog
	staging  repo.StagingRepository
	content  ContentFetcher
	executor Executor
	verifier Verifier
	promoter Promoter
	stager   Stager
	audit    audit.Appender
	logger   *slog.Logger
	now      func() time.Time

	sched scheduler
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Engines == nil, deps.Staging == nil, deps.Content == nil, deps.Executor == nil,
		deps.Verifier == nil, deps.Promoter == nil, deps.Stager == nil, deps.Audit == nil:
		return nil, errors.New("pipeline: missing dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Pipeline{
		cfg:      cfg,
		engines:  deps.Engines,
		staging:  deps.Staging,
		content:  deps.Content,
		executor: deps.Executor,
		verifier: deps.Verifier,
		promoter: deps.Promoter,
		stager:   deps.Stager,
		audit:    deps.Audit,
		logger:   logger,
		now:      time.Now,
	}
	p.sched.init()
	return p, nil
}

// RunFull stages the request and processes it synchronously.
func (p *Pipeline) RunFull(ctx context.Context, req intake.Request) (Result, error) {
	rec, err := p.stager.Stage(ctx, req)
	if err != nil {
		return Result{}, err
	}
	return p.Process(ctx, rec.StagingID, req.AutoPromote, nil)
}

// Process executes, verifies and, when autoPromote is set and the verdict is
// PASS, promotes one staged attempt. admit may veto the run once a sandbox
// worker is reserved.
//
// Exhausted infrastructure retries leave the record STAGED and return
// *domain.SandboxInfraError.
func (p *Pipeline) Process(ctx context.Context, stagingID string, autoPromote bool, admit func() bool) (Result, error) {
	rec, err := p.staging.GetStaging(ctx, stagingID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, &domain.UnknownStagingIDError{StagingID: stagingID}
		}
		return Result{}, fmt.Errorf("load staging %s: %w", stagingID, err)
	}
	switch rec.State() {
	case domain.StateStaged:
	case domain.StateAbandoned:
		return Result{Record: rec}, &domain.AbandonedError{StagingID: stagingID}
	default:
		return Result{Record: rec}, &domain.AlreadyVerifiedError{StagingID: stagingID, Status: rec.SpecResult.Status}
	}

	if admit == nil {
		defer p.sched.running(stagingID)()
	}

	desc, err := p.engines.Resolve(rec.Language, rec.Engine)
	if err != nil {
		return Result{Record: rec}, err
	}
	snippet, err := p.content.Fetch(ctx, rec.ContentHash)
	if err != nil {
		return Result{Record: rec}, err
	}

	outcome, err := p.executor.Execute(ctx, sandbox.Request{
		StagingID: stagingID,
		Snippet:   snippet,
		Engine:    desc,
		Admit:     admit,
	})
	// From here on the attempt has run; its result is recorded regardless
	// of the caller going away.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		var infra *domain.SandboxInfraError
		if errors.As(err, &infra) {
			p.appendEvent(ctx, rec, domain.EventExecutionFailed, map[string]any{
				"error":    infra.Err.Error(),
				"attempts": infra.Attempts,
			})
			p.logger.Error("sandbox unavailable", "staging_id", stagingID, "engine", string(rec.Engine), "attempts", infra.Attempts, "error", infra.Err)
		}
		return Result{Record: rec}, err
	}

	p.appendEvent(ctx, rec, domain.EventExecutionCompleted, map[string]any{
		"kind":        string(outcome.Kind),
		"exit_status": outcome.ExitStatus,
		"elapsed_ns":  int64(outcome.Elapsed),
		"attempts":    outcome.Attempts,
		"truncated":   outcome.Truncated,
	})

	result := Result{Outcome: &outcome}
	verdict, err := p.verifier.Verify(ctx, stagingID, outcome)
	if err != nil {
		result.Record = rec
		return result, err
	}

	if autoPromote && verdict.Status == domain.SpecStatusPass {
		event, err := p.promoter.PromoteWithRetry(ctx, stagingID, p.cfg.PromoteRetries)
		if err != nil {
			result.promotionErr = err
			result.PromotionError = err.Error()
			p.logger.Warn("auto-promotion failed", "staging_id", stagingID, "slot", rec.SlotKey().String(), "error", err)
		} else {
			result.Promotion = &event
		}
	}

	result.Record, err = p.staging.GetStaging(ctx, stagingID)
	if err != nil {
		return result, fmt.Errorf("reload staging %s: %w", stagingID, err)
	}
	return result, nil
}

func (p *Pipeline) appendEvent(ctx context.Context, rec domain.StagingRecord, kind domain.EventKind, payload map[string]any) {
	if _, err := p.audit.Append(ctx, domain.AuditEvent{
		Kind:        kind,
		StagingID:   rec.StagingID,
		Language:    rec.Language,
		SlotID:      rec.SlotID,
		ContentHash: rec.ContentHash,
		OccurredAt:  p.now(),
		Payload:     payload,
	}); err != nil {
		p.logger.Error("audit append", "kind", string(kind), "staging_id", rec.StagingID, "error", err)
	}
}
