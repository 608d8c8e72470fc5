package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
)

// Pool bounds concurrent executions per engine. Waiters are served in
// arrival order and one engine's backlog never consumes another's workers.
type Pool struct {
	runner Runner
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	partitions map[domain.EngineID]*partition

	now   func() time.Time
	sleep func(time.Duration)
}

type partition struct {
	workers int64
	sem     *semaphore.Weighted
	waiting atomic.Int64
	running atomic.Int64
}

// PartitionStats is a point-in-time view of one engine's workers.
type PartitionStats struct {
	Engine  domain.EngineID `json:"engine"`
	Workers int64           `json:"workers"`
	Running int64           `json:"running"`
	Waiting int64           `json:"waiting"`
}

func NewPool(runner Runner, cfg Config, logger *slog.Logger) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("sandbox runner is required")
	}
	if cfg.Limits.Timeout <= 0 {
		return nil, fmt.Errorf("sandbox timeout must be positive, got %s", cfg.Limits.Timeout)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pool{
		runner:     runner,
		cfg:        cfg,
		logger:     logger,
		partitions: make(map[domain.EngineID]*partition),
		now:        time.Now,
		sleep:      time.Sleep,
	}, nil
}

func (p *Pool) partition(desc engine.Descriptor) *partition {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := desc.ID()
	part, ok := p.partitions[id]
	if !ok {
		workers := int64(desc.Workers)
		if workers < 1 {
			workers = 1
		}
		part = &partition{workers: workers, sem: semaphore.NewWeighted(workers)}
		p.partitions[id] = part
	}
	return part
}

// Execute waits for a worker on the request's engine, then runs the snippet.
// Cancelling ctx only matters while waiting; once started, the run is bounded
// by the sandbox timeout alone. Infrastructure failures are retried with
// backoff on the same worker and surface as *domain.SandboxInfraError.
func (p *Pool) Execute(ctx context.Context, req Request) (domain.ExecutionOutcome, error) {
	if err := req.Engine.Validate(); err != nil {
		return domain.ExecutionOutcome{}, err
	}
	part := p.partition(req.Engine)

	part.waiting.Add(1)
	err := part.sem.Acquire(ctx, 1)
	part.waiting.Add(-1)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	defer part.sem.Release(1)

	if req.Admit != nil && !req.Admit() {
		return domain.ExecutionOutcome{}, &domain.AbandonedError{StagingID: req.StagingID}
	}

	part.running.Add(1)
	defer part.running.Add(-1)

	runCtx := context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		outcome, err := p.attempt(runCtx, req, attempt)
		if err == nil {
			outcome.Attempts = attempt
			return outcome, nil
		}
		lastErr = err
		p.logger.Warn("sandbox attempt failed",
			"staging_id", req.StagingID,
			"engine", string(req.Engine.ID()),
			"runner", p.runner.Name(),
			"attempt", attempt,
			"max_attempts", p.cfg.MaxAttempts,
			"error", err,
		)
		if attempt < p.cfg.MaxAttempts {
			p.sleep(p.cfg.Backoff.Delay(attempt))
		}
	}
	return domain.ExecutionOutcome{}, &domain.SandboxInfraError{
		StagingID: req.StagingID,
		Engine:    req.Engine.ID(),
		Attempts:  p.cfg.MaxAttempts,
		Err:       lastErr,
	}
}

func (p *Pool) attempt(ctx context.Context, req Request, attempt int) (domain.ExecutionOutcome, error) {
	dir, err := p.prepareScratch(req)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.logger.Warn("remove scratch dir", "dir", dir, "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Limits.Timeout)
	defer cancel()

	start := p.now()
	res, err := p.runner.Run(runCtx, Invocation{
		StagingID: req.StagingID,
		Attempt:   attempt,
		Engine:    req.Engine,
		Dir:       dir,
		Limits:    p.cfg.Limits,
	})
	elapsed := p.now().Sub(start)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	return classify(res, elapsed), nil
}

func classify(res RunResult, elapsed time.Duration) domain.ExecutionOutcome {
	out := domain.ExecutionOutcome{
		Stdout:     string(res.Stdout),
		Stderr:     string(res.Stderr),
		ExitStatus: res.ExitCode,
		Elapsed:    elapsed,
		Truncated:  res.Truncated,
	}
	switch {
	case res.TimedOut:
		// Partial output of a killed run is never judged.
		out.Kind = domain.OutcomeTimeout
		out.Stdout = ""
		out.ExitStatus = -1
	case res.ExitCode != 0:
		out.Kind = domain.OutcomeRuntimeError
	default:
		out.Kind = domain.OutcomeOK
	}
	return out
}

func (p *Pool) prepareScratch(req Request) (string, error) {
	dir, err := os.MkdirTemp(p.cfg.ScratchRoot, "marshal-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	// Container users run unprivileged and must be able to write build output.
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("chmod scratch dir: %w", err)
	}
	path := filepath.Join(dir, req.Engine.Filename)
	if err := os.WriteFile(path, req.Snippet.Source, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("write source: %w", err)
	}
	return dir, nil
}

// Stats reports every engine partition that has been used so far.
func (p *Pool) Stats() []PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PartitionStats, 0, len(p.partitions))
	for id, part := range p.partitions {
		out = append(out, PartitionStats{
			Engine:  id,
			Workers: part.workers,
			Running: part.running.Load(),
			Waiting: part.waiting.Load(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}
