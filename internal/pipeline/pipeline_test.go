package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/animus-labs/snippet-marshal/internal/audit"
	"github.com/animus-labs/snippet-marshal/internal/contentstore"
	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
	"github.com/animus-labs/snippet-marshal/internal/intake"
	"github.com/animus-labs/snippet-marshal/internal/promotion"
	"github.com/animus-labs/snippet-marshal/internal/repo/memory"
	"github.com/animus-labs/snippet-marshal/internal/sandbox"
	"github.com/animus-labs/snippet-marshal/internal/storage/objectstore"
	"github.com/animus-labs/snippet-marshal/internal/verifier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	factorialSrc = "fn main() { println!(\"{}\", factorial(10)); }\n"
	fibSrc       = "fn main() { println!(\"{}\", fib(20)); }\n"
	slowSrc      = "fn main() { loop {} }\n"
)

// scriptedRunner answers by source file content instead of running anything.
type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	gate    chan struct{}
	started chan string
	infra   bool
}

func (r *scriptedRunner) Name() string { return "scripted" }

func (r *scriptedRunner) Run(ctx context.Context, inv sandbox.Invocation) (sandbox.RunResult, error) {
	src, err := os.ReadFile(filepath.Join(inv.Dir, inv.Engine.Filename))
	if err != nil {
		return sandbox.RunResult{}, err
	}
	r.mu.Lock()
	r.calls = append(r.calls, inv.StagingID)
	r.mu.Unlock()
	if r.infra {
		return sandbox.RunResult{}, errors.New("docker daemon unreachable")
	}
	if r.started != nil {
		r.started <- inv.StagingID
	}
	if r.gate != nil {
		<-r.gate
	}
	switch {
	case strings.Contains(string(src), "factorial"):
		return sandbox.RunResult{Stdout: []byte("3628800\n")}, nil
	case strings.Contains(string(src), "fib"):
		return sandbox.RunResult{Stdout: []byte("6765\n")}, nil
	default:
		<-ctx.Done()
		return sandbox.RunResult{TimedOut: true, ExitCode: -1}, nil
	}
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type harness struct {
	p      *Pipeline
	intake *intake.Service
	coord  *promotion.Coordinator
	store  *memory.Store
	log    *audit.Log
	runner *scriptedRunner
}

func newHarness(t *testing.T, runner *scriptedRunner, cfg Config) harness {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	content, err := contentstore.New(objectstore.NewMemoryStore(), "snippets")
	if err != nil {
		t.Fatal(err)
	}
	engines, err := engine.DefaultCatalog(1)
	if err != nil {
		t.Fatal(err)
	}
	log := audit.New(store.Audit())
	specs, err := verifier.DefaultCatalog()
	if err != nil {
		t.Fatal(err)
	}
	pool, err := sandbox.NewPool(runner, sandbox.Config{
		Mode:        sandbox.ModeProcess,
		ScratchRoot: t.TempDir(),
		Limits:      sandbox.Limits{Timeout: 300 * time.Millisecond, MaxOutputBytes: 1 << 20},
		MaxAttempts: 2,
		Backoff:     sandbox.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1},
	}, discard)
	if err != nil {
		t.Fatal(err)
	}
	coord := promotion.NewCoordinator(engines, store.Staging(), store.Slots(), log, discard)
	in := intake.NewService(intake.Config{}, engines, content, store.Staging(), log, discard)
	p, err := New(cfg, Deps{
		Engines:  engines,
		Staging:  store.Staging(),
		Content:  content,
		Executor: pool,
		Verifier: verifier.New(store.Staging(), specs, log, verifier.Options{Logger: discard}),
		Promoter: coord,
		Stager:   in,
		Audit:    log,
		Logger:   discard,
	})
	if err != nil {
		t.Fatal(err)
	}
	in.SetDispatcher(p)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return harness{p: p, intake: in, coord: coord, store: store, log: log, runner: runner}
}

func defaultConfig() Config {
	return Config{QueueCapacity: 8, PromoteRetries: 3, ReverifyParallelism: 2}
}

func rustRequest(slot, label, src string) intake.Request {
	return intake.Request{Language: "rust", Engine: "RUST-d", SlotID: slot, Label: label, Source: src, AutoPromote: true}
}

func kinds(events []domain.AuditEvent) []domain.EventKind {
	out := make([]domain.EventKind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestRunFullPromotesPassingSnippet(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, defaultConfig())
	ctx := context.Background()

	res, err := h.p.RunFull(ctx, rustRequest("d2", "Factorial", factorialSrc))
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if res.Record.State() != domain.StatePromoted || res.Promotion == nil || res.Promotion.Version != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Outcome == nil || res.Outcome.Kind != domain.OutcomeOK || res.Outcome.Attempts != 1 {
		t.Fatalf("outcome %+v", res.Outcome)
	}

	events, err := h.log.ForStaging(ctx, res.Record.StagingID)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.EventKind{domain.EventStagingCreated, domain.EventExecutionCompleted, domain.EventVerified, domain.EventPromoted}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
}

func TestRunFullTimeoutIsNotPromoted(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, defaultConfig())
	ctx := context.Background()

	res, err := h.p.RunFull(ctx, rustRequest("d2", "Factorial", slowSrc))
	if err != nil {
		t.Fatalf("RunFull: %v", err)
	}
	if res.Record.State() != domain.StateVerifiedFail || res.Record.SpecResult.Status != domain.SpecStatusTimeout {
		t.Fatalf("record %+v", res.Record)
	}
	if res.Promotion != nil || res.PromotionErr() != nil {
		t.Fatalf("timeout must not attempt promotion: %+v", res)
	}
	if _, err := h.coord.GetSlot(ctx, domain.SlotKey{Language: "rust", SlotID: "d2"}); !errors.As(err, new(*domain.UnknownSlotError)) {
		t.Fatalf("slot should not exist, got %v", err)
	}
	if _, err := h.coord.Promote(ctx, res.Record.StagingID); !errors.As(err, new(*domain.VerificationMismatchError)) {
		t.Fatalf("explicit promote should be refused, got %v", err)
	}
}

func TestInfraExhaustionLeavesRecordStaged(t *testing.T) {
	runner := &scriptedRunner{infra: true}
	h := newHarness(t, runner, defaultConfig())
	ctx := context.Background()

	res, err := h.p.RunFull(ctx, rustRequest("d2", "Factorial", factorialSrc))
	var infra *domain.SandboxInfraError
	if !errors.As(err, &infra) || infra.Attempts != 2 {
		t.Fatalf("expected SandboxInfraError after 2 attempts, got %v", err)
	}
	if runner.callCount() != 2 {
		t.Fatalf("runner calls = %d", runner.callCount())
	}
	rec, _ := h.store.Staging().GetStaging(ctx, res.Record.StagingID)
	if rec.State() != domain.StateStaged {
		t.Fatalf("state = %s", rec.State())
	}
	events, _ := h.log.ForStaging(ctx, rec.StagingID)
	if got := kinds(events); len(got) != 2 || got[1] != domain.EventExecutionFailed {
		t.Fatalf("events %v", got)
	}
}

func TestScheduledAttemptAndAbandon(t *testing.T) {
	runner := &scriptedRunner{gate: make(chan struct{}), started: make(chan string, 4)}
	h := newHarness(t, runner, defaultConfig())
	ctx := context.Background()

	first, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	select {
	case id := <-runner.started:
		if id != first.StagingID {
			t.Fatalf("started %s", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never started")
	}

	second, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc))
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if second.ContentHash != first.ContentHash || second.StagingID == first.StagingID {
		t.Fatalf("resubmit should share the blob but not the record")
	}
	if n := h.p.Pending(); n != 1 {
		t.Fatalf("pending = %d", n)
	}

	if _, err := h.p.Abandon(ctx, first.StagingID); !errors.As(err, new(*domain.ExecutionStartedError)) {
		t.Fatalf("abandoning a running attempt: got %v", err)
	}
	abandoned, err := h.p.Abandon(ctx, second.StagingID)
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if abandoned.State() != domain.StateAbandoned {
		t.Fatalf("state = %s", abandoned.State())
	}
	if _, err := h.p.Abandon(ctx, second.StagingID); err != nil {
		t.Fatalf("second Abandon: %v", err)
	}

	close(runner.gate)
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.p.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rec, _ := h.store.Staging().GetStaging(ctx, first.StagingID)
	if rec.State() != domain.StatePromoted {
		t.Fatalf("first attempt state = %s", rec.State())
	}
	if runner.callCount() != 1 {
		t.Fatalf("abandoned attempt must never run; calls = %d", runner.callCount())
	}
	events, _ := h.log.ForStaging(ctx, second.StagingID)
	if got := kinds(events); len(got) != 2 || got[1] != domain.EventStagingAbandoned {
		t.Fatalf("abandoned events %v", got)
	}
	if err := h.p.Enqueue(ctx, second.StagingID, false); !errors.As(err, new(*domain.AbandonedError)) {
		t.Fatalf("Enqueue abandoned: %v", err)
	}
}

func TestQueueFull(t *testing.T) {
	runner := &scriptedRunner{gate: make(chan struct{}), started: make(chan string, 4)}
	cfg := defaultConfig()
	cfg.QueueCapacity = 1
	h := newHarness(t, runner, cfg)
	ctx := context.Background()
	defer close(runner.gate)

	if _, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc)); err != nil {
		t.Fatal(err)
	}
	<-runner.started
	if _, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc)); err != nil {
		t.Fatal(err)
	}
	rec, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc))
	var full *domain.QueueFullError
	if !errors.As(err, &full) || full.Capacity != 1 {
		t.Fatalf("expected QueueFullError, got %v", err)
	}
	if rec.StagingID == "" || rec.State() != domain.StateStaged {
		t.Fatalf("rejected submission should still return its STAGED record: %+v", rec)
	}
}

func TestAbandonedAttemptsFreeQueueCapacity(t *testing.T) {
	runner := &scriptedRunner{gate: make(chan struct{}), started: make(chan string, 4)}
	cfg := defaultConfig()
	cfg.QueueCapacity = 2
	h := newHarness(t, runner, cfg)
	ctx := context.Background()

	if _, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc)); err != nil {
		t.Fatal(err)
	}
	<-runner.started
	for i := 0; i < 2; i++ {
		rec, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := h.p.Abandon(ctx, rec.StagingID); err != nil {
			t.Fatalf("Abandon: %v", err)
		}
	}

	submitted := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 2 && err == nil; i++ {
			_, err = h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc))
		}
		submitted <- err
	}()
	select {
	case err := <-submitted:
		if err != nil {
			t.Fatalf("Submit after abandon: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(runner.gate)
		t.Fatal("Submit blocked after queued attempts were abandoned")
	}
	if n := h.p.Pending(); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}
	if _, err := h.intake.Submit(ctx, rustRequest("d2", "Factorial", factorialSrc)); !errors.As(err, new(*domain.QueueFullError)) {
		t.Fatalf("expected QueueFullError, got %v", err)
	}

	close(runner.gate)
	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.p.Close(closeCtx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := h.p.Pending(); n != 0 {
		t.Fatalf("pending after close = %d", n)
	}
}

func TestReverify(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, defaultConfig())
	ctx := context.Background()
	d2 := domain.SlotKey{Language: "rust", SlotID: "d2"}
	d3 := domain.SlotKey{Language: "rust", SlotID: "d3"}

	first, err := h.p.RunFull(ctx, rustRequest("d2", "Factorial", factorialSrc))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.p.RunFull(ctx, rustRequest("d3", "Fibonacci", fibSrc)); err != nil {
		t.Fatal(err)
	}

	res, err := h.p.Reverify(ctx, d2)
	if err != nil {
		t.Fatalf("Reverify: %v", err)
	}
	if res.Promotion == nil || res.Promotion.Version != 2 || res.Promotion.OutgoingStagingID != first.Record.StagingID {
		t.Fatalf("reverify promotion %+v", res.Promotion)
	}
	if res.Record.ContentHash != first.Record.ContentHash || res.Record.Submitter != reverifySubmitter {
		t.Fatalf("reverify record %+v", res.Record)
	}

	if _, err := h.coord.Lock(ctx, d3, "frozen"); err != nil {
		t.Fatal(err)
	}
	results, err := h.p.ReverifyAll(ctx)
	if err != nil {
		t.Fatalf("ReverifyAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results %+v", results)
	}
	for _, r := range results {
		switch r.Slot {
		case d2:
			if r.Error != "" || r.Result == nil || r.Result.Promotion == nil || r.Result.Promotion.Version != 3 {
				t.Fatalf("d2 result %+v", r)
			}
		case d3:
			if r.Skipped != "locked" {
				t.Fatalf("d3 result %+v", r)
			}
		default:
			t.Fatalf("unexpected slot %v", r.Slot)
		}
	}

	if _, err := h.p.Reverify(ctx, domain.SlotKey{Language: "rust", SlotID: "d9"}); !errors.As(err, new(*domain.UnknownSlotError)) {
		t.Fatalf("Reverify empty slot: %v", err)
	}
}

func TestClosedSchedulerRejects(t *testing.T) {
	h := newHarness(t, &scriptedRunner{}, defaultConfig())
	ctx := context.Background()
	rec, err := h.intake.Stage(ctx, rustRequest("d2", "Factorial", factorialSrc))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.p.Enqueue(ctx, rec.StagingID, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue after Close: %v", err)
	}
	if n, err := h.p.Resume(ctx); n != 0 || err != nil {
		t.Fatalf("Resume after Close = %d, %v", n, err)
	}
}

func TestConfigValidate(t *testing.T) {
	if err := (Config{QueueCapacity: 0, ReverifyParallelism: 1}).Validate(); err == nil {
		t.Fatal("zero capacity should be rejected")
	}
	t.Setenv("MARSHAL_QUEUE_CAPACITY", "16")
	cfg, err := ConfigFromEnv()
	if err != nil || cfg.QueueCapacity != 16 || cfg.PromoteRetries != 5 {
		t.Fatalf("ConfigFromEnv = %+v, %v", cfg, err)
	}
}
