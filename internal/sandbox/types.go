// Package sandbox runs snippets in isolated, resource-bounded workers.
package sandbox

import (
	"context"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/domain"
	"github.com/animus-labs/snippet-marshal/internal/engine"
)

type Limits struct {
	Timeout        time.Duration
	MemoryBytes    int64
	MaxOutputBytes int64
	PidsLimit      int
}

// Invocation is one attempt to run a snippet. Dir is a private scratch
// directory that already holds the engine's source file.
type Invocation struct {
	StagingID string
	Attempt   int
	Engine    engine.Descriptor
	Dir       string
	Limits    Limits
}

type RunResult struct {
	Stdout    []byte
	Stderr    []byte
	ExitCode  int
	TimedOut  bool
	Truncated bool
}

// Runner executes an invocation. A returned error always means the
// runtime could not be provisioned; snippet failures are reported through
// RunResult.
type Runner interface {
	Name() string
	Run(ctx context.Context, inv Invocation) (RunResult, error)
}

type Request struct {
	StagingID string
	Snippet   domain.Snippet
	Engine    engine.Descriptor
	// Admit is called once a worker is reserved and before anything runs.
	// Returning false releases the worker and yields *domain.AbandonedError.
	Admit func() bool
}
