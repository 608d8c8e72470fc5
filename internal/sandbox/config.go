package sandbox

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/animus-labs/snippet-marshal/internal/platform/env"
)

const (
	ModeProcess = "process"
	ModeDocker  = "docker"
)

type Config struct {
	Mode           string
	DockerBin      string
	ScratchRoot    string
	IsolateNetwork bool
	Limits         Limits
	MaxAttempts    int
	Backoff        Backoff
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("SANDBOX_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	memory, err := env.Bytes("SANDBOX_MEMORY_LIMIT", 256<<20)
	if err != nil {
		return Config{}, err
	}
	maxOutput, err := env.Bytes("SANDBOX_MAX_OUTPUT", 1<<20)
	if err != nil {
		return Config{}, err
	}
	pids, err := env.Int("SANDBOX_PIDS_LIMIT", 128)
	if err != nil {
		return Config{}, err
	}
	attempts, err := env.Int("SANDBOX_MAX_ATTEMPTS", 3)
	if err != nil {
		return Config{}, err
	}
	initial, err := env.Duration("SANDBOX_BACKOFF_INITIAL", 200*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	maxBackoff, err := env.Duration("SANDBOX_BACKOFF_MAX", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	isolate, err := env.Bool("SANDBOX_ISOLATE_NETWORK", runtime.GOOS == "linux")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           strings.ToLower(strings.TrimSpace(env.String("MARSHAL_SANDBOX", ModeDocker))),
		DockerBin:      env.String("MARSHAL_DOCKER_BIN", "docker"),
		ScratchRoot:    env.String("SANDBOX_SCRATCH_DIR", os.TempDir()),
		IsolateNetwork: isolate,
		Limits: Limits{
			Timeout:        timeout,
			MemoryBytes:    memory,
			MaxOutputBytes: maxOutput,
			PidsLimit:      pids,
		},
		MaxAttempts: attempts,
		Backoff:     Backoff{Initial: initial, Max: maxBackoff, Multiplier: 2},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeProcess, ModeDocker:
	default:
		return fmt.Errorf("MARSHAL_SANDBOX must be %q or %q, got %q", ModeProcess, ModeDocker, c.Mode)
	}
	if c.Limits.Timeout <= 0 {
		return errors.New("SANDBOX_TIMEOUT must be positive")
	}
	if c.Limits.MemoryBytes < 0 {
		return errors.New("SANDBOX_MEMORY_LIMIT must be >= 0")
	}
	if c.Limits.MaxOutputBytes <= 0 {
		return errors.New("SANDBOX_MAX_OUTPUT must be positive")
	}
	if c.MaxAttempts < 1 {
		return errors.New("SANDBOX_MAX_ATTEMPTS must be >= 1")
	}
	if c.Backoff.Initial < 0 || c.Backoff.Max < 0 {
		return errors.New("SANDBOX_BACKOFF_INITIAL and SANDBOX_BACKOFF_MAX must be >= 0")
	}
	if strings.TrimSpace(c.ScratchRoot) == "" {
		return errors.New("SANDBOX_SCRATCH_DIR is required")
	}
	return nil
}

// NewRunner builds the runner selected by Mode.
func NewRunner(cfg Config) (Runner, error) {
	switch cfg.Mode {
	case ModeDocker:
		return NewDockerRunner(cfg.DockerBin)
	case ModeProcess:
		return NewProcessRunner(ProcessOptions{IsolateNetwork: cfg.IsolateNetwork}), nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode %q", cfg.Mode)
	}
}
