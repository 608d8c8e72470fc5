package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

type ProcessOptions struct {
	// IsolateNetwork runs the child in fresh user and network namespaces
	// where the platform supports it.
	IsolateNetwork bool
	// Shell wraps the command to apply the address-space limit. Defaults to /bin/sh.
	Shell string
}

// ProcessRunner executes engines directly on the host. It is meant for
// development and CI, where the toolchains are installed locally.
type ProcessRunner struct {
	opts ProcessOptions
}

func NewProcessRunner(opts ProcessOptions) *ProcessRunner {
	if strings.TrimSpace(opts.Shell) == "" {
		opts.Shell = "/bin/sh"
	}
	return &ProcessRunner{opts: opts}
}

func (r *ProcessRunner) Name() string { return ModeProcess }

func (r *ProcessRunner) Run(ctx context.Context, inv Invocation) (RunResult, error) {
	if len(inv.Engine.Command) == 0 {
		return RunResult{}, errors.New("engine command is empty")
	}
	argv := r.argv(inv)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.Dir
	cmd.Env = processEnv(inv)
	cmd.SysProcAttr = sysProcAttr(r.opts.IsolateNetwork)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process) }
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, max: inv.Limits.MaxOutputBytes}
	errW := &limitedWriter{w: &stderr, max: inv.Limits.MaxOutputBytes}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		return RunResult{}, fmt.Errorf("start %s: %w", argv[0], err)
	}
	err := cmd.Wait()

	res := RunResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: outW.truncated || errW.truncated,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if errors.Is(err, exec.ErrWaitDelay) {
			return res, nil
		}
		return RunResult{}, fmt.Errorf("wait %s: %w", argv[0], err)
	}
	return res, nil
}

func (r *ProcessRunner) argv(inv Invocation) []string {
	cmd := inv.Engine.Command
	if inv.Limits.MemoryBytes <= 0 {
		return append([]string(nil), cmd...)
	}
	kb := strconv.FormatInt(inv.Limits.MemoryBytes/1024, 10)
	argv := []string{r.opts.Shell, "-c", `ulimit -v ` + kb + ` && exec "$@"`, "sandbox"}
	return append(argv, cmd...)
}

// processEnv builds a minimal environment. Engine variables see the scratch
// directory wherever they reference the container workdir.
func processEnv(inv Invocation) []string {
	out := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + inv.Dir,
		"TMPDIR=" + inv.Dir,
		"LANG=C.UTF-8",
	}
	for _, k := range sortedKeys(inv.Engine.Env) {
		v := strings.ReplaceAll(inv.Engine.Env[k], containerWorkdir, inv.Dir)
		out = append(out, k+"="+v)
	}
	return out
}
