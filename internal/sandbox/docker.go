package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"
)

const containerWorkdir = "/work"

// Exit statuses the docker CLI reserves for its own failures.
const (
	dockerExitDaemon     = 125
	dockerExitCannotExec = 126
	dockerExitNotFound   = 127
)

// DockerRunner executes each attempt in a throwaway container with no
// network, a read-only root and dropped capabilities.
type DockerRunner struct {
	bin string
	// exec is swapped in tests.
	exec func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func NewDockerRunner(dockerBin string) (*DockerRunner, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary %q: %w", dockerBin, err)
	}
	return &DockerRunner{bin: dockerBin, exec: exec.CommandContext}, nil
}

func (r *DockerRunner) Name() string { return ModeDocker }

func (r *DockerRunner) Run(ctx context.Context, inv Invocation) (RunResult, error) {
	if strings.TrimSpace(inv.Engine.Image) == "" {
		return RunResult{}, fmt.Errorf("engine %s has no image", inv.Engine.ID())
	}
	name := containerName(inv)
	cmd := r.exec(ctx, r.bin, dockerArgs(name, inv)...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, max: inv.Limits.MaxOutputBytes}
	errW := &limitedWriter{w: &stderr, max: inv.Limits.MaxOutputBytes}
	cmd.Stdout = outW
	cmd.Stderr = errW

	err := cmd.Run()
	res := RunResult{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: outW.truncated || errW.truncated,
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// Killing the CLI leaves the container running.
		r.forceRemove(name)
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}
	if err == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return RunResult{}, fmt.Errorf("docker run: %w", err)
	}
	switch code := exitErr.ExitCode(); code {
	case dockerExitDaemon, dockerExitCannotExec, dockerExitNotFound:
		return RunResult{}, fmt.Errorf("docker run exited %d: %s", code, strings.TrimSpace(stderr.String()))
	default:
		res.ExitCode = code
		return res, nil
	}
}

func (r *DockerRunner) forceRemove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.exec(ctx, r.bin, "rm", "-f", name).Run()
}

func containerName(inv Invocation) string {
	id := strings.ToLower(inv.StagingID)
	if id == "" {
		id = "adhoc"
	}
	return "marshal-" + id + "-" + strconv.Itoa(inv.Attempt) + "-" + strconv.FormatInt(time.Now().UnixNano()%1e6, 10)
}

func dockerArgs(name string, inv Invocation) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,exec,size=64m",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--user", "65534:65534",
		"-v", inv.Dir + ":" + containerWorkdir + ":rw",
		"-w", containerWorkdir,
		"-e", "HOME=/tmp",
	}
	if inv.Limits.MemoryBytes > 0 {
		mem := strconv.FormatInt(inv.Limits.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if inv.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(inv.Limits.PidsLimit))
	}
	for _, k := range sortedKeys(inv.Engine.Env) {
		args = append(args, "-e", k+"="+inv.Engine.Env[k])
	}
	args = append(args, inv.Engine.Image)
	return append(args, inv.Engine.Command...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
