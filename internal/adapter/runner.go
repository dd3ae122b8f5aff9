package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrCommandBlocked marks a command the external safety layer refused to
// run. The executor records it as a step failure, never a crash.
var ErrCommandBlocked = errors.New("command blocked by safety policy")

// RunResult captures one command invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes one shell command string. Safety classification and
// user confirmation live behind this interface, outside the core.
type Runner interface {
	Run(ctx context.Context, command string, timeout time.Duration) (*RunResult, error)
}

// Guard is the external command-safety classifier. A non-nil error means
// the command must not run.
type Guard interface {
	Check(command string) error
}

// ShellRunner runs commands through a local shell. It is the default
// Runner wiring for a single-machine deployment; a Guard, when present,
// is consulted before every invocation.
type ShellRunner struct {
	shell string
	guard Guard
}

func NewShellRunner(shell string, guard Guard) *ShellRunner {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ShellRunner{shell: shell, guard: guard}
}

// Run executes command and reports exit status, captured output, and
// duration. A non-zero exit is not an error; the result carries the exit
// code. Errors are reserved for blocked commands, spawn failures, and
// timeouts.
func (r *ShellRunner) Run(ctx context.Context, command string, timeout time.Duration) (*RunResult, error) {
	if r.guard != nil {
		if err := r.guard.Check(command); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCommandBlocked, err)
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("command timed out after %s: %w", timeout, ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}
