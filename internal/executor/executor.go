// Package executor runs one tool invocation as a subprocess with a wall-clock
// timeout and bounded, separately captured stdout and stderr.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Exit codes reported for failures that are not the process's own status.
const (
	ExitTimeout     = 124
	ExitUnavailable = 127
)

// DefaultMaxOutput bounds each captured stream.
const DefaultMaxOutput = 1 << 20

// DefaultWaitDelay bounds how long Wait blocks on pipes held open by
// descendants after the process itself has exited or been killed.
const DefaultWaitDelay = 2 * time.Second

var (
	// ErrTimeout marks a run that was killed because it exceeded its timeout.
	ErrTimeout = errors.New("executor: timeout")
	// ErrLaunch marks a run whose process could not be started.
	ErrLaunch = errors.New("executor: launch failed")
	// ErrCanceled marks a run killed because its context was canceled.
	ErrCanceled = errors.New("executor: canceled")
)

// Command describes one subprocess. Args are passed as an argument vector;
// nothing is ever interpreted by a shell.
type Command struct {
	Path    string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Result is the observed outcome of a Command.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	StdoutDropped int
	StderrDropped int
	Duration      time.Duration
	TimedOut      bool
	// Err is set only for dispatch-level failures: launch errors, timeouts
	// and cancellation. A non-zero exit of the process is not an error.
	Err error
}

// Truncated reports whether either stream exceeded the capture bound.
func (r *Result) Truncated() bool {
	return r.StdoutDropped > 0 || r.StderrDropped > 0
}

// Executor runs commands. It is safe for concurrent use.
type Executor struct {
	maxOutput int
	waitDelay time.Duration
	logger    *slog.Logger
}

// NewExecutor creates an executor that keeps at most maxOutput bytes of each
// stream. A non-positive maxOutput selects DefaultMaxOutput.
func NewExecutor(maxOutput int, logger *slog.Logger) *Executor {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		maxOutput: maxOutput,
		waitDelay: DefaultWaitDelay,
		logger:    logger.With("component", "executor"),
	}
}

// Run executes cmd and waits for it. On timeout or cancellation the whole
// process group is killed.
func (e *Executor) Run(ctx context.Context, c Command) *Result {
	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.WaitDelay = e.waitDelay
	configureProcess(cmd)

	stdout := &limitedBuffer{limit: e.maxOutput}
	stderr := &limitedBuffer{limit: e.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Warn("launch failed", "path", c.Path, "dir", c.Dir, "error", err)
		return &Result{
			ExitCode: ExitUnavailable,
			Err:      fmt.Errorf("%w: %s: %v", ErrLaunch, c.Path, err),
			Duration: time.Since(start),
		}
	}
	waitErr := cmd.Wait()

	result := &Result{
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		StdoutDropped: stdout.dropped,
		StderrDropped: stderr.dropped,
		Duration:      time.Since(start),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		result.ExitCode = ExitTimeout
		result.Err = fmt.Errorf("%w: %s exceeded %s", ErrTimeout, c.Path, c.Timeout)
	case ctx.Err() != nil:
		result.ExitCode = ExitUnavailable
		result.Err = fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitStatus(exitErr)
		} else if errors.Is(waitErr, exec.ErrWaitDelay) {
			// The process exited; only descendants kept the pipes open.
			result.ExitCode = cmd.ProcessState.ExitCode()
		} else {
			result.ExitCode = ExitUnavailable
			result.Err = fmt.Errorf("wait %s: %w", c.Path, waitErr)
		}
	}
	return result
}
