package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/toolgate/internal/executor"
)

// DefaultSetupTimeout bounds a single setup.sh run.
const DefaultSetupTimeout = 30 * time.Second

// DefaultSetupWorkers bounds how many setup scripts run at once at startup.
const DefaultSetupWorkers = 4

// ErrSetupFailed marks a setup script that exited non-zero or timed out.
var ErrSetupFailed = errors.New("tools: setup failed")

// SetupRunner runs each tool's setup.sh at most once per server lifetime.
type SetupRunner struct {
	exec    *executor.Executor
	shell   string
	timeout time.Duration
	workers int
	env     []string
	logger  *slog.Logger

	mu   sync.Mutex
	runs map[string]*setupRun
}

type setupRun struct {
	done chan struct{}
	err  error
}

// SetupConfig configures a SetupRunner.
type SetupConfig struct {
	Shell   string
	Timeout time.Duration
	Workers int
	Env     []string // nil inherits the server environment
}

// NewSetupRunner creates a runner that launches scripts through exec.
func NewSetupRunner(exec *executor.Executor, cfg SetupConfig, logger *slog.Logger) *SetupRunner {
	if cfg.Shell == "" {
		cfg.Shell = "bash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultSetupTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultSetupWorkers
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SetupRunner{
		exec:    exec,
		shell:   cfg.Shell,
		timeout: cfg.Timeout,
		workers: cfg.Workers,
		env:     cfg.Env,
		logger:  logger.With("component", "setup"),
		runs:    make(map[string]*setupRun),
	}
}

// RunAll runs setup for every definition with bounded concurrency and
// returns the number of scripts that failed. Failures never stop the others.
func (s *SetupRunner) RunAll(ctx context.Context, defs []*Definition) int {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	var mu sync.Mutex
	failed := 0
	for _, def := range defs {
		g.Go(func() error {
			if err := s.Ensure(ctx, def); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// Ensure runs setup for def unless it already ran. Concurrent callers for
// the same tool wait for the first run and share its result.
func (s *SetupRunner) Ensure(ctx context.Context, def *Definition) error {
	s.mu.Lock()
	if run, ok := s.runs[def.Name]; ok {
		s.mu.Unlock()
		select {
		case <-run.done:
			return run.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	run := &setupRun{done: make(chan struct{})}
	s.runs[def.Name] = run
	s.mu.Unlock()

	run.err = s.run(ctx, def)
	close(run.done)
	return run.err
}

func (s *SetupRunner) run(ctx context.Context, def *Definition) error {
	script := filepath.Join(def.Dir, SetupScript)
	info, err := os.Stat(script)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}

	s.logger.Info("running setup", "tool", def.Name, "script", script)
	res := s.exec.Run(ctx, executor.Command{
		Path:    s.shell,
		Args:    []string{script},
		Dir:     def.Dir,
		Env:     s.env,
		Timeout: s.timeout,
	})

	if res.Err != nil {
		s.logger.Warn("setup failed", "tool", def.Name, "error", res.Err)
		return fmt.Errorf("%w: %s: %w", ErrSetupFailed, def.Name, res.Err)
	}
	if res.ExitCode != 0 {
		s.logger.Warn("setup failed",
			"tool", def.Name,
			"exit_code", res.ExitCode,
			"stderr", strings.TrimSpace(res.Stderr),
		)
		return fmt.Errorf("%w: %s: exit code %d", ErrSetupFailed, def.Name, res.ExitCode)
	}
	s.logger.Info("setup completed", "tool", def.Name, "duration", res.Duration)
	return nil
}
