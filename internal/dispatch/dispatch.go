// Package dispatch turns one execution request into one execution result:
// registry lookup, policy checks, wrapper resolution, then the subprocess.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/clawinfra/toolgate/internal/audit"
	"github.com/clawinfra/toolgate/internal/executor"
	"github.com/clawinfra/toolgate/internal/protocol"
	"github.com/clawinfra/toolgate/internal/restrict"
	"github.com/clawinfra/toolgate/internal/security"
	"github.com/clawinfra/toolgate/internal/tools"
)

// ErrBusy is reported when the concurrency cap is reached.
var ErrBusy = errors.New("dispatch: server busy")

// Recorder persists one record per dispatched request.
type Recorder interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Config holds dispatcher settings.
type Config struct {
	// Workspace is the cwd for requests that do not name one and the
	// fallback when the named cwd does not exist.
	Workspace string
	// MaxConcurrent caps concurrently running subprocesses. Zero means no cap.
	MaxConcurrent int64
	// Env is the base environment for subprocesses. Nil inherits the
	// server environment.
	Env []string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy checks every request against p before anything runs.
func WithPolicy(p *security.Policy) Option {
	return func(d *Dispatcher) { d.policy.Store(p) }
}

// WithRecorder stores an audit entry for every request.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// Dispatcher executes requests. It is safe for concurrent use and holds no
// per-request state.
type Dispatcher struct {
	registry  *tools.Registry
	resolver  *restrict.Resolver
	exec      *executor.Executor
	policy    atomic.Pointer[security.Policy]
	recorder  Recorder
	sem       *semaphore.Weighted
	workspace string
	env       []string
	logger    *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, registry *tools.Registry, resolver *restrict.Resolver, exec *executor.Executor, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	env := cfg.Env
	if env == nil {
		env = os.Environ()
	}
	d := &Dispatcher{
		registry:  registry,
		resolver:  resolver,
		exec:      exec,
		workspace: cfg.Workspace,
		env:       env,
		logger:    logger.With("component", "dispatch"),
	}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetPolicy replaces the policy for subsequent requests. Nil disables
// policy checks.
func (d *Dispatcher) SetPolicy(p *security.Policy) {
	d.policy.Store(p)
}

type requestIDKey struct{}

// WithRequestID attaches a request id used in logs and audit entries.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the id attached by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// call carries the state of one request through Dispatch.
type call struct {
	id      string
	req     protocol.Request
	cwd     string
	wrapper string
	start   time.Time
}

// Dispatch runs req and returns its result. Every failure is reported in
// the response; Dispatch never returns an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.Request) protocol.Response {
	c := &call{id: RequestID(ctx), req: req, start: time.Now()}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if req.Args == nil {
		c.req.Args = []string{}
	}
	logger := d.logger.With("request_id", c.id, "tool", req.Tool)

	if req.Tool == "" {
		return d.finish(ctx, logger, c, protocol.Failure("missing tool name"))
	}
	policy := d.policy.Load()
	if policy != nil {
		if err := policy.CheckTool(req.Tool); err != nil {
			return d.finish(ctx, logger, c, protocol.Failure(err.Error()))
		}
	}

	def, err := d.registry.Resolve(ctx, req.Tool)
	if err != nil {
		if errors.Is(err, tools.ErrNotFound) || errors.Is(err, tools.ErrInvalidName) {
			return d.finish(ctx, logger, c, protocol.Failure("unknown tool: "+req.Tool))
		}
		return d.finish(ctx, logger, c, protocol.Failure(fmt.Sprintf("tool %s unavailable: %v", req.Tool, err)))
	}
	if !tools.IsExecutable(def.Binary) {
		return d.finish(ctx, logger, c, protocol.Failure(fmt.Sprintf("tool not installed: %s (%s)", req.Tool, def.Binary)))
	}

	c.cwd = d.resolveCwd(logger, req.Cwd)
	if policy != nil {
		if err := policy.CheckCwd(c.cwd); err != nil {
			return d.finish(ctx, logger, c, protocol.Failure(err.Error()))
		}
	}

	if d.sem != nil {
		if !d.sem.TryAcquire(1) {
			return d.finish(ctx, logger, c, protocol.Failure(ErrBusy.Error()))
		}
		defer d.sem.Release(1)
	}

	cmd := executor.Command{
		Path:    def.Binary,
		Args:    c.req.Args,
		Dir:     c.cwd,
		Env:     d.env,
		Timeout: def.Timeout,
	}
	if hook, ok := d.resolver.FindOverride(def.Name); ok {
		c.wrapper = hook.Path
		cmd.Path, cmd.Args = hook.Argv(c.req.Args)
		cmd.Env = wrapperEnv(d.env, def, c.cwd, c.req.Args)
		logger.Debug("using restriction wrapper", "wrapper", hook.Path, "kind", hook.Kind, "scope", hook.Scope)
	}

	res := d.exec.Run(ctx, cmd)
	return d.finish(ctx, logger, c, toResponse(def, res))
}

// resolveCwd picks the directory to run in. Relative paths are taken from
// the workspace; a directory that does not exist falls back to the
// workspace so the call still runs.
func (d *Dispatcher) resolveCwd(logger *slog.Logger, cwd string) string {
	if cwd == "" {
		return d.workspace
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(d.workspace, cwd)
	}
	info, err := os.Stat(cwd)
	if err != nil || !info.IsDir() {
		logger.Warn("cwd does not exist, using workspace", "cwd", cwd, "workspace", d.workspace)
		return d.workspace
	}
	return cwd
}

// wrapperEnv extends base with the variables a restriction wrapper reads.
func wrapperEnv(base []string, def *tools.Definition, cwd string, args []string) []string {
	encoded, err := json.Marshal(args)
	if err != nil {
		encoded = []byte("[]")
	}
	env := make([]string, 0, len(base)+4)
	env = append(env, base...)
	return append(env,
		"TOOL_NAME="+def.Name,
		"TOOL_BINARY="+def.Binary,
		"TOOL_CWD="+cwd,
		"TOOL_ARGS="+string(encoded),
	)
}

func toResponse(def *tools.Definition, res *executor.Result) protocol.Response {
	resp := protocol.Response{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	switch {
	case res.TimedOut:
		resp.ExitCode = protocol.ExitTimeout
		resp.Error = fmt.Sprintf("timeout: %s exceeded %s", def.Name, def.Timeout)
	case errors.Is(res.Err, executor.ErrLaunch):
		resp.Error = fmt.Sprintf("failed to launch %s: %v", def.Name, res.Err)
	case res.Err != nil:
		resp.Error = res.Err.Error()
	}
	if res.Truncated() {
		resp.Truncated = true
		resp.Dropped = res.StdoutDropped + res.StderrDropped
	}
	return resp
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, c *call, resp protocol.Response) protocol.Response {
	elapsed := time.Since(c.start)
	attrs := []any{
		"exit_code", resp.ExitCode,
		"duration", elapsed,
		"cwd", c.cwd,
	}
	if c.wrapper != "" {
		attrs = append(attrs, "wrapper", c.wrapper)
	}
	if resp.Error != "" {
		logger.Warn("tool dispatch failed", append(attrs, "error", resp.Error)...)
	} else {
		logger.Info("tool executed", attrs...)
	}

	if d.recorder != nil {
		entry := audit.Entry{
			ID:        c.id,
			Time:      c.start,
			Tool:      c.req.Tool,
			Args:      c.req.Args,
			Cwd:       c.cwd,
			Wrapper:   c.wrapper,
			ExitCode:  resp.ExitCode,
			Error:     resp.Error,
			Duration:  elapsed,
			Truncated: resp.Truncated,
		}
		// The request context may already be canceled; the record still
		// belongs in the log.
		if err := d.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
			logger.Warn("audit record failed", "error", err)
		}
	}
	return resp
}
