package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clawinfra/toolgate/internal/audit"
	"github.com/clawinfra/toolgate/internal/executor"
	"github.com/clawinfra/toolgate/internal/protocol"
	"github.com/clawinfra/toolgate/internal/restrict"
	"github.com/clawinfra/toolgate/internal/security"
	"github.com/clawinfra/toolgate/internal/tools"
)

type env struct {
	toolsDir      string
	restrictedDir string
	binDir        string
	workspace     string
	registry      *tools.Registry
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnv(t *testing.T) *env {
	t.Helper()
	base := t.TempDir()
	e := &env{
		toolsDir:      filepath.Join(base, "tools.d"),
		restrictedDir: filepath.Join(base, "restricted"),
		binDir:        filepath.Join(base, "bin"),
		workspace:     filepath.Join(base, "workspace"),
	}
	for _, dir := range []string{e.toolsDir, e.restrictedDir, e.binDir, e.workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	e.registry = tools.NewRegistry(tools.NewLoader(e.toolsDir, []string{e.binDir}, testLogger()), testLogger())
	return e
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
}

// install creates tools.d/<name> and a binary with the given body.
func (e *env) install(t *testing.T, name, body string) string {
	t.Helper()
	bin := filepath.Join(e.binDir, name)
	writeScript(t, bin, body)
	if err := os.MkdirAll(filepath.Join(e.toolsDir, name), 0o755); err != nil {
		t.Fatal(err)
	}
	return bin
}

func (e *env) dispatcher(cfg Config, maxOutput int, opts ...Option) *Dispatcher {
	if cfg.Workspace == "" {
		cfg.Workspace = e.workspace
	}
	resolver := restrict.NewResolver(e.toolsDir, e.restrictedDir, "python3", "/bin/sh")
	return New(cfg, e.registry, resolver, executor.NewExecutor(maxOutput, testLogger()), testLogger(), opts...)
}

type memRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memRecorder) Record(ctx context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestDispatchPassThrough(t *testing.T) {
	e := newEnv(t)
	e.install(t, "echoargs", `printf '%s\n' "$@"; echo "to stderr" >&2; exit 4`)
	d := e.dispatcher(Config{}, 0)

	args := []string{"--flag=$(whoami)", "two words", "'quoted'", "", "; ls"}
	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "echoargs", Args: args})

	want := protocol.Response{
		ExitCode: 4,
		Stdout:   strings.Join(args, "\n") + "\n",
		Stderr:   "to stderr\n",
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	e := newEnv(t)
	// binary exists but there is no tools.d entry
	writeScript(t, filepath.Join(e.binDir, "ls"), "echo ran")
	d := e.dispatcher(Config{}, 0)

	for _, name := range []string{"ls", "nonexistent", "../bin/ls"} {
		resp := d.Dispatch(context.Background(), protocol.Request{Tool: name})
		if resp.ExitCode != protocol.ExitUnavailable {
			t.Errorf("%s: exit %d, want 127", name, resp.ExitCode)
		}
		if resp.Error == "" || resp.Stdout != "" {
			t.Errorf("%s: unexpected response %+v", name, resp)
		}
	}
}

func TestDispatchMissingToolName(t *testing.T) {
	e := newEnv(t)
	resp := e.dispatcher(Config{}, 0).Dispatch(context.Background(), protocol.Request{})
	if resp.ExitCode != protocol.ExitUnavailable || resp.Error == "" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestDispatchBinaryRemoved(t *testing.T) {
	e := newEnv(t)
	bin := e.install(t, "gone", "exit 0")
	d := e.dispatcher(Config{}, 0)
	if _, err := e.registry.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(bin); err != nil {
		t.Fatal(err)
	}
	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "gone"})
	if resp.ExitCode != protocol.ExitUnavailable || !strings.Contains(resp.Error, "not installed") {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestDispatchWrapperRunsBeforeBinary(t *testing.T) {
	e := newEnv(t)
	marker := filepath.Join(t.TempDir(), "binary-ran")
	e.install(t, "git", `touch `+marker+`; echo "git $*"`)
	writeScript(t, filepath.Join(e.toolsDir, "git", "restricted.sh"), `
for arg in "$@"; do
	if [ "$arg" = "--force" ]; then
		echo "blocked: force push is not allowed" >&2
		exit 1
	fi
done
exec "$TOOL_BINARY" "$@"`)
	d := e.dispatcher(Config{}, 0)

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "git", Args: []string{"push", "--force"}})
	if resp.ExitCode != 1 {
		t.Errorf("exit %d, want 1", resp.ExitCode)
	}
	if !strings.Contains(resp.Stderr, "blocked") {
		t.Errorf("stderr = %q", resp.Stderr)
	}
	if resp.Error != "" {
		t.Errorf("wrapper denial must not set error, got %q", resp.Error)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Fatal("real binary ran despite wrapper denial")
	}

	resp = d.Dispatch(context.Background(), protocol.Request{Tool: "git", Args: []string{"push", "origin"}})
	if resp.ExitCode != 0 || resp.Stdout != "git push origin\n" {
		t.Errorf("allowed call: %+v", resp)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("wrapper did not exec the real binary")
	}
}

func TestDispatchWrapperEnvironment(t *testing.T) {
	e := newEnv(t)
	bin := e.install(t, "npm", "exit 0")
	writeScript(t, filepath.Join(e.restrictedDir, "npm"),
		`printf '%s\n' "$TOOL_NAME" "$TOOL_BINARY" "$TOOL_CWD" "$TOOL_ARGS" "$1"`)
	d := e.dispatcher(Config{}, 0)

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "npm", Args: []string{"run", "a \"b\""}})
	want := strings.Join([]string{"npm", bin, e.workspace, `["run","a \"b\""]`, "run"}, "\n") + "\n"
	if resp.Stdout != want {
		t.Errorf("stdout = %q, want %q", resp.Stdout, want)
	}
}

func TestDispatchHotLoad(t *testing.T) {
	e := newEnv(t)
	d := e.dispatcher(Config{}, 0)

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "fresh"})
	if resp.ExitCode != protocol.ExitUnavailable {
		t.Fatalf("expected 127 before install, got %+v", resp)
	}

	e.install(t, "fresh", "echo hello")
	resp = d.Dispatch(context.Background(), protocol.Request{Tool: "fresh"})
	if resp.ExitCode != 0 || resp.Stdout != "hello\n" {
		t.Errorf("expected hot-loaded tool to run, got %+v", resp)
	}
}

func TestDispatchCwd(t *testing.T) {
	e := newEnv(t)
	e.install(t, "pwd", "pwd")
	sub := filepath.Join(e.workspace, "sub")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	d := e.dispatcher(Config{}, 0)

	tests := []struct {
		name string
		cwd  string
		want string
	}{
		{"default", "", e.workspace},
		{"absolute", sub, sub},
		{"relative", "sub", sub},
		{"missing falls back", filepath.Join(e.workspace, "nope"), e.workspace},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), protocol.Request{Tool: "pwd", Cwd: tt.cwd})
			got := strings.TrimSpace(resp.Stdout)
			resolved, _ := filepath.EvalSymlinks(tt.want)
			if got != tt.want && got != resolved {
				t.Errorf("pwd = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDispatchPolicy(t *testing.T) {
	e := newEnv(t)
	e.install(t, "curl", "echo fetched")
	e.install(t, "git", "echo ok")
	policy := &security.Policy{
		WorkspaceOnly: true,
		Workspace:     e.workspace,
		DeniedTools:   []string{"curl"},
	}
	d := e.dispatcher(Config{}, 0, WithPolicy(policy))

	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "curl"}); resp.ExitCode != protocol.ExitUnavailable {
		t.Errorf("denied tool ran: %+v", resp)
	}
	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "git", Cwd: t.TempDir()}); resp.ExitCode != protocol.ExitUnavailable {
		t.Errorf("cwd outside workspace ran: %+v", resp)
	}
	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "git"}); resp.ExitCode != 0 {
		t.Errorf("allowed call failed: %+v", resp)
	}
}

func TestDispatchTimeout(t *testing.T) {
	e := newEnv(t)
	e.install(t, "slow", "echo started; sleep 5")
	if err := os.WriteFile(filepath.Join(e.toolsDir, "slow", tools.ManifestJSON), []byte(`{"timeout": 1}`), 0o644); err != nil {
		t.Fatal(err)
	}
	d := e.dispatcher(Config{}, 0)

	start := time.Now()
	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "slow"})
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
	if resp.ExitCode != protocol.ExitTimeout {
		t.Errorf("exit %d, want %d", resp.ExitCode, protocol.ExitTimeout)
	}
	if !strings.Contains(resp.Error, "timeout") {
		t.Errorf("error = %q", resp.Error)
	}
	if resp.Stdout != "started\n" {
		t.Errorf("partial output lost: %q", resp.Stdout)
	}
}

func TestDispatchBusy(t *testing.T) {
	e := newEnv(t)
	started := filepath.Join(t.TempDir(), "started")
	e.install(t, "hold", "touch "+started+"; sleep 1")
	e.install(t, "quick", "echo quick")
	d := e.dispatcher(Config{MaxConcurrent: 1}, 0)

	done := make(chan protocol.Response, 1)
	go func() {
		done <- d.Dispatch(context.Background(), protocol.Request{Tool: "hold"})
	}()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(started); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first call never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "quick"})
	if resp.ExitCode != protocol.ExitUnavailable || !strings.Contains(resp.Error, "busy") {
		t.Errorf("expected busy response, got %+v", resp)
	}
	if first := <-done; first.ExitCode != 0 {
		t.Errorf("first call failed: %+v", first)
	}
	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "quick"}); resp.ExitCode != 0 {
		t.Errorf("slot not released: %+v", resp)
	}
}

func TestDispatchTruncatedOutput(t *testing.T) {
	e := newEnv(t)
	e.install(t, "noisy", "head -c 5000 /dev/zero | tr '\\0' x")
	d := e.dispatcher(Config{}, 1000)

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "noisy"})
	if !resp.Truncated {
		t.Fatal("expected truncated response")
	}
	if len(resp.Stdout) != 1000 {
		t.Errorf("stdout length %d", len(resp.Stdout))
	}
	if resp.Dropped != 4000 {
		t.Errorf("dropped = %d, want 4000", resp.Dropped)
	}

	var buf bytes.Buffer
	if err := protocol.WriteResponse(&buf, resp); err != nil {
		t.Fatal(err)
	}
	sent, err := protocol.ReadResponse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(sent.Stderr, protocol.TruncationNote(4000)) {
		t.Errorf("stderr = %q", sent.Stderr)
	}
}

// Output cut by the capture bound and again to fit the frame is reported
// once, with the sum of both.
func TestDispatchTruncatedTwiceCountsTotal(t *testing.T) {
	e := newEnv(t)
	e.install(t, "loud", "head -c 200000 /dev/zero | tr '\\0' x >&2")
	d := e.dispatcher(Config{}, 100000)

	resp := d.Dispatch(context.Background(), protocol.Request{Tool: "loud"})
	if resp.Dropped != 100000 {
		t.Fatalf("dropped = %d, want 100000", resp.Dropped)
	}

	var buf bytes.Buffer
	if err := protocol.WriteResponse(&buf, resp); err != nil {
		t.Fatal(err)
	}
	sent, err := protocol.ReadResponse(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !sent.Truncated {
		t.Fatal("expected truncated response")
	}
	if n := strings.Count(sent.Stderr, "output truncated"); n != 1 {
		t.Fatalf("found %d truncation notes, want 1", n)
	}
	kept := strings.TrimSuffix(sent.Stderr, protocol.TruncationNote(200000-strings.Count(sent.Stderr, "x")))
	if kept == sent.Stderr {
		t.Errorf("note does not count every dropped byte: %q", sent.Stderr[len(sent.Stderr)-80:])
	}
	if strings.Trim(kept, "x") != "" {
		t.Errorf("kept output is not a head of the stream")
	}
}

func TestDispatchRecordsAudit(t *testing.T) {
	e := newEnv(t)
	e.install(t, "make", "exit 2")
	rec := &memRecorder{}
	d := e.dispatcher(Config{}, 0, WithRecorder(rec))

	ctx := WithRequestID(context.Background(), "req-1")
	d.Dispatch(ctx, protocol.Request{Tool: "make", Args: []string{"all"}})
	d.Dispatch(context.Background(), protocol.Request{Tool: "missing"})

	if len(rec.entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(rec.entries))
	}
	first := rec.entries[0]
	if first.ID != "req-1" || first.Tool != "make" || first.ExitCode != 2 || first.Cwd != e.workspace {
		t.Errorf("unexpected entry %+v", first)
	}
	if diff := cmp.Diff([]string{"all"}, first.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	second := rec.entries[1]
	if second.ID == "" || second.ExitCode != protocol.ExitUnavailable || second.Error == "" {
		t.Errorf("unexpected entry %+v", second)
	}
}

func TestDispatchConcurrentSameTool(t *testing.T) {
	e := newEnv(t)
	e.install(t, "nap", "sleep 1; echo done")
	d := e.dispatcher(Config{}, 0)

	const n = 4
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "nap"}); resp.ExitCode != 0 {
				t.Errorf("call failed: %+v", resp)
			}
		}()
	}
	wg.Wait()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("calls to the same tool were serialized: %s", elapsed)
	}
}

func TestDispatchSetPolicy(t *testing.T) {
	e := newEnv(t)
	e.install(t, "curl", "echo fetched")
	d := e.dispatcher(Config{}, 0)

	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "curl"}); resp.ExitCode != 0 {
		t.Fatalf("unexpected response %+v", resp)
	}
	d.SetPolicy(&security.Policy{DeniedTools: []string{"curl"}})
	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "curl"}); resp.ExitCode != protocol.ExitUnavailable {
		t.Errorf("policy swap not applied: %+v", resp)
	}
	d.SetPolicy(nil)
	if resp := d.Dispatch(context.Background(), protocol.Request{Tool: "curl"}); resp.ExitCode != 0 {
		t.Errorf("policy not cleared: %+v", resp)
	}
}
