package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/clawinfra/toolgate/internal/instance"
)

type testEnv struct {
	config    string
	socket    string
	workspace string
	toolsDir  string
	auditDB   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	// unix socket paths are length limited, keep this one short
	sockDir, err := os.MkdirTemp("", "tgm")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	env := &testEnv{
		config:    filepath.Join(root, "toolgate.yaml"),
		socket:    filepath.Join(sockDir, "tool.sock"),
		workspace: filepath.Join(root, "workspace"),
		toolsDir:  filepath.Join(root, "tools.d"),
		auditDB:   filepath.Join(root, "audit", "audit.db"),
	}
	for _, dir := range []string{env.workspace, filepath.Join(root, "restricted")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	env.install(t, "greet", `{"binary": "/bin/echo"}`)
	env.install(t, "fail", `{"binary": "/bin/false"}`)

	cfg := `
server:
  socket: ` + env.socket + `
  shutdown_grace: 1s
  log_level: debug
tools:
  dir: ` + env.toolsDir + `
  restricted_dir: ` + filepath.Join(root, "restricted") + `
  workspace: ` + env.workspace + `
  poll_interval: 100ms
  shell: /bin/sh
audit:
  enabled: true
  db_path: ` + env.auditDB + `
`
	if err := os.WriteFile(env.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) install(t *testing.T, name, manifest string) {
	t.Helper()
	dir := filepath.Join(e.toolsDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tool.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(ctx context.Context, stdout, stderr *bytes.Buffer, args ...string) error {
	app := newApp()
	app.SetArgs(args)
	app.SetOut(stdout)
	app.SetErr(stderr)
	return app.ExecuteContext(ctx)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return -1
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server never listened on %s", path)
}

func startServer(t *testing.T, env *testEnv) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	var stderr bytes.Buffer
	go func() {
		done <- execute(ctx, new(bytes.Buffer), &stderr, "serve", "--config", env.config)
	}()
	waitForSocket(t, env.socket)

	var once bool
	stop = func() {
		if once {
			return
		}
		once = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v\n%s", err, stderr.String())
			}
		case <-time.After(15 * time.Second):
			t.Fatal("serve did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func TestServeAndCall(t *testing.T) {
	env := newTestEnv(t)
	stop := startServer(t, env)

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), &stdout, &stderr,
		"call", "--socket", env.socket, "--cwd", env.workspace, "greet", "hello", "--loud")
	if err != nil {
		t.Fatalf("call: %v (stderr %q)", err, stderr.String())
	}
	if diff := cmp.Diff("hello --loud\n", stdout.String()); diff != "" {
		t.Errorf("stdout (-want +got):\n%s", diff)
	}

	stop()
	if _, err := os.Stat(env.socket); !os.IsNotExist(err) {
		t.Errorf("socket still present after shutdown: %v", err)
	}

	stdout.Reset()
	stderr.Reset()
	err = execute(context.Background(), &stdout, &stderr,
		"audit", "tail", "--json", "--config", env.config)
	if err != nil {
		t.Fatalf("audit tail: %v (stderr %q)", err, stderr.String())
	}
	var rec auditRecord
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout.String())), &rec); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if rec.Tool != "greet" || rec.ExitCode != 0 {
		t.Errorf("audit record = %+v", rec)
	}
	if diff := cmp.Diff([]string{"hello", "--loud"}, rec.Args); diff != "" {
		t.Errorf("audit args (-want +got):\n%s", diff)
	}
}

func TestCallExitCodes(t *testing.T) {
	env := newTestEnv(t)
	startServer(t, env)

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStderr string
	}{
		{name: "tool failure", args: []string{"fail"}, wantCode: 1},
		{name: "unknown tool", args: []string{"nope"}, wantCode: 127, wantStderr: "unknown tool: nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			args := append([]string{"call", "--socket", env.socket, "--cwd", env.workspace}, tt.args...)
			err := execute(context.Background(), &stdout, &stderr, args...)
			if got := exitCode(err); got != tt.wantCode {
				t.Errorf("exit code = %d, want %d (err %v)", got, tt.wantCode, err)
			}
			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Errorf("stderr = %q, want it to contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func TestCallNoServer(t *testing.T) {
	var stdout, stderr bytes.Buffer
	socket := filepath.Join(t.TempDir(), "missing.sock")
	err := execute(context.Background(), &stdout, &stderr, "call", "--socket", socket, "git", "status")
	if got := exitCode(err); got != 127 {
		t.Errorf("exit code = %d, want 127", got)
	}
	if !strings.Contains(stderr.String(), "git is not available") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestToolsList(t *testing.T) {
	env := newTestEnv(t)

	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), &stdout, &stderr, "tools", "list", "--json", "--config", env.config)
	if err != nil {
		t.Fatalf("tools list: %v (stderr %q)", err, stderr.String())
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		var info toolInfo
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		names = append(names, info.Name)
		if len(info.WrapperSearch) != 6 {
			t.Errorf("%s: wrapper search %v, want six paths", info.Name, info.WrapperSearch)
		} else if want := filepath.Join(env.toolsDir, info.Name, "restricted.py"); info.WrapperSearch[0] != want {
			t.Errorf("%s: first wrapper path %q, want %q", info.Name, info.WrapperSearch[0], want)
		}
	}
	if diff := cmp.Diff([]string{"fail", "greet"}, names); diff != "" {
		t.Errorf("tools (-want +got):\n%s", diff)
	}
}

func TestToolsListTable(t *testing.T) {
	env := newTestEnv(t)

	var stdout, stderr bytes.Buffer
	if err := execute(context.Background(), &stdout, &stderr, "tools", "list", "--config", env.config); err != nil {
		t.Fatalf("tools list: %v", err)
	}
	for _, want := range []string{"NAME", "greet", "/bin/echo", "fail"} {
		if !strings.Contains(stdout.String(), want) {
			t.Errorf("table missing %q:\n%s", want, stdout.String())
		}
	}
}

func TestInstanceCommand(t *testing.T) {
	project := t.TempDir()
	id, err := instance.ID(project)
	if err != nil {
		t.Fatal(err)
	}

	var stdout, stderr bytes.Buffer
	err = execute(context.Background(), &stdout, &stderr, "instance", "--socket-dir", "/run/tg", project)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	want := "id: " + id + "\nsocket: /run/tg/tool-" + id + ".sock\n"
	if diff := cmp.Diff(want, stdout.String()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("tools:\n  workspace: relative/path\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	var stdout, stderr bytes.Buffer
	err := execute(context.Background(), &stdout, &stderr, "tools", "list", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "tools.workspace must be absolute") {
		t.Errorf("err = %v, want workspace validation error", err)
	}
}
