// Package client is the caller side of the wire protocol. The stub binary
// is installed under each tool's name; it forwards its argv and cwd to the
// server and mirrors the response on its own stdio and exit code.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/clawinfra/toolgate/internal/instance"
	"github.com/clawinfra/toolgate/internal/protocol"
)

// StubName is the stub's own name. Invoked under it, the first argument
// names the tool.
const StubName = "toolgate-stub"

// DefaultDialTimeout bounds connecting to the socket.
const DefaultDialTimeout = 5 * time.Second

// SocketFromEnv resolves the server socket: TOOL_SOCKET, else the socket
// of TOOLGATE_INSTANCE, else tool.sock in the socket directory.
func SocketFromEnv(lookup func(string) (string, bool)) string {
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}
	if s := get("TOOL_SOCKET"); s != "" {
		return s
	}
	dir := get("TOOLGATE_SOCKET_DIR")
	if id := get("TOOLGATE_INSTANCE"); id != "" {
		if path, err := instance.SocketPath(dir, id); err == nil {
			return path
		}
	}
	if dir == "" {
		dir = instance.DefaultSocketDir
	}
	return filepath.Join(dir, "tool.sock")
}

// Call sends req to the server at socket and waits for its response.
// There is no client-side timeout beyond ctx; the server enforces the
// tool's own timeout.
func Call(ctx context.Context, socket string, req protocol.Request) (protocol.Response, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("connect %s: %w", socket, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteRequest(conn, req); err != nil {
		return protocol.Response{}, fmt.Errorf("send request: %w", err)
	}
	resp, err := protocol.ReadResponse(conn)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// Run is the stub's main. It returns the process exit code.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer, lookup func(string) (string, bool)) int {
	if len(argv) == 0 {
		fmt.Fprintln(stderr, "toolgate: empty argument vector")
		return protocol.ExitUnavailable
	}
	tool, args := filepath.Base(argv[0]), argv[1:]
	if tool == StubName {
		if len(args) == 0 {
			fmt.Fprintf(stderr, "usage: %s <tool> [args...]\n", StubName)
			return protocol.ExitUnavailable
		}
		tool, args = args[0], args[1:]
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	req := protocol.Request{Tool: tool, Args: args, Cwd: cwd}
	if req.Args == nil {
		req.Args = []string{}
	}

	socket := SocketFromEnv(lookup)
	resp, err := Call(ctx, socket, req)
	if err != nil {
		fmt.Fprintf(stderr, "toolgate: %s is not available: %v\n", tool, err)
		return protocol.ExitUnavailable
	}

	_, _ = io.WriteString(stdout, resp.Stdout)
	_, _ = io.WriteString(stderr, resp.Stderr)
	if resp.Error != "" && resp.Stderr == "" {
		fmt.Fprintf(stderr, "toolgate: %s\n", resp.Error)
	}
	return resp.ExitCode
}
