// Package server accepts execution requests on a Unix socket. Each
// connection carries exactly one request frame and one response frame.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawinfra/toolgate/internal/dispatch"
	"github.com/clawinfra/toolgate/internal/protocol"
)

// DefaultSocketMode lets the owner and group connect.
const DefaultSocketMode os.FileMode = 0o660

// Timeout defaults for Config.
const (
	DefaultReadTimeout   = 30 * time.Second
	DefaultWriteTimeout  = 30 * time.Second
	DefaultShutdownGrace = 10 * time.Second
)

// ErrSocketInUse is returned when another server is accepting on the path.
var ErrSocketInUse = errors.New("server: socket in use")

// Handler executes one request.
type Handler interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Response
}

// Config configures a Server.
type Config struct {
	SocketPath string
	SocketMode os.FileMode
	// SocketGroup is a group name or numeric gid given to the socket file.
	SocketGroup string
	// AllowedUIDs restricts peers by their kernel-reported uid. Empty
	// allows any peer that can open the socket file.
	AllowedUIDs   []int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration
}

// Server is the request server.
type Server struct {
	cfg      Config
	handler  Handler
	logger   *slog.Logger
	listener net.Listener
	wg       sync.WaitGroup

	// runCtx outlives individual connections. Subprocesses are only
	// canceled when the server shuts down, never when a client leaves.
	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New creates a server. Call Listen then Serve, or ListenAndServe.
func New(cfg Config, handler Handler, logger *slog.Logger) *Server {
	if cfg.SocketMode == 0 {
		cfg.SocketMode = DefaultSocketMode
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		handler:   handler,
		logger:    logger.With("component", "server"),
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Addr returns the socket path.
func (s *Server) Addr() string {
	return s.cfg.SocketPath
}

// Listen creates the socket. A stale socket file left by a previous run is
// removed; a socket with a live server behind it is not.
func (s *Server) Listen() error {
	path := s.cfg.SocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := removeStale(path); err != nil {
		return err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, s.cfg.SocketMode); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	if s.cfg.SocketGroup != "" {
		gid, err := lookupGroup(s.cfg.SocketGroup)
		if err != nil {
			l.Close()
			return err
		}
		if err := os.Chown(path, -1, gid); err != nil {
			l.Close()
			return fmt.Errorf("chown socket: %w", err)
		}
	}
	s.listener = l
	return nil
}

// ListenAndServe is Listen followed by Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is canceled, then stops accepting,
// waits up to the shutdown grace for in-flight requests, kills whatever is
// still running, and removes the socket file.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.logger.Info("listening", "socket", s.cfg.SocketPath, "mode", fmt.Sprintf("%#o", s.cfg.SocketMode))

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		s.listener.Close()
	}()

	var acceptErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					continue
				}
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
	close(stopped)

	s.shutdown()
	return acceptErr
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down")
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("in-flight requests exceeded shutdown grace, killing", "grace", s.cfg.ShutdownGrace)
		s.cancelRun()
		<-done
	}
	s.cancelRun()

	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove socket", "socket", s.cfg.SocketPath, "error", err)
	}
	s.logger.Info("server stopped")
}

func (s *Server) handle(conn net.Conn) {
	id := uuid.NewString()
	logger := s.logger.With("request_id", id)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in request handler", "panic", r, "stack", string(debug.Stack()))
			s.reply(conn, logger, protocol.Failure("internal server error"))
		}
	}()

	if len(s.cfg.AllowedUIDs) > 0 {
		uid, err := peerUID(conn)
		if err != nil || !slices.Contains(s.cfg.AllowedUIDs, uid) {
			logger.Warn("rejected peer", "uid", uid, "error", err)
			s.reply(conn, logger, protocol.Failure("access denied"))
			return
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	payload, err := protocol.ReadFrame(conn, protocol.MaxMessageSize)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrFrameTooLarge):
			logger.Warn("oversized frame, closing", "error", err)
		case errors.Is(err, protocol.ErrShortFrame):
			logger.Debug("connection closed before full frame", "error", err)
		default:
			logger.Warn("read failed", "error", err)
		}
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		logger.Warn("malformed request", "error", err)
		s.reply(conn, logger, protocol.Failure(err.Error()))
		return
	}

	resp := s.handler.Dispatch(dispatch.WithRequestID(s.runCtx, id), req)
	s.reply(conn, logger, resp)
}

func (s *Server) reply(conn net.Conn, logger *slog.Logger, resp protocol.Response) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := protocol.WriteResponse(conn, resp); err != nil {
		// The client is gone; its result is discarded.
		logger.Debug("write response failed", "error", err)
	}
}

// removeStale deletes a leftover socket file at path. It refuses to touch
// anything that is not a socket or that still has a listener behind it.
func removeStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func lookupGroup(group string) (int, error) {
	if gid, err := strconv.Atoi(group); err == nil {
		return gid, nil
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return 0, fmt.Errorf("lookup socket group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("parse gid %q: %w", g.Gid, err)
	}
	return gid, nil
}
