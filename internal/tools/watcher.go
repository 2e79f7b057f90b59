package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is how often the watcher rescans the tools root.
const DefaultPollInterval = 2 * time.Second

// Watcher polls the tools root and refreshes the registry when the tree
// changes. Polling is used instead of inotify so bind mounts and network
// filesystems behave the same.
type Watcher struct {
	root     string
	interval time.Duration
	registry *Registry
	logger   *slog.Logger
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
	lastSig  string
}

// NewWatcher creates a watcher for the registry's tools root.
func NewWatcher(registry *Registry, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     registry.loader.Dir(),
		interval: interval,
		registry: registry,
		logger:   logger.With("component", "watcher"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start records the current state of the tree and begins polling.
func (w *Watcher) Start(ctx context.Context) {
	w.lastSig = signature(w.root)
	go w.poll(ctx)
	w.logger.Info("tools watcher started", "dir", w.root, "interval", w.interval)
}

// Stop stops polling and waits for an in-progress refresh to finish.
// It is safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		<-w.done
		w.logger.Info("tools watcher stopped")
	})
}

func (w *Watcher) poll(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *Watcher) check(ctx context.Context) {
	sig := signature(w.root)
	if sig == w.lastSig {
		return
	}
	w.lastSig = sig
	w.logger.Debug("tools directory changed", "dir", w.root)
	if _, err := w.registry.Refresh(ctx); err != nil {
		w.logger.Warn("tools refresh failed", "dir", w.root, "error", err)
	}
}

// signature summarizes the names and modification times of the root, each
// tool directory, and the files directly inside it.
func signature(root string) string {
	var b strings.Builder
	info, err := os.Stat(root)
	if err != nil {
		return "missing"
	}
	writeEntry(&b, ".", info)

	entries, err := os.ReadDir(root)
	if err != nil {
		return b.String()
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if info, err := os.Stat(dir); err == nil {
			writeEntry(&b, entry.Name(), info)
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if info, err := f.Info(); err == nil {
				writeEntry(&b, entry.Name()+"/"+f.Name(), info)
			}
		}
	}
	return b.String()
}

func writeEntry(b *strings.Builder, name string, info os.FileInfo) {
	fmt.Fprintf(b, "%s %d %o\n", name, info.ModTime().UnixNano(), info.Mode())
}
