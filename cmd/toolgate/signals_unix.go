//go:build !windows

package main

import (
	"context"
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Unix systems.
func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP}
}

// handlePlatformSignal handles platform-specific signals, returns true if
// the server should keep running.
func handlePlatformSignal(ctx context.Context, sig os.Signal, a *App) bool {
	if sig == syscall.SIGHUP {
		a.Logger.Info("reload signal received")
		a.refresh(ctx)
		return true
	}
	return false
}
