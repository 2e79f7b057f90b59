//go:build windows

package main

import (
	"context"
	"os"
	"syscall"
)

func getShutdownSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

func handlePlatformSignal(context.Context, os.Signal, *App) bool {
	return false
}
