//go:build windows

package main

import (
	"log/slog"
	"os"
	"syscall"
)

// getShutdownSignals returns the signals to listen for on Windows.
func getShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// handlePlatformSignal is a no-op on Windows; every signal shuts down.
func handlePlatformSignal(_ os.Signal, _ *slog.Logger) bool {
	return false
}
