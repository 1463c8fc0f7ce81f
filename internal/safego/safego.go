// Package safego runs background work that must never take the process down.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine, recovering and logging any panic.
func Go(logger *slog.Logger, task string, fn func()) {
	go Run(logger, task, fn)
}

// Run calls fn on the current goroutine, recovering and logging any panic.
func Run(logger *slog.Logger, task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("recovered panic in background task",
				"task", task, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
