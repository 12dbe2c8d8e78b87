// Package safego launches goroutines that survive panics. The upload server
// runs several long-lived background loops (the cleanup sweeper, the metrics
// listener); a panic in any of them must be logged, not allowed to either
// kill the process or silently end the loop.
package safego

import "log/slog"

// Go runs fn in a new goroutine, recovering and logging any panic.
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}
