// cleanup.go implements the background scheduler that periodically sweeps
// expired and non-retained completed uploads out of the registry and the
// chunk store.
package tus

import (
	"context"
	"log/slog"
	"time"
)

// CleanupScheduler runs Engine.SweepExpired on a fixed interval.
type CleanupScheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
	stopChan chan struct{}

	// OnSweep, when set, is called after each sweep with the number of
	// uploads removed. main.go uses it to feed the expiry counter metric.
	OnSweep func(removed int)
}

// NewCleanupScheduler creates a scheduler. A non-positive interval defaults
// to ten minutes.
func NewCleanupScheduler(engine *Engine, interval time.Duration, log *slog.Logger) *CleanupScheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &CleanupScheduler{
		engine:   engine,
		interval: interval,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start begins the background sweep loop. It runs an initial sweep
// immediately, then repeats on the configured interval. The loop exits when
// ctx is cancelled or Stop is called.
func (c *CleanupScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.log.Info("upload cleanup scheduler started", "interval", c.interval.String())

	// Run once immediately on startup
	c.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			c.sweep(ctx)
		case <-c.stopChan:
			c.log.Info("upload cleanup scheduler stopped")
			return
		case <-ctx.Done():
			c.log.Info("upload cleanup scheduler context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (c *CleanupScheduler) Stop() {
	close(c.stopChan)
}

func (c *CleanupScheduler) sweep(ctx context.Context) {
	removed, err := c.engine.SweepExpired(ctx)
	if err != nil {
		c.log.Error("upload cleanup sweep failed", "error", err)
		return
	}
	if removed > 0 {
		c.log.Info("upload cleanup sweep finished", "removed", removed)
	}
	if c.OnSweep != nil {
		c.OnSweep(removed)
	}
}
