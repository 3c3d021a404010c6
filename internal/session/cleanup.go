package session

import (
	"log/slog"
	"time"
)

// CleanupScheduler periodically evicts stale sessions and prunes idle
// rate-limit windows. It runs one fixed-interval loop and stops cleanly on
// shutdown.
type CleanupScheduler struct {
	manager  *Manager
	limiter  RateLimiter
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func NewCleanupScheduler(manager *Manager, limiter RateLimiter, interval time.Duration) *CleanupScheduler {
	return &CleanupScheduler{
		manager:  manager,
		limiter:  limiter,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (c *CleanupScheduler) Start() {
	go c.run()
}

func (c *CleanupScheduler) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	slog.Info("cleanup scheduler started", "interval", c.interval)
	for {
		select {
		case <-c.stopCh:
			slog.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			evicted := c.manager.EvictStale()
			swept := c.limiter.Sweep()
			if evicted > 0 || swept > 0 {
				slog.Info("cleanup sweep", "evicted_sessions", evicted, "swept_rate_limit_keys", swept)
			}
		}
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (c *CleanupScheduler) Stop() {
	close(c.stopCh)
	<-c.doneCh
}
