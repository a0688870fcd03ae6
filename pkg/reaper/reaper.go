// Package reaper implements the Expiry Reaper (C5): a cooperative
// background worker that reclaims leases past their lease_expires_at,
// applying the same requeue-or-escalate policy as a worker-reported
// Fail(retryable=true).
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/obligate/fabric/pkg/task"
)

// DefaultInterval is P in the spec's notation: the cadence of reclaim
// passes.
const DefaultInterval = 30 * time.Second

// Reclaimer is the subset of task.Service the reaper depends on.
type Reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// Reaper runs ReclaimExpired on a ticker until its context is cancelled.
type Reaper struct {
	svc      Reclaimer
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Reaper. interval <= 0 uses DefaultInterval.
func New(svc *task.Service, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{svc: svc, interval: interval, logger: logger}
}

// Run executes reclaim passes until ctx is cancelled. Each pass commits its
// own row transitions independently; a pass that errors is logged and the
// loop continues at the next tick.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("expiry reaper started", "interval", r.interval)

	// Run once at start, so leases that expired while the process was down
	// don't wait a full interval for the first tick to reclaim them.
	if n, err := r.svc.ReclaimExpired(ctx); err != nil {
		r.logger.Error("reclaim pass failed", "error", err)
	} else if n > 0 {
		r.logger.Info("reclaimed expired leases", "count", n)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("expiry reaper stopped")
			return
		case <-ticker.C:
			n, err := r.svc.ReclaimExpired(ctx)
			if err != nil {
				r.logger.Error("reclaim pass failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}
