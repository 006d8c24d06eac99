package service

import (
	"context"
	"time"

	"github.com/Maphikza/truth-machine/internal/logger"
	"github.com/Maphikza/truth-machine/internal/tracker"
)

const defaultResolveInterval = 10 * time.Minute

// Resolver runs one confirmation pass.
type Resolver interface {
	ResolvePending(ctx context.Context) ([]tracker.Outcome, error)
}

// RunScheduler calls ResolvePending every interval until ctx is done.
// Passes never overlap.
func RunScheduler(ctx context.Context, r Resolver, interval time.Duration) {
	if interval <= 0 {
		interval = defaultResolveInterval
	}
	syncTicker := time.NewTicker(interval)
	defer syncTicker.Stop()

	logger.Info("Starting resolve scheduler", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("Resolve scheduler stopped")
			return
		case <-syncTicker.C:
			outcomes, err := r.ResolvePending(ctx)
			if err != nil {
				logger.Error("Resolve pass failed", "error", err)
				continue
			}
			counts := map[tracker.State]int{}
			for _, o := range outcomes {
				counts[o.State]++
			}
			logger.Info("Resolve pass completed",
				"checked", len(outcomes),
				"resolved", counts[tracker.Resolved],
				"pending", counts[tracker.Pending],
				"invalid", counts[tracker.Invalid],
				"stalled", counts[tracker.Stalled],
			)
		}
	}
}
