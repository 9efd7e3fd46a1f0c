// Package maintenance runs the periodic hygiene pass over session
// state: stale cache eviction and retention purges in the store.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvake/sesh/internal/manager"
)

// Maintainer is the slice of the manager the sweeper drives.
type Maintainer interface {
	Maintain(ctx context.Context) (manager.MaintenanceReport, error)
}

// Sweeper triggers maintenance passes on an interval.
type Sweeper struct {
	target   Maintainer
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper over target. If interval is <= 0, it
// defaults to 15 minutes.
func NewSweeper(target Maintainer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		target:   target,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps on the configured interval until ctx is cancelled. The
// first pass runs immediately.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("maintenance pass failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// RunOnce performs a single maintenance pass and reports what it
// cleaned up.
func (s *Sweeper) RunOnce(ctx context.Context) (manager.MaintenanceReport, error) {
	report, err := s.target.Maintain(ctx)
	if err != nil {
		return report, fmt.Errorf("maintenance pass: %w", err)
	}
	if report.StaleEvicted > 0 || report.PurgedRows > 0 {
		s.logger.Info("maintenance pass cleaned up",
			"stale_evicted", report.StaleEvicted,
			"purged_rows", report.PurgedRows)
	}
	return report, nil
}
