package blacklist

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// StartSweepRoutine deletes expired entries and re-hydrates the snapshot on every
// tick. The interval follows config updates delivered on intervals.
func (s *Store) StartSweepRoutine(ctx context.Context, intervals <-chan time.Duration) {
	current := <-intervals
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case next := <-intervals:
			if next > 0 && next != current {
				current = next
				ticker.Reset(current)
				log.Debug("Blacklist sweep interval updated", "interval", current)
			}
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Store) sweepOnce(ctx context.Context) {
	removed, err := s.SweepExpired(ctx)
	if err != nil {
		log.Error("Blacklist sweep failed", "error", err)
		return
	}
	if err := s.Load(ctx); err != nil {
		log.Error("Blacklist reload failed, keeping previous snapshot", "error", err)
		return
	}
	if removed > 0 {
		log.Info("Expired blocks removed", "count", removed, "active", s.Size())
	}
}
