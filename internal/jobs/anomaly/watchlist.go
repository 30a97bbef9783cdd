package anomaly

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/database"
	"ipguard/internal/domain"
)

const watchlistRefreshEvery = 5 * time.Minute

// Watchlist is a read-only snapshot of IPs with an active finding, used by the
// request path to annotate records without touching the database.
type Watchlist struct {
	current atomic.Pointer[map[string]domain.Reason]
	window  func() time.Duration
}

func NewWatchlist(window func() time.Duration) *Watchlist {
	return &Watchlist{window: window}
}

// Suspicious returns the primary reason recorded for ip.
func (w *Watchlist) Suspicious(ip string) (string, bool) {
	snap := w.current.Load()
	if snap == nil {
		return "", false
	}
	reason, ok := (*snap)[ip]
	return string(reason), ok
}

func (w *Watchlist) Refresh(ctx context.Context) error {
	since := time.Now().Add(-w.window())
	records, err := database.ListSuspiciousIPs(ctx, "", since, 0)
	if err != nil {
		return err
	}

	next := make(map[string]domain.Reason, len(records))
	for _, r := range records {
		if !r.Active {
			continue
		}
		if _, seen := next[r.IP]; !seen {
			next[r.IP] = r.Reason
		}
	}
	w.current.Store(&next)
	return nil
}

func (w *Watchlist) Size() int {
	snap := w.current.Load()
	if snap == nil {
		return 0
	}
	return len(*snap)
}

// Run refreshes the snapshot on every instance until ctx is done.
func (w *Watchlist) Run(ctx context.Context) {
	refresh := func() {
		if err := w.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Warn("Suspicious watchlist refresh failed", "error", err)
		}
	}
	refresh()

	ticker := time.NewTicker(watchlistRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh()
		}
	}
}
