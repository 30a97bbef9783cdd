package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/support"
)

// Periodic describes a leader-only job that runs on a configurable interval.
type Periodic struct {
	Name    string
	LockKey string
	// Redis coordinates leadership; nil runs the job on this instance unconditionally.
	Redis    *redis.Client
	Initial  time.Duration
	Fallback time.Duration
	Updates  <-chan time.Duration
	// RunAtStart triggers one run as soon as leadership is acquired.
	RunAtStart bool
	Run        func(ctx context.Context)
}

// StartPeriodic blocks until ctx is done.
func StartPeriodic(ctx context.Context, p Periodic) {
	if ctx == nil {
		ctx = context.Background()
	}
	if p.Fallback <= 0 {
		p.Fallback = time.Hour
	}

	var intervalValue atomic.Value
	initialInterval := p.Initial
	if initialInterval <= 0 {
		initialInterval = p.Fallback
	}
	intervalValue.Store(initialInterval)

	updateSignal := make(chan struct{}, 1)
	if p.Updates != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case newInterval := <-p.Updates:
					if newInterval <= 0 {
						newInterval = p.Fallback
					}
					intervalValue.Store(newInterval)
					select {
					case updateSignal <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	err := support.RunWithLeader(ctx, p.Redis, p.LockKey, support.DefaultLeadershipTTL, func(leaderCtx context.Context) {
		runPeriodicLoop(leaderCtx, p, &intervalValue, updateSignal)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Periodic routine stopped", "routine", p.Name, "error", err)
	}
}

func runPeriodicLoop(ctx context.Context, p Periodic, intervalValue *atomic.Value, updateSignal <-chan struct{}) {
	currentInterval := intervalValue.Load().(time.Duration)

	ticker := time.NewTicker(currentInterval)
	defer ticker.Stop()

	if p.RunAtStart {
		p.Run(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Run(ctx)
		case <-updateSignal:
			newInterval := intervalValue.Load().(time.Duration)
			if newInterval == currentInterval {
				continue
			}
			drainTicker(ticker)
			currentInterval = newInterval
			ticker.Reset(currentInterval)
			log.Debug("Routine interval changed", "routine", p.Name, "interval", currentInterval)
		}
	}
}

func drainTicker(ticker *time.Ticker) {
	for {
		select {
		case <-ticker.C:
		default:
			return
		}
	}
}
