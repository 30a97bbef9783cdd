package config

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultScanInterval  = time.Hour
	defaultSweepInterval = 10 * time.Minute
	minimumInterval      = time.Second
)

// intervalSetting stores a duration and fans changes out to subscribed loops.
type intervalSetting struct {
	value     atomic.Int64
	fallback  time.Duration
	mu        sync.Mutex
	listeners []chan time.Duration
}

func newIntervalSetting(fallback time.Duration) *intervalSetting {
	s := &intervalSetting{fallback: fallback}
	s.value.Store(int64(fallback))
	return s
}

func (s *intervalSetting) Get() time.Duration {
	return time.Duration(s.value.Load())
}

func (s *intervalSetting) set(interval time.Duration) {
	if interval <= 0 {
		interval = s.fallback
	}
	if time.Duration(s.value.Swap(int64(interval))) == interval {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- interval:
		default:
		}
	}
}

// Updates returns a channel primed with the current interval that receives every change.
func (s *intervalSetting) Updates() <-chan time.Duration {
	ch := make(chan time.Duration, 1)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	ch <- s.Get()
	return ch
}

var (
	scanInterval  = newIntervalSetting(defaultScanInterval)
	sweepInterval = newIntervalSetting(defaultSweepInterval)
)

func refreshIntervals(cfg Config) {
	scanInterval.set(timerOrDefault(cfg.Scanner.ScanTimer, defaultScanInterval))
	sweepInterval.set(timerOrDefault(cfg.Maintenance.SweepTimer, defaultSweepInterval))
}

func GetScanInterval() time.Duration  { return scanInterval.Get() }
func GetSweepInterval() time.Duration { return sweepInterval.Get() }

func ScanIntervalUpdates() <-chan time.Duration  { return scanInterval.Updates() }
func SweepIntervalUpdates() <-chan time.Duration { return sweepInterval.Updates() }

// CalculateBetweenTime converts a timer to a duration with a one second floor.
func CalculateBetweenTime(timer Timer) time.Duration {
	d := timer.Duration()
	if d < minimumInterval {
		return minimumInterval
	}
	return d
}

func timerOrDefault(timer Timer, fallback time.Duration) time.Duration {
	if timer.IsZero() {
		return fallback
	}
	return CalculateBetweenTime(timer)
}

// Timer is the human-editable duration shape used in the settings file.
type Timer struct {
	Days    uint32 `json:"days"`
	Hours   uint32 `json:"hours"`
	Minutes uint32 `json:"minutes"`
	Seconds uint32 `json:"seconds"`
}

func (t Timer) Duration() time.Duration {
	return time.Duration(t.Days)*24*time.Hour +
		time.Duration(t.Hours)*time.Hour +
		time.Duration(t.Minutes)*time.Minute +
		time.Duration(t.Seconds)*time.Second
}

func (t Timer) IsZero() bool {
	return t.Days == 0 && t.Hours == 0 && t.Minutes == 0 && t.Seconds == 0
}
