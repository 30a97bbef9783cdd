package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// window is the request log of one (rule, identity) pair: the timestamps of the
// allowed requests within the last rule window, oldest first.
type window struct {
	hits   []time.Time
	period time.Duration
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.period)
	drop := 0
	for drop < len(w.hits) && !w.hits[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		w.hits = append(w.hits[:0], w.hits[drop:]...)
	}
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// SlidingWindowLimiter is an in-process sliding-window-log limiter. Keys are spread
// over independently locked shards; a cleanup loop evicts idle windows.
type SlidingWindowLimiter struct {
	shards [shardCount]shard
	now    func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewSlidingWindowLimiter starts a cleanup loop when cleanupInterval > 0.
func NewSlidingWindowLimiter(cleanupInterval time.Duration) *SlidingWindowLimiter {
	return newSlidingWindowLimiter(cleanupInterval, time.Now)
}

func newSlidingWindowLimiter(cleanupInterval time.Duration, now func() time.Time) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		now:         now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}

	if cleanupInterval > 0 {
		go l.cleanupLoop(cleanupInterval)
	} else {
		close(l.cleanupDone)
	}
	return l
}

func (l *SlidingWindowLimiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *SlidingWindowLimiter) Allow(_ context.Context, key string, rule Rule) (Decision, error) {
	now := l.now()
	ck := counterKey(rule, key)
	s := l.shardFor(ck)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[ck]
	if !ok {
		w = &window{period: rule.Rate.Window}
		s.windows[ck] = w
	}
	w.period = rule.Rate.Window
	w.prune(now)

	decision := Decision{Rule: rule.Name, Limit: rule.Rate.Limit}
	if len(w.hits) >= rule.Rate.Limit {
		decision.RetryAfter = w.hits[0].Add(w.period).Sub(now)
		return decision, nil
	}

	w.hits = append(w.hits, now)
	decision.Allowed = true
	decision.Remaining = rule.Rate.Limit - len(w.hits)
	return decision, nil
}

// Sweep drops windows with no hits left inside their period and returns how many
// were evicted.
func (l *SlidingWindowLimiter) Sweep() int {
	now := l.now()
	evicted := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		for key, w := range s.windows {
			w.prune(now)
			if len(w.hits) == 0 {
				delete(s.windows, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// Size returns the number of tracked windows.
func (l *SlidingWindowLimiter) Size() int {
	total := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		total += len(s.windows)
		s.mu.Unlock()
	}
	return total
}

func (l *SlidingWindowLimiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stopCleanup)
	})
	<-l.cleanupDone
}

func (l *SlidingWindowLimiter) cleanupLoop(interval time.Duration) {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
