package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL = 45 * time.Second
	leadershipRetryDelay = time.Second
	leaseOpTimeout       = 5 * time.Second
	minRenewalInterval   = time.Second
)

var (
	leaseCounter atomic.Uint64

	extendLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	dropLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RunWithLeader holds a redis lease on key while run executes. The context given
// to run is cancelled when the lease cannot be renewed. A nil client means there
// is no cluster to coordinate with and run is invoked directly.
func RunWithLeader(ctx context.Context, client *redis.Client, key string, ttl time.Duration, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if client == nil {
		run(ctx)
		return ctx.Err()
	}
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l, err := acquireLease(ctx, client, key, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("leader lease: acquire failed", "key", key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		log.Debug("leader lease: acquired", "key", key)
		run(l.ctx)
		l.release()
		log.Debug("leader lease: released", "key", key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

type lease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once
}

func acquireLease(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (*lease, error) {
	token := leaseToken()
	for {
		ok, err := client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("setnx %s: %w", key, err)
		}
		if ok {
			leaseCtx, cancel := context.WithCancel(ctx)
			l := &lease{
				client: client,
				key:    key,
				token:  token,
				ttl:    ttl,
				ctx:    leaseCtx,
				cancel: cancel,
				stop:   make(chan struct{}),
			}
			go l.keepAlive()
			return l, nil
		}
		if !sleepCtx(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (l *lease) keepAlive() {
	interval := l.ttl / 3
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			if err := l.extend(); err != nil {
				log.Warn("leader lease: renewal failed", "key", l.key, "error", err)
				l.cancel()
				return
			}
		}
	}
}

func (l *lease) extend() error {
	ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
	defer cancel()

	res, err := extendLease.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return errors.New("lease lost")
	}
	return nil
}

func (l *lease) release() {
	l.once.Do(func() {
		close(l.stop)
		l.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), leaseOpTimeout)
		defer cancel()
		if err := dropLease.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leader lease: release failed", "key", l.key, "error", err)
		}
	})
}

func leaseToken() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), leaseCounter.Add(1))
}

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
