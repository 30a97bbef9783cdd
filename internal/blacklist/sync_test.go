package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisSyncPropagatesBlocks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	shared := newMemoryBackend()
	first := NewStore(shared)
	second := NewStore(shared)
	for _, s := range []*Store{first, second} {
		if err := s.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := s.EnableRedisSync(ctx, client); err != nil {
			t.Fatalf("EnableRedisSync: %v", err)
		}
	}

	if _, err := first.Block(ctx, "203.0.113.77", "peer test", 0); err != nil {
		t.Fatalf("Block: %v", err)
	}

	waitFor(t, func() bool {
		blocked, _ := second.IsBlocked("203.0.113.77")
		return blocked
	})

	if _, err := first.Unblock(ctx, "203.0.113.77"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}

	waitFor(t, func() bool {
		blocked, _ := second.IsBlocked("203.0.113.77")
		return !blocked
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
