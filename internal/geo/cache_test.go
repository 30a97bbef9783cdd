package geo

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/domain"
)

type countingResolver struct {
	calls atomic.Int32
	loc   domain.Location
	err   error
	gate  chan struct{}
}

func (r *countingResolver) Resolve(ctx context.Context, _ netip.Addr) (domain.Location, error) {
	r.calls.Add(1)
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return domain.Location{}, ctx.Err()
		}
	}
	return r.loc, r.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mapTier struct {
	mu      sync.Mutex
	entries map[string]localEntry
	sets    int
}

func newMapTier() *mapTier {
	return &mapTier{entries: make(map[string]localEntry)}
}

func (m *mapTier) Get(_ context.Context, ip string) (domain.Location, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[ip]
	return e.loc, e.updated, ok, nil
}

func (m *mapTier) Set(_ context.Context, ip string, loc domain.Location, updated time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.entries[ip] = localEntry{loc: loc, updated: updated}
	return nil
}

var googleDNS = domain.Location{Country: "United States", CountryCode: "US", Source: "test"}

func TestResolveCachesForTTL(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS}
	clk := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	shared := newMapTier()
	cache := NewCache(resolver, WithSharedTier(shared), WithClock(clk.Now))
	ctx := context.Background()

	if loc := cache.Resolve(ctx, "8.8.8.8"); loc.CountryCode != "US" {
		t.Fatalf("unexpected location %+v", loc)
	}
	clk.Advance(23 * time.Hour)
	cache.Resolve(ctx, "8.8.8.8")

	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("resolver called %d times within 24h, want 1", got)
	}
	if shared.sets != 1 {
		t.Fatalf("shared tier written %d times, want 1", shared.sets)
	}

	clk.Advance(2 * time.Hour)
	cache.Resolve(ctx, "8.8.8.8")
	if got := resolver.calls.Load(); got != 2 {
		t.Fatalf("resolver called %d times after expiry, want 2", got)
	}
}

func TestResolveUsesSharedTier(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS}
	clk := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	shared := newMapTier()
	_ = shared.Set(context.Background(), "1.1.1.1", domain.Location{CountryCode: "AU", Source: "peer"}, clk.Now().Add(-time.Hour))

	cache := NewCache(resolver, WithSharedTier(shared), WithClock(clk.Now))
	if loc := cache.Resolve(context.Background(), "1.1.1.1"); loc.CountryCode != "AU" {
		t.Fatalf("expected shared tier hit, got %+v", loc)
	}
	if resolver.calls.Load() != 0 {
		t.Fatalf("resolver must not be called on a shared hit")
	}
	if cache.LocalSize() != 1 {
		t.Fatalf("shared hit should populate the local tier")
	}
}

func TestReservedAddressesShortCircuit(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS}
	cache := NewCache(resolver)

	for _, ip := range []string{"10.0.0.1", "192.168.1.1", "127.0.0.1", "::1", "fe80::1", "203.0.113.5", "100.64.0.1"} {
		loc := cache.Resolve(context.Background(), ip)
		if loc.Source != domain.GeoSourcePrivate {
			t.Fatalf("Resolve(%s) source = %q, want private_ip", ip, loc.Source)
		}
	}
	if loc := cache.Resolve(context.Background(), "not-an-ip"); loc.Source != domain.GeoSourceInvalid {
		t.Fatalf("invalid ip source = %q", loc.Source)
	}
	if resolver.calls.Load() != 0 {
		t.Fatalf("resolver called for reserved addresses")
	}
}

func TestFailedResolutionIsNotCached(t *testing.T) {
	resolver := &countingResolver{err: errors.New("all providers down")}
	shared := newMapTier()
	cache := NewCache(resolver, WithSharedTier(shared))

	for i := 0; i < 2; i++ {
		if loc := cache.Resolve(context.Background(), "9.9.9.9"); loc.Source != domain.GeoSourceFailed {
			t.Fatalf("expected failed location, got %+v", loc)
		}
	}
	if resolver.calls.Load() != 2 {
		t.Fatalf("failure must not be cached, calls=%d", resolver.calls.Load())
	}
	if shared.sets != 0 || cache.LocalSize() != 0 {
		t.Fatalf("failure leaked into a cache tier")
	}
}

func TestResolveReturnsUnknownWhenCallerGivesUp(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS, gate: make(chan struct{})}
	cache := NewCache(resolver, WithResolveTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	loc := cache.Resolve(ctx, "8.8.4.4")
	if loc.Source != domain.GeoSourceFailed {
		t.Fatalf("expected unknown location on timeout, got %+v", loc)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Resolve blocked for %s", elapsed)
	}
	if cache.LocalSize() != 0 {
		t.Fatalf("nothing may be cached before the resolution finishes")
	}

	close(resolver.gate)
	deadline := time.Now().Add(2 * time.Second)
	for cache.LocalSize() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if cache.LocalSize() != 1 {
		t.Fatalf("completed background resolution should populate the cache")
	}
}

func TestConcurrentResolvesShareOneCall(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS, gate: make(chan struct{})}
	cache := NewCache(resolver)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cache.Resolve(context.Background(), "8.8.8.8")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(resolver.gate)
	wg.Wait()

	if got := resolver.calls.Load(); got != 1 {
		t.Fatalf("resolver called %d times, want 1", got)
	}
}

func TestLocalTierIsBounded(t *testing.T) {
	resolver := &countingResolver{loc: googleDNS}
	cache := NewCache(resolver, WithLocalSize(2))

	for _, ip := range []string{"8.8.8.8", "8.8.4.4", "1.1.1.1"} {
		cache.Resolve(context.Background(), ip)
	}
	if got := cache.LocalSize(); got != 2 {
		t.Fatalf("local size = %d, want 2", got)
	}
}

func TestLayeredTierBackfillsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	redisTier := NewRedisTier(client, DefaultTTL)
	durable := newMapTier()
	updated := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = durable.Set(context.Background(), "8.8.8.8", googleDNS, updated)

	layered := NewLayeredTier(redisTier, durable)
	loc, at, ok, err := layered.Get(context.Background(), "8.8.8.8")
	if err != nil || !ok || loc.CountryCode != "US" || !at.Equal(updated) {
		t.Fatalf("layered get = %+v %v %v %v", loc, at, ok, err)
	}

	loc, at, ok, err = redisTier.Get(context.Background(), "8.8.8.8")
	if err != nil || !ok || loc.CountryCode != "US" || !at.Equal(updated) {
		t.Fatalf("redis tier not backfilled: %+v %v %v %v", loc, at, ok, err)
	}
	if ttl := mr.TTL(redisGeoKeyPrefix + "8.8.8.8"); ttl != DefaultTTL {
		t.Fatalf("redis ttl = %s, want %s", ttl, DefaultTTL)
	}
}
