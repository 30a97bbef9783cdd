package geo

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

const (
	DefaultTTL            = 24 * time.Hour
	defaultLocalSize      = 10000
	defaultResolveTimeout = 10 * time.Second
)

type localEntry struct {
	loc     domain.Location
	updated time.Time
}

// Cache resolves IPs through an in-process tier, a shared tier and finally the
// resolver. Only complete resolutions are cached; failures yield an unknown location.
type Cache struct {
	resolver Resolver
	shared   SharedTier
	ttl      time.Duration
	timeout  time.Duration
	maxLocal int
	now      func() time.Time

	mu    sync.RWMutex
	local map[string]localEntry

	inflight singleflight.Group
}

type CacheOption func(*Cache)

func WithSharedTier(tier SharedTier) CacheOption {
	return func(c *Cache) { c.shared = tier }
}

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithResolveTimeout bounds a whole resolution, shared tier and every provider attempt included.
func WithResolveTimeout(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLocalSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxLocal = n
		}
	}
}

func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

func NewCache(resolver Resolver, opts ...CacheOption) *Cache {
	c := &Cache{
		resolver: resolver,
		ttl:      DefaultTTL,
		timeout:  defaultResolveTimeout,
		maxLocal: defaultLocalSize,
		now:      time.Now,
		local:    make(map[string]localEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve never fails: errors and timeouts produce domain.UnknownLocation.
func (c *Cache) Resolve(ctx context.Context, raw string) domain.Location {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return domain.UnknownLocation(domain.GeoSourceInvalid)
	}
	addr = addr.Unmap().WithZone("")
	if IsReserved(addr) {
		metrics.GeoLookups.WithLabelValues("none", "private").Inc()
		return domain.UnknownLocation(domain.GeoSourcePrivate)
	}

	key := addr.String()
	if loc, ok := c.localGet(key); ok {
		metrics.GeoLookups.WithLabelValues("local", "hit").Inc()
		return loc
	}

	// Detached from the caller; a waiter that gives up does not cancel shared work.
	ch := c.inflight.DoChan(key, func() (any, error) {
		resolveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.resolveMiss(resolveCtx, addr, key), nil
	})

	select {
	case res := <-ch:
		return res.Val.(domain.Location)
	case <-ctx.Done():
		metrics.GeoLookups.WithLabelValues("resolver", "timeout").Inc()
		return domain.UnknownLocation(domain.GeoSourceFailed)
	}
}

func (c *Cache) resolveMiss(ctx context.Context, addr netip.Addr, key string) domain.Location {
	if c.shared != nil {
		loc, updated, ok, err := c.shared.Get(ctx, key)
		if err != nil {
			log.Warn("Geolocation shared cache read failed", "ip", key, "error", err)
		}
		if ok && c.fresh(updated) {
			c.localSet(key, loc, updated)
			metrics.GeoLookups.WithLabelValues("shared", "hit").Inc()
			return loc
		}
	}

	if c.resolver == nil {
		return domain.UnknownLocation(domain.GeoSourceFailed)
	}

	loc, err := c.resolver.Resolve(ctx, addr)
	if err != nil {
		log.Warn("Geolocation failed", "ip", key, "error", err)
		metrics.GeoLookups.WithLabelValues("resolver", "failed").Inc()
		return domain.UnknownLocation(domain.GeoSourceFailed)
	}

	updated := c.now().UTC()
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, loc, updated); err != nil {
			log.Warn("Geolocation shared cache write failed", "ip", key, "error", err)
		}
	}
	c.localSet(key, loc, updated)
	metrics.GeoLookups.WithLabelValues("resolver", "resolved").Inc()
	return loc
}

// Forget drops ip from the local tier so the next Resolve consults the shared tier.
func (c *Cache) Forget(ip string) {
	c.mu.Lock()
	delete(c.local, ip)
	c.mu.Unlock()
}

// Refresh resolves ip from the providers regardless of cached state.
func (c *Cache) Refresh(ctx context.Context, ip string) domain.Location {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return domain.UnknownLocation(domain.GeoSourceInvalid)
	}
	addr = addr.Unmap().WithZone("")
	if IsReserved(addr) {
		return domain.UnknownLocation(domain.GeoSourcePrivate)
	}
	if c.resolver == nil {
		return domain.UnknownLocation(domain.GeoSourceFailed)
	}

	key := addr.String()
	loc, err := c.resolver.Resolve(ctx, addr)
	if err != nil {
		log.Warn("Geolocation refresh failed", "ip", key, "error", err)
		return domain.UnknownLocation(domain.GeoSourceFailed)
	}

	updated := c.now().UTC()
	if c.shared != nil {
		if err := c.shared.Set(ctx, key, loc, updated); err != nil {
			log.Warn("Geolocation shared cache write failed", "ip", key, "error", err)
		}
	}
	c.localSet(key, loc, updated)
	return loc
}

func (c *Cache) fresh(updated time.Time) bool {
	return !updated.IsZero() && c.now().Sub(updated) < c.ttl
}

func (c *Cache) localGet(key string) (domain.Location, bool) {
	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if !ok || !c.fresh(entry.updated) {
		return domain.Location{}, false
	}
	return entry.loc, true
}

func (c *Cache) localSet(key string, loc domain.Location, updated time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.local[key]; !exists && len(c.local) >= c.maxLocal {
		c.evictLocked()
	}
	c.local[key] = localEntry{loc: loc, updated: updated}
}

// evictLocked drops stale entries, or the oldest one when everything is fresh.
func (c *Cache) evictLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, e := range c.local {
		if !c.fresh(e.updated) {
			delete(c.local, k)
			continue
		}
		if oldestKey == "" || e.updated.Before(oldestAt) {
			oldestKey, oldestAt = k, e.updated
		}
	}
	if len(c.local) >= c.maxLocal && oldestKey != "" {
		delete(c.local, oldestKey)
	}
}

// LocalSize returns the number of in-process entries.
func (c *Cache) LocalSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}
