package geo

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/domain"
)

var (
	ErrNoProvider = errors.New("geo: no provider configured")
	ErrThrottled  = errors.New("geo: provider budget exhausted")
	ErrNotFound   = errors.New("geo: address not found")
)

// Provider resolves one address. Implementations must honour ctx cancellation.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, addr netip.Addr) (domain.Location, error)
}

// Resolver is the external capability behind the cache.
type Resolver interface {
	Resolve(ctx context.Context, addr netip.Addr) (domain.Location, error)
}

// Chain tries providers in order; the first success wins. Every attempt gets its
// own timeout so a slow provider cannot starve the ones after it.
type Chain struct {
	providers      []Provider
	attemptTimeout time.Duration
}

func NewChain(attemptTimeout time.Duration, providers ...Provider) *Chain {
	if attemptTimeout <= 0 {
		attemptTimeout = 3 * time.Second
	}
	return &Chain{providers: providers, attemptTimeout: attemptTimeout}
}

func (c *Chain) Len() int {
	return len(c.providers)
}

func (c *Chain) Resolve(ctx context.Context, addr netip.Addr) (domain.Location, error) {
	if len(c.providers) == 0 {
		return domain.Location{}, ErrNoProvider
	}

	var errs []error
	for _, p := range c.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		loc, err := p.Lookup(attemptCtx, addr)
		cancel()

		if err == nil {
			if loc.Source == "" {
				loc.Source = p.Name()
			}
			return loc, nil
		}

		log.Debug("Geolocation provider failed", "provider", p.Name(), "ip", addr, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return domain.Location{}, errors.Join(errs...)
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

// IsReserved reports private, loopback, link-local and documentation ranges that
// no provider can locate.
func IsReserved(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() ||
		!addr.IsGlobalUnicast() {
		return true
	}
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
