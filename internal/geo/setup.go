package geo

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/config"
)

// BuildChain creates the configured providers in order. Providers that cannot be
// opened (e.g. a missing mmdb file) are skipped with a warning. The returned
// closers release provider resources.
func BuildChain(providers []config.ProviderConfig, attemptTimeout time.Duration) (*Chain, []io.Closer) {
	client := &http.Client{Timeout: attemptTimeout}

	var (
		built   []Provider
		closers []io.Closer
	)
	for _, pc := range providers {
		name := pc.Name
		if name == "" {
			name = pc.Kind
		}

		switch strings.ToLower(pc.Kind) {
		case "maxmind":
			p, err := OpenMaxMind(name, pc.CityDB, pc.ASNDB)
			if err != nil {
				log.Warn("Geolocation provider disabled", "provider", name, "error", err)
				continue
			}
			built = append(built, p)
			closers = append(closers, p)
		case "ip-api":
			built = append(built, NewIPAPIProvider(name, pc.URL, pc.RequestsPerMinute, client))
		case "ipinfo":
			built = append(built, NewIPInfoProvider(name, pc.URL, pc.Token, pc.RequestsPerMinute, client))
		default:
			log.Warn("Unknown geolocation provider kind", "provider", name, "kind", pc.Kind)
			continue
		}
		log.Debug("Geolocation provider enabled", "provider", name, "kind", pc.Kind)
	}

	return NewChain(attemptTimeout, built...), closers
}

// ResolveTimeout bounds a full resolution: every attempt plus slack for the shared tier.
func ResolveTimeout(attemptTimeout time.Duration, providers int) time.Duration {
	if providers < 1 {
		providers = 1
	}
	return time.Duration(providers)*attemptTimeout + time.Second
}

func (c *Chain) String() string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return fmt.Sprintf("[%s]", strings.Join(names, " -> "))
}
