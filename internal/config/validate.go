package config

import (
	"errors"
	"fmt"
	"strings"

	"ipguard/internal/ratelimit"
)

// ErrInvalidConfig wraps problems outside the detection ruleset.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Validate checks the whole configuration. Detection problems keep their own
// ErrInvalidDetectionConfig so callers can tell them apart.
func (c Config) Validate() error {
	var errs []error
	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}

	rules := []struct {
		name     string
		rate     string
		optional bool
	}{
		{name: "anonymous", rate: c.RateLimits.Anonymous.Rate},
		{name: "authenticated", rate: c.RateLimits.Authenticated.Rate},
		{name: "login", rate: c.RateLimits.Login.Rate},
		{name: "api", rate: c.RateLimits.API.Rate, optional: true},
	}
	for _, r := range rules {
		if r.optional && strings.TrimSpace(r.rate) == "" {
			continue
		}
		if _, err := ratelimit.ParseRate(r.rate); err != nil {
			errs = append(errs, fmt.Errorf("%w: rate_limits.%s: %v", ErrInvalidConfig, r.name, err))
		}
	}

	if _, err := ParseTrustedProxies(c.Proxy.TrustedProxies); err != nil {
		errs = append(errs, fmt.Errorf("%w: proxy: %v", ErrInvalidConfig, err))
	}

	return errors.Join(errs...)
}
