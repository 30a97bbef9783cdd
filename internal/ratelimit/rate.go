package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidRate = errors.New("ratelimit: invalid rate")

// Rate allows Limit requests in any rolling Window.
type Rate struct {
	Limit  int
	Window time.Duration
}

func (r Rate) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

var rateUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseRate reads "N/unit" or "N/kunit", e.g. "5/m", "3/5m", "100/h".
func ParseRate(raw string) (Rate, error) {
	countPart, periodPart, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", ErrInvalidRate, raw)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(countPart))
	if err != nil || limit < 1 {
		return Rate{}, fmt.Errorf("%w: count in %q", ErrInvalidRate, raw)
	}

	periodPart = strings.ToLower(strings.TrimSpace(periodPart))
	if periodPart == "" {
		return Rate{}, fmt.Errorf("%w: period in %q", ErrInvalidRate, raw)
	}

	unit, ok := rateUnits[periodPart[len(periodPart)-1:]]
	if !ok {
		return Rate{}, fmt.Errorf("%w: unit in %q", ErrInvalidRate, raw)
	}

	multiplier := 1
	if digits := periodPart[:len(periodPart)-1]; digits != "" {
		multiplier, err = strconv.Atoi(digits)
		if err != nil || multiplier < 1 {
			return Rate{}, fmt.Errorf("%w: period in %q", ErrInvalidRate, raw)
		}
	}

	return Rate{Limit: limit, Window: time.Duration(multiplier) * unit}, nil
}

// Rule is a named rate with its own counter namespace.
type Rule struct {
	Name string
	Rate Rate
	// Raw keeps the configured notation for logs and events.
	Raw string
	// Methods restricts the rule to these HTTP methods; empty means all.
	Methods    []string
	LogDenials bool
}

func NewRule(name, raw string, methods []string, logDenials bool) (Rule, error) {
	rate, err := ParseRate(raw)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", name, err)
	}
	upper := make([]string, 0, len(methods))
	for _, m := range methods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			upper = append(upper, m)
		}
	}
	return Rule{Name: name, Rate: rate, Raw: strings.TrimSpace(raw), Methods: upper, LogDenials: logDenials}, nil
}

func (r Rule) AppliesTo(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Rule       string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces rules per identity key.
type Limiter interface {
	Allow(ctx context.Context, key string, rule Rule) (Decision, error)
}

func counterKey(rule Rule, key string) string {
	return rule.Name + "|" + key
}
