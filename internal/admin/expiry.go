package admin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration accepts either a Go duration string ("36h") or a day count ("7d") in JSON.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := parseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(raw, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", raw)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

var expiryLayouts = []string{"2006-01-02 15:04:05", "2006-01-02"}

// ParseExpiry reads a block expiry: "+Nd" is relative to now, otherwise an absolute
// "YYYY-MM-DD[ HH:MM:SS]" in UTC. Empty input means permanent (nil).
func ParseExpiry(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	if rel, ok := strings.CutPrefix(raw, "+"); ok {
		days, found := strings.CutSuffix(rel, "d")
		if !found {
			return nil, fmt.Errorf("relative expiry must end with 'd' (e.g. +7d): %q", raw)
		}
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid relative expiry %q", raw)
		}
		at := now.UTC().Add(time.Duration(n) * 24 * time.Hour)
		return &at, nil
	}

	for _, layout := range expiryLayouts {
		if at, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return &at, nil
		}
	}
	return nil, fmt.Errorf("invalid expiry %q: use +Nd, YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", raw)
}
