package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ipguard/internal/domain"
)

// ErrInvalidDetectionConfig is returned when a ruleset fails validation.
var ErrInvalidDetectionConfig = errors.New("config: invalid detection config")

// DetectionConfig is the anomaly ruleset. Values are swapped whole; readers take a
// snapshot with GetDetectionConfig and never observe a partial update.
type DetectionConfig struct {
	Enabled                 bool     `json:"enabled"`
	RequestThresholdPerHour int      `json:"request_threshold_per_hour"`
	LookbackHours           int      `json:"lookback_hours"`
	SensitivePaths          []string `json:"sensitive_paths"`
	ErrorRateThreshold      float64  `json:"error_rate_threshold"`
	MinRequestsForErrorRate int      `json:"min_requests_for_error_rate"`

	CheckFrequency      bool `json:"check_frequency"`
	CheckSensitivePaths bool `json:"check_sensitive_paths"`
	CheckErrorRate      bool `json:"check_error_rate"`

	AutoBlock         bool            `json:"auto_block"`
	AutoBlockFloor    domain.Severity `json:"auto_block_floor"`
	AutoBlockTTLHours int             `json:"auto_block_ttl_hours"`
	AlertFloor        domain.Severity `json:"alert_floor"`

	// SeverityHorizonDays bounds how far back a prior severity is merged.
	SeverityHorizonDays int `json:"severity_horizon_days"`

	SeverityThresholds SeverityThresholds `json:"severity_thresholds"`
}

// SeverityThresholds maps each rule's metric to a severity ladder.
type SeverityThresholds struct {
	HighFrequency  []SeverityStep `json:"high_frequency"`
	SensitivePaths []SeverityStep `json:"sensitive_paths"`
	HighErrorRate  []SeverityStep `json:"high_error_rate"`
}

// SeverityStep assigns Severity to metric values >= Min.
type SeverityStep struct {
	Severity domain.Severity `json:"severity"`
	Min      float64         `json:"min"`
}

// SeverityFor returns the highest severity whose step is reached by value.
// Equal minimums resolve to the higher severity. Values below every step are low.
func SeverityFor(steps []SeverityStep, value float64) domain.Severity {
	best := domain.SeverityLow
	for _, step := range steps {
		if value >= step.Min && step.Severity.Rank() > best.Rank() {
			best = step.Severity
		}
	}
	return best
}

func (d DetectionConfig) Lookback() time.Duration {
	return time.Duration(d.LookbackHours) * time.Hour
}

// AutoBlockTTL returns zero for permanent auto-blocks.
func (d DetectionConfig) AutoBlockTTL() time.Duration {
	return time.Duration(d.AutoBlockTTLHours) * time.Hour
}

func (d DetectionConfig) SeverityHorizon() time.Duration {
	return time.Duration(d.SeverityHorizonDays) * 24 * time.Hour
}

// MatchesSensitivePath applies the sensitive path list: entries starting with "/"
// match as prefixes, anything else matches as a substring.
func (d DetectionConfig) MatchesSensitivePath(path string) bool {
	for _, p := range d.SensitivePaths {
		if strings.HasPrefix(p, "/") {
			if strings.HasPrefix(path, p) {
				return true
			}
			continue
		}
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching the live snapshot.
func (d DetectionConfig) Clone() DetectionConfig {
	out := d
	out.SensitivePaths = append([]string(nil), d.SensitivePaths...)
	out.SeverityThresholds.HighFrequency = append([]SeverityStep(nil), d.SeverityThresholds.HighFrequency...)
	out.SeverityThresholds.SensitivePaths = append([]SeverityStep(nil), d.SeverityThresholds.SensitivePaths...)
	out.SeverityThresholds.HighErrorRate = append([]SeverityStep(nil), d.SeverityThresholds.HighErrorRate...)
	return out
}

// Normalize trims and deduplicates paths and orders severity ladders by threshold.
func (d DetectionConfig) Normalize() DetectionConfig {
	out := d.Clone()

	seen := make(map[string]struct{}, len(out.SensitivePaths))
	paths := out.SensitivePaths[:0]
	for _, p := range out.SensitivePaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	out.SensitivePaths = paths

	for _, steps := range [][]SeverityStep{
		out.SeverityThresholds.HighFrequency,
		out.SeverityThresholds.SensitivePaths,
		out.SeverityThresholds.HighErrorRate,
	} {
		sort.SliceStable(steps, func(i, j int) bool { return steps[i].Min < steps[j].Min })
	}
	return out
}

// Validate reports every problem at once, wrapped in ErrInvalidDetectionConfig.
func (d DetectionConfig) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if d.RequestThresholdPerHour < 1 {
		add("request_threshold_per_hour must be >= 1, got %d", d.RequestThresholdPerHour)
	}
	if d.LookbackHours < 1 || d.LookbackHours > 24*7 {
		add("lookback_hours must be within 1..168, got %d", d.LookbackHours)
	}
	if d.ErrorRateThreshold <= 0 || d.ErrorRateThreshold > 1 {
		add("error_rate_threshold must be within (0, 1], got %v", d.ErrorRateThreshold)
	}
	if d.MinRequestsForErrorRate < 1 {
		add("min_requests_for_error_rate must be >= 1, got %d", d.MinRequestsForErrorRate)
	}
	for i, p := range d.SensitivePaths {
		if strings.TrimSpace(p) == "" {
			add("sensitive_paths[%d] is empty", i)
		}
	}
	if !d.AutoBlockFloor.Valid() {
		add("auto_block_floor %q is not a severity", d.AutoBlockFloor)
	}
	if !d.AlertFloor.Valid() {
		add("alert_floor %q is not a severity", d.AlertFloor)
	}
	if d.AutoBlockTTLHours < 0 {
		add("auto_block_ttl_hours must be >= 0, got %d", d.AutoBlockTTLHours)
	}
	if d.SeverityHorizonDays < 1 {
		add("severity_horizon_days must be >= 1, got %d", d.SeverityHorizonDays)
	}

	ladders := map[string][]SeverityStep{
		"high_frequency":  d.SeverityThresholds.HighFrequency,
		"sensitive_paths": d.SeverityThresholds.SensitivePaths,
		"high_error_rate": d.SeverityThresholds.HighErrorRate,
	}
	for _, name := range []string{"high_frequency", "sensitive_paths", "high_error_rate"} {
		for i, step := range ladders[name] {
			if !step.Severity.Valid() {
				add("severity_thresholds.%s[%d]: unknown severity %q", name, i, step.Severity)
			}
			if step.Min < 0 {
				add("severity_thresholds.%s[%d]: min must be >= 0", name, i)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDetectionConfig, errors.Join(problems...))
}

// GetDetectionConfig returns a private copy of the active ruleset.
func GetDetectionConfig() DetectionConfig {
	return GetConfig().Detection.Clone()
}

// SetDetectionConfig validates and installs a new ruleset, persisting and
// broadcasting it like any other settings change.
func SetDetectionConfig(dc DetectionConfig) error {
	dc = dc.Normalize()
	if err := dc.Validate(); err != nil {
		return err
	}

	cfg := GetConfig()
	cfg.Detection = dc
	return applyConfigUpdate(cfg, configUpdateOptions{persistToFile: true, broadcast: true, source: "detection"})
}
