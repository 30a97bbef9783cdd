package config

import (
	"errors"
	"path/filepath"
	"testing"

	"ipguard/internal/domain"
)

func useTempSettings(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "settings.json")
	t.Setenv("IPGUARD_SETTINGS", path)

	previous := GetConfig()
	t.Cleanup(func() {
		configValue.Store(previous)
		refreshIntervals(previous)
	})
	return path
}

func TestDefaultDetectionConfigIsValid(t *testing.T) {
	dc := Defaults().Detection
	if err := dc.Validate(); err != nil {
		t.Fatalf("embedded defaults invalid: %v", err)
	}
	if dc.RequestThresholdPerHour != 100 {
		t.Fatalf("threshold = %d, want 100", dc.RequestThresholdPerHour)
	}
	if !dc.AutoBlock || dc.AutoBlockFloor != domain.SeverityHigh {
		t.Fatalf("unexpected auto-block defaults: %v %q", dc.AutoBlock, dc.AutoBlockFloor)
	}
}

func TestSeverityFor(t *testing.T) {
	steps := Defaults().Detection.SeverityThresholds.HighFrequency

	cases := []struct {
		count float64
		want  domain.Severity
	}{
		{50, domain.SeverityLow},
		{101, domain.SeverityMedium},
		{200, domain.SeverityMedium},
		{201, domain.SeverityHigh},
		{501, domain.SeverityCritical},
	}
	for _, tc := range cases {
		if got := SeverityFor(steps, tc.count); got != tc.want {
			t.Fatalf("SeverityFor(%v) = %q, want %q", tc.count, got, tc.want)
		}
	}

	t.Run("equal minimums resolve to the higher severity", func(t *testing.T) {
		tied := []SeverityStep{
			{Severity: domain.SeverityHigh, Min: 10},
			{Severity: domain.SeverityMedium, Min: 10},
		}
		if got := SeverityFor(tied, 10); got != domain.SeverityHigh {
			t.Fatalf("tie resolved to %q, want high", got)
		}
	})
}

func TestMatchesSensitivePath(t *testing.T) {
	dc := Defaults().Detection

	cases := map[string]bool{
		"/admin":           true,
		"/admin/users":     true,
		"/static/.env":     true,
		"/wp-login.php":    true,
		"/public/admin":    false,
		"/api/test":        false,
		"/configuration":   true,
		"/":                false,
	}
	for path, want := range cases {
		if got := dc.MatchesSensitivePath(path); got != want {
			t.Fatalf("MatchesSensitivePath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestValidateRejectsBadRuleset(t *testing.T) {
	dc := Defaults().Detection
	dc.RequestThresholdPerHour = 0
	dc.ErrorRateThreshold = 1.5
	dc.AutoBlockFloor = "extreme"
	dc.SeverityThresholds.HighFrequency = append(dc.SeverityThresholds.HighFrequency, SeverityStep{Severity: "nope", Min: 1})

	err := dc.Validate()
	if !errors.Is(err, ErrInvalidDetectionConfig) {
		t.Fatalf("expected ErrInvalidDetectionConfig, got %v", err)
	}
}

func TestNormalizeDeduplicatesAndSorts(t *testing.T) {
	dc := Defaults().Detection
	dc.SensitivePaths = []string{" /admin ", "/admin", "", ".env"}
	dc.SeverityThresholds.HighFrequency = []SeverityStep{
		{Severity: domain.SeverityCritical, Min: 500},
		{Severity: domain.SeverityMedium, Min: 100},
	}

	out := dc.Normalize()
	if len(out.SensitivePaths) != 2 || out.SensitivePaths[0] != "/admin" || out.SensitivePaths[1] != ".env" {
		t.Fatalf("unexpected paths %v", out.SensitivePaths)
	}
	if out.SeverityThresholds.HighFrequency[0].Min != 100 {
		t.Fatalf("ladder not sorted: %+v", out.SeverityThresholds.HighFrequency)
	}
	if dc.SeverityThresholds.HighFrequency[0].Min != 500 {
		t.Fatalf("Normalize mutated its receiver")
	}
}

func TestSetDetectionConfig(t *testing.T) {
	useTempSettings(t)

	t.Run("invalid ruleset leaves snapshot untouched", func(t *testing.T) {
		before := GetDetectionConfig()

		bad := before.Clone()
		bad.LookbackHours = 0
		if err := SetDetectionConfig(bad); !errors.Is(err, ErrInvalidDetectionConfig) {
			t.Fatalf("expected rejection, got %v", err)
		}
		if got := GetDetectionConfig(); got.LookbackHours != before.LookbackHours {
			t.Fatalf("invalid update leaked: lookback=%d", got.LookbackHours)
		}
	})

	t.Run("valid ruleset is swapped in", func(t *testing.T) {
		next := GetDetectionConfig()
		next.RequestThresholdPerHour = 250
		next.AutoBlock = false

		if err := SetDetectionConfig(next); err != nil {
			t.Fatalf("SetDetectionConfig: %v", err)
		}
		got := GetDetectionConfig()
		if got.RequestThresholdPerHour != 250 || got.AutoBlock {
			t.Fatalf("update not applied: %+v", got)
		}
	})

	t.Run("snapshots are isolated from callers", func(t *testing.T) {
		snap := GetDetectionConfig()
		snap.SensitivePaths[0] = "/mutated"
		if GetDetectionConfig().SensitivePaths[0] == "/mutated" {
			t.Fatalf("caller mutation reached the live snapshot")
		}
	})
}
