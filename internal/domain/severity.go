package domain

import (
	"fmt"
	"strings"
)

// Severity is an ordered risk level: low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRanks = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal of the severity, 0 for unknown values.
func (s Severity) Rank() int {
	return severityRanks[s]
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is equal to or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the highest of the given severities.
func MaxSeverity(values ...Severity) Severity {
	var best Severity
	for _, v := range values {
		if v.Rank() > best.Rank() {
			best = v
		}
	}
	return best
}

func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// Reason names the detection rule that flagged an IP.
type Reason string

const (
	ReasonHighFrequency  Reason = "high_frequency"
	ReasonSensitivePaths Reason = "sensitive_paths"
	ReasonHighErrorRate  Reason = "high_error_rate"
)

// RulePrecedence is the fixed evaluation order; the first match becomes the primary reason.
var RulePrecedence = []Reason{ReasonHighFrequency, ReasonSensitivePaths, ReasonHighErrorRate}
