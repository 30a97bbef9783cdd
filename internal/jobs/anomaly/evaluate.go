package anomaly

import (
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/domain"
)

// Finding is the rule outcome for one IP in one scan window.
type Finding struct {
	IP           string
	Reason       domain.Reason
	Matched      []domain.Reason
	Severity     domain.Severity
	RequestCount int64
	Details      map[string]any
}

// Evaluate applies the ruleset to one IP's window aggregate. Rules are checked in
// precedence order; the first match is the primary reason and every match adds its
// evidence to Details. The severity is the highest any matched rule maps to.
func Evaluate(stats database.IPWindowStats, dc config.DetectionConfig) (Finding, bool) {
	f := Finding{
		IP:           stats.IP,
		RequestCount: stats.Total,
		Details: map[string]any{
			"request_count": stats.Total,
		},
	}
	var severities []domain.Severity

	for _, rule := range domain.RulePrecedence {
		matched, severity := evaluateRule(rule, stats, dc, f.Details)
		if !matched {
			continue
		}
		if f.Reason == "" {
			f.Reason = rule
		}
		f.Matched = append(f.Matched, rule)
		severities = append(severities, severity)
	}

	if f.Reason == "" {
		return Finding{}, false
	}

	f.Severity = domain.MaxSeverity(severities...)
	reasons := make([]string, 0, len(f.Matched))
	for _, r := range f.Matched {
		reasons = append(reasons, string(r))
	}
	f.Details["matched_rules"] = reasons
	return f, true
}

func evaluateRule(rule domain.Reason, stats database.IPWindowStats, dc config.DetectionConfig, details map[string]any) (bool, domain.Severity) {
	ladders := dc.SeverityThresholds

	switch rule {
	case domain.ReasonHighFrequency:
		if !dc.CheckFrequency || stats.Total <= int64(dc.RequestThresholdPerHour) {
			return false, ""
		}
		details["threshold"] = dc.RequestThresholdPerHour
		return true, config.SeverityFor(ladders.HighFrequency, float64(stats.Total))

	case domain.ReasonSensitivePaths:
		if !dc.CheckSensitivePaths || stats.SensitiveHits == 0 {
			return false, ""
		}
		details["sensitive_hits"] = stats.SensitiveHits
		return true, config.SeverityFor(ladders.SensitivePaths, float64(stats.SensitiveHits))

	case domain.ReasonHighErrorRate:
		if !dc.CheckErrorRate || stats.Total < int64(dc.MinRequestsForErrorRate) {
			return false, ""
		}
		rate := stats.ErrorRate()
		if rate <= dc.ErrorRateThreshold {
			return false, ""
		}
		details["error_rate"] = rate
		details["errors"] = stats.Errors
		return true, config.SeverityFor(ladders.HighErrorRate, rate)
	}

	return false, ""
}
