package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"ipguard/internal/config"
	"ipguard/internal/database"
)

// Analysis is the per-IP behaviour report served to operators.
type Analysis struct {
	IP              string    `json:"ip"`
	Hours           int       `json:"analysis_period_hours"`
	Total           int       `json:"total_requests"`
	UniquePaths     int       `json:"unique_paths"`
	RatePerHour     float64   `json:"requests_per_hour"`
	ErrorRate       float64   `json:"error_rate"`
	SensitiveHits   int       `json:"sensitive_access_count"`
	RateLimitEvents int64     `json:"rate_limit_events"`
	FirstRequest    time.Time `json:"first_request"`
	LastRequest     time.Time `json:"last_request"`
	Flagged         int       `json:"flagged_requests"`
	Suspicious      bool      `json:"suspicious"`
	Reasons         []string  `json:"reasons"`
}

// AnalyzeIP summarises ip's requests over the last hours and checks them against
// the ruleset. found is false when the IP has no requests in that period.
func AnalyzeIP(ctx context.Context, ip string, hours int, dc config.DetectionConfig, now time.Time) (analysis Analysis, found bool, err error) {
	if hours <= 0 {
		hours = 24
	}
	since := now.Add(-time.Duration(hours) * time.Hour)

	records, err := database.ListRequestRecordsForIP(ctx, ip, since)
	if err != nil {
		return Analysis{}, false, err
	}

	analysis = Analysis{IP: ip, Hours: hours, Reasons: []string{}}
	if len(records) == 0 {
		return analysis, false, nil
	}

	paths := make(map[string]struct{}, len(records))
	var errorCount int
	for _, r := range records {
		paths[r.Path] = struct{}{}
		if r.IsError() {
			errorCount++
		}
		if dc.MatchesSensitivePath(r.Path) {
			analysis.SensitiveHits++
		}
		if r.Flagged {
			analysis.Flagged++
		}
	}

	analysis.Total = len(records)
	analysis.UniquePaths = len(paths)
	analysis.FirstRequest = records[0].Timestamp
	analysis.LastRequest = records[len(records)-1].Timestamp

	spanHours := analysis.LastRequest.Sub(analysis.FirstRequest).Hours()
	analysis.RatePerHour = round2(float64(analysis.Total) / math.Max(spanHours, 1))
	analysis.ErrorRate = round2(float64(errorCount) / float64(analysis.Total) * 100)

	analysis.RateLimitEvents, err = database.CountRateLimitEventsSince(ctx, ip, since)
	if err != nil {
		return analysis, true, err
	}

	if analysis.RatePerHour > float64(dc.RequestThresholdPerHour) {
		analysis.Reasons = append(analysis.Reasons, fmt.Sprintf("High frequency: %.1f requests/hour (threshold: %d)", analysis.RatePerHour, dc.RequestThresholdPerHour))
	}
	if analysis.SensitiveHits > 0 {
		analysis.Reasons = append(analysis.Reasons, fmt.Sprintf("Accessed %d sensitive paths", analysis.SensitiveHits))
	}
	if analysis.Total >= dc.MinRequestsForErrorRate && analysis.ErrorRate > dc.ErrorRateThreshold*100 {
		analysis.Reasons = append(analysis.Reasons, fmt.Sprintf("High error rate: %.1f%%", analysis.ErrorRate))
	}
	analysis.Suspicious = len(analysis.Reasons) > 0

	return analysis, true, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
