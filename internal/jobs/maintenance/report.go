package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/alert"
	"ipguard/internal/database"
	"ipguard/internal/domain"
)

const reportTopN = 10

type Report struct {
	Date          string            `json:"date"`
	PeriodStart   time.Time         `json:"period_start"`
	Suspicious    int64             `json:"suspicious_ips"`
	NewBlocks     int64             `json:"new_blocks"`
	AutoBlocks    int64             `json:"auto_blocks"`
	TopSuspicious []ReportSuspicion `json:"top_suspicious"`
}

type ReportSuspicion struct {
	IP           string          `json:"ip"`
	Reason       domain.Reason   `json:"reason"`
	RequestCount int64           `json:"request_count"`
	Severity     domain.Severity `json:"severity"`
}

// BuildDailyReport summarises the 24 hours before now.
func BuildDailyReport(ctx context.Context, now time.Time) (Report, error) {
	since := now.Add(-24 * time.Hour)
	r := Report{
		Date:          now.Format(time.DateOnly),
		PeriodStart:   since,
		TopSuspicious: []ReportSuspicion{},
	}

	var err error
	if r.Suspicious, err = database.CountSuspiciousSince(ctx, since); err != nil {
		return r, fmt.Errorf("count suspicious: %w", err)
	}
	if r.NewBlocks, err = database.CountBlocksSince(ctx, since, false); err != nil {
		return r, fmt.Errorf("count blocks: %w", err)
	}
	if r.AutoBlocks, err = database.CountBlocksSince(ctx, since, true); err != nil {
		return r, fmt.Errorf("count auto blocks: %w", err)
	}

	top, err := database.TopSuspiciousIPs(ctx, since, reportTopN)
	if err != nil {
		return r, fmt.Errorf("top suspicious: %w", err)
	}
	for _, s := range top {
		r.TopSuspicious = append(r.TopSuspicious, ReportSuspicion{
			IP:           s.IP,
			Reason:       s.Reason,
			RequestCount: s.RequestCount,
			Severity:     s.Severity,
		})
	}
	return r, nil
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily anomaly report %s\n", r.Date)
	fmt.Fprintf(&b, "  suspicious IPs: %d\n", r.Suspicious)
	fmt.Fprintf(&b, "  new blocks: %d\n", r.NewBlocks)
	fmt.Fprintf(&b, "  auto-blocks: %d\n", r.AutoBlocks)
	for _, s := range r.TopSuspicious {
		fmt.Fprintf(&b, "  - %s: %s (%d requests, severity: %s)\n", s.IP, s.Reason, s.RequestCount, s.Severity)
	}
	return b.String()
}

// SendDailyReport emits the report at most once per UTC day across all instances.
func SendDailyReport(ctx context.Context, dispatcher alert.Dispatcher, now time.Time) (bool, error) {
	if dispatcher == nil {
		return false, nil
	}
	day := now.UTC().Truncate(24 * time.Hour)

	sent, err := database.AlertSentSince(ctx, "", alert.KindDailyReport, day)
	if err != nil || sent {
		return false, err
	}

	report, err := BuildDailyReport(ctx, now)
	if err != nil {
		return false, err
	}

	claimed, err := database.ClaimAlert(ctx, domain.AlertRecord{
		WindowStart: day,
		Kind:        alert.KindDailyReport,
		Severity:    domain.SeverityLow,
	})
	if err != nil || !claimed {
		return false, err
	}

	details := map[string]any{
		"suspicious_ips": report.Suspicious,
		"new_blocks":     report.NewBlocks,
		"auto_blocks":    report.AutoBlocks,
		"top_suspicious": report.TopSuspicious,
		"text":           report.String(),
	}
	if err := dispatcher.Send(ctx, alert.New(alert.KindDailyReport, "", "daily report "+report.Date, domain.SeverityLow, details)); err != nil {
		log.Error("Daily report dispatch failed", "error", err)
	}
	log.Info("Daily report sent", "date", report.Date, "suspicious", report.Suspicious, "blocks", report.NewBlocks)
	return true, nil
}
