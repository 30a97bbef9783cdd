package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"ipguard/internal/alert"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

// Blocker is the blacklist surface the scanner writes through.
type Blocker interface {
	Lookup(ip string) (domain.BlockEntry, bool, error)
	Block(ctx context.Context, ip, reason string, ttl time.Duration) (domain.BlockEntry, error)
}

// Summary reports one scan cycle.
type Summary struct {
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Bucket      time.Time     `json:"bucket"`
	IPsScanned  int           `json:"ips_scanned"`
	Suspicious  int           `json:"suspicious"`
	AutoBlocked int           `json:"auto_blocked"`
	Alerts      int           `json:"alerts"`
	Failed      int           `json:"failed"`
	Disabled    bool          `json:"disabled,omitempty"`
	Cancelled   bool          `json:"cancelled,omitempty"`
	Duration    time.Duration `json:"duration"`
	Findings    []Finding     `json:"-"`
}

type Scanner struct {
	blocker    Blocker
	dispatcher alert.Dispatcher
	detection  func() config.DetectionConfig
	now        func() time.Time
	group      singleflight.Group
}

type Option func(*Scanner)

func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithDetectionConfig replaces the live ruleset source.
func WithDetectionConfig(fn func() config.DetectionConfig) Option {
	return func(s *Scanner) { s.detection = fn }
}

func NewScanner(blocker Blocker, dispatcher alert.Dispatcher, opts ...Option) *Scanner {
	s := &Scanner{
		blocker:    blocker,
		dispatcher: dispatcher,
		detection:  config.GetDetectionConfig,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunScanNow runs one cycle over the lookback window ending now. Concurrent callers
// share the same in-flight run.
func (s *Scanner) RunScanNow(ctx context.Context) (Summary, error) {
	ch := s.group.DoChan("scan", func() (any, error) {
		return s.scan(ctx)
	})
	select {
	case <-ctx.Done():
		return Summary{Cancelled: true}, ctx.Err()
	case res := <-ch:
		return res.Val.(Summary), res.Err
	}
}

func (s *Scanner) scan(ctx context.Context) (summary Summary, err error) {
	started := time.Now()
	dc := s.detection()
	now := s.now().UTC()

	summary = Summary{
		WindowStart: now.Add(-dc.Lookback()),
		WindowEnd:   now,
		Bucket:      now.Truncate(time.Hour),
	}
	if !dc.Enabled {
		summary.Disabled = true
		metrics.ScanRuns.WithLabelValues("disabled").Inc()
		return summary, nil
	}

	defer func() {
		summary.Duration = time.Since(started)
		metrics.ScanDuration.Observe(summary.Duration.Seconds())
	}()

	if err := ctx.Err(); err != nil {
		summary.Cancelled = true
		metrics.ScanRuns.WithLabelValues("cancelled").Inc()
		return summary, err
	}

	stats, err := database.AggregateRequestWindow(ctx, summary.WindowStart, summary.WindowEnd, dc.SensitivePaths)
	if err != nil {
		metrics.ScanRuns.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("aggregate request window: %w", err)
	}
	summary.IPsScanned = len(stats)

	horizonStart := now.Add(-dc.SeverityHorizon())

	for _, st := range stats {
		if err := ctx.Err(); err != nil {
			summary.Cancelled = true
			metrics.ScanRuns.WithLabelValues("cancelled").Inc()
			return summary, err
		}

		finding, ok := Evaluate(st, dc)
		if !ok {
			continue
		}

		outcome, err := s.handleFinding(ctx, dc, finding, summary, horizonStart)
		if err != nil {
			summary.Failed++
			log.Error("Anomaly scan: ip failed", "ip", st.IP, "reason", finding.Reason, "error", err)
			continue
		}

		finding.Severity = outcome.severity
		summary.Findings = append(summary.Findings, finding)
		summary.Suspicious++
		if outcome.blocked {
			summary.AutoBlocked++
		}
		if outcome.alerted {
			summary.Alerts++
		}
	}

	metrics.ScanRuns.WithLabelValues("completed").Inc()
	return summary, nil
}

type findingOutcome struct {
	severity domain.Severity
	blocked  bool
	alerted  bool
}

// handleFinding commits one IP: finding first, then the block, then the alert. Each
// step is idempotent so a re-run over the same window converges without duplicates.
func (s *Scanner) handleFinding(ctx context.Context, dc config.DetectionConfig, f Finding, summary Summary, horizonStart time.Time) (findingOutcome, error) {
	row := domain.SuspiciousIP{
		IP:           f.IP,
		WindowStart:  summary.Bucket,
		Reason:       f.Reason,
		Severity:     f.Severity,
		RequestCount: f.RequestCount,
		Details:      datatypes.JSONMap(f.Details),
		LastDetected: summary.WindowEnd,
	}

	stored, err := database.SaveSuspiciousFinding(ctx, row, horizonStart, summary.WindowStart, summary.WindowEnd)
	if err != nil {
		return findingOutcome{}, fmt.Errorf("save finding: %w", err)
	}
	metrics.SuspiciousFindings.WithLabelValues(string(stored.Severity)).Inc()

	out := findingOutcome{severity: stored.Severity}

	// underAutoBlock also covers an auto-block from an earlier run in this window
	// whose alert never went out.
	underAutoBlock := false
	if dc.AutoBlock && stored.Severity.AtLeast(dc.AutoBlockFloor) {
		state, err := s.autoBlock(ctx, dc, stored, summary)
		if err != nil {
			log.Error("Anomaly scan: auto-block failed", "ip", f.IP, "error", err)
		}
		out.blocked = state.created
		underAutoBlock = state.created || state.pending
	}

	// Once the block has landed the rest of this IP's commit must not be cut short.
	commitCtx := ctx
	if underAutoBlock {
		commitCtx = context.WithoutCancel(ctx)
		if !stored.AutoBlocked {
			if err := database.MarkSuspiciousAutoBlocked(commitCtx, stored.ID); err != nil {
				log.Warn("Anomaly scan: mark auto-blocked failed", "ip", f.IP, "error", err)
			}
		}
	}

	if underAutoBlock || stored.Severity.AtLeast(dc.AlertFloor) {
		kind := alert.KindAnomaly
		if underAutoBlock {
			kind = alert.KindAutoBlock
		}
		out.alerted = s.emitAlert(commitCtx, kind, stored, summary)
	}

	return out, nil
}

type autoBlockState struct {
	// created is set when this run wrote the block.
	created bool
	// pending is set when an automatic block from inside the current window already exists.
	pending bool
}

// autoBlock skips IPs that are already actively blocked so a re-run never
// rewrites an operator's entry or extends an existing auto-block.
func (s *Scanner) autoBlock(ctx context.Context, dc config.DetectionConfig, rec domain.SuspiciousIP, summary Summary) (autoBlockState, error) {
	if s.blocker == nil {
		return autoBlockState{}, errors.New("no blacklist configured")
	}

	entry, active, err := s.blocker.Lookup(rec.IP)
	if err != nil {
		return autoBlockState{}, err
	}
	if active {
		pending := entry.IsAutomatic() && !entry.CreatedAt.Before(summary.WindowStart)
		return autoBlockState{pending: pending}, nil
	}

	reason := domain.AutoBlockReasonPrefix + string(rec.Reason)
	if _, err := s.blocker.Block(ctx, rec.IP, reason, dc.AutoBlockTTL()); err != nil {
		return autoBlockState{}, err
	}
	metrics.AutoBlocks.Inc()
	log.Warn("IP auto-blocked", "ip", rec.IP, "reason", reason, "severity", rec.Severity, "ttl", dc.AutoBlockTTL())
	return autoBlockState{created: true}, nil
}

// emitAlert claims the (ip, bucket) slot before dispatching. Alerts of the same kind
// already sent inside the lookback window are suppressed too, so consecutive buckets
// over an overlapping window do not repeat themselves.
func (s *Scanner) emitAlert(ctx context.Context, kind string, rec domain.SuspiciousIP, summary Summary) bool {
	if s.dispatcher == nil {
		return false
	}

	sent, err := database.AlertSentSince(ctx, rec.IP, kind, summary.WindowStart)
	if err != nil {
		log.Warn("Anomaly scan: alert lookup failed", "ip", rec.IP, "error", err)
		return false
	}
	if sent {
		return false
	}

	claimed, err := database.ClaimAlert(ctx, domain.AlertRecord{
		IP:          rec.IP,
		WindowStart: summary.Bucket,
		Kind:        kind,
		Severity:    rec.Severity,
	})
	if err != nil {
		log.Warn("Anomaly scan: alert claim failed", "ip", rec.IP, "error", err)
		return false
	}
	if !claimed {
		return false
	}

	reason := string(rec.Reason)
	if kind == alert.KindAutoBlock {
		reason = domain.AutoBlockReasonPrefix + reason
	}
	details := map[string]any(rec.Details)
	if details == nil {
		details = map[string]any{}
	}
	details["window_start"] = summary.WindowStart
	details["window_end"] = summary.WindowEnd

	if err := s.dispatcher.Send(ctx, alert.New(kind, rec.IP, reason, rec.Severity, details)); err != nil {
		log.Error("Anomaly scan: alert dispatch failed", "ip", rec.IP, "error", err)
	}
	return true
}
