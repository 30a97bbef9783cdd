package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"ipguard/internal/domain"
	"ipguard/internal/metrics"
)

const (
	KindAnomaly     = "anomaly"
	KindAutoBlock   = "auto_block"
	KindDailyReport = "daily_report"
)

// Alert is the operator notification emitted by the scanner and maintenance jobs.
type Alert struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	IP        string          `json:"ip,omitempty"`
	Reason    string          `json:"reason"`
	Severity  domain.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
	Details   map[string]any  `json:"details,omitempty"`
}

func New(kind, ip, reason string, severity domain.Severity, details map[string]any) Alert {
	return Alert{
		ID:        uuid.NewString(),
		Kind:      kind,
		IP:        ip,
		Reason:    reason,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Details:   details,
	}
}

func (a Alert) Subject() string {
	if a.IP == "" {
		return fmt.Sprintf("[%s] %s", a.Severity, a.Reason)
	}
	return fmt.Sprintf("[%s] %s from %s", a.Severity, a.Reason, a.IP)
}

// Dispatcher delivers alerts to one sink.
type Dispatcher interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// LogDispatcher writes alerts to the process log.
type LogDispatcher struct{}

func (LogDispatcher) Name() string { return "log" }

func (LogDispatcher) Send(_ context.Context, a Alert) error {
	log.Warn("ALERT "+a.Subject(),
		"id", a.ID,
		"kind", a.Kind,
		"ip", a.IP,
		"severity", a.Severity,
		"details", a.Details,
	)
	return nil
}

// Fanout sends to every dispatcher and joins the failures.
type Fanout []Dispatcher

func (f Fanout) Name() string { return "fanout" }

func (f Fanout) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range f {
		err := d.Send(ctx, a)
		if err != nil {
			metrics.Alerts.WithLabelValues(d.Name(), "failed").Inc()
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		metrics.Alerts.WithLabelValues(d.Name(), "sent").Inc()
	}
	return errors.Join(errs...)
}

// Close closes every dispatcher that holds resources.
func (f Fanout) Close() error {
	var errs []error
	for _, d := range f {
		if c, ok := d.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
