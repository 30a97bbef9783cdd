package maintenance

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/alert"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/jobs/runtime"
)

const maintenanceLockKey = "ipguard:leader:maintenance"

type CleanupResult struct {
	SuspiciousDeleted     int64 `json:"suspicious_deleted"`
	SuspiciousDeactivated int64 `json:"suspicious_deactivated"`
	RequestsDeleted       int64 `json:"requests_deleted"`
}

// RunCleanup applies the retention policy once. A zero day setting disables that part.
func RunCleanup(ctx context.Context, cfg config.Config, now time.Time) (CleanupResult, error) {
	var res CleanupResult
	m := cfg.Maintenance

	if m.SuspiciousInactiveDays > 0 || m.SuspiciousActiveDays > 0 {
		inactiveBefore := daysBefore(now, m.SuspiciousInactiveDays)
		activeBefore := daysBefore(now, m.SuspiciousActiveDays)

		deleted, deactivated, err := database.CleanupSuspiciousIPs(ctx, inactiveBefore, activeBefore)
		if err != nil {
			return res, err
		}
		res.SuspiciousDeleted = deleted
		res.SuspiciousDeactivated = deactivated
	}

	if m.RequestRetentionDays > 0 {
		removed, err := database.DeleteRequestRecordsBefore(ctx, daysBefore(now, m.RequestRetentionDays))
		if err != nil {
			return res, err
		}
		res.RequestsDeleted = removed
	}

	return res, nil
}

// daysBefore returns the cutoff for a day count; zero yields the zero time so
// nothing matches a "before" comparison.
func daysBefore(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

// StartMaintenanceRoutine runs retention cleanup and the daily report on the sweep interval.
func StartMaintenanceRoutine(ctx context.Context, dispatcher alert.Dispatcher, client *redis.Client) {
	runtime.StartPeriodic(ctx, runtime.Periodic{
		Name:       "maintenance",
		LockKey:    maintenanceLockKey,
		Redis:      client,
		Initial:    config.GetSweepInterval(),
		Fallback:   config.GetSweepInterval(),
		Updates:    config.SweepIntervalUpdates(),
		RunAtStart: true,
		Run: func(ctx context.Context) {
			runMaintenance(ctx, dispatcher)
		},
	})
}

func runMaintenance(ctx context.Context, dispatcher alert.Dispatcher) {
	start := time.Now()
	cfg := config.GetConfig()

	res, err := RunCleanup(ctx, cfg, start.UTC())
	if err != nil {
		log.Error("Maintenance cleanup failed", "error", err)
	} else if res != (CleanupResult{}) {
		log.Info("Maintenance cleanup completed",
			"suspicious_deleted", res.SuspiciousDeleted,
			"suspicious_deactivated", res.SuspiciousDeactivated,
			"requests_deleted", res.RequestsDeleted,
			"duration", time.Since(start),
		)
	}

	if cfg.Maintenance.DailyReport {
		if _, err := SendDailyReport(ctx, dispatcher, start.UTC()); err != nil {
			log.Error("Daily report failed", "error", err)
		}
	}
}
