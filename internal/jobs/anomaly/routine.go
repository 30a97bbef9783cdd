package anomaly

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"ipguard/internal/config"
	"ipguard/internal/jobs/runtime"
)

const scanLockKey = "ipguard:leader:anomaly_scan"

// StartScanRoutine runs the scanner on the configured interval. With a redis client
// only the lease holder scans.
func StartScanRoutine(ctx context.Context, scanner *Scanner, client *redis.Client) {
	runtime.StartPeriodic(ctx, runtime.Periodic{
		Name:     "anomaly_scan",
		LockKey:  scanLockKey,
		Redis:    client,
		Initial:  config.GetScanInterval(),
		Fallback: config.GetScanInterval(),
		Updates:  config.ScanIntervalUpdates(),
		Run: func(ctx context.Context) {
			if !config.GetConfig().Scanner.Enabled {
				return
			}
			summary, err := scanner.RunScanNow(ctx)
			if err != nil {
				log.Error("Anomaly scan failed", "error", err)
				return
			}
			if summary.Disabled {
				return
			}
			log.Info("Anomaly scan completed",
				"ips", summary.IPsScanned,
				"suspicious", summary.Suspicious,
				"auto_blocked", summary.AutoBlocked,
				"alerts", summary.Alerts,
				"failed", summary.Failed,
				"duration", summary.Duration,
			)
		},
	})
}
