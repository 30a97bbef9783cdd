package database

import (
	"context"
	"strings"
	"time"

	"ipguard/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/gorm"
)

const (
	maxParamsPerBatch = 65534 // PostgreSQL's bind parameter limit - 1
	minBatchSize      = 100
)

// IPWindowStats is the per-IP aggregate the anomaly scanner evaluates.
type IPWindowStats struct {
	IP            string
	Total         int64
	Errors        int64
	SensitiveHits int64
}

// ErrorRate returns Errors/Total, 0 for an empty window.
func (s IPWindowStats) ErrorRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Total)
}

// CalculateBatchSize keeps a multi-row insert under the bind parameter limit.
func CalculateBatchSize(model any, rowCount int) int {
	numFields, err := getNumDatabaseFields(model, DB)
	if err != nil || numFields == 0 {
		log.Error("Failed to determine batch size", "error", err)
		return minBatchSize
	}

	batchSize := maxParamsPerBatch / numFields
	if batchSize < minBatchSize {
		batchSize = minBatchSize
	}
	if rowCount > 0 && batchSize > rowCount {
		batchSize = rowCount
	}
	return batchSize
}

func getNumDatabaseFields(model any, db *gorm.DB) (int, error) {
	if db == nil {
		return 0, ErrNotInitialised
	}
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return 0, err
	}
	return len(stmt.Schema.DBNames), nil
}

func InsertRequestRecords(ctx context.Context, records []domain.RequestRecord) error {
	if len(records) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	batchSize := CalculateBatchSize(domain.RequestRecord{}, len(records))

	return db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&records, batchSize).Error
	})
}

func InsertRateLimitEvents(ctx context.Context, events []domain.RateLimitEvent) error {
	if len(events) == 0 {
		return nil
	}
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(&events, CalculateBatchSize(domain.RateLimitEvent{}, len(events))).Error
}

// AggregateRequestWindow groups the [start, end) window by IP. Blocked requests are
// excluded; they never reached the service and the IP is already contained.
func AggregateRequestWindow(ctx context.Context, start, end time.Time, sensitivePaths []string) ([]IPWindowStats, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	sensitiveExpr, sensitiveArgs := sensitivePathCondition(sensitivePaths)

	selectExpr := "ip, COUNT(*) AS total, " +
		"SUM(CASE WHEN status_code >= 400 THEN 1 ELSE 0 END) AS errors, " +
		"SUM(CASE WHEN " + sensitiveExpr + " THEN 1 ELSE 0 END) AS sensitive_hits"

	var stats []IPWindowStats
	err = db.Model(&domain.RequestRecord{}).
		Select(selectExpr, sensitiveArgs...).
		Where("timestamp >= ? AND timestamp < ?", start.UTC(), end.UTC()).
		Where("result <> ?", domain.ResultBlocked).
		Group("ip").
		Order("ip").
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// sensitivePathCondition mirrors DetectionConfig.MatchesSensitivePath in SQL:
// entries starting with "/" are prefixes, others are substrings.
func sensitivePathCondition(paths []string) (string, []any) {
	if len(paths) == 0 {
		return "1 = 0", nil
	}

	clauses := make([]string, 0, len(paths))
	args := make([]any, 0, len(paths))
	for _, p := range paths {
		pattern := escapeLike(p) + "%"
		if !strings.HasPrefix(p, "/") {
			pattern = "%" + pattern
		}
		clauses = append(clauses, `path LIKE ? ESCAPE '\'`)
		args = append(args, pattern)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// FlagRequestRecords marks the window's records for ip with the anomaly reason.
func FlagRequestRecords(tx *gorm.DB, ip string, start, end time.Time, reason string) (int64, error) {
	res := tx.Model(&domain.RequestRecord{}).
		Where("ip = ? AND timestamp >= ? AND timestamp < ?", ip, start.UTC(), end.UTC()).
		Updates(map[string]any{"flagged": true, "anomaly_reason": reason})
	return res.RowsAffected, res.Error
}

// ListRequestRecordsForIP returns the records for ip since the given instant, oldest first.
func ListRequestRecordsForIP(ctx context.Context, ip string, since time.Time) ([]domain.RequestRecord, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var records []domain.RequestRecord
	err = db.Where("ip = ? AND timestamp >= ?", ip, since.UTC()).
		Order("timestamp ASC").
		Find(&records).Error
	return records, err
}

// DeleteRequestRecordsBefore removes request records and rate-limit events older than cutoff.
func DeleteRequestRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var removed int64
	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("timestamp < ?", cutoff.UTC()).Delete(&domain.RequestRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected

		return tx.Where("created_at < ?", cutoff.UTC()).Delete(&domain.RateLimitEvent{}).Error
	})
	return removed, err
}

// IPsMissingLocation returns distinct IPs whose records carry no resolved location.
// A zero since scans the whole log; all=true also returns already located IPs.
func IPsMissingLocation(ctx context.Context, since time.Time, all bool, limit int) ([]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Model(&domain.RequestRecord{}).Distinct("ip")
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since.UTC())
	}
	if !all {
		q = withoutLocation(q)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var ips []string
	err = q.Order("ip").Pluck("ip", &ips).Error
	return ips, err
}

func withoutLocation(q *gorm.DB) *gorm.DB {
	return q.Where("(geo_source = '' OR geo_source = ? OR geo_source IS NULL)", domain.GeoSourceFailed)
}

// ApplyLocationToRecords backfills enrichment onto the records of ip. An unknown
// location only touches records that were never located, so a failed lookup
// keeps earlier results.
func ApplyLocationToRecords(ctx context.Context, ip string, loc domain.Location) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var enriched domain.RequestRecord
	enriched.ApplyLocation(loc)

	q := db.Model(&domain.RequestRecord{}).Where("ip = ?", ip)
	if loc.Unknown() {
		q = withoutLocation(q)
	}
	res := q.Updates(map[string]any{
			"country":      enriched.Country,
			"country_code": enriched.CountryCode,
			"city":         enriched.City,
			"region":       enriched.Region,
			"latitude":     enriched.Latitude,
			"longitude":    enriched.Longitude,
			"isp":          enriched.ISP,
			"geo_source":   enriched.GeoSource,
		})
	return res.RowsAffected, res.Error
}

func CountRateLimitEventsSince(ctx context.Context, ip string, since time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.RateLimitEvent{}).
		Where("ip = ? AND created_at >= ?", ip, since.UTC()).
		Count(&count).Error
	return count, err
}
