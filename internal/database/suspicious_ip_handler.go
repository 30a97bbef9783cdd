package database

import (
	"context"
	"errors"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveSuspiciousFinding commits one IP's finding atomically: the severity is merged
// with the highest active severity recorded since horizonStart (never lowered), the
// (ip, window) row is upserted and the window's request records are flagged.
func SaveSuspiciousFinding(ctx context.Context, finding domain.SuspiciousIP, horizonStart, windowFrom, windowTo time.Time) (domain.SuspiciousIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.SuspiciousIP{}, err
	}

	now := time.Now().UTC()
	if finding.FirstDetected.IsZero() {
		finding.FirstDetected = now
	}
	if finding.LastDetected.IsZero() {
		finding.LastDetected = now
	}
	finding.Active = true

	var stored domain.SuspiciousIP
	err = db.Transaction(func(tx *gorm.DB) error {
		prior, err := maxActiveSeverity(tx, finding.IP, horizonStart)
		if err != nil {
			return err
		}
		finding.Severity = domain.MaxSeverity(finding.Severity, prior)

		err = tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ip"}, {Name: "window_start"}},
			DoUpdates: clause.Assignments(map[string]any{
				"reason":        gorm.Expr("EXCLUDED.reason"),
				"severity":      gorm.Expr("EXCLUDED.severity"),
				"request_count": gorm.Expr("EXCLUDED.request_count"),
				"details":       gorm.Expr("EXCLUDED.details"),
				"active":        true,
				"last_detected": gorm.Expr("EXCLUDED.last_detected"),
			}),
		}).Create(&finding).Error
		if err != nil {
			return err
		}

		if _, err := FlagRequestRecords(tx, finding.IP, windowFrom, windowTo, string(finding.Reason)); err != nil {
			return err
		}

		return tx.Where("ip = ? AND window_start = ?", finding.IP, finding.WindowStart).Take(&stored).Error
	})
	if err != nil {
		return domain.SuspiciousIP{}, err
	}
	return stored, nil
}

func maxActiveSeverity(tx *gorm.DB, ip string, since time.Time) (domain.Severity, error) {
	var severities []domain.Severity
	err := tx.Model(&domain.SuspiciousIP{}).
		Where("ip = ? AND active = ? AND last_detected >= ?", ip, true, since.UTC()).
		Distinct("severity").
		Pluck("severity", &severities).Error
	if err != nil {
		return "", err
	}
	return domain.MaxSeverity(severities...), nil
}

// MaxActiveSeverity is the severity floor a new finding for ip is merged with.
func MaxActiveSeverity(ctx context.Context, ip string, since time.Time) (domain.Severity, error) {
	db, err := conn(ctx)
	if err != nil {
		return "", err
	}
	return maxActiveSeverity(db, ip, since)
}

func MarkSuspiciousAutoBlocked(ctx context.Context, id uint64) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	return db.Model(&domain.SuspiciousIP{}).Where("id = ?", id).Update("auto_blocked", true).Error
}

// ResetSuspiciousIP deactivates every record of ip so the next finding starts fresh.
func ResetSuspiciousIP(ctx context.Context, ip string) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}
	res := db.Model(&domain.SuspiciousIP{}).Where("ip = ? AND active = ?", ip, true).Update("active", false)
	return res.RowsAffected, res.Error
}

// ListSuspiciousIPs returns findings for ip (all IPs when empty) newest first.
func ListSuspiciousIPs(ctx context.Context, ip string, since time.Time, limit int) ([]domain.SuspiciousIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	q := db.Where("last_detected >= ?", since.UTC())
	if ip != "" {
		q = q.Where("ip = ?", ip)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []domain.SuspiciousIP
	err = q.Order("last_detected DESC").Find(&out).Error
	return out, err
}

// GetSuspiciousIP returns nil when no finding exists for the window.
func GetSuspiciousIP(ctx context.Context, ip string, windowStart time.Time) (*domain.SuspiciousIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var rec domain.SuspiciousIP
	err = db.Where("ip = ? AND window_start = ?", ip, windowStart.UTC()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CleanupSuspiciousIPs deletes inactive findings older than inactiveBefore and
// deactivates active ones older than activeBefore.
func CleanupSuspiciousIPs(ctx context.Context, inactiveBefore, activeBefore time.Time) (deleted, deactivated int64, err error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, 0, err
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("active = ? AND last_detected < ?", false, inactiveBefore.UTC()).Delete(&domain.SuspiciousIP{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected

		res = tx.Model(&domain.SuspiciousIP{}).
			Where("active = ? AND last_detected < ?", true, activeBefore.UTC()).
			Update("active", false)
		if res.Error != nil {
			return res.Error
		}
		deactivated = res.RowsAffected
		return nil
	})
	return deleted, deactivated, err
}

func CountSuspiciousSince(ctx context.Context, since time.Time) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.Model(&domain.SuspiciousIP{}).Where("last_detected >= ?", since.UTC()).Count(&count).Error
	return count, err
}

// TopSuspiciousIPs returns the findings with the highest request counts since the instant.
func TopSuspiciousIPs(ctx context.Context, since time.Time, limit int) ([]domain.SuspiciousIP, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var out []domain.SuspiciousIP
	err = db.Where("last_detected >= ?", since.UTC()).
		Order("request_count DESC").
		Order("ip ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
