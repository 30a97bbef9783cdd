package database

import (
	"context"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm/clause"
)

// ClaimAlert records that an alert for (ip, window) is being sent. It returns false
// when the slot was already claimed, so a re-run never alerts twice.
func ClaimAlert(ctx context.Context, rec domain.AlertRecord) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now().UTC()
	}

	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AlertSentSince reports whether any alert of kind was claimed for ip after since.
func AlertSentSince(ctx context.Context, ip, kind string, since time.Time) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	var count int64
	err = db.Model(&domain.AlertRecord{}).
		Where("ip = ? AND kind = ? AND sent_at >= ?", ip, kind, since.UTC()).
		Count(&count).Error
	return count > 0, err
}
