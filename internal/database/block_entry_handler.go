package database

import (
	"context"
	"errors"
	"time"

	"ipguard/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertBlockEntry inserts the entry or replaces reason and expiry of the existing
// row for the same IP. It returns the stored row.
func UpsertBlockEntry(ctx context.Context, entry domain.BlockEntry) (domain.BlockEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.BlockEntry{}, err
	}

	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	err = db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "ip"}},
		DoUpdates: clause.Assignments(map[string]any{
			"reason":     gorm.Expr("EXCLUDED.reason"),
			"expires_at": gorm.Expr("EXCLUDED.expires_at"),
			"created_at": gorm.Expr("EXCLUDED.created_at"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&entry).Error
	if err != nil {
		return domain.BlockEntry{}, err
	}

	stored, err := GetBlockEntry(ctx, entry.IP)
	if err != nil {
		return domain.BlockEntry{}, err
	}
	if stored == nil {
		return entry, nil
	}
	return *stored, nil
}

// GetBlockEntry returns nil without error when the IP has no row.
func GetBlockEntry(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var entry domain.BlockEntry
	err = db.Where("ip = ?", ip).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeleteBlockEntry reports whether a row was removed.
func DeleteBlockEntry(ctx context.Context, ip string) (bool, error) {
	db, err := conn(ctx)
	if err != nil {
		return false, err
	}

	res := db.Where("ip = ?", ip).Delete(&domain.BlockEntry{})
	return res.RowsAffected > 0, res.Error
}

func ListBlockEntries(ctx context.Context) ([]domain.BlockEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var entries []domain.BlockEntry
	err = db.Order("created_at DESC").Find(&entries).Error
	return entries, err
}

// DeleteExpiredBlockEntries removes entries whose expiry is at or before now and
// returns the affected IPs.
func DeleteExpiredBlockEntries(ctx context.Context, now time.Time) ([]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var ips []string
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.BlockEntry{}).
			Where("expires_at IS NOT NULL AND expires_at <= ?", now.UTC()).
			Pluck("ip", &ips).Error; err != nil {
			return err
		}
		if len(ips) == 0 {
			return nil
		}
		return tx.Where("ip IN ? AND expires_at IS NOT NULL AND expires_at <= ?", ips, now.UTC()).
			Delete(&domain.BlockEntry{}).Error
	})
	return ips, err
}

// CountBlocksSince counts entries created since the instant; automaticOnly restricts
// to scanner-created entries.
func CountBlocksSince(ctx context.Context, since time.Time, automaticOnly bool) (int64, error) {
	db, err := conn(ctx)
	if err != nil {
		return 0, err
	}

	q := db.Model(&domain.BlockEntry{}).Where("created_at >= ?", since.UTC())
	if automaticOnly {
		q = q.Where("reason LIKE ?", domain.AutoBlockReasonPrefix+"%")
	}

	var count int64
	err = q.Count(&count).Error
	return count, err
}
