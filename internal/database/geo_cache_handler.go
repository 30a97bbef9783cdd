package database

import (
	"context"
	"errors"
	"time"

	"ipguard/internal/domain"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GetGeoCacheEntry returns nil without error on a miss. Freshness is left to the caller.
func GetGeoCacheEntry(ctx context.Context, ip string) (*domain.GeoCacheEntry, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var entry domain.GeoCacheEntry
	err = db.Where("ip = ?", ip).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func SaveGeoCacheEntry(ctx context.Context, ip string, loc domain.Location, updated time.Time) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	entry := domain.GeoCacheEntry{
		IP:          ip,
		Location:    datatypes.NewJSONType(loc),
		LastUpdated: updated.UTC(),
	}

	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"location", "last_updated"}),
	}).Create(&entry).Error
}
