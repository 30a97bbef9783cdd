package blacklist

import (
	"context"
	"time"

	"ipguard/internal/database"
	"ipguard/internal/domain"
)

// DatabaseBackend stores entries through the shared gorm connection.
type DatabaseBackend struct{}

func (DatabaseBackend) Upsert(ctx context.Context, entry domain.BlockEntry) (domain.BlockEntry, error) {
	return database.UpsertBlockEntry(ctx, entry)
}

func (DatabaseBackend) Get(ctx context.Context, ip string) (*domain.BlockEntry, error) {
	return database.GetBlockEntry(ctx, ip)
}

func (DatabaseBackend) Delete(ctx context.Context, ip string) (bool, error) {
	return database.DeleteBlockEntry(ctx, ip)
}

func (DatabaseBackend) List(ctx context.Context) ([]domain.BlockEntry, error) {
	return database.ListBlockEntries(ctx)
}

func (DatabaseBackend) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	return database.DeleteExpiredBlockEntries(ctx, now)
}
