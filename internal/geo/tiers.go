package geo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ipguard/internal/database"
	"ipguard/internal/domain"
)

// SharedTier is a cache tier visible to every instance. Get reports the stored
// update time; freshness is decided by the Cache.
type SharedTier interface {
	Get(ctx context.Context, ip string) (domain.Location, time.Time, bool, error)
	Set(ctx context.Context, ip string, loc domain.Location, updated time.Time) error
}

const redisGeoKeyPrefix = "ipguard:geo:"

// RedisTier keeps entries in redis with a TTL equal to the cache lifetime.
type RedisTier struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisTier(client *redis.Client, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, ttl: ttl}
}

type redisGeoEntry struct {
	Location    domain.Location `json:"location"`
	LastUpdated time.Time       `json:"last_updated"`
}

func (t *RedisTier) Get(ctx context.Context, ip string) (domain.Location, time.Time, bool, error) {
	raw, err := t.client.Get(ctx, redisGeoKeyPrefix+ip).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Location{}, time.Time{}, false, nil
	}
	if err != nil {
		return domain.Location{}, time.Time{}, false, err
	}

	var entry redisGeoEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.Location{}, time.Time{}, false, err
	}
	return entry.Location, entry.LastUpdated, true, nil
}

func (t *RedisTier) Set(ctx context.Context, ip string, loc domain.Location, updated time.Time) error {
	payload, err := json.Marshal(redisGeoEntry{Location: loc, LastUpdated: updated.UTC()})
	if err != nil {
		return err
	}
	return t.client.Set(ctx, redisGeoKeyPrefix+ip, payload, t.ttl).Err()
}

// DatabaseTier persists entries in the geo_cache_entries table.
type DatabaseTier struct{}

func (DatabaseTier) Get(ctx context.Context, ip string) (domain.Location, time.Time, bool, error) {
	entry, err := database.GetGeoCacheEntry(ctx, ip)
	if err != nil || entry == nil {
		return domain.Location{}, time.Time{}, false, err
	}
	return entry.Location.Data(), entry.LastUpdated, true, nil
}

func (DatabaseTier) Set(ctx context.Context, ip string, loc domain.Location, updated time.Time) error {
	return database.SaveGeoCacheEntry(ctx, ip, loc, updated)
}

// LayeredTier reads tiers in order and copies a hit into the tiers before it.
// Writes go to every tier.
type LayeredTier struct {
	tiers []SharedTier
}

func NewLayeredTier(tiers ...SharedTier) *LayeredTier {
	return &LayeredTier{tiers: tiers}
}

func (l *LayeredTier) Get(ctx context.Context, ip string) (domain.Location, time.Time, bool, error) {
	var errs []error
	for i, tier := range l.tiers {
		loc, updated, ok, err := tier.Get(ctx, ip)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		for _, earlier := range l.tiers[:i] {
			_ = earlier.Set(ctx, ip, loc, updated)
		}
		return loc, updated, true, nil
	}
	return domain.Location{}, time.Time{}, false, errors.Join(errs...)
}

func (l *LayeredTier) Set(ctx context.Context, ip string, loc domain.Location, updated time.Time) error {
	var errs []error
	for _, tier := range l.tiers {
		if err := tier.Set(ctx, ip, loc, updated); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
