package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"ipguard/internal/database"
	"ipguard/internal/domain"
)

const (
	geoBackfillWorkerLimit = 8
	geoBackfillBatchSize   = 500
	geoBackfillLookback    = 24 * time.Hour
)

// LocationResolver is the part of the geolocation cache the backfill needs.
type LocationResolver interface {
	Resolve(ctx context.Context, ip string) domain.Location
	Refresh(ctx context.Context, ip string) domain.Location
}

type BackfillOptions struct {
	// Since limits the scan to records at or after it; zero scans everything.
	Since time.Time
	// All re-resolves IPs that already carry a location, bypassing the cache.
	All   bool
	Limit int
}

type BackfillResult struct {
	IPs       int           `json:"ips"`
	Located   int64         `json:"located"`
	Unknown   int64         `json:"unknown"`
	Records   int64         `json:"records"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
}

// BackfillLocations resolves IPs whose request records lack a location and writes
// the result back onto those records.
func BackfillLocations(ctx context.Context, resolver LocationResolver, opts BackfillOptions) (BackfillResult, error) {
	start := time.Now()
	limit := opts.Limit
	if limit <= 0 {
		limit = geoBackfillBatchSize
	}

	ips, err := database.IPsMissingLocation(ctx, opts.Since, opts.All, limit)
	if err != nil {
		return BackfillResult{}, err
	}

	var located, unknown, records, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(geoBackfillWorkerLimit)
	for _, ip := range ips {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			var loc domain.Location
			if opts.All {
				loc = resolver.Refresh(gctx, ip)
			} else {
				loc = resolver.Resolve(gctx, ip)
			}
			if loc.Unknown() {
				unknown.Add(1)
			} else {
				located.Add(1)
			}

			n, err := database.ApplyLocationToRecords(gctx, ip, loc)
			if err != nil {
				failed.Add(1)
				log.Warn("Geo backfill: update failed", "ip", ip, "error", err)
				return nil
			}
			records.Add(n)
			return nil
		})
	}
	_ = g.Wait()

	return BackfillResult{
		IPs:       len(ips),
		Located:   located.Load(),
		Unknown:   unknown.Load(),
		Records:   records.Load(),
		Failed:    failed.Load(),
		Duration:  time.Since(start),
		Cancelled: ctx.Err() != nil,
	}, nil
}

// GeoBackfillJob returns the periodic run that fills in locations for the last day.
func GeoBackfillJob(resolver LocationResolver) func(ctx context.Context) {
	return func(ctx context.Context) {
		res, err := BackfillLocations(ctx, resolver, BackfillOptions{Since: time.Now().Add(-geoBackfillLookback)})
		if err != nil {
			log.Error("Geo backfill failed", "error", err)
			return
		}
		if res.IPs > 0 {
			log.Info("Geo backfill completed", "ips", res.IPs, "located", res.Located, "records", res.Records, "duration", res.Duration)
		}
	}
}
