package database

import (
	"context"
	"testing"
	"time"

	"ipguard/internal/domain"
)

func TestAggregateRequestWindow(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	records := []domain.RequestRecord{
		{IP: "203.0.113.5", Timestamp: start.Add(time.Minute), Path: "/", Status: 200, Result: domain.ResultAllowed},
		{IP: "203.0.113.5", Timestamp: start.Add(2 * time.Minute), Path: "/admin/users", Status: 404, Result: domain.ResultAllowed},
		{IP: "203.0.113.5", Timestamp: start.Add(3 * time.Minute), Path: "/static/.env", Status: 403, Result: domain.ResultAllowed},
		{IP: "203.0.113.5", Timestamp: start.Add(4 * time.Minute), Path: "/api/x", Status: 429, Result: domain.ResultRateLimited},
		{IP: "198.51.100.7", Timestamp: start.Add(5 * time.Minute), Path: "/public/admin", Status: 200, Result: domain.ResultAllowed},
		{IP: "198.51.100.7", Timestamp: start.Add(6 * time.Minute), Path: "/", Status: 403, Result: domain.ResultBlocked},
		{IP: "198.51.100.7", Timestamp: end.Add(time.Minute), Path: "/", Status: 200, Result: domain.ResultAllowed},
	}
	if err := InsertRequestRecords(ctx, records); err != nil {
		t.Fatalf("InsertRequestRecords: %v", err)
	}

	stats, err := AggregateRequestWindow(ctx, start, end, []string{"/admin", ".env"})
	if err != nil {
		t.Fatalf("AggregateRequestWindow: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 IPs, got %+v", stats)
	}

	byIP := map[string]IPWindowStats{}
	for _, s := range stats {
		byIP[s.IP] = s
	}

	attacker := byIP["203.0.113.5"]
	if attacker.Total != 4 || attacker.Errors != 3 || attacker.SensitiveHits != 2 {
		t.Fatalf("unexpected attacker stats %+v", attacker)
	}
	if got := attacker.ErrorRate(); got != 0.75 {
		t.Fatalf("error rate = %v, want 0.75", got)
	}

	other := byIP["198.51.100.7"]
	if other.Total != 1 || other.SensitiveHits != 0 {
		t.Fatalf("blocked or out-of-window records leaked into %+v", other)
	}
}

func TestSensitivePathConditionEscapesWildcards(t *testing.T) {
	expr, args := sensitivePathCondition([]string{"/a_b", "100%"})
	if expr != `(path LIKE ? ESCAPE '\' OR path LIKE ? ESCAPE '\')` {
		t.Fatalf("unexpected expression %s", expr)
	}
	if args[0] != `/a\_b%` || args[1] != `%100\%%` {
		t.Fatalf("unexpected args %v", args)
	}

	if expr, _ := sensitivePathCondition(nil); expr != "1 = 0" {
		t.Fatalf("empty list should never match, got %s", expr)
	}
}

func TestDeleteRequestRecordsBefore(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := InsertRequestRecords(ctx, []domain.RequestRecord{
		{IP: "192.0.2.1", Timestamp: now.Add(-40 * 24 * time.Hour), Path: "/", Result: domain.ResultAllowed},
		{IP: "192.0.2.1", Timestamp: now, Path: "/", Result: domain.ResultAllowed},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertRateLimitEvents(ctx, []domain.RateLimitEvent{
		{IP: "192.0.2.1", IdentityKey: "ip:192.0.2.1", Endpoint: "/", Rule: "anonymous", Limit: "5/m", CreatedAt: now.Add(-40 * 24 * time.Hour)},
	}); err != nil {
		t.Fatalf("insert events: %v", err)
	}

	removed, err := DeleteRequestRecordsBefore(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteRequestRecordsBefore: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d records, want 1", removed)
	}
	if n, _ := CountRateLimitEventsSince(ctx, "192.0.2.1", time.Time{}); n != 0 {
		t.Fatalf("old rate limit events survived: %d", n)
	}
}

func TestLocationBackfill(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := InsertRequestRecords(ctx, []domain.RequestRecord{
		{IP: "8.8.8.8", Timestamp: now, Path: "/", Result: domain.ResultAllowed, GeoSource: domain.GeoSourceFailed},
		{IP: "10.0.0.1", Timestamp: now, Path: "/", Result: domain.ResultAllowed, GeoSource: domain.GeoSourcePrivate},
		{IP: "1.1.1.1", Timestamp: now, Path: "/", Result: domain.ResultAllowed, GeoSource: "maxmind", Country: "Australia"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ips, err := IPsMissingLocation(ctx, time.Time{}, false, 100)
	if err != nil {
		t.Fatalf("IPsMissingLocation: %v", err)
	}
	if len(ips) != 1 || ips[0] != "8.8.8.8" {
		t.Fatalf("unexpected ips %v", ips)
	}

	updated, err := ApplyLocationToRecords(ctx, "8.8.8.8", domain.Location{Country: "United States", CountryCode: "US", Source: "ip-api"})
	if err != nil || updated != 1 {
		t.Fatalf("ApplyLocationToRecords = %d, %v", updated, err)
	}

	ips, _ = IPsMissingLocation(ctx, time.Time{}, false, 100)
	if len(ips) != 0 {
		t.Fatalf("expected no remaining ips, got %v", ips)
	}

	all, _ := IPsMissingLocation(ctx, time.Time{}, true, 2)
	if len(all) != 2 {
		t.Fatalf("limit not applied: %v", all)
	}
}
