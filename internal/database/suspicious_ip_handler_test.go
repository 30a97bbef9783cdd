package database

import (
	"context"
	"testing"
	"time"

	"ipguard/internal/domain"

	"gorm.io/datatypes"
)

func TestSaveSuspiciousFindingIsMonotonic(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	windowFrom := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	windowTo := windowFrom.Add(time.Hour)
	horizon := windowTo.Add(-7 * 24 * time.Hour)

	if err := InsertRequestRecords(ctx, []domain.RequestRecord{
		{IP: "203.0.113.5", Timestamp: windowFrom.Add(time.Minute), Path: "/", Status: 200, Result: domain.ResultAllowed},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := SaveSuspiciousFinding(ctx, domain.SuspiciousIP{
		IP:           "203.0.113.5",
		WindowStart:  windowTo,
		Reason:       domain.ReasonHighFrequency,
		Severity:     domain.SeverityCritical,
		RequestCount: 600,
		Details:      datatypes.JSONMap{"request_count": 600},
		LastDetected: windowTo,
	}, horizon, windowFrom, windowTo)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.Severity != domain.SeverityCritical {
		t.Fatalf("severity = %q", first.Severity)
	}

	nextWindow := windowTo.Add(time.Hour)
	second, err := SaveSuspiciousFinding(ctx, domain.SuspiciousIP{
		IP:           "203.0.113.5",
		WindowStart:  nextWindow,
		Reason:       domain.ReasonHighErrorRate,
		Severity:     domain.SeverityLow,
		RequestCount: 12,
		LastDetected: nextWindow,
	}, horizon, windowTo, nextWindow)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Severity != domain.SeverityCritical {
		t.Fatalf("severity downgraded to %q", second.Severity)
	}

	var flagged domain.RequestRecord
	if err := DB.Where("ip = ?", "203.0.113.5").Take(&flagged).Error; err != nil {
		t.Fatalf("load record: %v", err)
	}
	if !flagged.Flagged || flagged.AnomalyReason != string(domain.ReasonHighFrequency) {
		t.Fatalf("record not flagged: %+v", flagged)
	}

	t.Run("re-saving the same window keeps one row", func(t *testing.T) {
		if _, err := SaveSuspiciousFinding(ctx, domain.SuspiciousIP{
			IP:           "203.0.113.5",
			WindowStart:  windowTo,
			Reason:       domain.ReasonHighFrequency,
			Severity:     domain.SeverityMedium,
			RequestCount: 600,
			LastDetected: windowTo,
		}, horizon, windowFrom, windowTo); err != nil {
			t.Fatalf("re-save: %v", err)
		}

		var count int64
		DB.Model(&domain.SuspiciousIP{}).Where("ip = ?", "203.0.113.5").Count(&count)
		if count != 2 {
			t.Fatalf("expected 2 rows (one per window), got %d", count)
		}
	})

	t.Run("admin reset allows a downgrade", func(t *testing.T) {
		if n, err := ResetSuspiciousIP(ctx, "203.0.113.5"); err != nil || n != 2 {
			t.Fatalf("ResetSuspiciousIP = %d, %v", n, err)
		}

		later := nextWindow.Add(time.Hour)
		rec, err := SaveSuspiciousFinding(ctx, domain.SuspiciousIP{
			IP:           "203.0.113.5",
			WindowStart:  later,
			Reason:       domain.ReasonHighErrorRate,
			Severity:     domain.SeverityMedium,
			LastDetected: later,
		}, horizon, nextWindow, later)
		if err != nil {
			t.Fatalf("save after reset: %v", err)
		}
		if rec.Severity != domain.SeverityMedium {
			t.Fatalf("severity after reset = %q, want medium", rec.Severity)
		}
	})
}

func TestCleanupSuspiciousIPs(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rows := []domain.SuspiciousIP{
		{IP: "192.0.2.1", WindowStart: now.Add(-10 * 24 * time.Hour), Reason: domain.ReasonHighFrequency, Severity: domain.SeverityLow, Active: true, FirstDetected: now.Add(-10 * 24 * time.Hour), LastDetected: now.Add(-10 * 24 * time.Hour)},
		{IP: "192.0.2.2", WindowStart: now.Add(-40 * 24 * time.Hour), Reason: domain.ReasonHighFrequency, Severity: domain.SeverityLow, Active: true, FirstDetected: now.Add(-40 * 24 * time.Hour), LastDetected: now.Add(-40 * 24 * time.Hour)},
		{IP: "192.0.2.3", WindowStart: now, Reason: domain.ReasonHighFrequency, Severity: domain.SeverityLow, Active: true, FirstDetected: now, LastDetected: now},
	}
	if err := DB.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := DB.Model(&domain.SuspiciousIP{}).Where("ip = ?", "192.0.2.1").Update("active", false).Error; err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	deleted, deactivated, err := CleanupSuspiciousIPs(ctx, now.Add(-7*24*time.Hour), now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("CleanupSuspiciousIPs: %v", err)
	}
	if deleted != 1 || deactivated != 1 {
		t.Fatalf("deleted=%d deactivated=%d, want 1/1", deleted, deactivated)
	}

	top, err := TopSuspiciousIPs(ctx, now.Add(-time.Hour), 10)
	if err != nil || len(top) != 1 || top[0].IP != "192.0.2.3" {
		t.Fatalf("TopSuspiciousIPs = %+v, %v", top, err)
	}
}

func TestClaimAlertOncePerWindow(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	window := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := domain.AlertRecord{IP: "203.0.113.5", WindowStart: window, Kind: "anomaly", Severity: domain.SeverityCritical}

	claimed, err := ClaimAlert(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("first claim = %v, %v", claimed, err)
	}
	claimed, err = ClaimAlert(ctx, rec)
	if err != nil || claimed {
		t.Fatalf("second claim = %v, %v", claimed, err)
	}

	sent, err := AlertSentSince(ctx, "203.0.113.5", "anomaly", time.Now().UTC().Add(-time.Minute))
	if err != nil || !sent {
		t.Fatalf("AlertSentSince = %v, %v", sent, err)
	}
}

func TestGeoCacheEntryRoundTrip(t *testing.T) {
	setupTestDB(t)
	ctx := context.Background()

	if entry, err := GetGeoCacheEntry(ctx, "8.8.8.8"); err != nil || entry != nil {
		t.Fatalf("expected miss, got %+v, %v", entry, err)
	}

	updated := time.Now().UTC().Truncate(time.Second)
	if err := SaveGeoCacheEntry(ctx, "8.8.8.8", domain.Location{Country: "United States", Source: "ip-api"}, updated); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SaveGeoCacheEntry(ctx, "8.8.8.8", domain.Location{Country: "USA", Source: "ipinfo"}, updated); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	entry, err := GetGeoCacheEntry(ctx, "8.8.8.8")
	if err != nil || entry == nil {
		t.Fatalf("expected hit, got %v", err)
	}
	if loc := entry.Location.Data(); loc.Country != "USA" || loc.Source != "ipinfo" {
		t.Fatalf("unexpected location %+v", loc)
	}
	if !entry.FreshAt(updated.Add(time.Hour), 24*time.Hour) {
		t.Fatalf("entry should be fresh")
	}
}
