package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"ipguard/internal/admin"
	"ipguard/internal/alert"
	"ipguard/internal/blacklist"
	"ipguard/internal/database"
	"ipguard/internal/jobs/anomaly"
)

func useTestAdmin(t *testing.T) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.OpenSQLite(fmt.Sprintf("file:cli_%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if _, err := database.SetupDB(database.WithExistingDB(db), database.WithMigrations(database.Models()...)); err != nil {
		t.Fatalf("setup database: %v", err)
	}

	previous := openAdmin
	openAdmin = func(ctx context.Context) (*admin.Service, func(), error) {
		store := blacklist.NewStore(blacklist.DatabaseBackend{})
		if err := store.Load(ctx); err != nil {
			return nil, nil, err
		}
		return admin.NewService(store, anomaly.NewScanner(store, alert.LogDispatcher{})), func() {}, nil
	}

	t.Cleanup(func() {
		openAdmin = previous
		database.DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBlockListUnblock(t *testing.T) {
	useTestAdmin(t)

	out, err := run(t, "block-ip", "192.0.2.10", "--reason", "Spam bot", "--expires", "+7d")
	if err != nil {
		t.Fatalf("block-ip: %v", err)
	}
	if !strings.Contains(out, "Blocked IP: 192.0.2.10") || strings.Contains(out, "Expires: never") {
		t.Fatalf("unexpected block output:\n%s", out)
	}

	_, err = run(t, "block-ip", "192.0.2.10")
	if !errors.Is(err, admin.ErrAlreadyBlocked) || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("expected already blocked hint, got %v", err)
	}
	if _, err := run(t, "block-ip", "192.0.2.10", "--force"); err != nil {
		t.Fatalf("forced block-ip: %v", err)
	}

	out, err = run(t, "list-blocked", "--active")
	if err != nil {
		t.Fatalf("list-blocked: %v", err)
	}
	if !strings.Contains(out, "192.0.2.10") || !strings.Contains(out, "Spam bot") || !strings.Contains(out, "Total: 1") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	out, err = run(t, "list-blocked", "--expired")
	if err != nil {
		t.Fatalf("list-blocked --expired: %v", err)
	}
	if !strings.Contains(out, "No blocked IPs found.") {
		t.Fatalf("unexpected expired list:\n%s", out)
	}

	if _, err := run(t, "unblock-ip", "192.0.2.10"); err != nil {
		t.Fatalf("unblock-ip: %v", err)
	}
	if _, err := run(t, "unblock-ip", "192.0.2.10"); !errors.Is(err, admin.ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked, got %v", err)
	}
}

func TestFlagValidation(t *testing.T) {
	useTestAdmin(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad expiry", []string{"block-ip", "192.0.2.1", "--expires", "soon"}},
		{"missing ip", []string{"block-ip"}},
		{"exclusive list filters", []string{"list-blocked", "--active", "--expired"}},
		{"geolocation needs a mode", []string{"update-geolocation"}},
		{"geolocation modes exclusive", []string{"update-geolocation", "--all", "--recent"}},
		{"detection set needs file", []string{"detection-config", "set"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := run(t, tt.args...); err == nil {
				t.Fatalf("expected error for %v", tt.args)
			}
		})
	}
}

func TestAnalyzeAndDetectNow(t *testing.T) {
	useTestAdmin(t)

	out, err := run(t, "analyze-ip", "198.51.100.9", "--hours", "2")
	if err != nil {
		t.Fatalf("analyze-ip: %v", err)
	}
	if !strings.Contains(out, "No requests from 198.51.100.9 in the last 2 hours.") {
		t.Fatalf("unexpected analyze output:\n%s", out)
	}

	out, err = run(t, "detect-anomalies-now")
	if err != nil {
		t.Fatalf("detect-anomalies-now: %v", err)
	}
	if !strings.Contains(out, "IPs scanned: 0") {
		t.Fatalf("unexpected scan output:\n%s", out)
	}

	out, err = run(t, "detection-config", "get")
	if err != nil {
		t.Fatalf("detection-config get: %v", err)
	}
	if !strings.Contains(out, `"request_threshold_per_hour"`) {
		t.Fatalf("unexpected detection output:\n%s", out)
	}
}
