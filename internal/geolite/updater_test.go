package geolite

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func archive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func newTestUpdater(t *testing.T, handler http.HandlerFunc, onUpdate func() error) (*Updater, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "GeoLite2-City.mmdb")
	u := NewUpdater("key", []Edition{{ID: "GeoLite2-City", Path: path}}, onUpdate)
	u.BaseURL = srv.URL
	u.Client = srv.Client()
	return u, path
}

func TestUpdateReplacesDatabase(t *testing.T) {
	payload := archive(t, map[string]string{
		"GeoLite2-City_20240101/COPYRIGHT.txt":      "c",
		"GeoLite2-City_20240101/GeoLite2-City.mmdb": "mmdb-bytes",
	})
	var reloads atomic.Int32
	u, path := newTestUpdater(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("edition_id") != "GeoLite2-City" || r.URL.Query().Get("license_key") != "key" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(payload)
	}, func() error {
		reloads.Add(1)
		return nil
	})

	if !u.Missing() {
		t.Fatal("expected missing database before the first update")
	}
	updated, err := u.Update(context.Background())
	if err != nil || !updated {
		t.Fatalf("update: %v %v", updated, err)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "mmdb-bytes" {
		t.Fatalf("database not written: %q %v", data, err)
	}
	if reloads.Load() != 1 {
		t.Fatalf("expected one reload, got %d", reloads.Load())
	}
	if u.Missing() {
		t.Fatal("database still reported missing")
	}
}

func TestUpdateFailures(t *testing.T) {
	t.Run("no license key", func(t *testing.T) {
		u := NewUpdater("", nil, nil)
		if _, err := u.Update(context.Background()); !errors.Is(err, ErrNoLicenseKey) {
			t.Fatalf("expected ErrNoLicenseKey, got %v", err)
		}
	})

	t.Run("unauthorised", func(t *testing.T) {
		u, path := newTestUpdater(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "invalid license key", http.StatusUnauthorized)
		}, nil)
		if _, err := u.Update(context.Background()); err == nil {
			t.Fatal("expected error on 401")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatal("failed download must not create the database")
		}
	})

	t.Run("edition missing from archive", func(t *testing.T) {
		payload := archive(t, map[string]string{"GeoLite2-City_20240101/README.txt": "r"})
		u, _ := newTestUpdater(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write(payload)
		}, nil)
		if _, err := u.Update(context.Background()); err == nil {
			t.Fatal("expected error when the archive lacks the mmdb")
		}
	})
}
