// Package geolite keeps the local MaxMind GeoLite2 databases up to date.
package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "ipguard-geolite-updater/1.0"
)

// ErrNoLicenseKey indicates that MAXMIND_LICENSE_KEY is not configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// Edition maps a MaxMind edition id (e.g. GeoLite2-City) to the local mmdb path.
type Edition struct {
	ID   string
	Path string
}

// Updater downloads editions and atomically replaces the local files.
type Updater struct {
	LicenseKey string
	Editions   []Edition
	BaseURL    string
	Client     *http.Client
	// OnUpdate runs after every edition was replaced, typically to reopen readers.
	OnUpdate func() error

	group singleflight.Group
}

func NewUpdater(licenseKey string, editions []Edition, onUpdate func() error) *Updater {
	return &Updater{
		LicenseKey: strings.TrimSpace(licenseKey),
		Editions:   editions,
		BaseURL:    DefaultDownloadURL,
		Client:     &http.Client{Timeout: 2 * time.Minute},
		OnUpdate:   onUpdate,
	}
}

// Missing reports whether any configured edition has no local file yet.
func (u *Updater) Missing() bool {
	for _, e := range u.Editions {
		if _, err := os.Stat(e.Path); err != nil {
			return true
		}
	}
	return false
}

// Update downloads every edition. Concurrent callers share one download.
func (u *Updater) Update(ctx context.Context) (bool, error) {
	result, err, _ := u.group.Do("update", func() (any, error) {
		if u.LicenseKey == "" {
			return false, ErrNoLicenseKey
		}
		for _, edition := range u.Editions {
			if err := u.downloadEdition(ctx, edition); err != nil {
				return false, err
			}
		}
		if u.OnUpdate != nil {
			if err := u.OnUpdate(); err != nil {
				return false, fmt.Errorf("geolite: reload: %w", err)
			}
		}
		log.Info("GeoLite databases updated", "editions", len(u.Editions))
		return true, nil
	})
	if err != nil {
		return false, err
	}
	updated, _ := result.(bool)
	return updated, nil
}

// Job adapts Update to a periodic routine.
func (u *Updater) Job() func(ctx context.Context) {
	return func(ctx context.Context) {
		if _, err := u.Update(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("GeoLite update failed", "error", err)
		}
	}
}

func (u *Updater) downloadEdition(ctx context.Context, edition Edition) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(edition.ID), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", edition.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", edition.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", edition.ID, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	want := edition.ID + ".mmdb"
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", edition.ID, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != want {
			continue
		}
		if err := writeToFile(edition.Path, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", edition.ID, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", edition.ID)
}

// writeToFile replaces destPath through a temp file so readers never see a partial database.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}

func (u *Updater) downloadURL(edition string) string {
	q := url.Values{}
	q.Set("edition_id", edition)
	q.Set("license_key", u.LicenseKey)
	q.Set("suffix", "tar.gz")
	return u.BaseURL + "?" + q.Encode()
}
