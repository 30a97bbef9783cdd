package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"ipguard/internal/blacklist"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/domain"
	"ipguard/internal/jobs/anomaly"
	"ipguard/internal/jobs/runtime"
)

var (
	ErrNotBlocked          = errors.New("admin: ip is not blocked")
	ErrAlreadyBlocked      = errors.New("admin: ip is already blocked")
	ErrExpiryInPast        = errors.New("admin: expiry is in the past")
	ErrGeolocationDisabled = errors.New("admin: geolocation is disabled")
)

const (
	defaultBlockReason  = "manual block"
	recentGeoWindow     = 7 * 24 * time.Hour
	defaultGeoLimit     = 100
	defaultAnalyzeHours = 24
)

// Service is the administrative surface shared by the CLI and the admin HTTP API.
type Service struct {
	blacklist *blacklist.Store
	scanner   *anomaly.Scanner
	geo       runtime.LocationResolver
	watchlist *anomaly.Watchlist
	now       func() time.Time
}

type Option func(*Service)

func WithGeolocation(resolver runtime.LocationResolver) Option {
	return func(s *Service) { s.geo = resolver }
}

func WithWatchlist(w *anomaly.Watchlist) Option {
	return func(s *Service) { s.watchlist = w }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store *blacklist.Store, scanner *anomaly.Scanner, opts ...Option) *Service {
	s := &Service{blacklist: store, scanner: scanner, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BlockRequest describes an operator block. ExpiresAt wins over TTL; neither set
// means permanent. Force allows replacing an active entry.
type BlockRequest struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	TTL       Duration   `json:"ttl,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Force     bool       `json:"force"`
}

// BlockView is the operator facing form of a BlockEntry.
type BlockView struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	Automatic bool       `json:"automatic"`
}

func newBlockView(e domain.BlockEntry, now time.Time) BlockView {
	return BlockView{
		IP:        e.IP,
		Reason:    e.Reason,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
		Active:    e.ActiveAt(now),
		Automatic: e.IsAutomatic(),
	}
}

func (s *Service) BlockIP(ctx context.Context, req BlockRequest) (BlockView, error) {
	ip, err := blacklist.CanonicalIP(req.IP)
	if err != nil {
		return BlockView{}, fmt.Errorf("%w: %q", blacklist.ErrInvalidIP, req.IP)
	}
	now := s.now()

	existing, err := s.blacklist.Get(ctx, ip)
	if err != nil {
		return BlockView{}, err
	}
	if existing != nil && existing.ActiveAt(now) && !req.Force {
		return newBlockView(*existing, now), fmt.Errorf("%w: %s (%s)", ErrAlreadyBlocked, ip, existing.Reason)
	}

	reason := req.Reason
	if reason == "" && existing != nil {
		reason = existing.Reason
	}
	if reason == "" {
		reason = defaultBlockReason
	}

	expires := req.ExpiresAt
	if expires == nil && req.TTL > 0 {
		at := now.UTC().Add(time.Duration(req.TTL))
		expires = &at
	}
	if expires != nil && !expires.After(now) {
		return BlockView{}, ErrExpiryInPast
	}

	entry, err := s.blacklist.BlockUntil(ctx, ip, reason, expires)
	if err != nil {
		return BlockView{}, err
	}
	return newBlockView(entry, now), nil
}

// UnblockIP removes ip from the blacklist, failing with ErrNotBlocked when no entry existed.
func (s *Service) UnblockIP(ctx context.Context, ip string) error {
	removed, err := s.blacklist.Unblock(ctx, ip)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotBlocked, ip)
	}
	return nil
}

type ListFilter string

const (
	ListAll     ListFilter = ""
	ListActive  ListFilter = "active"
	ListExpired ListFilter = "expired"
)

func (s *Service) ListBlocked(ctx context.Context, filter ListFilter) ([]BlockView, error) {
	entries, err := s.blacklist.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	views := make([]BlockView, 0, len(entries))
	for _, e := range entries {
		v := newBlockView(e, now)
		switch {
		case filter == ListActive && !v.Active:
			continue
		case filter == ListExpired && v.Active:
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// IPReport is the analysis of one IP plus its blacklist state.
type IPReport struct {
	anomaly.Analysis
	Found   bool       `json:"found"`
	Blocked bool       `json:"blocked"`
	Block   *BlockView `json:"block,omitempty"`
}

func (s *Service) AnalyzeIP(ctx context.Context, raw string, hours int) (IPReport, error) {
	ip, err := blacklist.CanonicalIP(raw)
	if err != nil {
		return IPReport{}, fmt.Errorf("%w: %q", blacklist.ErrInvalidIP, raw)
	}
	if hours <= 0 {
		hours = defaultAnalyzeHours
	}
	now := s.now()

	analysis, found, err := anomaly.AnalyzeIP(ctx, ip, hours, config.GetDetectionConfig(), now)
	if err != nil {
		return IPReport{}, err
	}
	report := IPReport{Analysis: analysis, Found: found}

	entry, err := s.blacklist.Get(ctx, ip)
	if err != nil {
		return IPReport{}, err
	}
	if entry != nil {
		view := newBlockView(*entry, now)
		report.Block = &view
		report.Blocked = view.Active
	}
	return report, nil
}

func (s *Service) RunScanNow(ctx context.Context) (anomaly.Summary, error) {
	summary, err := s.scanner.RunScanNow(ctx)
	if err != nil {
		return summary, err
	}
	s.refreshWatchlist(ctx)
	return summary, nil
}

func (s *Service) DetectionConfig() config.DetectionConfig {
	return config.GetDetectionConfig()
}

// SetDetectionConfig validates dc and installs it; an invalid ruleset leaves the
// active one untouched.
func (s *Service) SetDetectionConfig(dc config.DetectionConfig) (config.DetectionConfig, error) {
	if err := config.SetDetectionConfig(dc); err != nil {
		if errors.Is(err, config.ErrInvalidDetectionConfig) {
			return config.DetectionConfig{}, err
		}
		// persisted or broadcast failed, the new ruleset is active locally
		log.Warn("Detection config applied with errors", "error", err)
	}
	return config.GetDetectionConfig(), nil
}

// ResetSuspicious deactivates every finding for ip so the next scan may assign a
// lower severity.
func (s *Service) ResetSuspicious(ctx context.Context, raw string) (int64, error) {
	ip, err := blacklist.CanonicalIP(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", blacklist.ErrInvalidIP, raw)
	}
	n, err := database.ResetSuspiciousIP(ctx, ip)
	if err != nil {
		return 0, err
	}
	log.Info("Suspicious findings reset", "ip", ip, "records", n)
	s.refreshWatchlist(ctx)
	return n, nil
}

// GeoUpdateRequest selects which request records get re-resolved: a single IP,
// records of the last week, or every record still missing a location.
type GeoUpdateRequest struct {
	IP     string `json:"ip,omitempty"`
	Recent bool   `json:"recent,omitempty"`
	All    bool   `json:"all,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

func (s *Service) UpdateGeolocation(ctx context.Context, req GeoUpdateRequest) (runtime.BackfillResult, error) {
	if s.geo == nil {
		return runtime.BackfillResult{}, ErrGeolocationDisabled
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultGeoLimit
	}

	switch {
	case req.IP != "":
		ip, err := blacklist.CanonicalIP(req.IP)
		if err != nil {
			return runtime.BackfillResult{}, fmt.Errorf("%w: %q", blacklist.ErrInvalidIP, req.IP)
		}
		start := time.Now()
		loc := s.geo.Refresh(ctx, ip)
		n, err := database.ApplyLocationToRecords(ctx, ip, loc)
		if err != nil {
			return runtime.BackfillResult{}, err
		}
		result := runtime.BackfillResult{IPs: 1, Records: n, Duration: time.Since(start)}
		if loc.Unknown() {
			result.Unknown = 1
		} else {
			result.Located = 1
		}
		return result, nil
	case req.Recent:
		return runtime.BackfillLocations(ctx, s.geo, runtime.BackfillOptions{
			Since: s.now().Add(-recentGeoWindow),
			All:   true,
			Limit: limit,
		})
	default:
		return runtime.BackfillLocations(ctx, s.geo, runtime.BackfillOptions{Limit: limit})
	}
}

func (s *Service) refreshWatchlist(ctx context.Context) {
	if s.watchlist == nil {
		return
	}
	if err := s.watchlist.Refresh(ctx); err != nil {
		log.Warn("Watchlist refresh failed", "error", err)
	}
}
