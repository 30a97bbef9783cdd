package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"ipguard/internal/admin"
	"ipguard/internal/alert"
	"ipguard/internal/app/server"
	"ipguard/internal/blacklist"
	"ipguard/internal/config"
	"ipguard/internal/database"
	"ipguard/internal/geo"
	"ipguard/internal/geolite"
	"ipguard/internal/jobs/anomaly"
	"ipguard/internal/jobs/maintenance"
	"ipguard/internal/jobs/runtime"
	"ipguard/internal/pipeline"
	"ipguard/internal/ratelimit"
	"ipguard/internal/support"
)

const (
	defaultProxyPort = 8080
	defaultAdminPort = 8081

	heartbeatInterval  = 15 * time.Second
	heartbeatTTL       = 45 * time.Second
	geoBackfillEvery   = 30 * time.Minute
	geoBackfillLockKey = "ipguard:leader:geo_backfill"
	watchlistWindow    = 24 * time.Hour
	geoliteBootTimeout = 2 * time.Minute
)

// LoadEnvironment reads .env and applies LOG_LEVEL. debug forces debug logging.
func LoadEnvironment(debug bool) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	level := log.InfoLevel
	if raw := support.GetEnv("LOG_LEVEL", ""); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		} else {
			level = parsed
		}
	}
	if debug {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

// Services holds the long-lived components shared by the server and the CLI.
type Services struct {
	Redis     *redis.Client
	Blacklist *blacklist.Store
	Geo       *geo.Cache
	GeoLite   *geolite.Updater
	Limiter   ratelimit.Limiter
	Alerts    *alert.Async
	Scanner   *anomaly.Scanner
	Watchlist *anomaly.Watchlist
	Admin     *admin.Service

	closers []io.Closer
}

// Bootstrap loads settings, opens the store and builds every component. Redis is
// optional; without it the instance runs standalone.
func Bootstrap(ctx context.Context) (*Services, error) {
	if err := config.ReadSettings(); err != nil {
		return nil, err
	}
	if _, err := database.SetupDB(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	s := &Services{}

	redisClient, err := support.GetRedisClient()
	switch {
	case errors.Is(err, support.ErrRedisDisabled):
		log.Info("REDIS_URL not set, running as a single instance")
	case err != nil:
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	default:
		s.Redis = redisClient
		config.EnableRedisSynchronization(ctx, redisClient)
	}

	cfg := config.GetConfig()

	s.Blacklist = blacklist.NewStore(blacklist.DatabaseBackend{})
	if err := s.Blacklist.Load(ctx); err != nil {
		return nil, err
	}
	if s.Redis != nil {
		if err := s.Blacklist.EnableRedisSync(ctx, s.Redis); err != nil {
			return nil, err
		}
	}

	if cfg.Geolocation.Enabled {
		s.Geo = s.buildGeoCache(ctx, cfg)
	}

	s.Limiter = s.buildLimiter(cfg)
	s.Alerts = alert.Build(cfg)
	s.closers = append(s.closers, s.Alerts)

	s.Scanner = anomaly.NewScanner(s.Blacklist, s.Alerts)
	s.Watchlist = anomaly.NewWatchlist(func() time.Duration { return watchlistWindow })

	opts := []admin.Option{admin.WithWatchlist(s.Watchlist)}
	if s.Geo != nil {
		opts = append(opts, admin.WithGeolocation(s.Geo))
	}
	s.Admin = admin.NewService(s.Blacklist, s.Scanner, opts...)

	return s, nil
}

func (s *Services) buildGeoCache(ctx context.Context, cfg config.Config) *geo.Cache {
	gc := cfg.Geolocation
	attempt := time.Duration(gc.AttemptTimeoutMs) * time.Millisecond
	if attempt <= 0 {
		attempt = 3 * time.Second
	}

	s.GeoLite = newGeoLiteUpdater(gc.Providers)
	if s.GeoLite != nil && s.GeoLite.Missing() {
		bootCtx, cancel := context.WithTimeout(ctx, geoliteBootTimeout)
		if _, err := s.GeoLite.Update(bootCtx); err != nil {
			log.Warn("Initial GeoLite download failed", "error", err)
		}
		cancel()
	}

	chain, closers := geo.BuildChain(gc.Providers, attempt)
	s.closers = append(s.closers, closers...)
	if s.GeoLite != nil {
		s.GeoLite.OnUpdate = reloadProviders(closers)
	}
	log.Info("Geolocation enabled", "providers", chain.String())

	ttl := time.Duration(gc.CacheTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = geo.DefaultTTL
	}
	tiers := []geo.SharedTier{}
	if s.Redis != nil {
		tiers = append(tiers, geo.NewRedisTier(s.Redis, ttl))
	}
	tiers = append(tiers, geo.DatabaseTier{})

	return geo.NewCache(chain,
		geo.WithSharedTier(geo.NewLayeredTier(tiers...)),
		geo.WithTTL(ttl),
		geo.WithResolveTimeout(geo.ResolveTimeout(attempt, chain.Len())),
		geo.WithLocalSize(gc.LocalCacheSize),
	)
}

// newGeoLiteUpdater returns nil unless MAXMIND_LICENSE_KEY is set and a maxmind
// provider is configured.
func newGeoLiteUpdater(providers []config.ProviderConfig) *geolite.Updater {
	key := support.GetEnv("MAXMIND_LICENSE_KEY", "")
	if key == "" {
		return nil
	}
	var editions []geolite.Edition
	for _, pc := range providers {
		if !strings.EqualFold(pc.Kind, "maxmind") {
			continue
		}
		if pc.CityDB != "" {
			editions = append(editions, geolite.Edition{ID: "GeoLite2-City", Path: pc.CityDB})
		}
		if pc.ASNDB != "" {
			editions = append(editions, geolite.Edition{ID: "GeoLite2-ASN", Path: pc.ASNDB})
		}
	}
	if len(editions) == 0 {
		return nil
	}
	return geolite.NewUpdater(key, editions, nil)
}

func reloadProviders(closers []io.Closer) func() error {
	return func() error {
		var errs []error
		for _, c := range closers {
			if r, ok := c.(interface{ Reload() error }); ok {
				errs = append(errs, r.Reload())
			}
		}
		return errors.Join(errs...)
	}
}

func (s *Services) buildLimiter(cfg config.Config) ratelimit.Limiter {
	if strings.EqualFold(cfg.RateLimits.Backend, "redis") {
		if s.Redis != nil {
			log.Info("Rate limiting backed by redis")
			return ratelimit.NewRedisLimiter(s.Redis)
		}
		log.Warn("Redis rate limit backend requested without REDIS_URL, using memory")
	}
	mem := ratelimit.NewSlidingWindowLimiter(config.CalculateBetweenTime(cfg.RateLimits.SweepTimer))
	s.closers = append(s.closers, closerFunc(mem.Close))
	return mem
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Close releases resources in reverse order of creation.
func (s *Services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			log.Warn("error closing component", "error", err)
		}
	}
	config.DisableRedisSynchronization()
	if err := support.CloseRedisClient(); err != nil {
		log.Warn("error closing redis client", "error", err)
	}
}

// ServeOptions configures the two listeners.
type ServeOptions struct {
	ProxyPort  int
	AdminPort  int
	Upstream   string
	AdminToken string
}

// DefaultServeOptions reads the listener settings from the environment.
func DefaultServeOptions() ServeOptions {
	return ServeOptions{
		ProxyPort:  resolvePort("PROXY_PORT", "PORT", defaultProxyPort),
		AdminPort:  resolvePort("ADMIN_PORT", "IPGUARD_ADMIN_PORT", defaultAdminPort),
		Upstream:   support.GetEnv("UPSTREAM_URL", ""),
		AdminToken: support.GetEnv("ADMIN_TOKEN", ""),
	}
}

// Serve runs the protected server, the admin API and every background routine until
// ctx is cancelled or a listener fails.
func Serve(ctx context.Context, opts ServeOptions) error {
	s, err := Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := config.GetConfig()
	rules, err := pipeline.BuildRules(cfg)
	if err != nil {
		return fmt.Errorf("rate limit rules: %w", err)
	}

	requestLog := runtime.NewRequestLog()
	pipelineOpts := []pipeline.Option{
		pipeline.WithSink(requestLog),
		pipeline.WithWatchlist(s.Watchlist),
	}
	if s.Geo != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithGeolocator(s.Geo))
	}
	p := pipeline.New(s.Blacklist, s.Limiter, rules, pipelineOpts...)

	trustedProxies, err := config.ParseTrustedProxies(cfg.Proxy.TrustedProxies)
	if err != nil {
		return err
	}
	identity := pipeline.NewIdentityResolver(cfg.Proxy.TrustedHeaders, trustedProxies, support.GetEnv("JWT_SECRET", ""))
	protected, err := server.NewProtectedHandler(p, identity, opts.Upstream)
	if err != nil {
		return err
	}
	adminRouter := server.NewAdminRouter(server.AdminDeps{
		Service:   s.Admin,
		Blacklist: s.Blacklist,
		Redis:     s.Redis,
		Token:     opts.AdminToken,
	})

	g, gctx := errgroup.WithContext(ctx)

	// The request log drains after the listeners stop so no record is lost.
	logCtx, stopLog := context.WithCancel(context.Background())
	defer stopLog()
	go requestLog.Run(logCtx)

	g.Go(func() error {
		s.Blacklist.StartSweepRoutine(gctx, config.SweepIntervalUpdates())
		return nil
	})
	g.Go(func() error {
		anomaly.StartScanRoutine(gctx, s.Scanner, s.Redis)
		return nil
	})
	g.Go(func() error {
		maintenance.StartMaintenanceRoutine(gctx, s.Alerts, s.Redis)
		return nil
	})
	g.Go(func() error {
		s.Watchlist.Run(gctx)
		return nil
	})
	g.Go(func() error {
		runtime.StartInstanceHeartbeat(gctx, s.Redis, heartbeatInterval, heartbeatTTL)
		return nil
	})
	g.Go(func() error {
		if err := config.WatchSettingsFile(gctx); err != nil {
			log.Warn("Settings file watcher disabled", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		followRuleUpdates(gctx, p, config.Subscribe())
		return nil
	})
	if s.Geo != nil {
		geoCache := s.Geo
		g.Go(func() error {
			runtime.StartPeriodic(gctx, runtime.Periodic{
				Name:     "geo_backfill",
				LockKey:  geoBackfillLockKey,
				Redis:    s.Redis,
				Initial:  geoBackfillEvery,
				Fallback: geoBackfillEvery,
				Run:      runtime.GeoBackfillJob(geoCache),
			})
			return nil
		})
	}

	if s.GeoLite != nil {
		updater := s.GeoLite
		g.Go(func() error {
			// Every instance refreshes its own files, so no leader lock.
			runtime.StartPeriodic(gctx, runtime.Periodic{
				Name:     "geolite_update",
				Initial:  config.CalculateBetweenTime(cfg.Geolocation.GeoLiteUpdateTimer),
				Fallback: 7 * 24 * time.Hour,
				Run:      updater.Job(),
			})
			return nil
		})
	}

	g.Go(func() error {
		return server.Serve(gctx, "protected", opts.ProxyPort, protected)
	})
	g.Go(func() error {
		return server.Serve(gctx, "admin", opts.AdminPort, adminRouter)
	})

	err = g.Wait()
	stopLog()
	<-requestLog.Done()
	return err
}

// followRuleUpdates recompiles the rate limit rules whenever the configuration
// changes. An invalid rule keeps the previous policy.
func followRuleUpdates(ctx context.Context, p *pipeline.Pipeline, updates <-chan config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			rules, err := pipeline.BuildRules(cfg)
			if err != nil {
				log.Error("Rejected rate limit update, keeping previous rules", "error", err)
				continue
			}
			p.SetRules(rules)
			log.Debug("Rate limit rules updated")
		}
	}
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
