package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"ipguard/internal/support"
)

type Config struct {
	Proxy struct {
		// TrustedHeaders are consulted in order; the first non-empty value wins.
		TrustedHeaders []string `json:"trusted_headers"`
		// TrustedProxies lists the peers (addresses or CIDR ranges) whose headers are
		// believed. Requests from anyone else are attributed to the transport address.
		TrustedProxies []string `json:"trusted_proxies"`
		LoginPaths     []string `json:"login_paths"`
		APIPrefix      string   `json:"api_prefix"`
	} `json:"proxy"`

	RateLimits struct {
		Enabled bool `json:"enabled"`
		// Backend is "memory" or "redis".
		Backend       string         `json:"backend"`
		Anonymous     RateRuleConfig `json:"anonymous"`
		Authenticated RateRuleConfig `json:"authenticated"`
		Login         RateRuleConfig `json:"login"`
		API           RateRuleConfig `json:"api"`
		SweepTimer    Timer          `json:"sweep_timer"`
	} `json:"rate_limits"`

	Geolocation struct {
		Enabled          bool             `json:"enabled"`
		CacheTTLHours    int              `json:"cache_ttl_hours"`
		AttemptTimeoutMs int              `json:"attempt_timeout_ms"`
		LocalCacheSize   int              `json:"local_cache_size"`
		Providers        []ProviderConfig `json:"providers"`
		// GeoLiteUpdateTimer controls how often local MaxMind databases are refreshed
		// when MAXMIND_LICENSE_KEY is set.
		GeoLiteUpdateTimer Timer `json:"geolite_update_timer"`
	} `json:"geolocation"`

	Scanner struct {
		Enabled   bool  `json:"enabled"`
		ScanTimer Timer `json:"scan_timer"`
	} `json:"scanner"`

	Maintenance struct {
		SweepTimer             Timer `json:"sweep_timer"`
		RequestRetentionDays   int   `json:"request_retention_days"`
		SuspiciousInactiveDays int   `json:"suspicious_inactive_days"`
		SuspiciousActiveDays   int   `json:"suspicious_active_days"`
		DailyReport            bool  `json:"daily_report"`
	} `json:"maintenance"`

	Alerts struct {
		Log       bool `json:"log"`
		QueueSize int  `json:"queue_size"`
		File      struct {
			Path       string `json:"path"`
			MaxSizeMB  int    `json:"max_size_mb"`
			MaxBackups int    `json:"max_backups"`
			Compress   bool   `json:"compress"`
		} `json:"file"`
		Kafka struct {
			Brokers []string `json:"brokers"`
			Topic   string   `json:"topic"`
		} `json:"kafka"`
	} `json:"alerts"`

	Detection DetectionConfig `json:"detection"`
}

// RateRuleConfig is one named limiter rule. Rate uses the "N/[k]unit" form, e.g. "3/5m".
type RateRuleConfig struct {
	Rate       string   `json:"rate"`
	Methods    []string `json:"methods,omitempty"`
	LogDenials bool     `json:"log_denials"`
}

type ProviderConfig struct {
	Name string `json:"name"`
	// Kind is one of "maxmind", "ip-api", "ipinfo".
	Kind              string `json:"kind"`
	URL               string `json:"url,omitempty"`
	Token             string `json:"token,omitempty"`
	CityDB            string `json:"city_db,omitempty"`
	ASNDB             string `json:"asn_db,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
}

const defaultSettingsFilePath = "data/settings.json"

var (
	//go:embed default_settings.json
	defaultConfig []byte

	configValue atomic.Value
	configMu    sync.Mutex
)

func init() {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	cfg.Detection = cfg.Detection.Normalize()
	configValue.Store(cfg)
	refreshIntervals(cfg)
}

// SettingsFilePath honours IPGUARD_SETTINGS.
func SettingsFilePath() string {
	return support.GetEnv("IPGUARD_SETTINGS", defaultSettingsFilePath)
}

// Defaults returns the embedded configuration.
func Defaults() Config {
	var cfg Config
	_ = json.Unmarshal(defaultConfig, &cfg)
	cfg.Detection = cfg.Detection.Normalize()
	return cfg
}

func ReadSettings() error {
	path := SettingsFilePath()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("config: read settings: %w", err)
		}
		log.Warn("Settings file not found, creating with default configuration", "path", path)

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("config: create settings dir: %w", err)
		}
		if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
			return fmt.Errorf("config: write default settings: %w", err)
		}
		data = defaultConfig
	}

	newConfig := Defaults()
	if err := json.Unmarshal(data, &newConfig); err != nil {
		return fmt.Errorf("config: parse settings: %w", err)
	}

	if err := applyConfigUpdate(newConfig, configUpdateOptions{source: "file"}); err != nil {
		return err
	}

	log.Debug("Settings file loaded successfully", "path", path)
	return nil
}

func SetConfig(newConfig Config) error {
	return applyConfigUpdate(newConfig, configUpdateOptions{persistToFile: true, broadcast: true, source: "local"})
}

func GetConfig() Config {
	return configValue.Load().(Config)
}

type configUpdateOptions struct {
	persistToFile bool
	broadcast     bool
	source        string
}

// applyConfigUpdate installs newConfig whole. An invalid update is rejected entirely
// and leaves the previous snapshot in place.
func applyConfigUpdate(newConfig Config, opts configUpdateOptions) error {
	newConfig.Detection = newConfig.Detection.Normalize()
	if err := newConfig.Validate(); err != nil {
		log.Error("Rejected configuration update", "source", opts.source, "error", err)
		return err
	}

	configMu.Lock()
	defer configMu.Unlock()

	configValue.Store(newConfig)
	refreshIntervals(newConfig)
	notifySubscribers(newConfig)

	var errs []error

	if opts.persistToFile {
		if err := persistConfig(newConfig); err != nil {
			log.Error("Error writing new configuration to file", "error", err)
			errs = append(errs, err)
		}
	}

	if opts.broadcast {
		if err := broadcastConfigUpdate(newConfig); err != nil {
			log.Error("Error broadcasting configuration update", "error", err)
			errs = append(errs, err)
		}
	}

	log.Debug("Configuration applied", "source", opts.source)

	return errors.Join(errs...)
}

var (
	subscribersMu sync.Mutex
	subscribers   []chan Config
)

// Subscribe returns a channel that receives the configuration after every applied
// update. A slow reader only ever sees the newest snapshot.
func Subscribe() <-chan Config {
	ch := make(chan Config, 1)
	subscribersMu.Lock()
	subscribers = append(subscribers, ch)
	subscribersMu.Unlock()
	return ch
}

func notifySubscribers(cfg Config) {
	subscribersMu.Lock()
	defer subscribersMu.Unlock()
	for _, ch := range subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

func persistConfig(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	path := SettingsFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	markSelfWrite(path)
	return os.WriteFile(path, data, 0o644)
}
