// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Archive mirrors.
const (
	MirrorNone  = "none"
	MirrorLocal = "local"
	MirrorGCS   = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Portal  PortalConfig  `mapstructure:"portal"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Storage StorageConfig `mapstructure:"storage"`
	Archive ArchiveConfig `mapstructure:"archive"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PortalConfig locates the TRF5 search form and detail pages.
type PortalConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	FormURL           string `mapstructure:"form_url"`
	DetailURLTemplate string `mapstructure:"detail_url_template"`
	NumberLookup      string `mapstructure:"number_lookup"`
	PageSize          int    `mapstructure:"page_size"`
}

// CrawlConfig holds crawl budgets.
type CrawlConfig struct {
	MaxPages                int `mapstructure:"max_pages"`
	MaxDetailsPerPage       int `mapstructure:"max_details_per_page"`
	MaxPagesCap             int `mapstructure:"max_pages_cap"`
	MaxDetailsCap           int `mapstructure:"max_details_cap"`
	DetailConcurrency       int `mapstructure:"detail_concurrency"`
	PersistenceFailureLimit int `mapstructure:"persistence_failure_limit"`
}

// FetchConfig configures the HTTP client, politeness and retries.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	RespectRobots    bool   `mapstructure:"respect_robots"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	DelayMs          int    `mapstructure:"delay_ms"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// StorageConfig selects the archive and record store backend. DSN and Database
// are handed to the backend as-is.
type StorageConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
}

// ArchiveConfig controls mirroring raw HTML to a blob store.
type ArchiveConfig struct {
	Mirror    string `mapstructure:"mirror"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for record event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRF5")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Portal.resolveURLs()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("portal.base_url", "https://www5.trf5.jus.br")
	v.SetDefault("portal.form_url", "/cp/")
	v.SetDefault("portal.detail_url_template", "/cp/processo/{numero}")
	v.SetDefault("portal.number_lookup", "direct")
	v.SetDefault("portal.page_size", 10)
	v.SetDefault("crawl.max_pages", 2)
	v.SetDefault("crawl.max_details_per_page", 5)
	v.SetDefault("crawl.max_pages_cap", 20)
	v.SetDefault("crawl.max_details_cap", 50)
	v.SetDefault("crawl.detail_concurrency", 1)
	v.SetDefault("crawl.persistence_failure_limit", 3)
	v.SetDefault("fetch.user_agent", "trf5-crawler/0.1 (+https://github.com/JakeFAU/trf5-crawler)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 30)
	v.SetDefault("fetch.delay_ms", 700)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.database", "trf5")
	v.SetDefault("archive.mirror", MirrorNone)
	v.SetDefault("archive.local_dir", "data/raw")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "raw_pages")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "processos")
}

// resolveURLs makes relative form and detail URLs absolute against BaseURL.
func (p *PortalConfig) resolveURLs() {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		return
	}
	if strings.HasPrefix(p.FormURL, "/") {
		p.FormURL = base + p.FormURL
	}
	if strings.HasPrefix(p.DetailURLTemplate, "/") {
		p.DetailURLTemplate = base + p.DetailURLTemplate
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Portal.FormURL == "" {
		return fmt.Errorf("portal.form_url is required")
	}
	switch c.Portal.NumberLookup {
	case "direct":
		if !strings.Contains(c.Portal.DetailURLTemplate, "{numero}") &&
			!strings.Contains(c.Portal.DetailURLTemplate, "{digitos}") {
			return fmt.Errorf("portal.detail_url_template must contain {numero} or {digitos}")
		}
	case "form":
	default:
		return fmt.Errorf("portal.number_lookup must be direct or form, got %q", c.Portal.NumberLookup)
	}
	if c.Crawl.MaxPagesCap <= 0 || c.Crawl.MaxDetailsCap <= 0 {
		return fmt.Errorf("crawl caps must be > 0")
	}
	if c.Crawl.MaxPages > c.Crawl.MaxPagesCap {
		return fmt.Errorf("crawl.max_pages (%d) exceeds crawl.max_pages_cap (%d)", c.Crawl.MaxPages, c.Crawl.MaxPagesCap)
	}
	if c.Crawl.MaxDetailsPerPage > c.Crawl.MaxDetailsCap {
		return fmt.Errorf("crawl.max_details_per_page (%d) exceeds crawl.max_details_cap (%d)",
			c.Crawl.MaxDetailsPerPage, c.Crawl.MaxDetailsCap)
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Fetch.DelayMs < 0 {
		return fmt.Errorf("fetch.delay_ms must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres, BackendSQLite:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	switch c.Archive.Mirror {
	case MirrorNone, "":
	case MirrorLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir is required for the local mirror")
		}
	case MirrorGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs mirror")
		}
	default:
		return fmt.Errorf("unknown archive.mirror %q", c.Archive.Mirror)
	}
	return nil
}

// FetchTimeout is the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// PolitenessDelay is the minimum spacing between requests to one host.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Fetch.DelayMs) * time.Millisecond
}
