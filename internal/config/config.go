package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jeeshofone/ApocaCache/internal/catalog"
	"github.com/jeeshofone/ApocaCache/internal/scheduler"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	CatalogURL    string `envconfig:"CATALOG_URL" default:"https://library.kiwix.org/catalog/v2/library.xml"`
	MirrorBaseURL string `envconfig:"MIRROR_BASE_URL" default:"https://download.kiwix.org/zim/"`
	DataDir       string `envconfig:"DATA_DIR" default:"/data"`
	ConfigDir     string `envconfig:"CONFIG_DIR" default:"/config"`
	DBPath        string `envconfig:"DB_PATH"`

	LanguageFilter []string `envconfig:"LANGUAGE_FILTER"`
	ContentPattern string   `envconfig:"CONTENT_PATTERN"`
	DownloadAll    bool     `envconfig:"DOWNLOAD_ALL" default:"false"`

	RecursiveScan bool          `envconfig:"RECURSIVE_SCAN" default:"false"`
	ScanMaxDepth  int           `envconfig:"SCAN_MAX_DEPTH" default:"3"`
	ScanCacheTTL  time.Duration `envconfig:"SCAN_CACHE_TTL" default:"1h"`
	ScanCacheSize int           `envconfig:"SCAN_CACHE_SIZE" default:"512"`

	MaxConcurrentDownloads int           `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"2"`
	RetryAttempts          int           `envconfig:"RETRY_ATTEMPTS" default:"3"`
	RetryBaseDelay         time.Duration `envconfig:"RETRY_BASE_DELAY" default:"2s"`
	VerifyDownloads        bool          `envconfig:"VERIFY_DOWNLOADS" default:"true"`
	CleanupIncomplete      bool          `envconfig:"CLEANUP_INCOMPLETE" default:"true"`
	QueueSize              int           `envconfig:"QUEUE_SIZE" default:"256"`

	UpdateSchedule      string        `envconfig:"UPDATE_SCHEDULE" default:"0 2 1 * *"`
	DescriptorBatchSize int           `envconfig:"DESCRIPTOR_BATCH_SIZE" default:"100"`
	Retention           time.Duration `envconfig:"RETENTION" default:"720h"`
	CleanupInterval     time.Duration `envconfig:"CLEANUP_INTERVAL" default:"24h"`

	ConnectTimeout        time.Duration `envconfig:"CONNECT_TIMEOUT" default:"30s"`
	ResponseHeaderTimeout time.Duration `envconfig:"RESPONSE_HEADER_TIMEOUT" default:"60s"`
	RequestTimeout        time.Duration `envconfig:"REQUEST_TIMEOUT" default:"2m"`
	TransferIdleTimeout   time.Duration `envconfig:"TRANSFER_IDLE_TIMEOUT" default:"60s"`
	UpstreamToken         string        `envconfig:"UPSTREAM_TOKEN"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:3119"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"library-maintainer"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure bool   `envconfig:"OTLP_INSECURE" default:"true"`
	}

	// Selections come from download-list.yaml.
	Selections []catalog.Selection `ignored:"true"`
}

// LoadConfig reads environment variables, applies download-list.yaml from the config
// directory when present, and validates the result.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	list, err := LoadDownloadList(filepath.Join(cfg.ConfigDir, DownloadListFile))
	if err != nil {
		return nil, err
	}

	cfg.Apply(list)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// DatabasePath is DB_PATH, or library.db in the data directory.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	return filepath.Join(c.DataDir, "library.db")
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.CatalogURL == "" {
		errs = append(errs, errors.New("CATALOG_URL must be set"))
	}

	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR must be set"))
	}

	positive := map[string]int{
		"MAX_CONCURRENT_DOWNLOADS": c.MaxConcurrentDownloads,
		"RETRY_ATTEMPTS":           c.RetryAttempts,
		"DESCRIPTOR_BATCH_SIZE":    c.DescriptorBatchSize,
		"QUEUE_SIZE":               c.QueueSize,
	}

	for name, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if c.RetryBaseDelay <= 0 {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive"))
	}

	if c.TransferIdleTimeout <= 0 {
		errs = append(errs, errors.New("TRANSFER_IDLE_TIMEOUT must be positive"))
	}

	if c.Retention <= 0 || c.CleanupInterval <= 0 {
		errs = append(errs, errors.New("RETENTION and CLEANUP_INTERVAL must be positive"))
	}

	if c.RecursiveScan && c.MirrorBaseURL == "" {
		errs = append(errs, errors.New("MIRROR_BASE_URL must be set when RECURSIVE_SCAN is on"))
	}

	if _, err := c.pattern(); err != nil {
		errs = append(errs, fmt.Errorf("CONTENT_PATTERN: %w", err))
	}

	if _, err := scheduler.Parse(c.UpdateSchedule); err != nil {
		errs = append(errs, fmt.Errorf("UPDATE_SCHEDULE: %w", err))
	}

	return errors.Join(errs...)
}

func (c *Config) pattern() (*regexp.Regexp, error) {
	if strings.TrimSpace(c.ContentPattern) == "" {
		return nil, nil
	}

	return regexp.Compile(c.ContentPattern)
}

// Filter builds the catalog selection filter. Validate must have accepted the config.
func (c *Config) Filter() *catalog.Filter {
	re, _ := c.pattern()

	var langs []string

	for _, l := range c.LanguageFilter {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}

	return &catalog.Filter{
		Languages:   langs,
		Pattern:     re,
		Selections:  c.Selections,
		DownloadAll: c.DownloadAll,
	}
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
