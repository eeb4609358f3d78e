// Package config aggregates the deployment configuration: defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/driftline/snapgate/internal/platform/env"
	platformstore "github.com/driftline/snapgate/internal/platform/objectstore"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string

	Store  platformstore.Config
	Prefix string

	CacheRoot       string
	CacheTTL        time.Duration
	DownloadTimeout time.Duration
	RefreshInterval time.Duration

	RetentionKeep   int
	AdminAuthSecret string

	// ValidationQuery is the SQLite smoke query run against a freshly
	// downloaded snapshot. Empty selects the built-in default.
	ValidationQuery string
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		Store: platformstore.Config{
			Endpoint:  "localhost:9000",
			AccessKey: "snapgate",
			SecretKey: "snapgatestore",
			Region:    "us-east-1",
			Bucket:    "snapshots",
		},
		Prefix:          "snapgate/",
		CacheRoot:       "/var/cache/snapgate",
		CacheTTL:        time.Hour,
		DownloadTimeout: 5 * time.Minute,
		RefreshInterval: 0,
		RetentionKeep:   5,
	}
}

// Load builds the effective config. path names an optional YAML file; the
// environment wins over the file, the file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("http addr is required")
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if strings.TrimSpace(c.CacheRoot) == "" {
		return errors.New("cache root is required")
	}
	if c.CacheTTL <= 0 {
		return errors.New("cache ttl must be positive")
	}
	if c.DownloadTimeout <= 0 {
		return errors.New("download timeout must be positive")
	}
	if c.RetentionKeep < 1 {
		return errors.New("retention keep must be >= 1")
	}
	return nil
}

type fileConfig struct {
	HTTPAddr        string `yaml:"http_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`

	Store  platformstore.Config `yaml:"store"`
	Prefix string               `yaml:"prefix"`

	CacheRoot       string `yaml:"cache_root"`
	CacheTTL        string `yaml:"cache_ttl"`
	DownloadTimeout string `yaml:"download_timeout"`
	RefreshInterval string `yaml:"refresh_interval"`

	RetentionKeep   *int   `yaml:"retention_keep"`
	AdminAuthSecret string `yaml:"admin_auth_secret"`
	ValidationQuery string `yaml:"validation_query"`
}

func applyFile(cfg *Config, path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	fc.Store = cfg.Store
	if err := yaml.Unmarshal(blob, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.LogFormat, fc.LogFormat)
	setString(&cfg.Prefix, fc.Prefix)
	setString(&cfg.CacheRoot, fc.CacheRoot)
	setString(&cfg.AdminAuthSecret, fc.AdminAuthSecret)
	setString(&cfg.ValidationQuery, fc.ValidationQuery)
	cfg.Store = fc.Store
	if fc.RetentionKeep != nil {
		cfg.RetentionKeep = *fc.RetentionKeep
	}
	if err := setDuration(&cfg.ShutdownTimeout, fc.ShutdownTimeout, "shutdown_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.CacheTTL, fc.CacheTTL, "cache_ttl"); err != nil {
		return err
	}
	if err := setDuration(&cfg.DownloadTimeout, fc.DownloadTimeout, "download_timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.RefreshInterval, fc.RefreshInterval, "refresh_interval"); err != nil {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	var err error
	cfg.HTTPAddr = env.String("SNAPGATE_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = env.String("SNAPGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = env.String("SNAPGATE_LOG_FORMAT", cfg.LogFormat)
	cfg.Prefix = env.String("SNAPGATE_STORE_PREFIX", cfg.Prefix)
	cfg.CacheRoot = env.String("SNAPGATE_CACHE_ROOT", cfg.CacheRoot)
	cfg.AdminAuthSecret = env.String("SNAPGATE_ADMIN_AUTH_SECRET", cfg.AdminAuthSecret)
	cfg.ValidationQuery = env.String("SNAPGATE_VALIDATION_QUERY", cfg.ValidationQuery)

	cfg.Store.Endpoint = env.String("SNAPGATE_STORE_ENDPOINT", cfg.Store.Endpoint)
	cfg.Store.AccessKey = env.String("SNAPGATE_STORE_ACCESS_KEY", cfg.Store.AccessKey)
	cfg.Store.SecretKey = env.String("SNAPGATE_STORE_SECRET_KEY", cfg.Store.SecretKey)
	cfg.Store.Region = env.String("SNAPGATE_STORE_REGION", cfg.Store.Region)
	cfg.Store.Bucket = env.String("SNAPGATE_STORE_BUCKET", cfg.Store.Bucket)
	if cfg.Store.UseSSL, err = env.Bool("SNAPGATE_STORE_USE_SSL", cfg.Store.UseSSL); err != nil {
		return err
	}

	if cfg.ShutdownTimeout, err = env.Duration("SNAPGATE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.CacheTTL, err = env.Duration("SNAPGATE_CACHE_TTL", cfg.CacheTTL); err != nil {
		return err
	}
	if cfg.DownloadTimeout, err = env.Duration("SNAPGATE_DOWNLOAD_TIMEOUT", cfg.DownloadTimeout); err != nil {
		return err
	}
	if cfg.RefreshInterval, err = env.Duration("SNAPGATE_REFRESH_INTERVAL", cfg.RefreshInterval); err != nil {
		return err
	}
	if cfg.RetentionKeep, err = env.Int("SNAPGATE_RETENTION_KEEP", cfg.RetentionKeep); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = d
	return nil
}
