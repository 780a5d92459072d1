package utils

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds connection settings for the API token store.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full service configuration, loaded from YAML.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost       string        `yaml:"redis_host"`
		RateLimitDB     int           `yaml:"redis_rate_db"`
		PDFCacheDB      int           `yaml:"redis_pdf_db"`
		PDFCacheEnabled bool          `yaml:"pdf_cache_enabled"`
		PDFCacheTTL     time.Duration `yaml:"pdf_cache_ttl"`
	} `yaml:"cache"`

	Limits struct {
		MaxUploadBytes int `yaml:"max_upload_bytes"`
		MaxPDFBytes    int `yaml:"max_pdf_bytes"`
	} `yaml:"limits"`

	PDF struct {
		GhostscriptPath   string `yaml:"ghostscript_path"`
		DefaultLevel      string `yaml:"default_level"`
		DefaultResolution int    `yaml:"default_resolution"`
		TimeoutSecs       int    `yaml:"timeout_secs"`
		// AcquireTimeoutSecs bounds the wait for a free pool worker before
		// the request is rejected with back-pressure.
		AcquireTimeoutSecs int `yaml:"acquire_timeout_secs"`
		PoolSize           int `yaml:"pool_size"`
		// AllowMissingGhostscript downgrades the startup binary check from
		// fatal to a warning. Compression requests then answer 503.
		AllowMissingGhostscript bool `yaml:"allow_missing_ghostscript"`
	} `yaml:"pdf"`

	Uploads struct {
		Dir string `yaml:"dir"`
	} `yaml:"uploads"`

	Auth struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"auth"`

	RateLimiter struct {
		Interval          time.Duration `yaml:"interval"`
		UserLimit         int           `yaml:"user_limit"`
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
	} `yaml:"rate_limiter"`
}

// AppConfig holds the last configuration loaded by LoadConfig. Exported so
// middleware and tests can adjust individual knobs.
var AppConfig Config

// DefaultConfig returns the built-in configuration used when no config file
// is present. The host/port and upload directory defaults are externally
// observable contracts and must not change.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = ":8000"

	cfg.Logger.File = "pdfpress.log"
	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 14

	cfg.Cache.RedisHost = "127.0.0.1:6379"
	cfg.Cache.RateLimitDB = 0
	cfg.Cache.PDFCacheDB = 1
	cfg.Cache.PDFCacheTTL = 24 * time.Hour

	cfg.Limits.MaxUploadBytes = 100 * 1024 * 1024
	cfg.Limits.MaxPDFBytes = 200 * 1024 * 1024

	cfg.PDF.GhostscriptPath = "/usr/bin/gs"
	cfg.PDF.DefaultLevel = "screen"
	cfg.PDF.DefaultResolution = 72
	cfg.PDF.TimeoutSecs = 60
	cfg.PDF.AcquireTimeoutSecs = 5
	cfg.PDF.PoolSize = 2

	cfg.Uploads.Dir = filepath.Join(os.TempDir(), "pdf_uploads")

	cfg.RateLimiter.Interval = time.Minute

	return cfg
}

// LoadConfig reads the YAML config file named by CONFIG_PATH (default
// "config.yaml") on top of the built-in defaults. A missing file is not an
// error; a malformed one is reported and the defaults win.
func LoadConfig() Config {
	cfg := DefaultConfig()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			Warn("Cannot read config file", "path", path, "error", err)
		}
		AppConfig = cfg
		return cfg
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		Warn("Cannot parse config file, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
	}

	AppConfig = cfg
	return cfg
}

// GetConfig returns the configuration loaded by the last LoadConfig call.
func GetConfig() Config {
	return AppConfig
}
