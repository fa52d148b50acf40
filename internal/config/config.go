// Package config defines the top-level configuration for the option ledger
// service and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// duration wraps time.Duration so TOML values like "5m" decode directly.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by OPTLEDGER_* environment
// variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Feed     FeedConfig     `toml:"feed"`
	Archive  ArchiveConfig  `toml:"archive"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for the cold
// archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds market-data websocket parameters.
type FeedConfig struct {
	Enabled bool     `toml:"enabled"`
	WsURL   string   `toml:"ws_url"`
	Series  []string `toml:"series"`
}

// ArchiveConfig controls the closed-lineage cold storage loop.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// Defaults returns a Config with sensible defaults applied.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "optledger",
			User:          "optledger",
			SSLMode:       "disable",
			PoolMaxConns:  8,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 8,
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
		Mode:     "engine",
		LogLevel: "info",
	}
}

// Validate checks the configuration for the selected mode and returns a
// descriptive error on the first problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Mode) {
	case "engine", "feed", "archive", "full":
	default:
		return fmt.Errorf("config: unsupported mode %q", c.Mode)
	}

	if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Database == "" || c.Database.User == "") {
		return fmt.Errorf("config: database connection parameters are incomplete")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}

	mode := strings.ToLower(c.Mode)
	if (mode == "feed" || mode == "full") && c.Feed.Enabled && c.Feed.WsURL == "" {
		return fmt.Errorf("config: feed.ws_url is required when the feed is enabled")
	}
	if (mode == "archive" || mode == "full") && c.Archive.Enabled {
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("config: s3 bucket and region are required when archiving is enabled")
		}
		if c.Archive.RetentionDays <= 0 {
			return fmt.Errorf("config: archive.retention_days must be positive")
		}
	}

	return nil
}
