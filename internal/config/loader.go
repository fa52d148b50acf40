package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies OPTLEDGER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known OPTLEDGER_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Database ──
	setStr(&cfg.Database.DSN, "OPTLEDGER_DATABASE_DSN")
	setStr(&cfg.Database.Host, "OPTLEDGER_DATABASE_HOST")
	setInt(&cfg.Database.Port, "OPTLEDGER_DATABASE_PORT")
	setStr(&cfg.Database.Database, "OPTLEDGER_DATABASE_NAME")
	setStr(&cfg.Database.User, "OPTLEDGER_DATABASE_USER")
	setStr(&cfg.Database.Password, "OPTLEDGER_DATABASE_PASSWORD")
	setStr(&cfg.Database.SSLMode, "OPTLEDGER_DATABASE_SSLMODE")
	setInt(&cfg.Database.PoolMaxConns, "OPTLEDGER_DATABASE_POOL_MAX_CONNS")
	setInt(&cfg.Database.PoolMinConns, "OPTLEDGER_DATABASE_POOL_MIN_CONNS")
	setBool(&cfg.Database.RunMigrations, "OPTLEDGER_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "OPTLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "OPTLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "OPTLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "OPTLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "OPTLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "OPTLEDGER_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "OPTLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "OPTLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "OPTLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "OPTLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "OPTLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "OPTLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "OPTLEDGER_S3_FORCE_PATH_STYLE")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "OPTLEDGER_FEED_ENABLED")
	setStr(&cfg.Feed.WsURL, "OPTLEDGER_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Series, "OPTLEDGER_FEED_SERIES")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "OPTLEDGER_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "OPTLEDGER_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "OPTLEDGER_ARCHIVE_RETENTION_DAYS")

	// ── Top-level ──
	setStr(&cfg.Mode, "OPTLEDGER_MODE")
	setStr(&cfg.LogLevel, "OPTLEDGER_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
