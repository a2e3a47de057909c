// Package config loads server configuration from environment variables.
//
// Optional variables:
//   - STORE_DRIVER: snapshot store backend, one of "memory", "file",
//     "sqlite", "postgres", "redis" (default "memory").
//   - DATABASE_URL: PostgreSQL connection string, required when
//     STORE_DRIVER is "postgres".
//   - REDIS_URL: Redis connection URL, required when STORE_DRIVER is
//     "redis".
//   - SQLITE_PATH: SQLite database path, required when STORE_DRIVER is
//     "sqlite".
//   - SNAPSHOT_PATH: snapshot file path, required when STORE_DRIVER is
//     "file".
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: slog level name (default "info").
//   - ADMIN_TOKEN_HASH: bcrypt hash of the admin bearer token. Mutating
//     routes are disabled when unset.
//   - AUTH_RATE_LIMIT: max auth attempts per second per client IP
//     (default "10", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - FLUSH_TIMEOUT: how long shutdown waits for pending snapshot writes
//     (default "5s", must be > 0 if set).
//   - DEFAULTS_PATH: optional JSON file of built-in flag definitions
//     seeded on startup for keys absent from the snapshot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store driver names accepted by STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

const (
	defaultHTTPAddr              = ":8080"
	defaultAuthRateLimit         = 10
	defaultMaxJSONBodySize int64 = 1 << 20 // 1MB
	defaultFlushTimeout          = 5 * time.Second
)

// Config holds the runtime configuration for the gatez server.
type Config struct {
	StoreDriver     string
	DatabaseURL     string
	RedisURL        string
	SQLitePath      string
	SnapshotPath    string
	HTTPAddr        string
	LogLevel        string
	AdminTokenHash  string
	AuthRateLimit   int
	MaxJSONBodySize int64
	FlushTimeout    time.Duration
	DefaultsPath    string
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	storeDriver := envOrDefault("STORE_DRIVER", DriverMemory)

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	sqlitePath := strings.TrimSpace(os.Getenv("SQLITE_PATH"))
	snapshotPath := strings.TrimSpace(os.Getenv("SNAPSHOT_PATH"))

	switch storeDriver {
	case DriverMemory:
	case DriverFile:
		if snapshotPath == "" {
			return Config{}, errors.New("SNAPSHOT_PATH is required when STORE_DRIVER is file")
		}
	case DriverSQLite:
		if sqlitePath == "" {
			return Config{}, errors.New("SQLITE_PATH is required when STORE_DRIVER is sqlite")
		}
	case DriverPostgres:
		if databaseURL == "" {
			return Config{}, errors.New("DATABASE_URL is required when STORE_DRIVER is postgres")
		}
	case DriverRedis:
		if redisURL == "" {
			return Config{}, errors.New("REDIS_URL is required when STORE_DRIVER is redis")
		}
	default:
		return Config{}, fmt.Errorf("unknown STORE_DRIVER %q", storeDriver)
	}

	authRateLimit := defaultAuthRateLimit
	if value := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	flushTimeout := defaultFlushTimeout
	if v := strings.TrimSpace(os.Getenv("FLUSH_TIMEOUT")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse FLUSH_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("FLUSH_TIMEOUT must be > 0")
		}
		flushTimeout = parsed
	}

	return Config{
		StoreDriver:     storeDriver,
		DatabaseURL:     databaseURL,
		RedisURL:        redisURL,
		SQLitePath:      sqlitePath,
		SnapshotPath:    snapshotPath,
		HTTPAddr:        envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		AdminTokenHash:  strings.TrimSpace(os.Getenv("ADMIN_TOKEN_HASH")),
		AuthRateLimit:   authRateLimit,
		MaxJSONBodySize: maxJSONBodySize,
		FlushTimeout:    flushTimeout,
		DefaultsPath:    strings.TrimSpace(os.Getenv("DEFAULTS_PATH")),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
