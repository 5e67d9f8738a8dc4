// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
)

// Backend names.
const (
	BackendDuckDB = "duckdb"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds the configuration of the CLI and the HTTP server.
type Config struct {
	ModelDir   string // directory of YAML model documents
	Backend    string // duckdb (default), sqlite or memory
	DuckDBPath string // DuckDB database file; empty is in-memory
	SQLitePath string // SQLite database file; empty is in-memory
	DataDir    string // CSV sources, loaded into the backend at startup
	ListenAddr string // HTTP listen address (default ":8080")
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Rate limiting
	RateLimitRPS   float64 // sustained requests per second (default 100)
	RateLimitBurst int     // burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// ReloadSchedule is a cron spec for rebuilding the catalog from
	// ModelDir; empty disables reloading.
	ReloadSchedule string

	ExplainCacheSize       int // cached explain plans (default 256)
	MaterializeConcurrency int // parallel sibling materializations (default 4)

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// DSN returns the data source of the configured SQL backend.
func (c *Config) DSN() string {
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return ":memory:"
		}
		return c.SQLitePath
	case BackendDuckDB:
		return c.DuckDBPath
	default:
		return ""
	}
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ModelDir:       os.Getenv("MODEL_DIR"),
		Backend:        strings.ToLower(strings.TrimSpace(os.Getenv("BACKEND"))),
		DuckDBPath:     os.Getenv("DUCKDB_PATH"),
		SQLitePath:     os.Getenv("SQLITE_PATH"),
		DataDir:        os.Getenv("DATA_DIR"),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
		LogLevel:       os.Getenv("LOG_LEVEL"),
		Env:            os.Getenv("ENV"),
		ReloadSchedule: strings.TrimSpace(os.Getenv("RELOAD_SCHEDULE")),
	}

	// Rate limiting
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid RATE_LIMIT_RPS %q", v))
		}
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		} else {
			cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid RATE_LIMIT_BURST %q", v))
		}
	}
	cfg.ExplainCacheSize = parseIntEnvDefault(cfg, "EXPLAIN_CACHE_SIZE", 256)
	cfg.MaterializeConcurrency = parseIntEnvDefault(cfg, "MATERIALIZE_CONCURRENCY", 4)

	// CORS
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = compactNonEmpty(origins)
	}

	// Defaults
	if cfg.Backend == "" {
		cfg.Backend = BackendDuckDB
	}
	switch cfg.Backend {
	case BackendDuckDB, BackendSQLite, BackendMemory:
	default:
		return nil, fmt.Errorf("unknown BACKEND %q (expected duckdb, sqlite or memory)", cfg.Backend)
	}
	if cfg.Backend == BackendMemory && cfg.DataDir == "" {
		cfg.Warnings = append(cfg.Warnings, "BACKEND=memory without DATA_DIR; every table will be empty")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 100
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 200
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.ReloadSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ReloadSchedule); err != nil {
			return nil, fmt.Errorf("invalid RELOAD_SCHEDULE %q: %w", cfg.ReloadSchedule, err)
		}
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func parseIntEnvDefault(cfg *Config, key string, defaultVal int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		cfg.Warnings = append(cfg.Warnings, fmt.Sprintf("ignoring invalid %s %q, using %d", key, v, defaultVal))
		return defaultVal
	}
	return n
}

func compactNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		// Only set if not already in the environment (env vars take precedence)
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
// Only strips if both the first and last characters are matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
