package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable LoadFromEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"MODEL_DIR", "BACKEND", "DUCKDB_PATH", "SQLITE_PATH", "DATA_DIR", "LISTEN_ADDR",
		"LOG_LEVEL", "ENV", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "CORS_ALLOWED_ORIGINS",
		"RELOAD_SCHEDULE", "EXPLAIN_CACHE_SIZE", "MATERIALIZE_CONCURRENCY",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendDuckDB, cfg.Backend)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.InDelta(t, 100, cfg.RateLimitRPS, 0)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 256, cfg.ExplainCacheSize)
	assert.Equal(t, 4, cfg.MaterializeConcurrency)
	assert.Empty(t, cfg.ReloadSchedule)
	assert.Empty(t, cfg.Warnings)
	assert.Equal(t, "", cfg.DSN())
}

func TestLoadFromEnv_AllVarsSet(t *testing.T) {
	clearEnv(t)
	t.Setenv("MODEL_DIR", "/models")
	t.Setenv("BACKEND", "SQLite")
	t.Setenv("SQLITE_PATH", "/tmp/shop.db")
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("RATE_LIMIT_BURST", "5")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RELOAD_SCHEDULE", "*/5 * * * *")
	t.Setenv("EXPLAIN_CACHE_SIZE", "16")
	t.Setenv("MATERIALIZE_CONCURRENCY", "1")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "/models", cfg.ModelDir)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/shop.db", cfg.DSN())
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 0)
	assert.Equal(t, 5, cfg.RateLimitBurst)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, "*/5 * * * *", cfg.ReloadSchedule)
	assert.Equal(t, 16, cfg.ExplainCacheSize)
	assert.Equal(t, 1, cfg.MaterializeConcurrency)
}

func TestLoadFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"BACKEND": "postgres"}},
		{"bad reload schedule", map[string]string{"RELOAD_SCHEDULE": "every minute"}},
		{"cors wildcard in production", map[string]string{"ENV": "production"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			require.Error(t, err)
		})
	}
}

func TestLoadFromEnv_Warnings(t *testing.T) {
	clearEnv(t)
	t.Setenv("BACKEND", "memory")
	t.Setenv("EXPLAIN_CACHE_SIZE", "lots")
	t.Setenv("RATE_LIMIT_BURST", "x")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.ExplainCacheSize)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Len(t, cfg.Warnings, 3)
	assert.Equal(t, ":memory:", (&Config{Backend: BackendSQLite}).DSN())
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range tests {
		t.Run(tc.level, func(t *testing.T) {
			assert.Equal(t, tc.want, (&Config{LogLevel: tc.level}).SlogLevel())
		})
	}
}

func TestLoadDotEnv_FileNotFound(t *testing.T) {
	err := LoadDotEnv("/nonexistent/.env")
	if err != nil {
		t.Errorf("expected no error for missing .env, got: %v", err)
	}
}

func TestLoadDotEnv_ParsesKeyValue(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_KEY=test_value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_KEY"); val != "test_value" {
		t.Errorf("TEST_KEY = %q, want %q", val, "test_value")
	}
	_ = os.Unsetenv("TEST_KEY")
}

func TestLoadDotEnv_SkipsComments(t *testing.T) {
	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("# comment\nTEST_COMMENT_KEY=value\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_COMMENT_KEY"); val != "value" {
		t.Errorf("TEST_COMMENT_KEY = %q, want %q", val, "value")
	}
	_ = os.Unsetenv("TEST_COMMENT_KEY")
}

func TestLoadDotEnv_EnvVarPrecedence(t *testing.T) {
	t.Setenv("TEST_PRECEDENCE_KEY", "from_env")

	tmpDir := t.TempDir()
	envFile := filepath.Join(tmpDir, ".env")

	err := os.WriteFile(envFile, []byte("TEST_PRECEDENCE_KEY=from_file\n"), 0644)
	if err != nil {
		t.Fatalf("write .env: %v", err)
	}

	if err := LoadDotEnv(envFile); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}

	if val := os.Getenv("TEST_PRECEDENCE_KEY"); val != "from_env" {
		t.Errorf("TEST_PRECEDENCE_KEY = %q, want %q (env precedence)", val, "from_env")
	}
}
