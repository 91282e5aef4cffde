package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBPath != filepath.Join(".qubic", "qubic.db") {
		t.Errorf("DBPath = %q, want .qubic/qubic.db", cfg.DBPath)
	}
	if cfg.Ledger.MaxAttempts != 3 {
		t.Errorf("Ledger.MaxAttempts = %d, want 3", cfg.Ledger.MaxAttempts)
	}
	if cfg.Ledger.BaseDelay != time.Second {
		t.Errorf("Ledger.BaseDelay = %v, want 1s", cfg.Ledger.BaseDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `log_level: debug
handler_timeout: 45s
ledger:
  url: http://ledger:8001
  base_delay: 250ms
  jitter: 0.2
worker:
  url: http://worker:8003
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 45*time.Second, cfg.HandlerTimeout)
	assert.Equal(t, "http://ledger:8001", cfg.Ledger.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.BaseDelay)
	assert.InDelta(t, 0.2, cfg.Ledger.Jitter, 1e-9)
	assert.Equal(t, "http://worker:8003", cfg.Worker.URL)

	// Untouched keys keep defaults
	assert.Equal(t, 3, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Timeout)
}

// TestLoadConfigFileNotExists tests fallback to defaults when file doesn't exist
func TestLoadConfigFileNotExists(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("QUBIC_LOG_LEVEL", "warn")
	t.Setenv("QUBIC_LEDGER_MAX_ATTEMPTS", "5")
	t.Setenv("QUBIC_LEDGER_BASE_DELAY", "2s")
	t.Setenv("QUBIC_OTEL_ENDPOINT", "http://collector:4318")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Ledger.BaseDelay)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.Endpoint)
	assert.Equal(t, "qubic", cfg.Telemetry.ServiceName)
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	level := "trace"
	timeout := time.Minute

	cfg.MergeWithFlags(&level, nil, nil, nil, &timeout)

	assert.Equal(t, "trace", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.HandlerTimeout)
	assert.Equal(t, DefaultConfig().DBPath, cfg.DBPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"zero handler timeout", func(c *Config) { c.HandlerTimeout = 0 }},
		{"zero attempts", func(c *Config) { c.Ledger.MaxAttempts = 0 }},
		{"negative delay", func(c *Config) { c.Ledger.BaseDelay = -time.Second }},
		{"jitter above one", func(c *Config) { c.Ledger.Jitter = 1.5 }},
		{"worker without timeout", func(c *Config) {
			c.Worker.URL = "http://worker"
			c.Worker.Timeout = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetQubicHomeWithEnvVar(t *testing.T) {
	customHome := filepath.Join(t.TempDir(), "home")
	t.Setenv(HomeEnv, customHome)

	home, err := GetQubicHome()
	require.NoError(t, err)
	assert.Equal(t, customHome, home)

	_, err = os.Stat(customHome)
	assert.NoError(t, err, "home directory should be created")
}

func TestLoadUsesHomeConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv(HomeEnv, home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("log_level: error\n"), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, filepath.Join(home, "qubic.db"), cfg.DBPath)
}
