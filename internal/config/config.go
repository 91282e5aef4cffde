package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. QUBIC_LEDGER_URL.
const EnvPrefix = "QUBIC_"

// LedgerConfig configures the external ledger and the audit retry policy.
type LedgerConfig struct {
	// URL of the ledger service. Empty uses the embedded ledger backed by the local database.
	URL string `yaml:"url" env:"URL"`

	// Timeout bounds each ledger call
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`

	// MaxAttempts is the total number of submission attempts per audit record
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS"`

	// BaseDelay is the wait before the first retry; later waits double
	BaseDelay time.Duration `yaml:"base_delay" env:"BASE_DELAY"`

	// Jitter randomizes each wait by +/- this fraction (0 disables)
	Jitter float64 `yaml:"jitter" env:"JITTER"`
}

// WorkerConfig configures where step handlers run.
type WorkerConfig struct {
	// URL of a remote worker service. Empty runs handlers in-process.
	URL string `yaml:"url" env:"URL"`

	// Timeout bounds each remote worker call
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr       string `yaml:"addr" env:"ADDR"`
	LedgerAddr string `yaml:"ledger_addr" env:"LEDGER_ADDR"`
	WorkerAddr string `yaml:"worker_addr" env:"WORKER_ADDR"`
}

// TelemetryConfig configures OpenTelemetry tracing. Tracing is off when Endpoint is empty.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Config represents qubic configuration options
type Config struct {
	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// LogDir is the directory where run logs are written (empty disables file logging)
	LogDir string `yaml:"log_dir" env:"LOG_DIR"`

	// DBPath is the SQLite database holding tasks, approvals and audit records
	DBPath string `yaml:"db_path" env:"DB_PATH"`

	// LockDir holds the per-task lock files
	LockDir string `yaml:"lock_dir" env:"LOCK_DIR"`

	// HandlerTimeout bounds each step handler invocation
	HandlerTimeout time.Duration `yaml:"handler_timeout" env:"HANDLER_TIMEOUT"`

	Ledger    LedgerConfig    `yaml:"ledger" envPrefix:"LEDGER_"`
	Worker    WorkerConfig    `yaml:"worker" envPrefix:"WORKER_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

// DefaultConfig returns a Config rooted at the .qubic directory of the working directory
func DefaultConfig() *Config {
	return DefaultConfigForHome(".qubic")
}

// DefaultConfigForHome returns a Config with sensible default values whose
// paths live under home
func DefaultConfigForHome(home string) *Config {
	return &Config{
		LogLevel:       "info",
		LogDir:         "",
		DBPath:         filepath.Join(home, "qubic.db"),
		LockDir:        filepath.Join(home, "locks"),
		HandlerTimeout: 30 * time.Second,
		Ledger: LedgerConfig{
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Jitter:      0,
		},
		Worker: WorkerConfig{
			Timeout: 30 * time.Second,
		},
		Server: ServerConfig{
			Addr:       ":8080",
			LedgerAddr: ":8001",
			WorkerAddr: ":8003",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "qubic",
		},
	}
}

// LoadConfig loads configuration from the specified file path on top of defaults.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	return loadOnto(DefaultConfig(), path)
}

// LoadConfigFromHome loads home/config.yaml with defaults rooted at home
func LoadConfigFromHome(home string) (*Config, error) {
	return loadOnto(DefaultConfigForHome(home), filepath.Join(home, "config.yaml"))
}

func loadOnto(cfg *Config, path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Keys absent from the file keep their default values
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides configuration values from QUBIC_* environment variables.
// Variables that are not set leave the current value untouched.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// MergeWithFlags merges CLI flags into the configuration.
// Non-nil flag values override configuration values.
func (c *Config) MergeWithFlags(logLevel *string, dbPath *string, ledgerURL *string, workerURL *string, handlerTimeout *time.Duration) {
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if dbPath != nil {
		c.DBPath = *dbPath
	}
	if ledgerURL != nil {
		c.Ledger.URL = *ledgerURL
	}
	if workerURL != nil {
		c.Worker.URL = *workerURL
	}
	if handlerTimeout != nil {
		c.HandlerTimeout = *handlerTimeout
	}
}

// Validate validates the configuration values
func (c *Config) Validate() error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("handler_timeout must be > 0, got %v", c.HandlerTimeout)
	}

	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("ledger.max_attempts must be >= 1, got %d", c.Ledger.MaxAttempts)
	}
	if c.Ledger.BaseDelay < 0 {
		return fmt.Errorf("ledger.base_delay must be >= 0, got %v", c.Ledger.BaseDelay)
	}
	if c.Ledger.Jitter < 0 || c.Ledger.Jitter > 1 {
		return fmt.Errorf("ledger.jitter must be between 0 and 1, got %v", c.Ledger.Jitter)
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("ledger.timeout must be > 0, got %v", c.Ledger.Timeout)
	}
	if c.Worker.URL != "" && c.Worker.Timeout <= 0 {
		return fmt.Errorf("worker.timeout must be > 0 when worker.url is set, got %v", c.Worker.Timeout)
	}

	return nil
}
