package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// HomeEnv names the environment variable that overrides the qubic home directory.
const HomeEnv = "QUBIC_HOME"

// GetQubicHome returns the qubic home directory
// Priority order:
//  1. QUBIC_HOME environment variable (if set)
//  2. .qubic under the current working directory
//
// The directory is created if it doesn't exist
func GetQubicHome() (string, error) {
	home := os.Getenv(HomeEnv)
	if home == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		home = filepath.Join(cwd, ".qubic")
	}

	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("create qubic home directory: %w", err)
	}

	return home, nil
}

// Load resolves configuration the way every command does: defaults rooted at
// the qubic home, then the config file (explicit path wins over home/config.yaml),
// then environment overrides.
func Load(explicitPath string) (*Config, error) {
	home, err := GetQubicHome()
	if err != nil {
		return nil, err
	}

	var cfg *Config
	if explicitPath != "" {
		cfg, err = loadOnto(DefaultConfigForHome(home), explicitPath)
	} else {
		cfg, err = LoadConfigFromHome(home)
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}
