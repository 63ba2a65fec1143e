package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yndnr/vmsnap-go/internal/infra/confloader"
)

// EnvPrefix prefixes the environment overrides, e.g. VMSNAP_CLI_SERVER.
const EnvPrefix = "VMSNAP_CLI_"

// DefaultConfigPath returns the default CLI config file path.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".vmsnap", "cli.yaml")
}

// Load reads the CLI configuration. An explicit path must exist; the
// default file is optional.
func Load(path string) (*CLIConfig, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file: %w", err)
			}
			path = ""
		}
	}

	loader := confloader.NewLoader(
		confloader.WithEnvPrefix(EnvPrefix),
		confloader.WithConfigFile(path),
		confloader.WithDefaults(defaultMap()),
	)
	cfg := &CLIConfig{}
	if err := loader.Load(cfg); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive, got %s", cfg.PollInterval)
	}
	return cfg, nil
}
