package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/retcon-sync/retcon/internal/model"
)

// DefaultConfigPath is used when neither --config nor RETCON_CONFIG is set.
const DefaultConfigPath = "/etc/retcon/retcon.toml"

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are a hard validation error (spec §6) —
// a typo should fail loudly at startup, not silently fall back to a
// default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing config file %s: %w", model.ErrConfigError, path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns a
// Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration applying the override chain: defaults ->
// config file -> environment -> CLI flags (spec §6).
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, error) {
	path := DefaultConfigPath

	if env.ConfigPath != "" {
		path = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		path = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	if cli.Address != nil {
		cfg.Server.Address = *cli.Address
	}

	return cfg, nil
}
