// Package config implements TOML configuration loading and validation for
// retcond: the server address, the store DSN, the configured entities and
// their sources, and the worker-pool tuning knobs (spec §6).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Entities []EntityConfig `toml:"entities"`
	Workers  WorkersConfig  `toml:"workers"`
}

// ServerConfig configures the request/reply socket (spec §4.7) and the
// optional additive websocket conflict feed (SPEC_FULL.md §4.7).
type ServerConfig struct {
	Address      string `toml:"address"`
	EnableWatch  bool   `toml:"enable_watch"`
	WatchAddress string `toml:"watch_address"`
}

// StoreConfig points at the SQLite file backing the identifier store and
// work queue (spec §4.3, §4.5).
type StoreConfig struct {
	DSN string `toml:"dsn"`
}

// EntityConfig configures one entity and its mirrored sources (spec §3,
// §6): a name, a merge policy selection, and a list of sources.
type EntityConfig struct {
	Name                   string         `toml:"name"`
	Policy                 string         `toml:"policy"`
	PolicyTrustedSource    string         `toml:"policy_trusted_source"`
	PolicyRejectedPrefixes []string       `toml:"policy_rejected_prefixes"`
	Sources                []SourceConfig `toml:"sources"`
}

// SourceConfig configures one DataSource driver instance (spec §4.4).
// Settings is opaque to retcond — each driver interprets its own keys.
type SourceConfig struct {
	Name     string            `toml:"name"`
	Driver   string            `toml:"driver"`
	Settings map[string]string `toml:"settings"`
}

// WorkersConfig tunes the reconciliation worker pool (spec §5).
type WorkersConfig struct {
	Count              int `toml:"count"`
	SourceTimeoutMS    int `toml:"source_timeout_ms"`
	ReconcileTimeoutMS int `toml:"reconcile_timeout_ms"`
	RetryCap           int `toml:"retry_cap"`
	LeaseDurationMS    int `toml:"lease_duration_ms"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string
	Address    *string
	Verbose    bool
	Quiet      bool
}
