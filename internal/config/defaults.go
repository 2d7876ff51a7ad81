package config

import "runtime"

// Default values for configuration options, chosen to be safe, reasonable
// starting points that work without any config file.
const (
	defaultAddress            = "tcp://127.0.0.1:60179"
	defaultWatchAddress       = "tcp://127.0.0.1:60180"
	defaultStoreDSN           = "retcon.db"
	defaultPolicy             = "ignoreConflicts"
	defaultSourceTimeoutMS    = 30_000
	defaultReconcileTimeoutMS = 120_000
	defaultRetryCap           = 5
	defaultLeaseDurationMS    = 30_000
	minWorkers                = 2
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding — so unset fields retain
// defaults — and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      defaultAddress,
			EnableWatch:  false,
			WatchAddress: defaultWatchAddress,
		},
		Store: StoreConfig{
			DSN: defaultStoreDSN,
		},
		Workers: WorkersConfig{
			Count:              defaultWorkerCount(),
			SourceTimeoutMS:    defaultSourceTimeoutMS,
			ReconcileTimeoutMS: defaultReconcileTimeoutMS,
			RetryCap:           defaultRetryCap,
			LeaseDurationMS:    defaultLeaseDurationMS,
		},
	}
}

// defaultWorkerCount is max(NumCPU, 2) per spec §5.
func defaultWorkerCount() int {
	n := runtime.NumCPU()
	if n < minWorkers {
		return minWorkers
	}

	return n
}
