package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultRequestTimeout    = "30s"
	defaultRequestsPerSecond = 10
	defaultMaxRetries        = 3
	defaultPassTimeout       = "2m"
	defaultShutdownTimeout   = "10s"
	defaultProbe             = ProbeHTTP
	defaultHealthPath        = "/rest/v1/"
	defaultRealtimePath      = "/realtime/v1/websocket"
	defaultPollInterval      = "30s"
	defaultCacheTTL          = "24h"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultLogRetentionDays  = 30
	dbFileName               = "autolog.db"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			RequestTimeout:    defaultRequestTimeout,
			RequestsPerSecond: defaultRequestsPerSecond,
		},
		Sync: SyncConfig{
			MaxRetries:      defaultMaxRetries,
			PassTimeout:     defaultPassTimeout,
			AutoSync:        true,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Connectivity: ConnectivityConfig{
			Probe:        defaultProbe,
			HealthPath:   defaultHealthPath,
			RealtimePath: defaultRealtimePath,
			PollInterval: defaultPollInterval,
		},
		Storage: StorageConfig{
			CacheTTL: defaultCacheTTL,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetentionDays,
		},
	}
}
