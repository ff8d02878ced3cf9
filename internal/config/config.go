// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for autolog. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Backend      BackendConfig      `toml:"backend"`
	Sync         SyncConfig         `toml:"sync"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
	Storage      StorageConfig      `toml:"storage"`
	Logging      LoggingConfig      `toml:"logging"`
}

// BackendConfig locates the hosted backend and paces requests to it.
type BackendConfig struct {
	URL               string  `toml:"url"`
	APIKey            string  `toml:"api_key"`
	RequestTimeout    string  `toml:"request_timeout"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// SyncConfig controls the sync controller: retry ceiling, pass deadline,
// automatic passes on reconnect and the daemon schedule.
type SyncConfig struct {
	MaxRetries      int    `toml:"max_retries"`
	PassTimeout     string `toml:"pass_timeout"`
	AutoSync        bool   `toml:"auto_sync"`
	ForceOffline    bool   `toml:"force_offline"`
	Schedule        string `toml:"schedule"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// ConnectivityConfig selects how reachability of the backend is detected.
type ConnectivityConfig struct {
	Probe        string `toml:"probe"`
	HealthPath   string `toml:"health_path"`
	RealtimePath string `toml:"realtime_path"`
	PollInterval string `toml:"poll_interval"`
}

// StorageConfig locates the local database holding the queue and cache.
type StorageConfig struct {
	DBPath   string `toml:"db_path"`
	CacheTTL string `toml:"cache_ttl"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
}

// Probe kinds accepted by connectivity.probe.
const (
	ProbeHTTP     = "http"
	ProbeRealtime = "realtime"
	ProbeNone     = "none"
)

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath   string // --config flag (empty = use default)
	BackendURL   *string
	ForceOffline *bool // --offline flag
}

// RequireBackend reports an error when no backend is configured. Commands
// that talk to the network call it; local queue commands do not.
func (c *Config) RequireBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend url is not configured: set [backend] url or %s", EnvBackendURL)
	}

	if c.Backend.APIKey == "" {
		return fmt.Errorf("backend api key is not configured: set [backend] api_key or %s", EnvAPIKey)
	}

	return nil
}

// Endpoint joins path onto the backend URL.
func (b BackendConfig) Endpoint(path string) string {
	return strings.TrimRight(b.URL, "/") + "/" + strings.TrimLeft(path, "/")
}

// RealtimeURL returns the WebSocket URL of the backend's realtime endpoint,
// carrying the API key as the endpoint expects.
func (c *Config) RealtimeURL() (string, error) {
	u, err := url.Parse(c.Backend.Endpoint(c.Connectivity.RealtimePath))
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	q := u.Query()
	q.Set("apikey", c.Backend.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Durations parsed from their validated string forms. Invalid values fall
// back to the defaults; Validate reports them before they get here.

func (b BackendConfig) RequestTimeoutDuration() time.Duration {
	return durationOr(b.RequestTimeout, defaultRequestTimeout)
}

func (s SyncConfig) PassTimeoutDuration() time.Duration {
	return durationOr(s.PassTimeout, defaultPassTimeout)
}

func (s SyncConfig) ShutdownTimeoutDuration() time.Duration {
	return durationOr(s.ShutdownTimeout, defaultShutdownTimeout)
}

func (c ConnectivityConfig) PollIntervalDuration() time.Duration {
	return durationOr(c.PollInterval, defaultPollInterval)
}

func (s StorageConfig) CacheTTLDuration() time.Duration {
	return durationOr(s.CacheTTL, defaultCacheTTL)
}

func durationOr(value, fallback string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
