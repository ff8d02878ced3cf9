package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validation range constants.
const (
	minMaxRetries      = 1
	maxMaxRetries      = 100
	minLogRetention    = 1
	maxRequestsPerSec  = 1000
	minRequestTimeout  = 1 * time.Second
	minPassTimeout     = 1 * time.Second
	minShutdownTimeout = 1 * time.Second
	minPollInterval    = 1 * time.Second
	minCacheTTL        = 1 * time.Minute
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateBackend(&cfg.Backend)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateConnectivity(&cfg.Connectivity)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateBackend(b *BackendConfig) []error {
	var errs []error

	if b.URL != "" {
		u, err := url.Parse(b.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend.url: %w", err))
		} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.url: must be an absolute http(s) URL, got %q", b.URL))
		}
	}

	errs = append(errs, validateDurationMin("backend.request_timeout", b.RequestTimeout, minRequestTimeout)...)

	if b.RequestsPerSecond < 0 || b.RequestsPerSecond > maxRequestsPerSec {
		errs = append(errs, fmt.Errorf("backend.requests_per_second: must be between 0 (unlimited) and %d, got %g",
			maxRequestsPerSec, b.RequestsPerSecond))
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	errs = append(errs, validateDurationMin("sync.pass_timeout", s.PassTimeout, minPassTimeout)...)
	errs = append(errs, validateDurationMin("sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	if s.Schedule != "" {
		if _, err := cron.ParseStandard(s.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("sync.schedule: %w", err))
		}
	}

	return errs
}

func validateConnectivity(c *ConnectivityConfig) []error {
	var errs []error

	switch c.Probe {
	case ProbeHTTP, ProbeRealtime, ProbeNone:
	default:
		errs = append(errs, fmt.Errorf("connectivity.probe: must be one of %s, %s, %s; got %q",
			ProbeHTTP, ProbeRealtime, ProbeNone, c.Probe))
	}

	if !strings.HasPrefix(c.HealthPath, "/") {
		errs = append(errs, fmt.Errorf("connectivity.health_path: must start with /, got %q", c.HealthPath))
	}

	if !strings.HasPrefix(c.RealtimePath, "/") {
		errs = append(errs, fmt.Errorf("connectivity.realtime_path: must start with /, got %q", c.RealtimePath))
	}

	errs = append(errs, validateDurationMin("connectivity.poll_interval", c.PollInterval, minPollInterval)...)

	return errs
}

func validateStorage(s *StorageConfig) []error {
	return validateDurationMin("storage.cache_ttl", s.CacheTTL, minCacheTTL)
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}
