package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig       = "AUTOLOG_CONFIG"
	EnvBackendURL   = "AUTOLOG_BACKEND_URL"
	EnvAPIKey       = "AUTOLOG_API_KEY"
	EnvForceOffline = "AUTOLOG_FORCE_OFFLINE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // AUTOLOG_CONFIG: override config file path
	BackendURL   string // AUTOLOG_BACKEND_URL
	APIKey       string // AUTOLOG_API_KEY
	ForceOffline string // AUTOLOG_FORCE_OFFLINE: any strconv.ParseBool value
}

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables already set win, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil //nolint:nilerr // absent .env is the common case
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}

	return nil
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		BackendURL:   os.Getenv(EnvBackendURL),
		APIKey:       os.Getenv(EnvAPIKey),
		ForceOffline: os.Getenv(EnvForceOffline),
	}
}

// apply copies the overrides onto cfg.
func (e EnvOverrides) apply(cfg *Config) error {
	if e.BackendURL != "" {
		cfg.Backend.URL = e.BackendURL
	}

	if e.APIKey != "" {
		cfg.Backend.APIKey = e.APIKey
	}

	if e.ForceOffline != "" {
		v, err := strconv.ParseBool(e.ForceOffline)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvForceOffline, err)
		}

		cfg.Sync.ForceOffline = v
	}

	return nil
}
