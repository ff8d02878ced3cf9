package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tonimelisma/autolog/internal/backend"
	"github.com/tonimelisma/autolog/internal/cache"
	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/connectivity"
	"github.com/tonimelisma/autolog/internal/kvstore"
	"github.com/tonimelisma/autolog/internal/offline"
	"github.com/tonimelisma/autolog/internal/session"
	"github.com/tonimelisma/autolog/internal/syncctl"
)

// dbDirPermissions is used when creating the database directory.
const dbDirPermissions = 0o700

// app bundles the local stores every command works against.
type app struct {
	cc     *CLIContext
	dbPath string
	store  *kvstore.SQLiteStore
	queue  *offline.Queue
	cache  *cache.Cache
}

// openApp opens the database and builds the queue and entity cache on it.
func openApp(ctx context.Context, cc *CLIContext) (*app, error) {
	dbPath := cc.Cfg.Storage.ResolvedDBPath()

	if err := os.MkdirAll(filepath.Dir(dbPath), dbDirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	store, err := kvstore.OpenSQLite(ctx, dbPath, cc.Logger)
	if err != nil {
		return nil, err
	}

	return &app{
		cc:     cc,
		dbPath: dbPath,
		store:  store,
		queue:  offline.NewQueue(store, cc.Cfg.Sync.MaxRetries, cc.Logger),
		cache:  cache.New(store, cc.Cfg.Storage.CacheTTLDuration(), cc.Logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// backendClient returns a REST client for the configured backend.
func (a *app) backendClient(cfg *config.Config) (*backend.Client, error) {
	if err := cfg.RequireBackend(); err != nil {
		return nil, err
	}

	clientCfg := backend.ClientConfig{
		BaseURL:           cfg.Backend.URL,
		APIKey:            cfg.Backend.APIKey,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Timeout:           cfg.Backend.RequestTimeoutDuration(),
		Logger:            a.cc.Logger,
	}

	// Without a saved session requests run as the anonymous role.
	sess, err := session.Load(config.SessionPath())
	if err != nil {
		return nil, err
	}

	if sess != nil {
		clientCfg.Tokens = sess.TokenSource()
	}

	return backend.NewClient(clientCfg), nil
}

// newProbe builds the connectivity probe named by connectivity.probe.
func (a *app) newProbe(cfg *config.Config) (connectivity.Probe, error) {
	logger := a.cc.Logger

	switch cfg.Connectivity.Probe {
	case config.ProbeRealtime:
		u, err := cfg.RealtimeURL()
		if err != nil {
			return nil, err
		}

		header := http.Header{}
		header.Set("apikey", cfg.Backend.APIKey)

		return connectivity.NewRealtimeProbe(u, header, logger), nil
	case config.ProbeNone:
		return connectivity.NewManualProbe(true, logger), nil
	default:
		client := &http.Client{Timeout: cfg.Backend.RequestTimeoutDuration()}

		return connectivity.NewHTTPProbe(
			cfg.Backend.Endpoint(cfg.Connectivity.HealthPath),
			cfg.Connectivity.PollIntervalDuration(),
			client,
			logger,
		), nil
	}
}

// passLockPath is the flock file that keeps watch and one-shot syncs on the
// same database from running passes at the same time.
func (a *app) passLockPath() string {
	return a.dbPath + ".lock"
}

// newController wires the queue, a probe and the backend applier into a sync
// controller. The controller is not started.
func (a *app) newController(cfg *config.Config, autoSync bool) (*syncctl.Controller, error) {
	client, err := a.backendClient(cfg)
	if err != nil {
		return nil, err
	}

	probe, err := a.newProbe(cfg)
	if err != nil {
		return nil, err
	}

	applier := syncctl.NewApplier(a.queue, client, a.cache, a.cc.Logger)

	return syncctl.NewController(a.queue, probe, applier.Apply, syncctl.Config{
		PassTimeout:  cfg.Sync.PassTimeoutDuration(),
		AutoSync:     autoSync,
		ForceOffline: cfg.Sync.ForceOffline,
		Lock:         syncctl.NewFileLock(a.passLockPath()),
	}, a.cc.Logger), nil
}

// waitOnline waits until ctl reports online or timeout passes. Probes that
// connect asynchronously report offline right after Start.
func waitOnline(ctx context.Context, ctl *syncctl.Controller, timeout time.Duration) bool {
	if ctl.State().IsOnline {
		return true
	}

	changed := make(chan struct{}, 1)
	unsubscribe := ctl.Subscribe(func(s syncctl.State) {
		if s.IsOnline {
			select {
			case changed <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	if ctl.State().IsOnline {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
