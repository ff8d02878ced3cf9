package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/connectivity"
	"github.com/tonimelisma/autolog/internal/kvstore"
	"github.com/tonimelisma/autolog/internal/offline"
	"github.com/tonimelisma/autolog/internal/syncctl"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDaemon builds a daemon around a controller whose probe reports
// online and whose apply counts passes.
func newTestDaemon(t *testing.T, cfgPath string) (*daemon, *atomic.Int32) {
	t.Helper()

	queue := offline.NewQueue(kvstore.NewMemoryStore(), 3, nil)

	_, _, err := queue.Enqueue(context.Background(), offline.EntityVehicle, offline.OpUpdate, "v-1", map[string]any{"make": "Volvo"})
	require.NoError(t, err)

	var passes atomic.Int32

	apply := func(context.Context, []offline.Operation) (syncctl.BatchResult, error) {
		passes.Add(1)
		return syncctl.BatchResult{}, nil
	}

	ctl := syncctl.NewController(queue, connectivity.NewManualProbe(true, nil), apply, syncctl.Config{AutoSync: true}, discardLogger())

	cfg := config.DefaultConfig()
	cc := &CLIContext{Cfg: cfg, CfgPath: cfgPath, Logger: discardLogger()}

	return newDaemon(cc, ctl), &passes
}

func TestRestartRequired(t *testing.T) {
	t.Parallel()

	old := config.DefaultConfig()
	cfg := config.DefaultConfig()
	assert.Empty(t, restartRequired(old, cfg))

	cfg.Backend.URL = "https://other.example"
	cfg.Connectivity.Probe = config.ProbeRealtime
	cfg.Sync.ForceOffline = true
	cfg.Sync.Schedule = "*/5 * * * *"

	assert.Equal(t, []string{"backend.url", "connectivity"}, restartRequired(old, cfg))
}

func TestDaemonReload_AppliesForceOffline(t *testing.T) {
	t.Parallel()

	d, _ := newTestDaemon(t, filepath.Join(t.TempDir(), "config.toml"))
	require.NoError(t, d.ctl.Start(context.Background()))
	t.Cleanup(func() { d.ctl.Close() })

	next := config.DefaultConfig()
	next.Sync.ForceOffline = true
	d.resolve = func() (*config.Config, error) { return next, nil }

	d.reload()

	assert.Same(t, next, d.holder.Config())
	assert.False(t, d.ctl.State().IsOnline)
}

func TestDaemonReload_InvalidConfigKeepsCurrent(t *testing.T) {
	t.Parallel()

	d, _ := newTestDaemon(t, filepath.Join(t.TempDir(), "config.toml"))
	current := d.holder.Config()

	d.resolve = func() (*config.Config, error) { return nil, errors.New("bad toml") }
	d.reload()

	assert.Same(t, current, d.holder.Config())
}

func TestDaemonSchedule_ReplacesEntry(t *testing.T) {
	t.Parallel()

	d, _ := newTestDaemon(t, filepath.Join(t.TempDir(), "config.toml"))
	d.sched = cron.New()
	d.syncCtx = context.Background()

	require.NoError(t, d.schedule("*/5 * * * *"))
	require.Len(t, d.sched.Entries(), 1)
	first := d.entryID

	require.NoError(t, d.schedule("0 * * * *"))
	require.Len(t, d.sched.Entries(), 1)
	assert.NotEqual(t, first, d.entryID)

	require.NoError(t, d.schedule(""))
	assert.Empty(t, d.sched.Entries())

	require.Error(t, d.schedule("not a schedule"))
}

func TestDaemonRun_SyncsOnStartAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	d, passes := newTestDaemon(t, filepath.Join(t.TempDir(), "config.toml"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- d.run(ctx, make(chan os.Signal))
	}()

	require.Eventually(t, func() bool { return passes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestDaemonRun_ReloadsOnSignal(t *testing.T) {
	t.Parallel()

	d, _ := newTestDaemon(t, filepath.Join(t.TempDir(), "config.toml"))

	var reloads atomic.Int32

	d.resolve = func() (*config.Config, error) {
		reloads.Add(1)
		return config.DefaultConfig(), nil
	}

	sighup := make(chan os.Signal, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- d.run(ctx, sighup)
	}()

	sighup <- syscall.SIGHUP

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDaemonRun_ReloadsWhenConfigFileChanges(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	d, _ := newTestDaemon(t, cfgPath)

	var reloads atomic.Int32

	d.resolve = func() (*config.Config, error) {
		reloads.Add(1)
		return config.DefaultConfig(), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- d.run(ctx, make(chan os.Signal))
	}()

	// Rewrite slower than the debounce until the watcher has been registered
	// and noticed a change.
	require.Eventually(t, func() bool {
		if err := os.WriteFile(cfgPath, []byte("[sync]\nmax_retries = 5\n"), 0o600); err != nil {
			return false
		}

		return reloads.Load() > 0
	}, 5*time.Second, 400*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
