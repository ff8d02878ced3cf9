package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/syncctl"
)

// configDebounce coalesces the burst of events an editor produces when it
// saves the config file.
const configDebounce = 250 * time.Millisecond

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run in the foreground and sync whenever the backend is reachable",
		Long: `Keep a sync controller running: queued operations are replayed each time
connectivity returns and on the optional sync.schedule cron expression.
The config file is reloaded when it changes on disk or on SIGHUP
(see 'autolog reload'). Stop with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			release, err := writePIDFile(config.PIDFilePath())
			if err != nil {
				return err
			}
			defer release()

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			ctl, err := a.newController(cc.Cfg, cc.Cfg.Sync.AutoSync)
			if err != nil {
				return err
			}

			d := newDaemon(cc, ctl)

			sighup, stop := reloadSignals()
			defer stop()

			return d.run(ctx, sighup)
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Make a running watch daemon re-read its config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)

			pid, err := sendSIGHUP(config.PIDFilePath())
			if err != nil {
				return err
			}

			cc.Statusf("Reload requested (PID %d).\n", pid)

			return nil
		},
	}
}

// daemon owns the long-running pieces of watch: the controller, the cron
// schedule and the config reload triggers.
type daemon struct {
	ctl    *syncctl.Controller
	holder *config.Holder
	cli    config.CLIOverrides
	logger *slog.Logger

	// resolve re-reads the configuration. Tests replace it.
	resolve func() (*config.Config, error)

	mu      sync.Mutex
	sched   *cron.Cron
	entryID cron.EntryID
	syncCtx context.Context
}

func newDaemon(cc *CLIContext, ctl *syncctl.Controller) *daemon {
	d := &daemon{
		ctl:    ctl,
		holder: config.NewHolder(cc.Cfg, cc.CfgPath),
		cli:    cc.Overrides,
		logger: cc.Logger,
	}

	d.resolve = func() (*config.Config, error) {
		return config.Resolve(config.ReadEnvOverrides(), d.cli)
	}

	return d
}

// run blocks until ctx is cancelled, then shuts the controller down within
// sync.shutdown_timeout.
func (d *daemon) run(ctx context.Context, sighup <-chan os.Signal) error {
	cfg := d.holder.Config()

	unsubscribe := d.ctl.Subscribe(d.logState)
	defer unsubscribe()

	if err := d.ctl.Start(ctx); err != nil {
		return err
	}

	d.sched = cron.New(cron.WithLogger(cronLogger{d.logger}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{d.logger})))
	d.syncCtx = ctx

	if err := d.schedule(cfg.Sync.Schedule); err != nil {
		d.closeController(cfg.Sync.ShutdownTimeoutDuration())
		return err
	}

	d.sched.Start()

	d.logger.Info("watch started",
		slog.String("backend", cfg.Backend.URL),
		slog.String("schedule", cfg.Sync.Schedule),
		slog.Int("pending", d.ctl.State().PendingCount),
	)

	reloads := make(chan struct{}, 1)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.watchConfigFile(gctx, reloads)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sighup:
				d.logger.Info("SIGHUP received, reloading config")
				d.reload()
			case <-reloads:
				d.logger.Info("config file changed, reloading")
				d.reload()
			}
		}
	})

	err := g.Wait()

	<-d.sched.Stop().Done()
	d.closeController(d.holder.Config().Sync.ShutdownTimeoutDuration())

	d.logger.Info("watch stopped")

	return err
}

// schedule replaces the cron entry with expr. An empty expr disables
// scheduled passes.
func (d *daemon) schedule(expr string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.entryID != 0 {
		d.sched.Remove(d.entryID)
		d.entryID = 0
	}

	if expr == "" {
		return nil
	}

	id, err := d.sched.AddFunc(expr, func() {
		if err := d.ctl.Sync(d.syncCtx); err != nil {
			d.logger.Warn("scheduled sync failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sync %q: %w", expr, err)
	}

	d.entryID = id

	return nil
}

// reload resolves the config again and applies what can change at runtime.
// An invalid file keeps the running config.
func (d *daemon) reload() {
	cfg, err := d.resolve()
	if err != nil {
		d.logger.Warn("config reload failed, keeping current config",
			slog.String("error", err.Error()),
		)

		return
	}

	old := d.holder.Update(cfg)

	if old.Sync.ForceOffline != cfg.Sync.ForceOffline {
		d.ctl.SetForceOffline(cfg.Sync.ForceOffline)
	}

	if old.Sync.Schedule != cfg.Sync.Schedule && d.sched != nil {
		if err := d.schedule(cfg.Sync.Schedule); err != nil {
			d.logger.Warn("keeping previous schedule", slog.String("error", err.Error()))
		}
	}

	for _, key := range restartRequired(old, cfg) {
		d.logger.Warn("config change needs a restart of watch to take effect",
			slog.String("key", key),
		)
	}

	d.logger.Info("config reloaded",
		slog.Bool("force_offline", cfg.Sync.ForceOffline),
		slog.String("schedule", cfg.Sync.Schedule),
	)
}

// restartRequired lists the changed settings that are bound when watch
// starts.
func restartRequired(old, cfg *config.Config) []string {
	var keys []string

	check := func(key string, changed bool) {
		if changed {
			keys = append(keys, key)
		}
	}

	check("backend.url", old.Backend.URL != cfg.Backend.URL)
	check("backend.api_key", old.Backend.APIKey != cfg.Backend.APIKey)
	check("sync.max_retries", old.Sync.MaxRetries != cfg.Sync.MaxRetries)
	check("sync.pass_timeout", old.Sync.PassTimeout != cfg.Sync.PassTimeout)
	check("sync.auto_sync", old.Sync.AutoSync != cfg.Sync.AutoSync)
	check("connectivity", old.Connectivity != cfg.Connectivity)
	check("storage.db_path", old.Storage.DBPath != cfg.Storage.DBPath)

	return keys
}

// watchConfigFile signals reloads when the config file is written, created
// or renamed over. The parent directory is watched so that editors which
// replace the file are noticed. Watch failures leave SIGHUP as the only
// reload trigger.
func (d *daemon) watchConfigFile(ctx context.Context, reloads chan<- struct{}) error {
	path := d.holder.Path()
	dir := filepath.Dir(path)

	if _, err := os.Stat(dir); err != nil {
		d.logger.Debug("config directory missing, not watching", slog.String("dir", dir))
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Warn("config file watching unavailable, use SIGHUP to reload",
			slog.String("error", err.Error()),
		)

		return nil
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		d.logger.Warn("config file watching unavailable, use SIGHUP to reload",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)

		return nil
	}

	debounce := time.NewTimer(configDebounce)
	debounce.Stop()

	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}

			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				debounce.Reset(configDebounce)
			}

		case <-debounce.C:
			select {
			case reloads <- struct{}{}:
			default:
			}

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			d.logger.Warn("config watcher error", slog.String("error", werr.Error()))
		}
	}
}

// closeController closes the controller, giving up after timeout.
func (d *daemon) closeController(timeout time.Duration) {
	done := make(chan error, 1)

	go func() {
		done <- d.ctl.Close()
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("closing sync controller", slog.String("error", err.Error()))
		}
	case <-time.After(timeout):
		d.logger.Warn("sync controller did not stop in time", slog.Duration("timeout", timeout))
	}
}

func (d *daemon) logState(s syncctl.State) {
	attrs := []any{
		slog.Bool("online", s.IsOnline),
		slog.Bool("syncing", s.IsSyncing),
		slog.Int("pending", s.PendingCount),
	}

	if s.SyncError != nil {
		attrs = append(attrs, slog.String("sync_error", s.SyncError.Error()))
	}

	d.logger.Debug("sync state", attrs...)
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Warn("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
