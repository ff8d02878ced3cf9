package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/config"
	"github.com/tonimelisma/autolog/internal/offline"
)

// statusProbeTimeout bounds the reachability check done by status.
const statusProbeTimeout = 5 * time.Second

// statusReport is the data shown by status, in text or JSON.
type statusReport struct {
	Backend      string         `json:"backend"`
	Online       *bool          `json:"online,omitempty"`
	ForceOffline bool           `json:"forceOffline"`
	Pending      int            `json:"pending"`
	Retrying     int            `json:"retrying"`
	ByType       map[string]int `json:"byType"`
	Oldest       *time.Time     `json:"oldest,omitempty"`
	DaemonPID    int            `json:"daemonPid,omitempty"`
	Database     string         `json:"database"`
}

func newStatusCmd() *cobra.Command {
	var noProbe bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queued work and backend reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.queue.Operations(ctx)
			if err != nil {
				return err
			}

			report := buildStatusReport(cc.Cfg, ops)

			if !noProbe && !cc.Cfg.Sync.ForceOffline && cc.Cfg.RequireBackend() == nil {
				online := probeOnce(ctx, a, cc.Cfg)
				report.Online = &online
			}

			if pid, err := readPIDFile(config.PIDFilePath()); err == nil && processAlive(pid) {
				report.DaemonPID = pid
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, report)
			}

			printStatus(cc.Out, report)

			return nil
		},
	}

	cmd.Flags().BoolVar(&noProbe, "no-probe", false, "skip the backend reachability check")

	return cmd
}

func buildStatusReport(cfg *config.Config, ops []offline.Operation) statusReport {
	r := statusReport{
		Backend:      cfg.Backend.URL,
		ForceOffline: cfg.Sync.ForceOffline,
		Pending:      len(ops),
		ByType:       make(map[string]int),
		Database:     cfg.Storage.ResolvedDBPath(),
	}

	for _, op := range ops {
		r.ByType[string(op.EntityType)]++

		if op.RetryCount > 0 {
			r.Retrying++
		}

		if r.Oldest == nil || op.Timestamp.Before(*r.Oldest) {
			ts := op.Timestamp
			r.Oldest = &ts
		}
	}

	return r
}

// probeOnce initializes the configured probe, waits briefly for a verdict
// and shuts it down.
func probeOnce(ctx context.Context, a *app, cfg *config.Config) bool {
	probe, err := a.newProbe(cfg)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()

	verdict := make(chan bool, 1)
	unsubscribe := probe.Subscribe(func(online bool) {
		select {
		case verdict <- online:
		default:
		}
	})
	defer unsubscribe()

	if err := probe.Initialize(ctx); err != nil {
		return false
	}
	defer probe.Shutdown()

	if probe.Online() {
		return true
	}

	select {
	case online := <-verdict:
		return online
	case <-ctx.Done():
		return false
	}
}

func printStatus(w io.Writer, r statusReport) {
	backend := r.Backend
	if backend == "" {
		backend = "(not configured)"
	}

	fmt.Fprintf(w, "Backend:   %s\n", backend)

	switch {
	case r.ForceOffline:
		fmt.Fprintln(w, "Network:   forced offline")
	case r.Online == nil:
		fmt.Fprintln(w, "Network:   not checked")
	case *r.Online:
		fmt.Fprintln(w, "Network:   online")
	default:
		fmt.Fprintln(w, "Network:   offline")
	}

	fmt.Fprintf(w, "Pending:   %d", r.Pending)

	if r.Retrying > 0 {
		fmt.Fprintf(w, " (%d retrying)", r.Retrying)
	}

	fmt.Fprintln(w)

	for _, et := range offline.EntityTypes {
		if n := r.ByType[string(et)]; n > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", et, n)
		}
	}

	if r.Oldest != nil {
		fmt.Fprintf(w, "Oldest:    %s\n", formatTime(*r.Oldest))
	}

	if r.DaemonPID > 0 {
		fmt.Fprintf(w, "Daemon:    running (PID %d)\n", r.DaemonPID)
	} else {
		fmt.Fprintln(w, "Daemon:    not running")
	}

	fmt.Fprintf(w, "Database:  %s\n", r.Database)
}
