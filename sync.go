package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/syncctl"
)

// onlineWaitTimeout bounds how long a one-shot sync waits for a probe that
// connects asynchronously.
const onlineWaitTimeout = 5 * time.Second

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay queued operations against the backend",
		Long: `Run one sync pass: every queued operation is sent to the backend in queue
order. Succeeded operations are removed, failed ones are retried on the next
pass until max_retries is reached, and rejected ones are dropped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := shutdownContext(cmd.Context(), cc.Logger)

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			return runSyncPass(ctx, cc, a)
		},
	}
}

// runSyncPass starts a controller without auto sync, runs one pass and
// reports the result.
func runSyncPass(ctx context.Context, cc *CLIContext, a *app) error {
	ctl, err := a.newController(cc.Cfg, false)
	if err != nil {
		return err
	}

	if err := ctl.Start(ctx); err != nil {
		return err
	}
	defer ctl.Close()

	if !cc.Cfg.Sync.ForceOffline {
		waitOnline(ctx, ctl, onlineWaitTimeout)
	}

	res, syncErr := ctl.TriggerSync(ctx)

	var se *syncctl.SyncError
	if syncErr != nil && !errors.As(syncErr, &se) {
		return syncErr
	}

	if cc.Flags.JSON {
		if err := printJSON(cc.Out, syncReport{Result: res, State: ctl.State()}); err != nil {
			return err
		}
	} else {
		printSyncResult(cc, res, se, ctl.State().PendingCount)
	}

	if se != nil {
		if se.Kind == syncctl.KindFailedOperations {
			return fmt.Errorf("%w: %s", errSyncIncomplete, se.Message)
		}

		return se
	}

	return nil
}

// syncReport is the --json output of sync.
type syncReport struct {
	Result syncctl.Result `json:"result"`
	State  syncctl.State  `json:"state"`
}

func printSyncResult(cc *CLIContext, res syncctl.Result, se *syncctl.SyncError, pending int) {
	switch {
	case res.Skipped == syncctl.SkipOffline:
		cc.Statusf("Backend unreachable; %d operation(s) stay queued.\n", pending)
	case res.Skipped != syncctl.SkipNone:
		cc.Statusf("Sync skipped: %s.\n", res.Skipped)
	case res.SuccessCount == 0 && res.FailedCount == 0 && se == nil:
		cc.Statusf("Nothing to sync.\n")
	default:
		cc.Statusf("Synced %d, failed %d, %d still queued (%s).\n",
			res.SuccessCount, res.FailedCount, pending, res.Duration.Round(time.Millisecond))
	}

	if se != nil && se.Kind == syncctl.KindFailedOperations {
		cc.Statusf("%s\n", se.Message)
	}
}
