package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/config"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop syncing until resumed",
		Long: `Set sync.force_offline in the config file so no sync pass runs and changes
stay queued. If a watch daemon is running it receives a SIGHUP to pick up
the change.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setForceOffline(mustCLIContext(cmd), true)
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume syncing after pause",
		Long: `Clear sync.force_offline in the config file. A running watch daemon reloads
and starts a pass if operations are queued and the backend is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return setForceOffline(mustCLIContext(cmd), false)
		},
	}
}

func setForceOffline(cc *CLIContext, offline bool) error {
	if err := config.SetKey(cc.CfgPath, "sync", "force_offline", strconv.FormatBool(offline)); err != nil {
		return err
	}

	cc.Logger.Info("updated config", "path", cc.CfgPath, "sync.force_offline", offline)

	if offline {
		cc.Statusf("Syncing paused.\n")
	} else {
		cc.Statusf("Syncing resumed.\n")
	}

	notifyDaemon(cc)

	return nil
}

// notifyDaemon asks a running watch daemon to reload. Having no daemon is
// not an error.
func notifyDaemon(cc *CLIContext) {
	if _, err := sendSIGHUP(config.PIDFilePath()); err != nil {
		cc.Statusf("Note: %v; the change applies when watch next starts.\n", err)
		return
	}

	cc.Statusf("Notified the running daemon.\n")
}
