package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard queued operations and cached rows",
		Long: `Remove every queued operation and every cached entity list, as on logout or
account deletion. Unsynced changes are lost.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			if !yes {
				return fmt.Errorf("refusing to discard local data without --yes")
			}

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			pending, err := a.queue.PendingCount(ctx)
			if err != nil {
				return err
			}

			if err := a.queue.Clear(ctx); err != nil {
				return err
			}

			cached, err := a.cache.Clear(ctx)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, map[string]int{"operations": pending, "cacheEntries": cached})
			}

			cc.Statusf("Discarded %d queued operation(s) and %d cache entr(ies).\n", pending, cached)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding local data")

	return cmd
}
