package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/offline"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued operations",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRemoveCmd())
	cmd.AddCommand(newQueueClearCmd())
	cmd.AddCommand(newQueueRemapCmd())

	return cmd
}

func newQueueListCmd() *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued operations in sync order",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			var ops []offline.Operation

			if typeFilter != "" {
				entityType, err := offline.ParseEntityType(typeFilter)
				if err != nil {
					return err
				}

				ops, err = a.queue.ByEntityType(ctx, entityType)
				if err != nil {
					return err
				}
			} else {
				ops, err = a.queue.Operations(ctx)
				if err != nil {
					return err
				}
			}

			if cc.Flags.JSON {
				if ops == nil {
					ops = []offline.Operation{}
				}

				return printJSON(cc.Out, ops)
			}

			if len(ops) == 0 {
				cc.Statusf("Queue is empty.\n")
				return nil
			}

			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				rows = append(rows, []string{
					op.ID,
					string(op.EntityType),
					string(op.Type),
					op.EntityID,
					strconv.Itoa(op.RetryCount),
					formatTime(op.Timestamp),
				})
			}

			printTable(cc.Out, []string{"ID", "TYPE", "OP", "ENTITY", "RETRIES", "MODIFIED"}, rows)

			return nil
		},
	}

	cmd.Flags().StringVar(&typeFilter, "type", "", "only show operations for this entity type")

	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <operation-id>...",
		Aliases: []string{"remove"},
		Short:   "Drop queued operations without syncing them",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.queue.Dequeue(ctx, id); err != nil {
					return err
				}
			}

			cc.Statusf("Removed %d operation(s).\n", len(args))

			return nil
		},
	}
}

func newQueueClearCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every queued operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			if !yes {
				return fmt.Errorf("refusing to discard unsynced changes without --yes")
			}

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.PendingCount(ctx)
			if err != nil {
				return err
			}

			if err := a.queue.Clear(ctx); err != nil {
				return err
			}

			cc.Statusf("Discarded %d queued operation(s).\n", n)

			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding unsynced changes")

	return cmd
}

func newQueueRemapCmd() *cobra.Command {
	var typeName string

	cmd := &cobra.Command{
		Use:   "remap <old-id> <new-id>",
		Short: "Point queued operations at a new entity ID",
		Long: `Rewrite the entity ID of queued operations of --type from old-id to new-id,
and rewrite every reference field (vehicle_id) holding old-id in operations
of any type. Normally done automatically when a create syncs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			entityType, err := offline.ParseEntityType(typeName)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.UpdateEntityID(ctx, args[0], args[1], entityType)
			if err != nil {
				return err
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, map[string]int{"updated": n})
			}

			cc.Statusf("Updated %d operation(s).\n", n)

			return nil
		},
	}

	cmd.Flags().StringVar(&typeName, "type", "", "entity type of old-id (required)")
	cmd.MarkFlagRequired("type") //nolint:errcheck // flag defined above

	return cmd
}
