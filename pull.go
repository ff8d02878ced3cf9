package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/backend"
	"github.com/tonimelisma/autolog/internal/offline"
)

func newPullCmd() *cobra.Command {
	var cachedOnly bool

	cmd := &cobra.Command{
		Use:   "pull [entity-type...]",
		Short: "Fetch entity lists from the backend into the local cache",
		Long: `Download the rows of the given entity types (all types when none are given)
and store them in the local cache for offline reads. With --cached, or when
the backend is unreachable, the cached copy is shown instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd)
			ctx := cmd.Context()

			types := offline.EntityTypes
			if len(args) > 0 {
				types = make([]offline.EntityType, 0, len(args))

				for _, arg := range args {
					et, err := offline.ParseEntityType(arg)
					if err != nil {
						return err
					}

					types = append(types, et)
				}
			}

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			var client *backend.Client

			if !cachedOnly && !cc.Cfg.Sync.ForceOffline {
				client, err = a.backendClient(cc.Cfg)
				if err != nil {
					return err
				}
			}

			out := make(map[offline.EntityType][]backend.Row, len(types))

			for _, et := range types {
				if client != nil {
					rows, err := client.List(ctx, et)
					if err == nil {
						if err := a.cache.Put(ctx, et, rows); err != nil {
							return err
						}

						out[et] = rows
						cc.Statusf("Fetched %d %s row(s).\n", len(rows), et)

						continue
					}

					cc.Logger.Warn("fetching rows failed, using cache",
						"entity_type", string(et),
						"error", err.Error(),
					)
				}

				var rows []backend.Row

				ok, err := a.cache.Get(ctx, et, &rows)
				if err != nil {
					return err
				}

				if !ok {
					cc.Statusf("No cached %s rows.\n", et)
					continue
				}

				out[et] = rows
				cc.Statusf("Using %d cached %s row(s).\n", len(rows), et)
			}

			if cc.Flags.JSON {
				return printJSON(cc.Out, out)
			}

			for _, et := range types {
				for _, row := range out[et] {
					fmt.Fprintf(cc.Out, "%s\t%v\n", et, row["id"])
				}
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&cachedOnly, "cached", false, "only read the local cache")

	return cmd
}
