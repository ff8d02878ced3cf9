package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/offline"
)

func newEnqueueCmd() *cobra.Command {
	var (
		sets     []string
		dataJSON string
		syncNow  bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue <entity-type> <create|update|delete> [entity-id]",
		Short: "Queue a change for the next sync",
		Long: `Queue a create, update or delete against one entity. Changes to an entity
that is already queued are merged into the queued operation.

Entity types: vehicle, maintenance, expense, document, settings.
A create without an entity ID gets a temporary ID that is replaced by the
server's ID once the create syncs.`,
		Example: `  autolog enqueue vehicle create --set make=Volvo --set year=2019
  autolog enqueue maintenance create --set vehicle_id=temp_... --set mileage=42000
  autolog enqueue expense update 5f0c... --data '{"amount": 12.5}'
  autolog enqueue vehicle delete 9b1e...`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd)

			entityType, err := offline.ParseEntityType(args[0])
			if err != nil {
				return err
			}

			opType, err := offline.ParseOpType(args[1])
			if err != nil {
				return err
			}

			entityID := ""
			if len(args) == 3 {
				entityID = args[2]
			}

			if entityID == "" {
				if opType != offline.OpCreate {
					return fmt.Errorf("%s requires an entity ID", opType)
				}

				entityID = offline.NewTempID()
			}

			data, err := buildData(dataJSON, sets)
			if err != nil {
				return err
			}

			ctx := cmd.Context()

			a, err := openApp(ctx, cc)
			if err != nil {
				return err
			}
			defer a.Close()

			op, stored, err := a.queue.Enqueue(ctx, entityType, opType, entityID, data)
			if err != nil {
				return err
			}

			if err := printEnqueueResult(cc, op, stored, entityType, entityID); err != nil {
				return err
			}

			if !syncNow {
				return nil
			}

			return runSyncPass(ctx, cc, a)
		},
	}

	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable); values are parsed as JSON when possible")
	cmd.Flags().StringVar(&dataJSON, "data", "", "JSON object with the fields to write")
	cmd.Flags().BoolVar(&syncNow, "sync", false, "attempt a sync pass right after queueing")

	return cmd
}

func printEnqueueResult(cc *CLIContext, op offline.Operation, stored bool, entityType offline.EntityType, entityID string) error {
	if cc.Flags.JSON {
		if !stored {
			return printJSON(cc.Out, map[string]any{"cancelled": true, "entityType": entityType, "entityId": entityID})
		}

		return printJSON(cc.Out, op)
	}

	if !stored {
		cc.Statusf("Cancelled queued create of %s %s; nothing left to sync.\n", entityType, entityID)
		return nil
	}

	fmt.Fprintf(cc.Out, "%s %s %s (op %s)\n", op.Type, op.EntityType, op.EntityID, op.ID)

	return nil
}

// buildData merges a --data JSON object with --set pairs; --set wins.
func buildData(dataJSON string, sets []string) (map[string]any, error) {
	data := make(map[string]any)

	if dataJSON != "" {
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("--data: must be a JSON object: %w", err)
		}
	}

	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected field=value", kv)
		}

		data[key] = parseValue(raw)
	}

	if len(data) == 0 {
		return nil, nil
	}

	return data, nil
}

// parseValue decodes numbers, booleans, null and quoted strings as JSON and
// keeps anything else as a plain string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}

	switch v.(type) {
	case map[string]any, []any:
		// Nested values are kept verbatim; rows are flat.
		return raw
	}

	return v
}
