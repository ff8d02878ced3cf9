package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/autolog/internal/config"
)

// redacted replaces secrets in config show output.
const redacted = "(set)"

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration after all overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			cfg := redactConfig(cc.Cfg)

			if cc.Flags.JSON {
				return printJSON(cc.Out, cfg)
			}

			if err := toml.NewEncoder(cc.Out).Encode(cfg); err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}

			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)
			fmt.Fprintln(cc.Out, cc.CfgPath)

			return nil
		},
	}
}

// redactConfig returns a copy of cfg with the API key hidden.
func redactConfig(cfg *config.Config) config.Config {
	out := *cfg
	if out.Backend.APIKey != "" {
		out.Backend.APIKey = redacted
	}

	return out
}
