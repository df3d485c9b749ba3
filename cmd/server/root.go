package main

import (
	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/config"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mirador-session",
		Short:         "mirador-session replicates HTTP sessions across a cluster of nodes",
		SilenceErrors: true,
		Example: `
  # Single node, in-memory store (tests/dev only)
  mirador-session serve

  # Valkey-backed node with a fixed node id
  MIRADOR_SESSION_STORE_BACKEND=valkey VALKEY_NODES=valkey-0:6379,valkey-1:6379 NODE_ID=node-a mirador-session serve

  # Apply a tuning profile on top of the config file
  mirador-session serve --config /etc/mirador-session/config.yaml --profile high-throughput
`,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to $CONFIG_PATH or config.yaml on the search path)")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newHealthcheckCommand())
	cmd.AddCommand(newLoadtestCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfig loads the file named by --config and applies --profile when the
// command has one.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("profile"); f != nil && f.Value.String() != "" {
		if err := cfg.ApplyProfile(f.Value.String()); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
