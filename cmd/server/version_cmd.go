package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/config"
)

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the mirador-session version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if short {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), config.ServiceVersion)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (api %s)\n", config.ServiceName, config.ServiceVersion, config.APIVersion)
			return err
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print only the version")
	return cmd
}
