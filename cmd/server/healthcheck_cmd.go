package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/grpc/clients"
	grpcserver "github.com/platformbuilds/mirador-session/internal/grpc/server"
)

const servingStatus = "SERVING"

// newHealthcheckCommand probes a node over gRPC health. It exits non-zero
// unless the node reports SERVING, which makes it usable as a container probe.
func newHealthcheckCommand() *cobra.Command {
	var endpoint string
	var service string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the gRPC health of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			client, err := clients.NewHealthClient(endpoint, nil)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			status, err := client.Check(ctx, service)
			if err != nil {
				return fmt.Errorf("health check against %s failed: %w", endpoint, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != servingStatus {
				return fmt.Errorf("node %s is %s", endpoint, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", fmt.Sprintf("localhost:%d", config.DefaultGRPCPort), "gRPC endpoint of the node")
	cmd.Flags().StringVar(&service, "service", grpcserver.ReplicationService, "health service name; empty checks the node as a whole")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "probe timeout")
	return cmd
}
