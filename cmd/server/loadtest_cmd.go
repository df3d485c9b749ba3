package main

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/internal/utils/loadtest"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// newLoadtestCommand runs a synthetic workload through an in-process manager
// on the configured store. Pointing several runs at one store exercises
// cross-node replication.
func newLoadtestCommand() *cobra.Command {
	var duration time.Duration
	var workers int
	var payload string
	var mix string
	var think time.Duration

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Drive synthetic session traffic against the configured replication store",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ops, err := loadtest.ParseMix(mix)
			if err != nil {
				return err
			}
			payloadBytes, err := humanize.ParseBytes(payload)
			if err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			log := logger.New(cfg.LogLevel)

			store, err := buildStore(cfg, log, nil)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			managerCfg, err := cfg.ManagerConfig()
			if err != nil {
				return err
			}
			codec, err := cfg.Codec()
			if err != nil {
				return err
			}
			manager, err := session.NewManager(store, managerCfg, session.WithLogger(log), session.WithCodec(codec))
			if err != nil {
				return err
			}
			if err := manager.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
				defer cancel()
				err = multierr.Append(err, manager.Stop(stopCtx))
			}()

			tester, err := loadtest.NewLoadTester(&loadtest.LoadTestConfig{
				Duration:          duration,
				ConcurrentWorkers: workers,
				Operations:        ops,
				PayloadBytes:      int(payloadBytes),
				ThinkTime:         think,
			}, manager, log)
			if err != nil {
				return err
			}
			results, err := tester.RunLoadTest(cmd.Context())
			if err != nil {
				return err
			}
			return renderLoadtest(cmd, results, manager.Statistics(), payloadBytes)
		},
	}
	cmd.Flags().String("profile", "", "apply a named tuning profile before running")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to generate traffic")
	cmd.Flags().IntVar(&workers, "workers", 8, "concurrent simulated clients")
	cmd.Flags().StringVar(&payload, "payload", "256B", "size of written attribute values (e.g. 512B, 4KiB)")
	cmd.Flags().StringVar(&mix, "mix", "", "operation weights, e.g. create=10,set=35,get=45,remove=5,invalidate=5")
	cmd.Flags().DurationVar(&think, "think", 0, "pause between two requests of one client")
	return cmd
}

func renderLoadtest(cmd *cobra.Command, r *loadtest.LoadTestResult, stats session.Statistics, payload uint64) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "duration\t%s\n", r.TotalDuration.Round(time.Millisecond))
	fmt.Fprintf(tw, "payload\t%s\n", humanize.IBytes(payload))
	fmt.Fprintf(tw, "operations\t%s (%s failed)\n", humanize.Comma(r.TotalOperations), humanize.Comma(r.FailedOperations))
	fmt.Fprintf(tw, "throughput\t%s ops/s\n", humanize.Comma(int64(r.OPS)))
	fmt.Fprintf(tw, "latency avg/p95/p99\t%s / %s / %s\n", r.AvgOperationTime, r.P95OperationTime, r.P99OperationTime)
	fmt.Fprintf(tw, "sessions created\t%s\n", humanize.Comma(r.SessionsCreated))
	fmt.Fprintf(tw, "replications\t%s (%s failed, %s conflicts)\n",
		humanize.Comma(stats.Replications), humanize.Comma(stats.ReplicationFailures), humanize.Comma(stats.VersionConflicts))

	ops := make([]string, 0, len(r.ByOperation))
	for op := range r.ByOperation {
		ops = append(ops, string(op))
	}
	sort.Strings(ops)
	for _, op := range ops {
		fmt.Fprintf(tw, "  %s\t%s\n", op, humanize.Comma(r.ByOperation[loadtest.Operation(op)]))
	}
	for _, e := range r.Errors {
		fmt.Fprintf(tw, "error\t%v\n", e)
	}
	return tw.Flush()
}
