package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/mirador-session/internal/api"
	ws "github.com/platformbuilds/mirador-session/internal/api/websocket"
	"github.com/platformbuilds/mirador-session/internal/config"
	grpcserver "github.com/platformbuilds/mirador-session/internal/grpc/server"
	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/internal/tracing"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a session replication node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				configPath = os.Getenv("CONFIG_PATH")
			}
			return runNode(cmd.Context(), cfg, configPath)
		},
	}
	cmd.Flags().String("profile", "", "apply a named tuning profile on top of the loaded configuration")
	return cmd
}

// runNode starts every component of one node and blocks until ctx is done or
// a component fails.
func runNode(ctx context.Context, cfg *config.Config, configPath string) (err error) {
	log := logger.New(cfg.LogLevel)
	log.Info("Starting MIRADOR-SESSION",
		"version", config.ServiceVersion,
		"environment", cfg.Environment,
		"node_id", cfg.Node.ID,
		"backend", cfg.Store.Backend)

	if cfg.Tracing.Enabled {
		tp, terr := tracing.NewTracerProvider(ctx, config.ServiceName, config.ServiceVersion, cfg.Node.ID, cfg.Tracing.OTLPEndpoint)
		if terr != nil {
			return terr
		}
		tracing.InitGlobalTracer(config.ServiceName)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err = multierr.Append(err, tp.Shutdown(shutdownCtx))
		}()
		log.Info("Tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	var managerRef atomic.Pointer[session.Manager]
	store, err := buildStore(cfg, log, func() {
		if m := managerRef.Load(); m != nil {
			m.ResyncAll(context.Background())
		}
	})
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
	manager, err := session.NewManager(store, managerCfg,
		session.WithLogger(log),
		session.WithCodec(codec))
	if err != nil {
		return err
	}
	managerRef.Store(manager)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		err = multierr.Append(err, manager.Stop(stopCtx))
	}()

	hub := ws.NewHub(log)
	sub, err := store.Subscribe(hub.HandleEvent)
	if err != nil {
		return fmt.Errorf("subscribing event stream: %w", err)
	}
	defer func() { err = multierr.Append(err, sub.Close()) }()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return api.NewServer(cfg, log, store, manager, hub).Start(gctx)
	})
	g.Go(func() error {
		return grpcserver.New(store, log, 0).Serve(gctx, lis)
	})
	if configPath != "" {
		watcher := config.NewConfigWatcher(configPath, cfg, log)
		watcher.RegisterWatcher(func(next *config.Config) {
			applyReload(manager, log, next)
		})
		g.Go(func() error {
			if werr := watcher.Start(gctx); werr != nil && !errors.Is(werr, context.Canceled) {
				log.Warn("Configuration watcher stopped", "error", werr)
			}
			return nil
		})
	}

	err = g.Wait()
	log.Info("MIRADOR-SESSION shutdown complete")
	return err
}

// applyReload pushes the live-tunable part of a reloaded configuration into
// the running node. Structural settings need a restart.
func applyReload(manager *session.Manager, log logger.Logger, next *config.Config) {
	logger.SetLevel(log, next.LogLevel)
	policy, err := next.Policy()
	if err != nil {
		log.Warn("Ignoring reloaded session policy", "error", err)
		return
	}
	if err := manager.ApplyPolicy(policy); err != nil {
		log.Warn("Ignoring reloaded session policy", "error", err)
	}
}
