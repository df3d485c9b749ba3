package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/discovery"
	"github.com/platformbuilds/mirador-session/internal/security/cabundle"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// nodeStore is the replication store of a node plus the resources that only
// live as long as the store does.
type nodeStore struct {
	cache.Store
	bundle *cabundle.Manager
}

func (s *nodeStore) Unwrap() cache.Store { return s.Store }

func (s *nodeStore) Close() error {
	err := s.Store.Close()
	if s.bundle != nil {
		err = multierr.Append(err, s.bundle.Close())
	}
	return err
}

// buildStore assembles the replication store: backend, retries and metrics,
// behind an in-memory fallback when auto_swap is on. onSwap runs once the
// real backend takes over from the fallback.
func buildStore(cfg *config.Config, log logger.Logger, onSwap func()) (cache.Store, error) {
	if cfg.Store.Backend == config.BackendMemory {
		mem := cache.NewMemory(cache.WithMemoryLogger(log))
		if interval := cfg.GetSweepInterval(); interval > 0 {
			mem.StartCleanupRoutine(interval)
		}
		return &nodeStore{Store: cache.Instrument(mem, cfg.Store.Backend)}, nil
	}

	var bundle *cabundle.Manager
	if cfg.Store.Backend == config.BackendValkey && cfg.Store.Valkey.TLS.Enabled {
		b, err := cabundle.NewManager(cfg.Store.Valkey.TLS.CAFile, log, nil)
		if err != nil {
			return nil, err
		}
		bundle = b
	}

	dial := func(ctx context.Context) (cache.Store, error) {
		backend, err := openBackend(ctx, cfg, bundle, log)
		if err != nil {
			return nil, err
		}
		return cache.Instrument(cache.WithRetry(backend, log, cfg.RetryConfig()), cfg.Store.Backend), nil
	}

	if !cfg.Store.AutoSwap {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := dial(ctx)
		if err != nil {
			if bundle != nil {
				err = multierr.Append(err, bundle.Close())
			}
			return nil, err
		}
		return &nodeStore{Store: store, bundle: bundle}, nil
	}

	fallback := cache.NewMemory(cache.WithMemoryLogger(log))
	swap := cache.NewAutoSwap(fallback, dial, log, cache.AutoSwapOptions{
		OnSwap: func(cache.Store) {
			if onSwap != nil {
				onSwap()
			}
		},
	})
	return &nodeStore{Store: cache.Instrument(swap, cfg.Store.Backend), bundle: bundle}, nil
}

func openBackend(ctx context.Context, cfg *config.Config, bundle *cabundle.Manager, log logger.Logger) (cache.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendValkey:
		vc, err := valkeyConfig(ctx, cfg, bundle, nil)
		if err != nil {
			return nil, err
		}
		return cache.NewValkey(vc, log)
	case config.BackendPostgres:
		return cache.OpenPostgres(ctx, cfg.PostgresConfig(), log)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// valkeyConfig resolves the node list on every dial so a reconnect after a
// failover sees the current members.
func valkeyConfig(ctx context.Context, cfg *config.Config, bundle *cabundle.Manager, resolver discovery.Resolver) (cache.ValkeyConfig, error) {
	vc := cfg.ValkeyConfig()
	if d := cfg.Store.Valkey.Discovery; d.Enabled {
		nodes, err := discovery.ResolveEndpoints(ctx, discovery.DNSConfig{
			Service: d.Service,
			Port:    d.Port,
			UseSRV:  d.UseSRV,
		}, resolver)
		if err != nil {
			return cache.ValkeyConfig{}, fmt.Errorf("%w: %w", cache.ErrUnavailable, err)
		}
		vc.Addrs = nodes
	}
	if t := cfg.Store.Valkey.TLS; t.Enabled && bundle != nil {
		vc.TLS = bundle.TLSConfig(t.ServerName, t.InsecureSkipVerify)
	}
	return vc, nil
}
