// Package server exposes the standard gRPC health service of a node. The
// overall status follows store reachability; the replication service also
// turns NOT_SERVING while the store runs on its in-memory fallback.
package server

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// ReplicationService is the service name reported for cluster replication.
const ReplicationService = "mirador.session.v1.Replication"

const (
	defaultProbeInterval = 5 * time.Second
	probeTimeout         = 2 * time.Second
)

type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	store    cache.Store
	logger   logger.Logger
	interval time.Duration
}

// New builds the server; interval <= 0 uses the default probe interval.
func New(store cache.Store, log logger.Logger, interval time.Duration) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		store:    store,
		logger:   log,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(ReplicationService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve probes the store and serves lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.probe(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gRPC health server starting", "addr", lis.Addr().String())
		errCh <- s.grpc.Serve(lis)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		err = <-errCh
	case err = <-errCh:
	}
	<-done
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	overall := healthpb.HealthCheckResponse_SERVING
	replication := healthpb.HealthCheckResponse_SERVING
	if err := s.store.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Store health probe failed", "error", err)
		overall = healthpb.HealthCheckResponse_NOT_SERVING
		replication = healthpb.HealthCheckResponse_NOT_SERVING
	} else if cache.IsDegraded(s.store) {
		replication = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	s.health.SetServingStatus(ReplicationService, replication)
}
