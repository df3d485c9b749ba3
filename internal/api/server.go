package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/platformbuilds/mirador-session/internal/api/handlers"
	"github.com/platformbuilds/mirador-session/internal/api/middleware"
	ws "github.com/platformbuilds/mirador-session/internal/api/websocket"
	"github.com/platformbuilds/mirador-session/internal/config"
	"github.com/platformbuilds/mirador-session/internal/monitoring"
	"github.com/platformbuilds/mirador-session/internal/session"
	"github.com/platformbuilds/mirador-session/pkg/cache"
	"github.com/platformbuilds/mirador-session/pkg/logger"
)

// Server is the management HTTP API of one node.
type Server struct {
	config     *config.Config
	logger     logger.Logger
	store      cache.Store
	manager    *session.Manager
	hub        *ws.Hub
	router     *gin.Engine
	httpServer *http.Server
}

func NewServer(
	cfg *config.Config,
	log logger.Logger,
	store cache.Store,
	manager *session.Manager,
	hub *ws.Hub,
) *Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	server := &Server{
		config:  cfg,
		logger:  log,
		store:   store,
		manager: manager,
		hub:     hub,
		router:  router,
	}

	server.setupMiddleware()
	server.setupRoutes()

	return server
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())

	s.router.Use(middleware.RequestLogger(s.logger))

	// Prometheus request metrics
	s.router.Use(monitoring.HTTPMetricsMiddleware())

	s.router.Use(middleware.ErrorHandler(s.logger))

	// Authentication (can be disabled via config.auth.enabled)
	if s.config.Auth.Enabled {
		s.router.Use(middleware.AuthMiddleware(s.config.Auth))
	} else {
		s.router.Use(middleware.NoAuthMiddleware())
		s.logger.Warn("Authentication is DISABLED by configuration; management API is open")
	}

	// Prometheus metrics endpoint
	monitoring.SetupPrometheusMetrics(s.router)
}

func (s *Server) setupRoutes() {
	healthHandler := handlers.NewHealthHandler(s.store, s.manager, s.logger)

	s.router.GET("/health", healthHandler.HealthCheck)
	s.router.GET("/ready", healthHandler.ReadinessCheck)

	v1 := s.router.Group("/api/" + config.APIVersion)
	v1.GET("/health", healthHandler.HealthCheck)
	v1.GET("/ready", healthHandler.ReadinessCheck)

	sessionHandler := handlers.NewSessionHandler(s.manager, s.logger)
	v1.GET("/sessions", sessionHandler.ListSessions)
	v1.GET("/sessions/:id", sessionHandler.GetSession)
	v1.DELETE("/sessions/:id", s.adminOnly(), sessionHandler.ExpireSession)
	v1.GET("/sessions/:id/last-accessed", sessionHandler.GetLastAccessed)
	v1.GET("/sessions/:id/attributes/:name", sessionHandler.GetAttribute)
	v1.GET("/stats", sessionHandler.GetStatistics)
	v1.POST("/stats/reset", s.adminOnly(), sessionHandler.ResetStatistics)
	v1.GET("/policy", sessionHandler.GetPolicy)
	v1.PUT("/policy", s.adminOnly(), sessionHandler.UpdatePolicy)

	if s.hub != nil {
		eventsHandler := handlers.NewEventsHandler(s.hub)
		v1.GET("/events", eventsHandler.Stream)
	}
}

// adminOnly guards mutating endpoints. Without authentication there are no
// roles to check.
func (s *Server) adminOnly() gin.HandlerFunc {
	if !s.config.Auth.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RBACMiddleware(s.config.Auth.AdminRoles, s.logger)
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("MIRADOR-SESSION management API starting", "port", s.config.Server.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
		s.logger.Info("Shutting down management API gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.GetShutdownTimeout())
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
