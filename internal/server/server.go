// Package server exposes the WebSocket endpoint and the admin API over gin
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/amoylab/cfgstream/internal/broadcast"
	"github.com/amoylab/cfgstream/internal/common/config"
	"github.com/amoylab/cfgstream/internal/history"
	"github.com/amoylab/cfgstream/internal/notifier"
	"github.com/amoylab/cfgstream/internal/session"
	"github.com/amoylab/cfgstream/internal/source"
	"github.com/amoylab/cfgstream/internal/subscription"
	"github.com/amoylab/cfgstream/pkg/metrics"
)

// Deps are the components the server routes requests to
type Deps struct {
	Registry    *subscription.Registry
	History     *history.History
	Broadcaster *broadcast.Broadcaster
	Source      source.ConfigSource
	Pump        *notifier.Pump
	// Metrics may be nil when metrics are disabled
	Metrics *metrics.Metrics
}

// Server represents the config stream server
type Server struct {
	logger     *zap.Logger
	cfg        *config.Config
	deps       Deps
	router     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader

	// sessionCtx is cancelled when shutdown starts; every session watches it
	sessionCtx     context.Context
	cancelSessions context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// New creates the server and registers its routes
func New(logger *zap.Logger, cfg *config.Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger: logger.Named("server"),
		cfg:    cfg,
		deps:   deps,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// clients are services, not browsers
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
		sessionCtx:     ctx,
		cancelSessions: cancel,
	}
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: s.router,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggerMiddleware())
	s.router.Use(s.recoveryMiddleware())
	if s.cfg.Tracing.Enabled {
		s.router.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	}
	if s.deps.Metrics != nil {
		s.router.Use(s.deps.Metrics.Middleware())
		s.router.GET(s.cfg.Metrics.Path, gin.WrapH(s.deps.Metrics.Handler()))
	}

	s.router.GET("/health_check", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Health check passed.",
		})
	})

	s.router.GET("/ws/:app/:profile", s.handleWebSocket)

	api := s.router.Group("/api")
	api.GET("/connections", s.handleConnections)
	api.GET("/stats", s.handleStats)
	api.GET("/history/:app/:profile", s.handleHistory)
	api.GET("/configs/:app/:profile", s.handleGetConfig)
	api.POST("/configs/:app/:profile", s.handlePublish)
}

// Handler returns the HTTP handler, mostly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown tells every session to close, waits up to the configured grace
// period for them and then stops the HTTP listener
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.Shutdown.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
		s.logger.Info("all sessions closed")
	case <-grace.C:
		s.logger.Warn("sessions still open after grace period",
			zap.Int("connections", s.deps.Registry.Count()))
	case <-ctx.Done():
	}

	return s.httpServer.Shutdown(ctx)
}

// trackSession reserves a slot for a new session, or reports that the
// server is shutting down
func (s *Server) trackSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) sessionDeps() session.Deps {
	return session.Deps{
		Logger:    s.logger,
		Registry:  s.deps.Registry,
		History:   s.deps.History,
		Source:    s.deps.Source,
		Metrics:   s.deps.Metrics,
		Config:    s.cfg.Session,
		Heartbeat: s.cfg.Heartbeat,
	}
}
