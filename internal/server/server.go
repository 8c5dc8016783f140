// Package server exposes the HTTP surface: provider webhook endpoints, the
// connection management API, and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wbe7/openrag/internal/database"
	"github.com/wbe7/openrag/internal/services"
	"github.com/wbe7/openrag/pkg/config"
	"github.com/wbe7/openrag/pkg/health"
	"github.com/wbe7/openrag/pkg/logger"
	syncpkg "github.com/wbe7/openrag/pkg/sync"
)

// Server is the HTTP server.
type Server struct {
	config       *config.ServerConfig
	db           *database.Database
	connections  *services.ConnectionService
	oauth        *services.OAuthFlow
	webhooks     *syncpkg.WebhookManager
	orchestrator *syncpkg.Orchestrator
	health       *health.Aggregator
	logger       *logger.Logger

	engine         *gin.Engine
	httpServer     *http.Server
	pendingConfigs sync.Map
}

// New creates the HTTP server and registers all routes.
func New(cfg *config.ServerConfig, db *database.Database, connections *services.ConnectionService, oauth *services.OAuthFlow, webhooks *syncpkg.WebhookManager, orchestrator *syncpkg.Orchestrator, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	checks := health.NewAggregator("openrag-connectors", 10*time.Second)
	checks.Add(health.DatabaseChecker(db.Ping))

	s := &Server{
		config:       cfg,
		db:           db,
		connections:  connections,
		oauth:        oauth,
		webhooks:     webhooks,
		orchestrator: orchestrator,
		health:       checks,
		logger:       log.WithField("component", "http_server"),
		engine:       engine,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.liveness)
	s.engine.GET("/readyz", s.readiness)

	// Providers validate subscriptions with GET (Drive handshake is
	// header-only POST, Graph sends POST with validationToken), so both
	// verbs land on the same handler.
	s.engine.GET("/webhooks/:connector", s.handleWebhook)
	s.engine.POST("/webhooks/:connector", s.handleWebhook)

	api := s.engine.Group("/api/v1")
	{
		// gin requires a single wildcard name per path segment, so the
		// auth route shares ":id" with the sync/delete routes even though
		// it carries a connector type.
		api.POST("/connections/:id/auth", s.beginAuth)
		api.GET("/oauth/callback", s.completeAuth)
		api.GET("/connections", s.listConnections)
		api.POST("/connections/:id/sync", s.triggerSync)
		api.DELETE("/connections/:id", s.disconnect)
	}
}

// Start begins serving. It returns once the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Engine exposes the router, used by tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readiness(c *gin.Context) {
	report := s.health.Check(c.Request.Context())
	c.JSON(report.HTTPStatus(), report)
}
