// Package server is the HTTP control plane: a thin gin layer translating
// requests into store, queue, and pipeline operations, with x-api-key
// authentication and domain-error status mapping.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	domainerr "openskelo/internal/errors"
	"openskelo/internal/logging"
	"openskelo/internal/metrics"
	"openskelo/internal/store"
	"openskelo/internal/task"
	"openskelo/internal/webhook"
)

// Config holds the listener and behavior knobs.
type Config struct {
	Host   string
	Port   int
	APIKey string
	Debug  bool

	// LeaseTTL is applied to claims and heartbeats made through the API.
	LeaseTTL time.Duration

	// OnTransition fires after any successful API-driven transition, with
	// the task in its new state. Expansion, auto-review, and webhooks hang
	// off it.
	OnTransition func(ctx context.Context, t *task.Task)
}

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	store      *store.Store
	notifier   *webhook.Notifier
	config     Config
	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
}

// New builds the server and registers every route.
func New(s *store.Store, notifier *webhook.Notifier, m *metrics.Metrics, cfg Config, logger logging.Logger) *Server {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "x-api-key"}
	engine.Use(cors.New(corsConfig))

	srv := &Server{
		store:    s,
		notifier: notifier,
		config:   cfg,
		engine:   engine,
		logger:   logging.OrNop(logger),
	}

	// Unauthenticated surface.
	engine.GET("/health", srv.handleHealth)
	engine.GET("/dashboard", srv.handleDashboard)
	if m != nil {
		engine.GET("/metrics", gin.WrapH(m.Handler()))
	}

	authed := engine.Group("/", srv.requireAPIKey())
	srv.registerTaskRoutes(authed)
	srv.registerPipelineRoutes(authed)
	srv.registerTemplateRoutes(authed)
	authed.GET("/audit", srv.handleAudit)

	return srv
}

// Start listens until ctx is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requireAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.APIKey != "" && c.GetHeader("x-api-key") != s.config.APIKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// mapError translates domain errors into the documented status codes.
func (s *Server) mapError(c *gin.Context, err error) {
	switch {
	case domainerr.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case domainerr.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case domainerr.IsTransition(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("internal error on %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) afterTransition(ctx context.Context, t *task.Task) {
	if s.config.OnTransition != nil {
		s.config.OnTransition(ctx, t)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	counts, err := s.store.StatusCounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store unavailable"})
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "counts": byStatus})
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!doctype html><title>openskelo</title><h1>openskelo</h1><p>See /health and /metrics.</p>")
}

func (s *Server) handleAudit(c *gin.Context) {
	var filter store.AuditFilter
	filter.TaskID = c.Query("task_id")
	filter.Limit = intQuery(c, "limit", 100)
	filter.Offset = intQuery(c, "offset", 0)
	entries, err := s.store.GetLog(c.Request.Context(), filter)
	if err != nil {
		s.mapError(c, err)
		return
	}
	if entries == nil {
		entries = []task.AuditEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return fallback
	}
	return n
}
