// Package api exposes the engine over HTTP: a JSON API under /api/v1 and a
// WebSocket event stream under /ws.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loomworks/loom/pkg/engine"
)

// Options tunes the HTTP server.
type Options struct {
	// AllowedWSOrigins are origin patterns accepted for WebSocket upgrades.
	// Empty means same-origin checks are skipped (development mode).
	AllowedWSOrigins []string
	// ReadTimeout bounds request header reads. Zero uses 10s.
	ReadTimeout time.Duration
}

// Server is the HTTP front of the engine.
type Server struct {
	eng    *engine.Engine
	opts   Options
	router *gin.Engine
	http   *http.Server
}

// NewServer creates a server and registers all routes.
func NewServer(eng *engine.Engine, opts Options) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{eng: eng, opts: opts, router: router}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/ws", s.handleWS)

	v1 := s.router.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	v1.POST("/sessions", s.handleCreateSession)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.DELETE("/sessions/:id", s.handleDeleteSession)
	v1.GET("/sessions/:id/runs", s.handleListRuns)

	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/pause", s.handlePauseRun)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
	v1.POST("/runs/:id/cancel", s.handleCancelRun)
	v1.POST("/runs/:id/approvals/:approval_id", s.handleApproval)
	v1.POST("/runs/:id/play-from", s.handlePlayFromNode)
	v1.GET("/runs/:id/events", s.handleRunEvents)
	v1.GET("/runs/:id/nodes/:node_id/events", s.handleNodeEvents)
	v1.GET("/runs/:id/resumable-nodes", s.handleResumableNodes)
	v1.GET("/runs/:id/files", s.handleRunFiles)
	v1.GET("/runs/:id/branches", s.handleRunBranches)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listener error. Blocking.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// handleHealth reports store reachability and how many runs this process is
// driving.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := s.eng.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "unhealthy",
			"store":     "unreachable",
			"live_runs": s.eng.LiveRunCount(),
			"error":     err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"store":     "ok",
		"live_runs": s.eng.LiveRunCount(),
	})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/api/v1/health" {
			return
		}
		slog.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}
