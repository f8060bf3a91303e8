package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"agentlog/internal/api/handlers"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// Server represents the HTTP server
type Server struct {
	router *gin.Engine
	server *http.Server
	logger *pterm.Logger
}

// Config holds server configuration
type Config struct {
	Host       string
	Port       int
	Production bool
}

// Handlers groups the route handlers. Dashboard is nil with the memory
// backend, which has no SQL stats.
type Handlers struct {
	Status    *handlers.StatusHandler
	Logs      *handlers.LogsHandler
	Analytics *handlers.AnalyticsHandler
	Sources   *handlers.SourcesHandler
	Realtime  *handlers.RealtimeHandler
	Dashboard *handlers.DashboardHandler
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config, h Handlers, logger *pterm.Logger) *Server {
	// Set Gin mode
	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Middleware
	router.Use(requestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", h.Status.Health)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.Status.GetStatus)

		// Log queries
		api.GET("/logs", h.Logs.GetLogs)
		api.GET("/logs/count", h.Logs.CountLogs)
		api.GET("/logs/aggregate", h.Logs.AggregateLogs)

		// Analytics snapshots
		api.GET("/analytics/summary", h.Analytics.GetSummary)
		api.GET("/analytics/metrics", h.Analytics.GetMetrics)
		api.GET("/analytics/agents", h.Analytics.GetAgentHealth)
		api.GET("/analytics/patterns", h.Analytics.GetPatterns)
		api.GET("/analytics/patterns/enhanced", h.Analytics.GetEnhancedPatterns)
		api.GET("/analytics/clusters", h.Analytics.GetClusters)
		api.GET("/analytics/sequences", h.Analytics.GetSequences)
		api.GET("/analytics/anomalies", h.Analytics.GetAnomalies)
		api.GET("/analytics/runs", h.Analytics.GetRuns)
		api.POST("/analytics/runs/:name", h.Analytics.TriggerRun)

		// Alerts
		api.GET("/alerts", h.Analytics.ListAlerts)
		api.POST("/alerts/:id/acknowledge", h.Analytics.AcknowledgeAlert)
		api.POST("/alerts/:id/resolve", h.Analytics.ResolveAlert)

		// Source registry
		api.GET("/sources", h.Sources.ListSources)
		api.GET("/sources/:id", h.Sources.GetSource)
		api.POST("/sources", h.Sources.AddSource)
		api.DELETE("/sources/:id", h.Sources.RemoveSource)

		// Real-time
		api.GET("/stream", h.Realtime.StreamLogs)
		api.GET("/realtime/metrics", h.Realtime.GetCurrentMetrics)
		api.GET("/realtime/agents", h.Realtime.GetPerAgentMetrics)

		if h.Dashboard != nil {
			api.GET("/stats/summary", h.Dashboard.GetSummary)
			api.GET("/stats/timeline", h.Dashboard.GetTimeline)
			api.GET("/stats/heatmap", h.Dashboard.GetActivityHeatmap)
			api.GET("/stats/agents", h.Dashboard.GetAgentStats)
			api.GET("/stats/top/sessions", h.Dashboard.GetTopSessions)
			api.GET("/stats/top/sources", h.Dashboard.GetTopSources)
		} else {
			logger.Info("SQL stats routes disabled with the memory backend")
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		router: router,
		server: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       10 * time.Second,
			// No write timeout: /stream responses stay open for the client's lifetime.
			MaxHeaderBytes: 1 << 20,
		},
		logger: logger,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run starts the HTTP server
func (s *Server) Run() error {
	s.logger.Info("Starting web server", s.logger.Args("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.WithCaller().Error("Web server failed", s.logger.Args("error", err))
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down web server...")
	return s.server.Shutdown(ctx)
}

// requestLogger logs every request through pterm; 5xx at warn.
func requestLogger(logger *pterm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := logger.Args(
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
			"client_ip", c.ClientIP(),
		)
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request failed", args)
			return
		}
		logger.Trace("HTTP request", args)
	}
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
