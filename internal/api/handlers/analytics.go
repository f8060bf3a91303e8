package handlers

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"agentlog/internal/analytics"
	"agentlog/internal/database/models"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// AnalyticsHandler serves the engine's latest snapshots and alert actions.
type AnalyticsHandler struct {
	engine *analytics.Engine
	logger *pterm.Logger
}

func NewAnalyticsHandler(engine *analytics.Engine, logger *pterm.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{
		engine: engine,
		logger: logger,
	}
}

func (h *AnalyticsHandler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetAnalyticsSummary())
}

// GetMetrics returns the volume breakdown; 204 before the first metrics run.
func (h *AnalyticsHandler) GetMetrics(c *gin.Context) {
	metrics := h.engine.GetLogMetrics()
	if metrics == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, metrics)
}

func (h *AnalyticsHandler) GetAgentHealth(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetAgentHealthMetrics())
}

// GetPatterns returns the error patterns.
func (h *AnalyticsHandler) GetPatterns(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.DetectLogPatterns())
}

func (h *AnalyticsHandler) GetEnhancedPatterns(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.DetectEnhancedPatterns())
}

func (h *AnalyticsHandler) GetClusters(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.GetClusters())
}

func (h *AnalyticsHandler) GetSequences(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.DetectSequencePatterns())
}

// GetAnomalies returns the last run's anomalies, optionally narrowed by type
// and agent.
func (h *AnalyticsHandler) GetAnomalies(c *gin.Context) {
	anomalies := h.engine.DetectEnhancedAnomalies()
	types := multi(c, "type")
	agents := getAgentFilters(c)
	if len(types) == 0 && len(agents) == 0 {
		c.JSON(http.StatusOK, anomalies)
		return
	}

	out := make([]*models.Alert, 0, len(anomalies))
	for _, a := range anomalies {
		if len(types) > 0 && !slices.Contains(types, string(a.Type)) {
			continue
		}
		if len(agents) > 0 && !slices.Contains(agents, a.AgentID) {
			continue
		}
		out = append(out, a)
	}
	c.JSON(http.StatusOK, out)
}

// GetRuns returns per-analysis counters plus the recent run history.
func (h *AnalyticsHandler) GetRuns(c *gin.Context) {
	analysis := c.Query("analysis")
	if analysis != "" && !slices.Contains(analytics.Analyses, analysis) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown analysis"})
		return
	}
	runs, err := h.engine.RecentRuns(c.Request.Context(), analysis, boundedInt(c, "limit", 20, 500))
	if err != nil {
		h.logger.WithCaller().Error("Failed to list analysis runs", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list analysis runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":  h.engine.GetRunStats(),
		"recent": runs,
	})
}

// TriggerRun runs one analysis, or all of them, outside the schedule.
func (h *AnalyticsHandler) TriggerRun(c *gin.Context) {
	name := c.Param("name")
	// Manual runs outlive a disconnecting client.
	ctx := context.WithoutCancel(c.Request.Context())

	var err error
	switch {
	case name == "all":
		err = h.engine.RunAll(ctx)
	case slices.Contains(analytics.Analyses, name):
		err = h.engine.RunAnalysis(ctx, name)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown analysis"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.engine.GetRunStats())
}

// ListAlerts returns stored alerts, optionally by status.
func (h *AnalyticsHandler) ListAlerts(c *gin.Context) {
	status := models.AlertStatus(c.Query("status"))
	switch status {
	case "", models.AlertActive, models.AlertAcknowledged, models.AlertResolved:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	alerts, err := h.engine.Alerts().ListAlerts(c.Request.Context(), status, boundedInt(c, "limit", 100, 1000))
	if err != nil {
		h.logger.WithCaller().Error("Failed to list alerts", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *AnalyticsHandler) AcknowledgeAlert(c *gin.Context) {
	h.transitionAlert(c, h.engine.Alerts().Acknowledge)
}

func (h *AnalyticsHandler) ResolveAlert(c *gin.Context) {
	h.transitionAlert(c, h.engine.Alerts().Resolve)
}

func (h *AnalyticsHandler) transitionAlert(c *gin.Context, transition func(context.Context, string) (*models.Alert, error)) {
	id := c.Param("id")
	alert, err := transition(c.Request.Context(), id)
	switch {
	case errors.Is(err, models.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.WithCaller().Error("Failed to update alert", h.logger.Args("id", id, "error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update alert"})
	default:
		h.logger.Info("Alert updated", h.logger.Args("id", id, "status", alert.Status))
		c.JSON(http.StatusOK, alert)
	}
}
