package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"agentlog/internal/database/repositories"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// DashboardHandler serves the SQL-side stats. It is only mounted with the
// sqlite backend.
type DashboardHandler struct {
	statsRepo repositories.StatsRepository
	logger    *pterm.Logger
}

// NewDashboardHandler creates a new dashboard handler
func NewDashboardHandler(statsRepo repositories.StatsRepository, logger *pterm.Logger) *DashboardHandler {
	return &DashboardHandler{
		statsRepo: statsRepo,
		logger:    logger,
	}
}

// getAgentFilters reads agents[] (multi-select), falling back to a single
// agent or a comma separated list.
func getAgentFilters(c *gin.Context) []string {
	if agents := c.QueryArray("agents[]"); len(agents) > 0 {
		return agents
	}
	return splitList(c.Query("agent"))
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// boundedInt parses an optional positive query parameter, capped at maxValue.
func boundedInt(c *gin.Context, name string, defaultValue, maxValue int) int {
	raw := c.Query(name)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return defaultValue
	}
	return min(v, maxValue)
}

// GetSummary returns summary statistics
func (h *DashboardHandler) GetSummary(c *gin.Context) {
	summary, err := h.statsRepo.GetSummary(getAgentFilters(c))
	if err != nil {
		h.logger.WithCaller().Error("Failed to get summary", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get summary"})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetTimeline returns timeline statistics
func (h *DashboardHandler) GetTimeline(c *gin.Context) {
	hours := boundedInt(c, "hours", repositories.DefaultLookbackHours, 8760) // Max 1 year

	timeline, err := h.statsRepo.GetTimeline(hours, getAgentFilters(c))
	if err != nil {
		h.logger.WithCaller().Error("Failed to get timeline", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get timeline"})
		return
	}

	c.JSON(http.StatusOK, timeline)
}

// GetActivityHeatmap returns entry counts grouped by day of week and hour
func (h *DashboardHandler) GetActivityHeatmap(c *gin.Context) {
	days := boundedInt(c, "days", 30, 365)

	data, err := h.statsRepo.GetActivityHeatmap(days, getAgentFilters(c))
	if err != nil {
		h.logger.WithCaller().Error("Failed to get activity heatmap", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get activity heatmap"})
		return
	}

	c.JSON(http.StatusOK, data)
}

func (h *DashboardHandler) GetAgentStats(c *gin.Context) {
	agents, err := h.statsRepo.GetAgentStats()
	if err != nil {
		h.logger.WithCaller().Error("Failed to get agent stats", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get agent stats"})
		return
	}

	c.JSON(http.StatusOK, agents)
}

// GetTopSessions returns the busiest sessions
func (h *DashboardHandler) GetTopSessions(c *gin.Context) {
	limit := boundedInt(c, "limit", 10, 100)

	sessions, err := h.statsRepo.GetTopSessions(limit, getAgentFilters(c))
	if err != nil {
		h.logger.WithCaller().Error("Failed to get top sessions", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get top sessions"})
		return
	}

	c.JSON(http.StatusOK, sessions)
}

// GetTopSources returns the busiest log files
func (h *DashboardHandler) GetTopSources(c *gin.Context) {
	limit := boundedInt(c, "limit", 10, 100)

	sources, err := h.statsRepo.GetTopSources(limit, getAgentFilters(c))
	if err != nil {
		h.logger.WithCaller().Error("Failed to get top sources", h.logger.Args("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get top sources"})
		return
	}

	c.JSON(http.StatusOK, sources)
}
