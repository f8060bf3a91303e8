package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentlog/internal/database/models"
	"agentlog/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = 1000
)

// LogsHandler exposes the store query primitives.
type LogsHandler struct {
	store  storage.Store
	logger *pterm.Logger
}

func NewLogsHandler(store storage.Store, logger *pterm.Logger) *LogsHandler {
	return &LogsHandler{
		store:  store,
		logger: logger,
	}
}

// LogsResponse is one page of entries.
type LogsResponse struct {
	Entries []*models.LogEntry `json:"entries"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// parseFilter reads start, end (RFC3339), level, agent, source, session and
// search. Multi-valued parameters accept repeats or comma separated lists.
func parseFilter(c *gin.Context) (models.LogFilter, error) {
	var f models.LogFilter
	var err error

	if f.Start, err = parseTime(c.Query("start")); err != nil {
		return f, fmt.Errorf("invalid start: %w", err)
	}
	if f.End, err = parseTime(c.Query("end")); err != nil {
		return f, fmt.Errorf("invalid end: %w", err)
	}
	if since := c.Query("since"); since != "" && f.Start.IsZero() {
		d, err := time.ParseDuration(since)
		if err != nil || d <= 0 {
			return f, fmt.Errorf("invalid since %q", since)
		}
		f.Start = time.Now().Add(-d).UTC()
	}

	for _, raw := range multi(c, "level") {
		level := models.ParseLevel(raw)
		if level == models.LevelInfo && !strings.EqualFold(raw, "info") {
			return f, fmt.Errorf("unknown level %q", raw)
		}
		f.Levels = append(f.Levels, level)
	}
	f.AgentIDs = multi(c, "agent")
	f.SourceIDs = multi(c, "source")
	f.SessionID = c.Query("session")
	f.Search = c.Query("search")
	return f, nil
}

func multi(c *gin.Context, name string) []string {
	var out []string
	for _, v := range c.QueryArray(name) {
		out = append(out, splitList(v)...)
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// storeError maps a store failure to a response.
func (h *LogsHandler) storeError(c *gin.Context, op string, err error) {
	if errors.Is(err, storage.ErrClosed) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store is shutting down"})
		return
	}
	h.logger.WithCaller().Error("Failed to "+op, h.logger.Args("error", err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
}

// GetLogs returns a page of entries, newest first unless sort=asc.
func (h *LogsHandler) GetLogs(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	q := models.LogQuery{
		Filter:  filter,
		Limit:   boundedInt(c, "limit", defaultLogLimit, maxLogLimit),
		SortAsc: c.Query("sort") == "asc",
	}
	if raw := c.Query("offset"); raw != "" {
		if q.Offset, err = strconv.Atoi(raw); err != nil || q.Offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
	}

	entries, err := h.store.Query(c.Request.Context(), q)
	if err != nil {
		h.storeError(c, "query logs", err)
		return
	}

	c.JSON(http.StatusOK, LogsResponse{Entries: entries, Limit: q.Limit, Offset: q.Offset})
}

func (h *LogsHandler) CountLogs(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	count, err := h.store.Count(c.Request.Context(), filter)
	if err != nil {
		h.storeError(c, "count logs", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": count})
}

// AggregateLogs counts entries per interval bucket and group_by key.
func (h *LogsHandler) AggregateLogs(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := models.AggregateRequest{Filter: filter, GroupBy: models.GroupBy(c.Query("group_by"))}
	if !req.GroupBy.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported group_by %q", req.GroupBy)})
		return
	}
	if raw := c.Query("interval"); raw != "" {
		if req.Interval, err = time.ParseDuration(raw); err != nil || req.Interval < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid interval %q", raw)})
			return
		}
	}

	rows, err := h.store.Aggregate(c.Request.Context(), req)
	if err != nil {
		h.storeError(c, "aggregate logs", err)
		return
	}

	c.JSON(http.StatusOK, rows)
}
