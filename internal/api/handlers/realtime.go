package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"agentlog/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// Subscriber hands out live bus subscriptions.
type Subscriber interface {
	Subscribe(name string, buffer int) *realtime.Subscription
}

// RealtimeHandler handles real-time streaming endpoints
type RealtimeHandler struct {
	bus       Subscriber
	collector *realtime.MetricsCollector
	buffer    int
	heartbeat time.Duration
	logger    *pterm.Logger
}

// NewRealtimeHandler creates a new realtime handler. buffer sizes each
// client's subscription; a slow client loses its oldest entries.
func NewRealtimeHandler(bus Subscriber, collector *realtime.MetricsCollector, buffer int, logger *pterm.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		bus:       bus,
		collector: collector,
		buffer:    buffer,
		heartbeat: 2 * time.Second,
		logger:    logger,
	}
}

// StreamLogs streams live entries via Server-Sent Events. Entries use the
// "log" event; a "metrics" event with the live rates and this client's drop
// count is sent on every heartbeat.
func (h *RealtimeHandler) StreamLogs(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := h.bus.Subscribe("sse:"+c.ClientIP(), h.buffer)
	defer sub.Unsubscribe()

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("Client connected to live log stream",
		h.logger.Args("client_ip", c.ClientIP(), "agents", filter.AgentIDs, "levels", filter.Levels))

	for {
		select {
		case <-c.Request.Context().Done():
			h.logger.Debug("Client disconnected from live log stream",
				h.logger.Args("client_ip", c.ClientIP(), "delivered", sub.Delivered(), "dropped", sub.Dropped()))
			return

		case e, ok := <-sub.C():
			if !ok {
				// Bus closed: server is shutting down
				return
			}
			if !filter.Match(e) {
				continue
			}
			if !h.writeEvent(c, "log", e) {
				return
			}

		case <-ticker.C:
			payload := gin.H{"dropped": sub.Dropped()}
			if h.collector != nil {
				payload["metrics"] = h.collector.GetMetrics()
			}
			if !h.writeEvent(c, "metrics", payload) {
				return
			}
		}
	}
}

func (h *RealtimeHandler) writeEvent(c *gin.Context, event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to marshal event", h.logger.Args("event", event, "error", err))
		return true
	}

	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
		h.logger.Debug("Failed to write SSE data", h.logger.Args("error", err))
		return false
	}
	c.Writer.Flush()
	return true
}

// GetCurrentMetrics returns a single snapshot of current metrics
func (h *RealtimeHandler) GetCurrentMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.GetMetrics())
}

// GetPerAgentMetrics returns current rates for each agent
func (h *RealtimeHandler) GetPerAgentMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.collector.GetPerAgentMetrics())
}
