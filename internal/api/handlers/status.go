package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// StatusProvider reports one section of the status document.
type StatusProvider func(ctx context.Context) (any, error)

// StatusHandler assembles /api/v1/status from registered sections so the
// handler does not depend on which backend is running.
type StatusHandler struct {
	startedAt time.Time
	version   string
	logger    *pterm.Logger

	mu       sync.RWMutex
	names    []string
	sections map[string]StatusProvider
}

func NewStatusHandler(version string, logger *pterm.Logger) *StatusHandler {
	return &StatusHandler{
		startedAt: time.Now(),
		version:   version,
		logger:    logger,
		sections:  make(map[string]StatusProvider),
	}
}

// Register adds a section. Registering a name twice replaces the provider.
func (h *StatusHandler) Register(name string, provider StatusProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.sections[name]; !exists {
		h.names = append(h.names, name)
	}
	h.sections[name] = provider
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// GetStatus returns every section. A failing section reports its error in
// place without failing the request.
func (h *StatusHandler) GetStatus(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	doc := gin.H{
		"version":    h.version,
		"started":    humanize.Time(h.startedAt),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"goroutines": runtime.NumGoroutine(),
		"heap":       humanize.Bytes(mem.HeapAlloc),
	}

	h.mu.RLock()
	names := append([]string(nil), h.names...)
	sections := make(map[string]StatusProvider, len(h.sections))
	for name, p := range h.sections {
		sections[name] = p
	}
	h.mu.RUnlock()

	for _, name := range names {
		value, err := sections[name](c.Request.Context())
		if err != nil {
			h.logger.Debug("Status section failed", h.logger.Args("section", name, "error", err))
			doc[name] = gin.H{"error": err.Error()}
			continue
		}
		doc[name] = value
	}

	c.JSON(http.StatusOK, doc)
}
