package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"agentlog/internal/database/models"
	"agentlog/internal/database/repositories"
	"agentlog/internal/ingestion"
	"agentlog/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// AgentPersister keeps runtime-added agents across restarts.
type AgentPersister interface {
	Persist(ctx context.Context, agent models.AgentConfig) error
	Forget(ctx context.Context, id string) error
}

// RegistrySyncer applies registry changes to the running watchers.
type RegistrySyncer interface {
	SyncWithRegistry() error
}

// SourcesHandler manages the source registry at runtime.
type SourcesHandler struct {
	registry *registry.Registry
	agents   AgentPersister
	syncer   RegistrySyncer
	logger   *pterm.Logger
}

func NewSourcesHandler(reg *registry.Registry, agents AgentPersister, syncer RegistrySyncer, logger *pterm.Logger) *SourcesHandler {
	return &SourcesHandler{
		registry: reg,
		agents:   agents,
		syncer:   syncer,
		logger:   logger,
	}
}

// AddSourceRequest defines a custom agent. Exactly one of Paths or Directory
// is expected; Enabled defaults to true.
type AddSourceRequest struct {
	ID           string   `json:"id" binding:"required"`
	Name         string   `json:"name"`
	Format       string   `json:"format"`
	Paths        []string `json:"paths"`
	Directory    string   `json:"directory"`
	Pattern      string   `json:"pattern"`
	Recursive    bool     `json:"recursive"`
	PollInterval string   `json:"pollInterval"`
	Enabled      *bool    `json:"enabled"`
}

func (r AddSourceRequest) agentConfig() (models.AgentConfig, error) {
	agent := models.AgentConfig{
		ID:        r.ID,
		Name:      r.Name,
		Type:      "custom",
		Format:    r.Format,
		Paths:     r.Paths,
		Directory: r.Directory,
		Pattern:   r.Pattern,
		Recursive: r.Recursive,
		Enabled:   r.Enabled == nil || *r.Enabled,
		Custom:    true,
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}
	if agent.Format == "" {
		agent.Format = models.FormatJSONLines
	}
	if r.PollInterval != "" {
		d, err := time.ParseDuration(r.PollInterval)
		if err != nil {
			return agent, err
		}
		agent.PollInterval = d
	}
	return agent, nil
}

func (h *SourcesHandler) ListSources(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.List())
}

func (h *SourcesHandler) GetSource(c *gin.Context) {
	src, ok := h.registry.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"source": src, "files": registry.Resolve(src)})
}

// AddSource registers a custom agent, persists it and starts watching it.
func (h *SourcesHandler) AddSource(c *gin.Context) {
	var req AddSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent, err := req.agentConfig()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pollInterval"})
		return
	}
	src, err := registry.FromAgentConfig(agent)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.registry.Add(src); err != nil {
		if errors.Is(err, registry.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.agents != nil {
		if err := h.agents.Persist(c.Request.Context(), agent); err != nil {
			_ = h.registry.Remove(src.ID)
			h.logger.WithCaller().Error("Failed to persist agent", h.logger.Args("id", agent.ID, "error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to persist agent"})
			return
		}
	}
	h.sync()

	h.logger.Info("Source added", h.logger.Args("id", src.ID, "kind", src.Spec.Kind(), "format", src.Format))
	c.JSON(http.StatusCreated, src)
}

// RemoveSource stops watching a source. Built-in agents come back on the next
// discovery run unless their detection is disabled.
func (h *SourcesHandler) RemoveSource(c *gin.Context) {
	id := c.Param("id")
	src, ok := h.registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		return
	}
	if err := h.registry.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if src.Custom && h.agents != nil {
		if err := h.agents.Forget(c.Request.Context(), id); err != nil && !errors.Is(err, repositories.ErrAgentNotFound) {
			h.logger.WithCaller().Warn("Failed to forget stored agent", h.logger.Args("id", id, "error", err))
		}
	}
	h.sync()

	h.logger.Info("Source removed", h.logger.Args("id", id))
	c.Status(http.StatusNoContent)
}

func (h *SourcesHandler) sync() {
	if h.syncer == nil {
		return
	}
	if err := h.syncer.SyncWithRegistry(); err != nil && !errors.Is(err, ingestion.ErrNotRunning) {
		h.logger.WithCaller().Warn("Registry sync failed", h.logger.Args("error", err))
	}
}
