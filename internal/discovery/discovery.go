package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

// ServiceDetector finds the log locations of one kind of agent.
type ServiceDetector interface {
	Name() string
	Detect() ([]*models.AgentConfig, error)
}

// AgentStore persists custom agents added at runtime.
type AgentStore interface {
	Create(ctx context.Context, agent *models.AgentConfig) error
	FindAll(ctx context.Context) ([]*models.AgentConfig, error)
	Delete(ctx context.Context, id string) error
}

// Engine merges built-in detections with custom agents. A custom agent with
// the id of a built-in one replaces it.
type Engine struct {
	detectors []ServiceDetector
	custom    []models.AgentConfig
	store     AgentStore
	logger    *pterm.Logger
}

func NewEngine(detectors []ServiceDetector, custom []models.AgentConfig, store AgentStore, logger *pterm.Logger) *Engine {
	return &Engine{
		detectors: detectors,
		custom:    custom,
		store:     store,
		logger:    logger,
	}
}

// Run returns every known agent, sorted by id.
func (e *Engine) Run(ctx context.Context) ([]models.AgentConfig, error) {
	byID := make(map[string]models.AgentConfig)

	for _, detector := range e.detectors {
		e.logger.Trace("Running detector", e.logger.Args("detector", detector.Name()))
		found, err := detector.Detect()
		if err != nil {
			e.logger.Warn("Detector failed", e.logger.Args("detector", detector.Name(), "error", err))
			continue
		}
		for _, agent := range found {
			byID[agent.ID] = *agent
		}
	}

	for _, agent := range e.custom {
		agent.Custom = true
		if _, exists := byID[agent.ID]; exists {
			e.logger.Debug("Custom agent overrides detected agent", e.logger.Args("id", agent.ID))
		}
		byID[agent.ID] = agent
	}

	if e.store != nil {
		stored, err := e.store.FindAll(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load stored agents: %w", err)
		}
		for _, agent := range stored {
			agent.Custom = true
			byID[agent.ID] = *agent
		}
	}

	agents := make([]models.AgentConfig, 0, len(byID))
	for _, agent := range byID {
		agents = append(agents, agent)
	}
	slices.SortFunc(agents, func(a, b models.AgentConfig) int { return strings.Compare(a.ID, b.ID) })

	e.logger.Info("Agent discovery completed", e.logger.Args("agents", len(agents), "custom", len(e.custom)))
	return agents, nil
}

// Persist stores a custom agent so it survives restarts. It is a no-op
// without a store.
func (e *Engine) Persist(ctx context.Context, agent models.AgentConfig) error {
	if e.store == nil {
		return nil
	}
	agent.Custom = true
	return e.store.Create(ctx, &agent)
}

// Forget removes a stored custom agent.
func (e *Engine) Forget(ctx context.Context, id string) error {
	if e.store == nil {
		return nil
	}
	return e.store.Delete(ctx, id)
}
