package discovery

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"agentlog/internal/database/models"
)

// MemoryAgentStore keeps custom agents for the memory backend.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]models.AgentConfig
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]models.AgentConfig)}
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists", agent.ID)
	}
	cp := *agent
	cp.Paths = slices.Clone(agent.Paths)
	cp.Custom = true
	s.agents[agent.ID] = cp
	return nil
}

func (s *MemoryAgentStore) FindAll(ctx context.Context) ([]*models.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AgentConfig, 0, len(s.agents))
	for _, agent := range s.agents {
		cp := agent
		cp.Paths = slices.Clone(agent.Paths)
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.AgentConfig) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemoryAgentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
	return nil
}
