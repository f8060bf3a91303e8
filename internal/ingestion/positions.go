package ingestion

import (
	"sync"

	"agentlog/internal/database/models"
)

// PositionStore persists per-file read cursors across restarts.
// FindByPath returns nil, nil when no cursor is stored.
type PositionStore interface {
	FindByPath(path string) (*models.FilePosition, error)
	UpdateTracking(pos *models.FilePosition) error
	Delete(path string) error
}

// MemoryPositionStore keeps cursors in process memory.
type MemoryPositionStore struct {
	mu        sync.Mutex
	positions map[string]models.FilePosition
}

func NewMemoryPositionStore() *MemoryPositionStore {
	return &MemoryPositionStore{positions: make(map[string]models.FilePosition)}
}

func (m *MemoryPositionStore) FindByPath(path string) (*models.FilePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[path]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (m *MemoryPositionStore) UpdateTracking(pos *models.FilePosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Path] = *pos
	return nil
}

func (m *MemoryPositionStore) Delete(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positions, path)
	return nil
}
