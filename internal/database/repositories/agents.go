package repositories

import (
	"context"
	"errors"
	"fmt"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

var ErrAgentNotFound = errors.New("agent not found")

// AgentRepository stores custom agent definitions added at runtime.
type AgentRepository interface {
	Create(ctx context.Context, agent *models.AgentConfig) error
	FindByID(ctx context.Context, id string) (*models.AgentConfig, error)
	FindAll(ctx context.Context) ([]*models.AgentConfig, error)
	Update(ctx context.Context, agent *models.AgentConfig) error
	Delete(ctx context.Context, id string) error
}

type agentRepo struct {
	db     *gorm.DB
	logger *pterm.Logger
}

func NewAgentRepository(db *gorm.DB, logger *pterm.Logger) AgentRepository {
	return &agentRepo{db: db, logger: logger}
}

func (r *agentRepo) Create(ctx context.Context, agent *models.AgentConfig) error {
	agent.Custom = true
	if err := r.db.WithContext(ctx).Create(agent).Error; err != nil {
		r.logger.WithCaller().Error("Failed to create agent", r.logger.Args("id", agent.ID, "error", err))
		return err
	}
	r.logger.Debug("Created custom agent", r.logger.Args("id", agent.ID, "type", agent.Type))
	return nil
}

func (r *agentRepo) FindByID(ctx context.Context, id string) (*models.AgentConfig, error) {
	var agent models.AgentConfig
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepo) FindAll(ctx context.Context) ([]*models.AgentConfig, error) {
	var agents []*models.AgentConfig
	err := r.db.WithContext(ctx).Order("id").Find(&agents).Error
	return agents, err
}

func (r *agentRepo) Update(ctx context.Context, agent *models.AgentConfig) error {
	result := r.db.WithContext(ctx).Model(&models.AgentConfig{}).Where("id = ?", agent.ID).
		Select("name", "type", "format", "paths", "directory", "pattern", "recursive", "poll_interval", "enabled", "updated_at").
		Updates(agent)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agent.ID)
	}
	return nil
}

func (r *agentRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.AgentConfig{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}
