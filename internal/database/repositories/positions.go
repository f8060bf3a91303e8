package repositories

import (
	"errors"
	"time"

	"agentlog/internal/database/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PositionRepository persists the read cursor of every tailed file.
type PositionRepository interface {
	FindByPath(path string) (*models.FilePosition, error)
	FindAll() ([]*models.FilePosition, error)
	UpdateTracking(pos *models.FilePosition) error
	Delete(path string) error
}

type positionRepo struct {
	db *gorm.DB
}

func NewPositionRepository(db *gorm.DB) PositionRepository {
	return &positionRepo{db: db}
}

// FindByPath returns nil, nil when no cursor was stored for path.
func (r *positionRepo) FindByPath(path string) (*models.FilePosition, error) {
	var pos models.FilePosition
	err := r.db.Where("path = ?", path).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (r *positionRepo) FindAll() ([]*models.FilePosition, error) {
	var positions []*models.FilePosition
	err := r.db.Order("path").Find(&positions).Error
	return positions, err
}

// UpdateTracking upserts the cursor in one statement.
func (r *positionRepo) UpdateTracking(pos *models.FilePosition) error {
	now := time.Now()
	row := *pos
	if row.LastReadAt == nil {
		row.LastReadAt = &now
	}
	row.UpdatedAt = now

	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"source_id", "agent_id", "offset", "inode", "last_line_content", "last_read_at", "updated_at",
		}),
	}).Create(&row).Error
}

func (r *positionRepo) Delete(path string) error {
	return r.db.Where("path = ?", path).Delete(&models.FilePosition{}).Error
}
