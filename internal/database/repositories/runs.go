package repositories

import (
	"context"

	"agentlog/internal/database/models"

	"gorm.io/gorm"
)

// RunRepository records analysis runs.
type RunRepository interface {
	RecordRun(ctx context.Context, run *models.AnalysisRun) error
	RecentRuns(ctx context.Context, analysis string, limit int) ([]*models.AnalysisRun, error)
}

type runRepo struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepo{db: db}
}

func (r *runRepo) RecordRun(ctx context.Context, run *models.AnalysisRun) error {
	row := *run
	return r.db.WithContext(ctx).Create(&row).Error
}

// RecentRuns returns runs newest first. An empty analysis name lists all.
func (r *runRepo) RecentRuns(ctx context.Context, analysis string, limit int) ([]*models.AnalysisRun, error) {
	query := r.db.WithContext(ctx).Order("started_at DESC")
	if analysis != "" {
		query = query.Where("analysis = ?", analysis)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var runs []*models.AnalysisRun
	err := query.Find(&runs).Error
	return runs, err
}
