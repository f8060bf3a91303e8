package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AlertRepository persists anomaly alerts and their operator transitions.
type AlertRepository interface {
	SaveAlerts(ctx context.Context, alerts []*models.Alert) (int, error)
	ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]*models.Alert, error)
	FindByID(ctx context.Context, id string) (*models.Alert, error)
	Acknowledge(ctx context.Context, id string) (*models.Alert, error)
	Resolve(ctx context.Context, id string) (*models.Alert, error)
	CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error)
}

type alertRepo struct {
	db     *gorm.DB
	logger *pterm.Logger
	now    func() time.Time
}

func NewAlertRepository(db *gorm.DB, logger *pterm.Logger) AlertRepository {
	return &alertRepo{db: db, logger: logger, now: time.Now}
}

// SaveAlerts inserts new alerts and leaves existing ids untouched, so an
// acknowledged alert is not reset by the next detection cycle.
func (r *alertRepo) SaveAlerts(ctx context.Context, alerts []*models.Alert) (int, error) {
	if len(alerts) == 0 {
		return 0, nil
	}

	created := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, a := range alerts {
			row := *a
			result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if result.Error != nil {
				return result.Error
			}
			created += int(result.RowsAffected)
		}
		return nil
	})
	if err != nil {
		r.logger.WithCaller().Error("Failed to save alerts", r.logger.Args("count", len(alerts), "error", err))
		return 0, err
	}
	if created > 0 {
		r.logger.Debug("Persisted new alerts", r.logger.Args("created", created, "detected", len(alerts)))
	}
	return created, nil
}

func (r *alertRepo) ListAlerts(ctx context.Context, status models.AlertStatus, limit int) ([]*models.Alert, error) {
	query := r.db.WithContext(ctx).Order("timestamp DESC, id ASC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var alerts []*models.Alert
	if err := query.Find(&alerts).Error; err != nil {
		return nil, err
	}
	for _, a := range alerts {
		a.Timestamp = a.Timestamp.UTC()
	}
	return alerts, nil
}

func (r *alertRepo) FindByID(ctx context.Context, id string) (*models.Alert, error) {
	var alert models.Alert
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (r *alertRepo) Acknowledge(ctx context.Context, id string) (*models.Alert, error) {
	return r.transition(ctx, id, models.AlertAcknowledged)
}

func (r *alertRepo) Resolve(ctx context.Context, id string) (*models.Alert, error) {
	return r.transition(ctx, id, models.AlertResolved)
}

// transition loads, validates and writes the new state in one transaction.
func (r *alertRepo) transition(ctx context.Context, id string, to models.AlertStatus) (*models.Alert, error) {
	var alert models.Alert
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).First(&alert).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := alert.Transition(to, r.now().UTC()); err != nil {
			return err
		}
		return tx.Model(&models.Alert{}).Where("id = ?", id).Updates(map[string]any{
			"status":          alert.Status,
			"acknowledged_at": alert.AcknowledgedAt,
			"resolved_at":     alert.ResolvedAt,
			"updated_at":      alert.UpdatedAt,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("Alert status changed", r.logger.Args("id", id, "status", to))
	return &alert, nil
}

func (r *alertRepo) CountByStatus(ctx context.Context) (map[models.AlertStatus]int64, error) {
	var results []struct {
		Status models.AlertStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&models.Alert{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[models.AlertStatus]int64, len(results))
	for _, res := range results {
		counts[res.Status] = res.Count
	}
	return counts, nil
}
