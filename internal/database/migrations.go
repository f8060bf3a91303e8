package database

import (
	"agentlog/internal/database/models"

	"gorm.io/gorm"
)

// RunMigrations creates or updates every table the watcher persists to.
func RunMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LogEntry{},
		&models.FilePosition{},
		&models.AgentConfig{},
		&models.Alert{},
		&models.AnalysisRun{},
	)
}
