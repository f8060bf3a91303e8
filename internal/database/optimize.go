package database

import (
	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// OptimizeDatabase verifies the SQLite settings and creates the composite
// indexes that back the query, aggregate and retention paths.
func OptimizeDatabase(db *gorm.DB, logger *pterm.Logger) error {
	logger.Debug("Applying database optimizations...")

	var journalMode string
	if err := db.Raw("PRAGMA journal_mode").Scan(&journalMode).Error; err != nil {
		logger.Warn("Failed to check journal mode", logger.Args("error", err))
	} else if journalMode != "wal" {
		logger.Warn("Database not in WAL mode", logger.Args("mode", journalMode))
	} else {
		logger.Trace("Database journal mode verified", logger.Args("mode", journalMode))
	}

	var pageSize int
	if err := db.Raw("PRAGMA page_size").Scan(&pageSize).Error; err != nil {
		logger.Debug("Failed to check page size", logger.Args("error", err))
	} else {
		logger.Trace("Database page size", logger.Args("bytes", pageSize))
	}

	// IF NOT EXISTS keeps this idempotent across restarts
	indexes := []string{
		// Per-agent time range (analytics windows, agent health)
		`CREATE INDEX IF NOT EXISTS idx_log_entries_agent_time
		 ON log_entries(agent_id, timestamp DESC)`,

		// Level over time (error rates, error bursts)
		`CREATE INDEX IF NOT EXISTS idx_log_entries_level_time
		 ON log_entries(level, timestamp DESC)`,

		// Session replay and sequence mining
		`CREATE INDEX IF NOT EXISTS idx_log_entries_session_time
		 ON log_entries(session_id, timestamp)
		 WHERE session_id <> ''`,

		// Errors only
		`CREATE INDEX IF NOT EXISTS idx_log_entries_errors
		 ON log_entries(timestamp DESC, agent_id)
		 WHERE level IN ('error', 'fatal')`,

		// Retention sweeps
		`CREATE INDEX IF NOT EXISTS idx_log_entries_expiry_cleanup
		 ON log_entries(expires_at)
		 WHERE expires_at > '0001-01-02'`,

		// Alert listing by status, newest first
		`CREATE INDEX IF NOT EXISTS idx_alerts_status_time
		 ON alerts(status, timestamp DESC)`,

		// Run history per analysis
		`CREATE INDEX IF NOT EXISTS idx_analysis_runs_name_time
		 ON analysis_runs(analysis, started_at DESC)`,
	}

	indexCount := 0
	for _, indexSQL := range indexes {
		if err := db.Exec(indexSQL).Error; err != nil {
			logger.Warn("Failed to create index", logger.Args("error", err))
			return err
		}
		indexCount++
	}

	logger.Debug("Performance indexes verified", logger.Args("count", indexCount))

	if err := db.Exec("ANALYZE").Error; err != nil {
		logger.Warn("Failed to analyze database", logger.Args("error", err))
	} else {
		logger.Trace("Database statistics analyzed")
	}

	logger.Debug("Database optimizations completed")
	return nil
}
