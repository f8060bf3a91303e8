package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

// CoordinatorController pauses and resumes ingestion around maintenance.
type CoordinatorController interface {
	StopWatching()
	Restart() error
	GetProcessorCount() int
}

// CleanupConfig controls the retention sweep.
type CleanupConfig struct {
	Retention     time.Duration // 0 disables the service
	Interval      time.Duration // upper bound between schedule checks
	Time          string        // daily run time, HH:MM local
	VacuumEnabled bool
	BatchSize     int
	BatchPause    time.Duration
}

// CleanupService deletes log rows whose expires_at passed, plus run records
// and resolved alerts older than the retention period.
type CleanupService struct {
	db          *gorm.DB
	logger      *pterm.Logger
	cfg         CleanupConfig
	coordinator CoordinatorController
	stopChan    chan struct{}
	done        chan struct{}
	now         func() time.Time

	mu              sync.Mutex
	running         bool
	lastRunTime     time.Time
	recordsDeleted  int64
	cleanupDuration time.Duration
	vacuumDuration  time.Duration
}

// CleanupStats holds statistics about cleanup operations
type CleanupStats struct {
	Enabled          bool          `json:"enabled"`
	LastRunTime      time.Time     `json:"lastRunTime"`
	RecordsDeleted   int64         `json:"recordsDeleted"`
	VacuumDuration   time.Duration `json:"vacuumDuration"`
	CleanupDuration  time.Duration `json:"cleanupDuration"`
	NextScheduledRun time.Time     `json:"nextScheduledRun"`
}

// CleanupResult is the outcome of one sweep.
type CleanupResult struct {
	LogEntries int64
	Runs       int64
	Alerts     int64
}

func (r CleanupResult) Total() int64 {
	return r.LogEntries + r.Runs + r.Alerts
}

func NewCleanupService(db *gorm.DB, cfg CleanupConfig, coordinator CoordinatorController, logger *pterm.Logger) *CleanupService {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Time == "" {
		cfg.Time = "02:00"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = 0
	}
	return &CleanupService{
		db:          db,
		logger:      logger,
		cfg:         cfg,
		coordinator: coordinator,
		now:         time.Now,
	}
}

// Start begins the daily schedule. It is a no-op when retention is disabled.
func (s *CleanupService) Start() {
	if s.cfg.Retention <= 0 {
		s.logger.Info("Data retention disabled (STORAGE_RETENTION_DAYS=0), cleanup service not started")
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("Starting database cleanup service",
		s.logger.Args(
			"retention", s.cfg.Retention,
			"cleanup_time", s.cfg.Time,
			"vacuum_enabled", s.cfg.VacuumEnabled,
		))

	go s.scheduledCleanupLoop()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *CleanupService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	s.logger.Info("Stopping database cleanup service")
	<-done
}

func (s *CleanupService) scheduledCleanupLoop() {
	defer close(s.done)

	for {
		targetTime := s.nextRun(s.now())
		waitDuration := targetTime.Sub(s.now())
		s.logger.Debug("Next cleanup scheduled",
			s.logger.Args("next_run", targetTime.Format("2006-01-02 15:04:05"), "wait_duration", waitDuration.Round(time.Minute)))

		timer := time.NewTimer(min(waitDuration, s.cfg.Interval))
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			if s.now().After(targetTime.Add(-1 * time.Minute)) {
				ctx, cancel := s.stopContext()
				if _, err := s.RunOnce(ctx); err != nil {
					s.logger.WithCaller().Error("Scheduled cleanup failed", s.logger.Args("error", err))
				}
				cancel()
			}
		}
	}
}

// stopContext is cancelled when the service stops.
func (s *CleanupService) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// nextRun returns the next occurrence of the configured HH:MM after now.
func (s *CleanupService) nextRun(now time.Time) time.Time {
	cleanupTime, err := time.Parse("15:04", s.cfg.Time)
	if err != nil {
		s.logger.Warn("Invalid cleanup time format, using 02:00",
			s.logger.Args("configured", s.cfg.Time, "error", err))
		cleanupTime, _ = time.Parse("15:04", "02:00")
	}

	target := time.Date(
		now.Year(), now.Month(), now.Day(),
		cleanupTime.Hour(), cleanupTime.Minute(), 0, 0,
		now.Location(),
	)
	if now.After(target) {
		target = target.Add(24 * time.Hour)
	}
	return target
}

// RunOnce performs one sweep immediately, followed by VACUUM when enabled and
// anything was deleted.
func (s *CleanupService) RunOnce(ctx context.Context) (CleanupResult, error) {
	if s.cfg.Retention <= 0 {
		return CleanupResult{}, fmt.Errorf("retention disabled (STORAGE_RETENTION_DAYS=0)")
	}

	began := time.Now()
	startTime := s.now()
	cutoff := startTime.Add(-s.cfg.Retention).UTC()
	s.logger.Info("Starting database cleanup",
		s.logger.Args("retention", s.cfg.Retention, "cutoff", cutoff.Format(time.RFC3339)))

	var result CleanupResult
	var err error

	// Rows written without a retention tag carry the zero expiry and are kept
	result.LogEntries, err = s.deleteInBatches(ctx, "log_entries",
		"expires_at > ? AND expires_at < ?", time.Time{}, startTime.UTC())
	if err != nil {
		return result, fmt.Errorf("failed to delete expired log entries: %w", err)
	}
	result.Runs, err = s.deleteInBatches(ctx, "analysis_runs", "started_at < ?", cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete old analysis runs: %w", err)
	}
	result.Alerts, err = s.deleteInBatches(ctx, "alerts", "status = ? AND timestamp < ?", "resolved", cutoff)
	if err != nil {
		return result, fmt.Errorf("failed to delete resolved alerts: %w", err)
	}

	duration := time.Since(began)
	s.mu.Lock()
	s.lastRunTime = startTime
	s.recordsDeleted = result.Total()
	s.cleanupDuration = duration
	s.mu.Unlock()

	s.logger.Info("Cleanup completed",
		s.logger.Args(
			"log_entries", result.LogEntries,
			"analysis_runs", result.Runs,
			"alerts", result.Alerts,
			"duration", duration.Round(time.Millisecond),
		))

	if s.cfg.VacuumEnabled && result.Total() > 0 {
		s.runVacuum(ctx)
	}
	return result, nil
}

// deleteInBatches removes matching rows a batch at a time so the writer lock is
// never held for long.
func (s *CleanupService) deleteInBatches(ctx context.Context, table, where string, args ...any) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE rowid IN (
			SELECT rowid FROM %s
			WHERE %s
			LIMIT ?
		)`, table, table, where)
	params := append(append([]any{}, args...), s.cfg.BatchSize)

	total := int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		result := s.db.WithContext(ctx).Exec(query, params...)
		if result.Error != nil {
			return total, result.Error
		}
		total += result.RowsAffected
		if result.RowsAffected < int64(s.cfg.BatchSize) {
			return total, nil
		}

		s.logger.Trace("Deleted batch",
			s.logger.Args("table", table, "batch_deleted", result.RowsAffected, "total_deleted", total))

		if s.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(s.cfg.BatchPause):
			}
		}
	}
}

// runVacuum reclaims space with ingestion paused so no writer holds the lock.
func (s *CleanupService) runVacuum(ctx context.Context) {
	s.logger.Info("Starting VACUUM maintenance window")
	startTime := time.Now()

	paused := false
	if s.coordinator != nil {
		if processorCount := s.coordinator.GetProcessorCount(); processorCount > 0 {
			s.logger.Info("Pausing ingestion for maintenance",
				s.logger.Args("active_processors", processorCount))
			s.coordinator.StopWatching()
			paused = true
		}
	}

	vacuumCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Minute)
	defer cancel()

	if err := s.db.WithContext(vacuumCtx).Exec("VACUUM").Error; err != nil {
		s.logger.WithCaller().Error("Failed to run VACUUM", s.logger.Args("error", err))
	}
	vacuumDuration := time.Since(startTime)

	if paused {
		if err := s.coordinator.Restart(); err != nil {
			s.logger.WithCaller().Error("Failed to restart ingestion after VACUUM",
				s.logger.Args("error", err))
		} else {
			s.logger.Info("Ingestion resumed",
				s.logger.Args("active_processors", s.coordinator.GetProcessorCount()))
		}
	}

	s.mu.Lock()
	s.vacuumDuration = vacuumDuration
	s.mu.Unlock()

	s.logger.Info("VACUUM maintenance completed",
		s.logger.Args("vacuum_duration", vacuumDuration.Round(time.Millisecond)))
}

// GetStats returns cleanup statistics
func (s *CleanupService) GetStats() *CleanupStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &CleanupStats{
		Enabled:         s.cfg.Retention > 0,
		LastRunTime:     s.lastRunTime,
		RecordsDeleted:  s.recordsDeleted,
		VacuumDuration:  s.vacuumDuration,
		CleanupDuration: s.cleanupDuration,
	}
	if stats.Enabled {
		stats.NextScheduledRun = s.nextRun(s.now())
	}
	return stats
}
