package database

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

type fakeCoordinator struct {
	processors int
	stops      int
	restarts   int
}

func (f *fakeCoordinator) StopWatching()          { f.stops++ }
func (f *fakeCoordinator) Restart() error         { f.restarts++; return nil }
func (f *fakeCoordinator) GetProcessorCount() int { return f.processors }

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	db, err := NewConnection(&Config{
		Path:         filepath.Join(t.TempDir(), "nested", "agentlog.db"),
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		ConnMaxLife:  time.Hour,
	}, logger)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { Close(db) })
	return db
}

func TestCleanupService_RunOnce(t *testing.T) {
	db := openTestDB(t)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	retention := 24 * time.Hour

	var entries []*models.LogEntry
	for i := 0; i < 25; i++ {
		e := &models.LogEntry{
			ID:        fmt.Sprintf("old-%d", i),
			Timestamp: now.Add(-48 * time.Hour),
			Level:     models.LevelInfo,
			Message:   "old",
			Source:    "s",
			AgentID:   "a",
		}
		e.Tag(retention)
		entries = append(entries, e)
	}
	fresh := &models.LogEntry{ID: "fresh", Timestamp: now.Add(-time.Hour), Level: models.LevelInfo, Message: "new", Source: "s", AgentID: "a"}
	fresh.Tag(retention)
	untagged := &models.LogEntry{ID: "untagged", Timestamp: now.Add(-72 * time.Hour), Level: models.LevelInfo, Message: "kept", Source: "s", AgentID: "a"}
	untagged.Tag(0)
	entries = append(entries, fresh, untagged)
	if err := db.Create(&entries).Error; err != nil {
		t.Fatalf("Failed to seed entries: %v", err)
	}

	db.Create(&models.AnalysisRun{ID: "old-run", Analysis: "patterns", StartedAt: now.Add(-48 * time.Hour)})
	db.Create(&models.AnalysisRun{ID: "new-run", Analysis: "patterns", StartedAt: now.Add(-time.Minute)})
	db.Create(&models.Alert{ID: "resolved", Type: models.AnomalyErrorBurst, Message: "m", Severity: models.SeverityInfo, Status: models.AlertResolved, Timestamp: now.Add(-48 * time.Hour)})
	db.Create(&models.Alert{ID: "active", Type: models.AnomalyErrorBurst, Message: "m", Severity: models.SeverityInfo, Status: models.AlertActive, Timestamp: now.Add(-48 * time.Hour)})

	coordinator := &fakeCoordinator{processors: 2}
	svc := NewCleanupService(db, CleanupConfig{Retention: retention, BatchSize: 10, VacuumEnabled: true}, coordinator, logger)
	svc.now = func() time.Time { return now }

	result, err := svc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if result.LogEntries != 25 {
		t.Errorf("Expected 25 expired entries deleted, got %d", result.LogEntries)
	}
	if result.Runs != 1 || result.Alerts != 1 {
		t.Errorf("Expected 1 run and 1 alert deleted, got %d and %d", result.Runs, result.Alerts)
	}

	var remaining int64
	db.Model(&models.LogEntry{}).Count(&remaining)
	if remaining != 2 {
		t.Errorf("Expected fresh and untagged entries to remain, got %d", remaining)
	}
	var active int64
	db.Model(&models.Alert{}).Where("id = ?", "active").Count(&active)
	if active != 1 {
		t.Errorf("Expected active alert to be kept, got %d", active)
	}

	if coordinator.stops != 1 || coordinator.restarts != 1 {
		t.Errorf("Expected ingestion paused and resumed once, got %d stops and %d restarts", coordinator.stops, coordinator.restarts)
	}

	stats := svc.GetStats()
	if stats.RecordsDeleted != 27 || !stats.LastRunTime.Equal(now) {
		t.Errorf("Expected 27 records at %v, got %+v", now, stats)
	}
}

func TestCleanupService_Disabled(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	svc := NewCleanupService(nil, CleanupConfig{}, nil, logger)

	svc.Start()
	svc.Stop()
	if _, err := svc.RunOnce(context.Background()); err == nil {
		t.Errorf("Expected error when retention is disabled, got nil")
	}
	if svc.GetStats().Enabled {
		t.Errorf("Expected disabled stats")
	}
}

func TestCleanupService_NextRun(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	svc := NewCleanupService(nil, CleanupConfig{Retention: time.Hour, Time: "02:30"}, nil, logger)

	base := time.Date(2025, 6, 10, 1, 0, 0, 0, time.UTC)
	if got := svc.nextRun(base); !got.Equal(time.Date(2025, 6, 10, 2, 30, 0, 0, time.UTC)) {
		t.Errorf("Expected today 02:30, got %v", got)
	}
	if got := svc.nextRun(base.Add(3 * time.Hour)); !got.Equal(time.Date(2025, 6, 11, 2, 30, 0, 0, time.UTC)) {
		t.Errorf("Expected tomorrow 02:30, got %v", got)
	}

	svc.cfg.Time = "bogus"
	if got := svc.nextRun(base); got.Hour() != 2 || got.Minute() != 0 {
		t.Errorf("Expected fallback to 02:00, got %v", got)
	}
}

func TestPoolMonitor_Stats(t *testing.T) {
	db := openTestDB(t)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	sqlDB, _ := db.DB()

	pm := NewPoolMonitor("writer", sqlDB, &Config{}, logger)
	stats := pm.Stats()
	if stats.Name != "writer" || stats.MaxOpenConns != 4 {
		t.Errorf("Expected writer pool with 4 max connections, got %+v", stats)
	}
	if stats.Saturated {
		t.Errorf("Expected idle pool not to be saturated")
	}

	pm.Start(context.Background())
	pm.Stop()
	if pm.Stats().CollectedAt.IsZero() {
		t.Errorf("Expected a collected sample after start")
	}
}
