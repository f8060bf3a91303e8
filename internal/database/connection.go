package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pterm/pterm"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration

	// Pool Monitoring
	PoolMonitoringEnabled   bool
	PoolMonitoringInterval  time.Duration
	PoolSaturationThreshold float64
	AutoTuning              bool
}

// SlowQueryLogger bridges gorm's logger to pterm and reports slow queries.
type SlowQueryLogger struct {
	logger            *pterm.Logger
	slowThreshold     time.Duration
	logLevel          logger.LogLevel
	ignoreNotFoundErr bool
}

func NewSlowQueryLogger(ptermLogger *pterm.Logger, slowThreshold time.Duration) *SlowQueryLogger {
	return &SlowQueryLogger{
		logger:            ptermLogger,
		slowThreshold:     slowThreshold,
		logLevel:          logger.Warn,
		ignoreNotFoundErr: true,
	}
}

func (l *SlowQueryLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.logLevel = level
	return &cp
}

func (l *SlowQueryLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.logger.Info(msg, l.logger.Args("data", data))
	}
}

func (l *SlowQueryLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.logger.Warn(msg, l.logger.Args("data", data))
	}
}

func (l *SlowQueryLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.logger.Error(msg, l.logger.Args("data", data))
	}
}

func (l *SlowQueryLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	if elapsed >= l.slowThreshold {
		l.logger.Debug("SLOW QUERY DETECTED",
			l.logger.Args(
				"duration_ms", elapsed.Milliseconds(),
				"rows", rows,
				"sql", sql,
			))
	} else if l.logLevel >= logger.Info {
		l.logger.Trace("Database query",
			l.logger.Args(
				"duration_ms", elapsed.Milliseconds(),
				"rows", rows,
				"sql", sql,
			))
	}

	if err == nil || (l.ignoreNotFoundErr && errors.Is(err, gorm.ErrRecordNotFound)) {
		return
	}
	// Cancelled reads belong to callers that gave up (shutdown, analysis deadline)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		l.logger.Debug("Database query cancelled", l.logger.Args("error", err, "sql", sql))
		return
	}
	// Duplicate entry ids are expected; inserts use ON CONFLICT DO NOTHING
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return
	}
	l.logger.Error("Database query error",
		l.logger.Args(
			"error", err,
			"duration_ms", elapsed.Milliseconds(),
			"sql", sql,
		))
}

// NewConnection opens the read-write pool, runs migrations and applies the
// index set.
func NewConnection(cfg *Config, logger *pterm.Logger) (*gorm.DB, error) {
	// - WAL mode for concurrent reads/writes
	// - busy_timeout=5000ms to ride out writer contention
	// - txlock=immediate to prevent lock escalation deadlocks
	dsn := cfg.Path + "?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=64000&_page_size=4096&_busy_timeout=5000&_txlock=immediate"

	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	if _, err := os.Stat(cfg.Path); errors.Is(err, os.ErrPermission) {
		return nil, fmt.Errorf("permission denied to access database file %s: %w", cfg.Path, err)
	}

	logger.Debug("Initializing the database (WAL mode, page_size=4096).", logger.Args("path", cfg.Path))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      NewSlowQueryLogger(logger, 100*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	maxOpenConns := cfg.MaxOpenConns
	maxIdleConns := cfg.MaxIdleConns
	if cfg.AutoTuning {
		cpuCores := runtime.NumCPU()
		if optimal := cpuCores * 3; optimal > maxOpenConns {
			maxOpenConns = optimal
			maxIdleConns = max(maxOpenConns*40/100, 10)
			logger.Info("Auto-tuned connection pool based on CPU cores",
				logger.Args(
					"cpu_cores", cpuCores,
					"max_open_conns", maxOpenConns,
					"max_idle_conns", maxIdleConns,
				))
		}
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(maxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)

	logger.Debug("Connection pool configured",
		logger.Args(
			"max_open_conns", maxOpenConns,
			"max_idle_conns", maxIdleConns,
			"conn_max_life", cfg.ConnMaxLife,
		))

	logger.Trace("Running database migrations.")
	if err := RunMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	if err := OptimizeDatabase(db, logger); err != nil {
		logger.Warn("Database optimization had warnings", logger.Args("error", err))
	}

	logger.Info("Database connection established successfully.", logger.Args("path", cfg.Path))
	return db, nil
}

// NewReadOnlyConnection opens a separate read-only pool so long analytics
// scans do not hold the writer's connections. The database must exist.
func NewReadOnlyConnection(cfg *Config, logger *pterm.Logger) (*gorm.DB, error) {
	dsn := cfg.Path + "?mode=ro&_query_only=1&_cache_size=64000&_busy_timeout=5000"

	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("read-only database %s unavailable: %w", cfg.Path, err)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt: true,
		Logger:      NewSlowQueryLogger(logger, 100*time.Millisecond),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database (read-only): %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance (read-only): %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns * 2)
		sqlDB.SetMaxIdleConns(max(cfg.MaxIdleConns*2, 2))
	}
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLife)

	logger.Info("Read-only database connection established successfully.",
		logger.Args("max_conns", cfg.MaxOpenConns*2))
	return db, nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
