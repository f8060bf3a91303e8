package database

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/pterm/pterm"
)

// PoolStats is a snapshot of the connection pool, reported on the status endpoint.
type PoolStats struct {
	Name         string        `json:"name"`
	MaxOpenConns int           `json:"maxOpenConns"`
	OpenConns    int           `json:"openConns"`
	InUse        int           `json:"inUse"`
	Idle         int           `json:"idle"`
	WaitCount    int64         `json:"waitCount"`
	WaitDuration time.Duration `json:"waitDuration"`
	AvgWaitTime  time.Duration `json:"avgWaitTime"`
	Utilization  float64       `json:"utilization"`
	IdleRatio    float64       `json:"idleRatio"`
	Saturated    bool          `json:"saturated"`
	HighUsage    bool          `json:"highUsage"`
	Alerts       int64         `json:"alerts"`
	Adjustments  int           `json:"adjustments"`
	CollectedAt  time.Time     `json:"collectedAt"`
}

// PoolMonitor samples sql.DB stats on an interval, warns on saturation and
// optionally grows the pool.
type PoolMonitor struct {
	name      string
	db        *sql.DB
	logger    *pterm.Logger
	interval  time.Duration
	threshold float64
	autoTune  bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu             sync.RWMutex
	current        *PoolStats
	alerts         int64
	adjustments    int
	lastAdjustment time.Time
}

func NewPoolMonitor(name string, db *sql.DB, cfg *Config, logger *pterm.Logger) *PoolMonitor {
	interval := cfg.PoolMonitoringInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	threshold := cfg.PoolSaturationThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.8
	}
	return &PoolMonitor{
		name:      name,
		db:        db,
		logger:    logger,
		interval:  interval,
		threshold: threshold,
		autoTune:  cfg.AutoTuning,
	}
}

func (pm *PoolMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	pm.cancel = cancel

	pm.wg.Add(1)
	go pm.monitorLoop(ctx)

	pm.logger.Debug("Connection pool monitoring started",
		pm.logger.Args(
			"pool", pm.name,
			"interval", pm.interval,
			"threshold", pm.threshold,
			"auto_tuning", pm.autoTune,
		))
}

func (pm *PoolMonitor) Stop() {
	if pm.cancel != nil {
		pm.cancel()
	}
	pm.wg.Wait()
}

// Stats returns the last sample, or a fresh one if none was taken yet.
func (pm *PoolMonitor) Stats() PoolStats {
	pm.mu.RLock()
	current := pm.current
	pm.mu.RUnlock()
	if current == nil {
		return pm.collectStats()
	}
	return *current
}

func (pm *PoolMonitor) monitorLoop(ctx context.Context) {
	defer pm.wg.Done()

	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.collectAndAnalyze()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.collectAndAnalyze()
		}
	}
}

func (pm *PoolMonitor) collectAndAnalyze() {
	stats := pm.collectStats()

	pm.logger.Trace("Connection pool stats",
		pm.logger.Args(
			"pool", pm.name,
			"open", stats.OpenConns,
			"in_use", stats.InUse,
			"idle", stats.Idle,
			"utilization", fmt.Sprintf("%.1f%%", stats.Utilization*100),
			"wait_count", stats.WaitCount,
		))

	if stats.HighUsage || stats.Saturated {
		pm.mu.Lock()
		pm.alerts++
		stats.Alerts = pm.alerts
		pm.mu.Unlock()

		if stats.Saturated {
			pm.logger.Warn("Connection pool saturated",
				pm.logger.Args(
					"pool", pm.name,
					"in_use", stats.InUse,
					"max_open", stats.MaxOpenConns,
					"avg_wait_time", stats.AvgWaitTime,
				))
		} else {
			pm.logger.Debug("Connection pool high utilization",
				pm.logger.Args(
					"pool", pm.name,
					"utilization", fmt.Sprintf("%.1f%%", stats.Utilization*100),
					"threshold", fmt.Sprintf("%.1f%%", pm.threshold*100),
				))
		}
		if pm.autoTune {
			pm.performAutoTuning(&stats)
		}
	}

	pm.mu.Lock()
	pm.current = &stats
	pm.mu.Unlock()
}

func (pm *PoolMonitor) collectStats() PoolStats {
	dbStats := pm.db.Stats()

	stats := PoolStats{
		Name:         pm.name,
		MaxOpenConns: dbStats.MaxOpenConnections,
		OpenConns:    dbStats.OpenConnections,
		InUse:        dbStats.InUse,
		Idle:         dbStats.Idle,
		WaitCount:    dbStats.WaitCount,
		WaitDuration: dbStats.WaitDuration,
		CollectedAt:  time.Now(),
	}
	if stats.MaxOpenConns > 0 {
		stats.Utilization = float64(stats.InUse) / float64(stats.MaxOpenConns)
		stats.Saturated = stats.InUse >= stats.MaxOpenConns
	}
	if stats.OpenConns > 0 {
		stats.IdleRatio = float64(stats.Idle) / float64(stats.OpenConns)
	}
	if stats.WaitCount > 0 {
		stats.AvgWaitTime = stats.WaitDuration / time.Duration(stats.WaitCount)
	}
	stats.HighUsage = stats.Utilization >= pm.threshold

	pm.mu.RLock()
	stats.Alerts = pm.alerts
	stats.Adjustments = pm.adjustments
	pm.mu.RUnlock()
	return stats
}

// performAutoTuning grows the pool toward 3 connections per core, at most once
// every 5 minutes.
func (pm *PoolMonitor) performAutoTuning(stats *PoolStats) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if time.Since(pm.lastAdjustment) < 5*time.Minute {
		return
	}

	cpuCores := runtime.NumCPU()
	optimalMaxOpen := min(max(cpuCores*3, 25), 100)
	optimalMaxIdle := max(optimalMaxOpen*40/100, 10)

	if stats.MaxOpenConns <= 0 || optimalMaxOpen <= stats.MaxOpenConns {
		return
	}

	pm.logger.Info("Auto-tuning connection pool",
		pm.logger.Args(
			"pool", pm.name,
			"current_max_open", stats.MaxOpenConns,
			"new_max_open", optimalMaxOpen,
			"new_max_idle", optimalMaxIdle,
			"cpu_cores", cpuCores,
		))

	pm.db.SetMaxOpenConns(optimalMaxOpen)
	pm.db.SetMaxIdleConns(optimalMaxIdle)
	pm.adjustments++
	pm.lastAdjustment = time.Now()
	stats.Adjustments = pm.adjustments
}
