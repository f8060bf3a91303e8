package analytics

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"
)

const (
	AnalysisPatterns  = "patterns"
	AnalysisSequences = "sequences"
	AnalysisAnomalies = "anomalies"
	AnalysisMetrics   = "metrics"
)

// Analyses lists every analysis in scheduling order.
var Analyses = []string{AnalysisPatterns, AnalysisSequences, AnalysisAnomalies, AnalysisMetrics}

// Reader is the read side of the log store.
type Reader interface {
	Query(ctx context.Context, q models.LogQuery) ([]*models.LogEntry, error)
	Count(ctx context.Context, f models.LogFilter) (int64, error)
	Aggregate(ctx context.Context, req models.AggregateRequest) ([]models.AggregationRow, error)
}

// RunStats counts the executions of one analysis.
type RunStats struct {
	Analysis string              `json:"analysis"`
	Running  bool                `json:"running"`
	Runs     int64               `json:"runs"`
	Skipped  int64               `json:"skipped"`
	Failures int64               `json:"failures"`
	Last     *models.AnalysisRun `json:"last,omitempty"`
}

type analysisState struct {
	running  atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64
	failures atomic.Int64
}

// snapshot holds the latest result of every analysis. Each analysis replaces
// its own fields wholesale on success.
type snapshot struct {
	patterns    []Pattern
	clusters    []Cluster
	sequences   []SequencePattern
	anomalies   []*models.Alert
	metrics     *LogMetrics
	agentHealth []AgentHealth
	lastRuns    map[string]*models.AnalysisRun
}

// Engine runs the analyses on a timer over windows read from the store.
// Every getter returns a copy of the last completed result.
type Engine struct {
	reader Reader
	alerts AlertStore
	runs   RunRecorder
	cfg    Config
	logger *pterm.Logger
	now    func() time.Time

	states map[string]*analysisState
	jobs   map[string]func(context.Context, *models.AnalysisRun) error

	mu   sync.RWMutex
	snap snapshot

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine. Nil stores fall back to in-memory ones.
func NewEngine(reader Reader, alerts AlertStore, runs RunRecorder, cfg Config, logger *pterm.Logger) *Engine {
	cfg.defaults()
	if alerts == nil {
		alerts = NewMemoryAlertStore()
	}
	if runs == nil {
		runs = NewMemoryRunRecorder(0)
	}
	e := &Engine{
		reader: reader,
		alerts: alerts,
		runs:   runs,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		states: make(map[string]*analysisState, len(Analyses)),
		snap:   snapshot{lastRuns: make(map[string]*models.AnalysisRun)},
	}
	e.jobs = map[string]func(context.Context, *models.AnalysisRun) error{
		AnalysisPatterns:  e.runPatterns,
		AnalysisSequences: e.runSequences,
		AnalysisAnomalies: e.runAnomalies,
		AnalysisMetrics:   e.runMetrics,
	}
	for _, name := range Analyses {
		e.states[name] = &analysisState{}
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Start runs every analysis immediately and then on each interval tick until
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.logger.Info("Starting analytics engine", e.logger.Args(
		"interval", e.cfg.Interval,
		"window", e.cfg.Window,
		"deadline", e.cfg.RunDeadline,
	))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()

		e.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	}()
}

// tick launches each analysis without waiting, so a slow analysis only
// causes its own next tick to be skipped.
func (e *Engine) tick(ctx context.Context) {
	for _, name := range Analyses {
		e.wg.Add(1)
		go func(name string) {
			defer e.wg.Done()
			_ = e.RunAnalysis(ctx, name)
		}(name)
	}
}

// Stop cancels scheduling and waits for in-flight runs.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Analytics engine stopped")
}

// RunAll runs every analysis concurrently and waits for all of them. The
// first failure is returned; the others still complete.
func (e *Engine) RunAll(ctx context.Context) error {
	var g errgroup.Group
	for _, name := range Analyses {
		g.Go(func() error {
			return e.RunAnalysis(ctx, name)
		})
	}
	return g.Wait()
}

// RunAnalysis executes one analysis unless it is already running, in which
// case the run is recorded as skipped.
func (e *Engine) RunAnalysis(ctx context.Context, name string) error {
	state, ok := e.states[name]
	if !ok {
		return fmt.Errorf("unknown analysis %q", name)
	}

	run := &models.AnalysisRun{
		ID:        newRunID(),
		Analysis:  name,
		StartedAt: e.now().UTC(),
	}

	if !state.running.CompareAndSwap(false, true) {
		state.skipped.Add(1)
		run.Skipped = true
		e.logger.Warn("Analysis still running, skipping tick", e.logger.Args("analysis", name))
		e.record(ctx, run)
		return nil
	}
	defer state.running.Store(false)
	state.runs.Add(1)

	// An overrunning analysis finishes; the in-progress flag makes the next
	// tick skip it.
	started := time.Now()
	err := e.safeRun(ctx, name, run)
	elapsed := time.Since(started)
	run.DurationMs = elapsed.Milliseconds()

	if err != nil {
		state.failures.Add(1)
		run.Error = err.Error()
		e.logger.WithCaller().Error("Analysis failed", e.logger.Args("analysis", name, "error", err, "duration", elapsed))
	} else {
		e.logger.Debug("Analysis completed", e.logger.Args(
			"analysis", name,
			"duration", elapsed,
			"entries", run.EntriesScanned,
			"patterns", run.PatternsFound,
			"anomalies", run.AnomaliesFound,
		))
	}
	if elapsed > e.cfg.RunDeadline {
		e.logger.Warn("Analysis overran its deadline", e.logger.Args("analysis", name, "duration", elapsed, "deadline", e.cfg.RunDeadline))
	}

	e.record(ctx, run)
	return err
}

func (e *Engine) safeRun(ctx context.Context, name string, run *models.AnalysisRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis %s panicked: %v", name, r)
		}
	}()
	return e.jobs[name](ctx, run)
}

func (e *Engine) record(ctx context.Context, run *models.AnalysisRun) {
	if !run.Skipped {
		e.mu.Lock()
		cp := *run
		e.snap.lastRuns[run.Analysis] = &cp
		e.mu.Unlock()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.runs.RecordRun(recordCtx, run); err != nil {
		e.logger.WithCaller().Warn("Failed to record analysis run", e.logger.Args("analysis", run.Analysis, "error", err))
	}
}

func newRunID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// loadWindow reads up to MaxEntries of the newest entries in [start, end)
// and returns them oldest first, with the total count of the range.
func (e *Engine) loadWindow(ctx context.Context, start, end time.Time) ([]*models.LogEntry, int64, error) {
	filter := models.LogFilter{Start: start, End: end}
	entries, err := e.reader.Query(ctx, models.LogQuery{Filter: filter, Limit: e.cfg.MaxEntries})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load window: %w", err)
	}
	slices.Reverse(entries)

	total, err := e.reader.Count(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count window: %w", err)
	}
	return entries, max(total, int64(len(entries))), nil
}

func (e *Engine) previousCounts(ctx context.Context, start, end time.Time) (map[string]int, error) {
	prev, _, err := e.loadWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}
	return templateCounts(prev), nil
}

func (e *Engine) runPatterns(ctx context.Context, run *models.AnalysisRun) error {
	now := e.now()
	start := now.Add(-e.cfg.Window)

	entries, total, err := e.loadWindow(ctx, start, now)
	if err != nil {
		return err
	}
	previous, err := e.previousCounts(ctx, start.Add(-e.cfg.Window), start)
	if err != nil {
		return err
	}

	groups := groupEntries(entries)
	patterns := buildPatterns(groups, previous, total, e.cfg)
	clusters := clusterGroups(groups, e.cfg.ClusterSimilarity, e.cfg.MaxClusters)

	run.EntriesScanned = len(entries)
	run.PatternsFound = len(patterns)

	e.mu.Lock()
	e.snap.patterns = patterns
	e.snap.clusters = clusters
	e.mu.Unlock()
	return nil
}

func (e *Engine) runSequences(ctx context.Context, run *models.AnalysisRun) error {
	now := e.now()
	entries, _, err := e.loadWindow(ctx, now.Add(-e.cfg.Window), now)
	if err != nil {
		return err
	}

	sequences, streams := mineSequences(entries, e.cfg)
	run.EntriesScanned = len(entries)
	run.PatternsFound = len(sequences)
	e.logger.Trace("Mined sequences", e.logger.Args("streams", streams, "sequences", len(sequences)))

	e.mu.Lock()
	e.snap.sequences = sequences
	e.mu.Unlock()
	return nil
}

func (e *Engine) runAnomalies(ctx context.Context, run *models.AnalysisRun) error {
	now := e.now()
	span := max(e.cfg.Window, time.Duration(e.cfg.Buckets+1)*e.cfg.Bucket)
	start := now.Add(-span)

	entries, _, err := e.loadWindow(ctx, start, now)
	if err != nil {
		return err
	}
	previous, err := e.previousCounts(ctx, start.Add(-e.cfg.Window), start)
	if err != nil {
		return err
	}

	hourStart := models.BucketStart(now, time.Hour)
	baseline, err := e.reader.Aggregate(ctx, models.AggregateRequest{
		Filter:   models.LogFilter{Start: hourStart.Add(-e.cfg.BaselineWindow), End: hourStart},
		GroupBy:  models.GroupByAgent,
		Interval: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to load baseline: %w", err)
	}

	currentBucket := models.BucketStart(now, e.cfg.Bucket)
	volume, err := e.reader.Aggregate(ctx, models.AggregateRequest{
		Filter:   models.LogFilter{Start: currentBucket.Add(-time.Duration(e.cfg.Buckets) * e.cfg.Bucket), End: now},
		GroupBy:  models.GroupByAgent,
		Interval: e.cfg.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to load volume series: %w", err)
	}

	alerts := detectAnomalies(anomalyInput{
		now:      now,
		entries:  entries,
		previous: previous,
		baseline: baseline,
		volume:   volume,
		cfg:      e.cfg,
	}, e.logger)

	run.EntriesScanned = len(entries)
	run.AnomaliesFound = len(alerts)

	if len(alerts) > 0 {
		created, err := e.alerts.SaveAlerts(ctx, alerts)
		if err != nil {
			return fmt.Errorf("failed to save alerts: %w", err)
		}
		if created > 0 {
			e.logger.Info("New anomaly alerts", e.logger.Args("created", created, "detected", len(alerts)))
		}
	}

	e.mu.Lock()
	e.snap.anomalies = alerts
	e.mu.Unlock()
	return nil
}

func (e *Engine) runMetrics(ctx context.Context, run *models.AnalysisRun) error {
	now := e.now()
	start := now.Add(-e.cfg.Window)

	metrics, err := computeLogMetrics(ctx, e.reader, start, now, e.cfg.Bucket)
	if err != nil {
		return err
	}
	health, err := computeAgentHealth(ctx, e.reader, start, now, e.cfg.Bucket)
	if err != nil {
		return err
	}
	run.EntriesScanned = int(metrics.TotalEntries)

	e.mu.Lock()
	e.snap.metrics = metrics
	e.snap.agentHealth = health
	e.mu.Unlock()
	return nil
}

// GetLogMetrics returns the last volume breakdown, or nil before the first run.
func (e *Engine) GetLogMetrics() *LogMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.metrics.clone()
}

func (e *Engine) GetAgentHealthMetrics() []AgentHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.snap.agentHealth)
}

// DetectLogPatterns returns the error-related patterns: error category or an
// error-leaning level mix.
func (e *Engine) DetectLogPatterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Pattern
	for _, p := range e.snap.patterns {
		if isErrorPattern(p) {
			out = append(out, p.clone())
		}
	}
	return out
}

func isErrorPattern(p Pattern) bool {
	if p.Category == CategoryError {
		return true
	}
	errs := p.Levels[models.LevelError] + p.Levels[models.LevelFatal]
	return errs*2 >= p.Count
}

// DetectEnhancedPatterns returns every pattern of the last run.
func (e *Engine) DetectEnhancedPatterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Pattern, len(e.snap.patterns))
	for i, p := range e.snap.patterns {
		out[i] = p.clone()
	}
	return out
}

func (e *Engine) GetClusters() []Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Cluster, len(e.snap.clusters))
	for i, c := range e.snap.clusters {
		out[i] = c.clone()
	}
	return out
}

func (e *Engine) DetectSequencePatterns() []SequencePattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SequencePattern, len(e.snap.sequences))
	for i, s := range e.snap.sequences {
		out[i] = s.clone()
	}
	return out
}

// DetectEnhancedAnomalies returns the alerts detected by the last run,
// whatever their stored status.
func (e *Engine) DetectEnhancedAnomalies() []*models.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneAlerts(e.snap.anomalies)
}

func cloneAlerts(alerts []*models.Alert) []*models.Alert {
	out := make([]*models.Alert, len(alerts))
	for i, a := range alerts {
		cp := *a
		cp.Metadata = maps.Clone(a.Metadata)
		out[i] = &cp
	}
	return out
}

// GetAnalyticsSummary assembles the headline view from the latest snapshots.
func (e *Engine) GetAnalyticsSummary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s := Summary{
		GeneratedAt:         e.now().UTC(),
		Window:              e.cfg.Window.String(),
		Patterns:            len(e.snap.patterns),
		Clusters:            len(e.snap.clusters),
		Sequences:           len(e.snap.sequences),
		Anomalies:           len(e.snap.anomalies),
		AnomaliesByType:     make(map[models.AnomalyType]int),
		AnomaliesBySeverity: make(map[models.AlertSeverity]int),
		LastRuns:            make(map[string]*models.AnalysisRun, len(e.snap.lastRuns)),
	}
	if m := e.snap.metrics; m != nil {
		s.TotalEntries = m.TotalEntries
		s.ErrorRate = m.ErrorRate
	}
	for _, h := range e.snap.agentHealth {
		if h.Status != HealthIdle {
			s.ActiveAgents++
		}
		if h.Status == HealthHealthy {
			s.HealthyAgents++
		}
	}
	for _, p := range e.snap.patterns {
		if isErrorPattern(p) {
			s.ErrorPatterns++
		}
	}
	if len(e.snap.patterns) > 0 {
		s.TopPattern = e.snap.patterns[0].PatternText
	}
	for _, a := range e.snap.anomalies {
		s.AnomaliesByType[a.Type]++
		s.AnomaliesBySeverity[a.Severity]++
	}
	for name, run := range e.snap.lastRuns {
		cp := *run
		s.LastRuns[name] = &cp
	}
	return s
}

// GetRunStats reports counters per analysis in scheduling order.
func (e *Engine) GetRunStats() []RunStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]RunStats, 0, len(Analyses))
	for _, name := range Analyses {
		st := e.states[name]
		rs := RunStats{
			Analysis: name,
			Running:  st.running.Load(),
			Runs:     st.runs.Load(),
			Skipped:  st.skipped.Load(),
			Failures: st.failures.Load(),
		}
		if last := e.snap.lastRuns[name]; last != nil {
			cp := *last
			rs.Last = &cp
		}
		out = append(out, rs)
	}
	return out
}

// Alerts exposes the alert store for operator actions.
func (e *Engine) Alerts() AlertStore {
	return e.alerts
}

// RecentRuns lists recorded runs, newest first.
func (e *Engine) RecentRuns(ctx context.Context, analysis string, limit int) ([]*models.AnalysisRun, error) {
	return e.runs.RecentRuns(ctx, analysis, limit)
}
