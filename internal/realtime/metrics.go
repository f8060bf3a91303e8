package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

// metricsWindow is the span live rates are computed over.
const metricsWindow = 60

type secondBucket struct {
	sec    int64
	total  int64
	errors int64
	levels [6]int64
	agents map[string]int64
}

// MetricsCollector derives live ingestion rates from a bus subscription.
type MetricsCollector struct {
	logger *pterm.Logger
	now    func() time.Time

	bucketMu sync.Mutex
	buckets  [metricsWindow]secondBucket
	total    int64

	// Current metrics
	mu          sync.RWMutex
	entryRate   float64 // entries per second
	errorRate   float64 // error+fatal per second
	levelCounts map[models.Level]int64
	agentCounts map[string]int64
	lastUpdate  time.Time
}

// RealtimeMetrics is the latest live snapshot over the last minute.
type RealtimeMetrics struct {
	EntryRate    float64                `json:"entry_rate"` // entries/sec
	ErrorRate    float64                `json:"error_rate"` // errors/sec
	LevelCounts  map[models.Level]int64 `json:"level_counts"`
	ActiveAgents int                    `json:"active_agents"`
	TotalSeen    int64                  `json:"total_seen"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AgentMetrics is the live rate of a single agent.
type AgentMetrics struct {
	AgentID   string  `json:"agent_id"`
	EntryRate float64 `json:"entry_rate"`
}

func NewMetricsCollector(logger *pterm.Logger) *MetricsCollector {
	return &MetricsCollector{
		logger:      logger,
		now:         time.Now,
		levelCounts: make(map[models.Level]int64),
		agentCounts: make(map[string]int64),
		lastUpdate:  time.Now(),
	}
}

// Start consumes the subscription and refreshes the snapshot every interval
// until ctx is cancelled or the subscription channel closes.
func (m *MetricsCollector) Start(ctx context.Context, sub *Subscription, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				m.Record(e)
			case <-ticker.C:
				m.collectMetrics()
			}
		}
	}()
	m.logger.Info("Real-time metrics collector started",
		m.logger.Args("interval", interval.String()))
}

// Record counts one entry in the current second.
func (m *MetricsCollector) Record(e *models.LogEntry) {
	sec := m.now().Unix()
	m.bucketMu.Lock()
	defer m.bucketMu.Unlock()

	b := &m.buckets[sec%metricsWindow]
	if b.sec != sec {
		*b = secondBucket{sec: sec, agents: make(map[string]int64)}
	}
	b.total++
	if e.Level.IsError() {
		b.errors++
	}
	b.levels[e.Level.Rank()]++
	b.agents[e.AgentID]++
	m.total++
}

// collectMetrics folds the last minute of buckets into the snapshot.
func (m *MetricsCollector) collectMetrics() {
	now := m.now()
	oldest := now.Unix() - metricsWindow + 1

	var total, errors int64
	levels := make(map[models.Level]int64, len(models.Levels))
	agents := make(map[string]int64)

	m.bucketMu.Lock()
	for i := range m.buckets {
		b := &m.buckets[i]
		if b.sec < oldest || b.total == 0 {
			continue
		}
		total += b.total
		errors += b.errors
		for rank, n := range b.levels {
			if n > 0 {
				levels[models.Levels[rank]] += n
			}
		}
		for agent, n := range b.agents {
			agents[agent] += n
		}
	}
	m.bucketMu.Unlock()

	entryRate := float64(total) / metricsWindow
	errorRate := float64(errors) / metricsWindow

	m.mu.Lock()
	m.entryRate = entryRate
	m.errorRate = errorRate
	m.levelCounts = levels
	m.agentCounts = agents
	m.lastUpdate = now
	m.mu.Unlock()

	m.logger.Trace("Collected real-time metrics",
		m.logger.Args(
			"entry_rate", entryRate,
			"error_rate", errorRate,
			"active_agents", len(agents),
		))
}

// GetMetrics returns the current metrics snapshot
func (m *MetricsCollector) GetMetrics() *RealtimeMetrics {
	m.bucketMu.Lock()
	total := m.total
	m.bucketMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	levels := make(map[models.Level]int64, len(m.levelCounts))
	for k, v := range m.levelCounts {
		levels[k] = v
	}
	return &RealtimeMetrics{
		EntryRate:    m.entryRate,
		ErrorRate:    m.errorRate,
		LevelCounts:  levels,
		ActiveAgents: len(m.agentCounts),
		TotalSeen:    total,
		Timestamp:    m.lastUpdate,
	}
}

// GetPerAgentMetrics returns live rates per agent, busiest first.
func (m *MetricsCollector) GetPerAgentMetrics() []AgentMetrics {
	m.mu.RLock()
	out := make([]AgentMetrics, 0, len(m.agentCounts))
	for agent, n := range m.agentCounts {
		out = append(out, AgentMetrics{AgentID: agent, EntryRate: float64(n) / metricsWindow})
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryRate != out[j].EntryRate {
			return out[i].EntryRate > out[j].EntryRate
		}
		return out[i].AgentID < out[j].AgentID
	})
	return out
}
