package analytics

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"time"

	"agentlog/internal/database/models"
)

type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthIdle      HealthStatus = "idle"
)

const (
	degradedErrorRate  = 0.05
	unhealthyErrorRate = 0.25
	topAgentsLimit     = 10
)

// TimelinePoint is the entry count of one bucket.
type TimelinePoint struct {
	Bucket time.Time `json:"bucket"`
	Total  int64     `json:"total"`
	Errors int64     `json:"errors"`
	Warns  int64     `json:"warns"`
}

type AgentCount struct {
	AgentID string `json:"agentId"`
	Count   int64  `json:"count"`
}

// LogMetrics is the volume breakdown of one analysis window.
type LogMetrics struct {
	WindowStart    time.Time              `json:"windowStart"`
	WindowEnd      time.Time              `json:"windowEnd"`
	TotalEntries   int64                  `json:"totalEntries"`
	ErrorCount     int64                  `json:"errorCount"`
	WarnCount      int64                  `json:"warnCount"`
	ErrorRate      float64                `json:"errorRate"`
	EntriesPerHour float64                `json:"entriesPerHour"`
	ByLevel        map[models.Level]int64 `json:"byLevel"`
	Timeline       []TimelinePoint        `json:"timeline"`
	TopAgents      []AgentCount           `json:"topAgents"`
	UniqueSessions int                    `json:"uniqueSessions"`
	GeneratedAt    time.Time              `json:"generatedAt"`
}

func (m *LogMetrics) clone() *LogMetrics {
	if m == nil {
		return nil
	}
	cp := *m
	cp.ByLevel = maps.Clone(m.ByLevel)
	cp.Timeline = append([]TimelinePoint(nil), m.Timeline...)
	cp.TopAgents = append([]AgentCount(nil), m.TopAgents...)
	return &cp
}

// AgentHealth scores one agent over the window.
type AgentHealth struct {
	AgentID      string       `json:"agentId"`
	Status       HealthStatus `json:"status"`
	HealthScore  float64      `json:"healthScore"`
	TotalEntries int64        `json:"totalEntries"`
	ErrorCount   int64        `json:"errorCount"`
	WarnCount    int64        `json:"warnCount"`
	ErrorRate    float64      `json:"errorRate"`
	LastSeen     time.Time    `json:"lastSeen"`
}

// Summary is the headline view across every analysis.
type Summary struct {
	GeneratedAt         time.Time                      `json:"generatedAt"`
	Window              string                         `json:"window"`
	TotalEntries        int64                          `json:"totalEntries"`
	ErrorRate           float64                        `json:"errorRate"`
	ActiveAgents        int                            `json:"activeAgents"`
	HealthyAgents       int                            `json:"healthyAgents"`
	Patterns            int                            `json:"patterns"`
	ErrorPatterns       int                            `json:"errorPatterns"`
	Clusters            int                            `json:"clusters"`
	Sequences           int                            `json:"sequences"`
	Anomalies           int                            `json:"anomalies"`
	AnomaliesByType     map[models.AnomalyType]int     `json:"anomaliesByType"`
	AnomaliesBySeverity map[models.AlertSeverity]int   `json:"anomaliesBySeverity"`
	TopPattern          string                         `json:"topPattern,omitempty"`
	LastRuns            map[string]*models.AnalysisRun `json:"lastRuns"`
}

// computeLogMetrics derives the window breakdown from store aggregates.
func computeLogMetrics(ctx context.Context, r Reader, start, end time.Time, bucket time.Duration) (*LogMetrics, error) {
	filter := models.LogFilter{Start: start, End: end}
	m := &LogMetrics{
		WindowStart: start,
		WindowEnd:   end,
		ByLevel:     make(map[models.Level]int64),
		GeneratedAt: end,
	}

	byLevel, err := r.Aggregate(ctx, models.AggregateRequest{Filter: filter, GroupBy: models.GroupByLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate levels: %w", err)
	}
	for _, row := range byLevel {
		lvl := models.Level(row.Key)
		m.ByLevel[lvl] += row.Count
		m.TotalEntries += row.Count
		switch {
		case lvl.IsError():
			m.ErrorCount += row.Count
		case lvl == models.LevelWarn:
			m.WarnCount += row.Count
		}
	}
	if m.TotalEntries > 0 {
		m.ErrorRate = round3(float64(m.ErrorCount) / float64(m.TotalEntries))
	}
	if hours := end.Sub(start).Hours(); hours > 0 {
		m.EntriesPerHour = round3(float64(m.TotalEntries) / hours)
	}

	timeline, err := r.Aggregate(ctx, models.AggregateRequest{Filter: filter, GroupBy: models.GroupByLevel, Interval: bucket})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate timeline: %w", err)
	}
	points := make(map[time.Time]*TimelinePoint)
	for _, row := range timeline {
		p, ok := points[row.Bucket]
		if !ok {
			p = &TimelinePoint{Bucket: row.Bucket}
			points[row.Bucket] = p
		}
		p.Total += row.Count
		switch lvl := models.Level(row.Key); {
		case lvl.IsError():
			p.Errors += row.Count
		case lvl == models.LevelWarn:
			p.Warns += row.Count
		}
	}
	for _, p := range points {
		m.Timeline = append(m.Timeline, *p)
	}
	sort.Slice(m.Timeline, func(i, j int) bool { return m.Timeline[i].Bucket.Before(m.Timeline[j].Bucket) })

	byAgent, err := r.Aggregate(ctx, models.AggregateRequest{Filter: filter, GroupBy: models.GroupByAgent})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agents: %w", err)
	}
	for _, row := range byAgent {
		m.TopAgents = append(m.TopAgents, AgentCount{AgentID: row.Key, Count: row.Count})
	}
	sort.Slice(m.TopAgents, func(i, j int) bool {
		if m.TopAgents[i].Count != m.TopAgents[j].Count {
			return m.TopAgents[i].Count > m.TopAgents[j].Count
		}
		return m.TopAgents[i].AgentID < m.TopAgents[j].AgentID
	})
	if len(m.TopAgents) > topAgentsLimit {
		m.TopAgents = m.TopAgents[:topAgentsLimit]
	}

	sessions, err := r.Aggregate(ctx, models.AggregateRequest{Filter: filter, GroupBy: models.GroupBySession})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}
	for _, row := range sessions {
		if row.Key != "" {
			m.UniqueSessions++
		}
	}
	return m, nil
}

// computeAgentHealth scores every agent seen in the window. Agents silent
// for longer than idleAfter are reported idle whatever their error rate.
func computeAgentHealth(ctx context.Context, r Reader, start, end time.Time, idleAfter time.Duration) ([]AgentHealth, error) {
	filter := models.LogFilter{Start: start, End: end}
	rows, err := r.Aggregate(ctx, models.AggregateRequest{Filter: filter, GroupBy: models.GroupByAgent})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agents: %w", err)
	}

	health := make(map[string]*AgentHealth, len(rows))
	for _, row := range rows {
		health[row.Key] = &AgentHealth{AgentID: row.Key, TotalEntries: row.Count}
	}

	for _, lv := range []struct {
		levels []models.Level
		set    func(*AgentHealth, int64)
	}{
		{[]models.Level{models.LevelError, models.LevelFatal}, func(h *AgentHealth, n int64) { h.ErrorCount = n }},
		{[]models.Level{models.LevelWarn}, func(h *AgentHealth, n int64) { h.WarnCount = n }},
	} {
		f := filter
		f.Levels = lv.levels
		counts, err := r.Aggregate(ctx, models.AggregateRequest{Filter: f, GroupBy: models.GroupByAgent})
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate agent levels: %w", err)
		}
		for _, row := range counts {
			if h := health[row.Key]; h != nil {
				lv.set(h, row.Count)
			}
		}
	}

	out := make([]AgentHealth, 0, len(health))
	for agentID, h := range health {
		f := filter
		f.AgentIDs = []string{agentID}
		latest, err := r.Query(ctx, models.LogQuery{Filter: f, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to query last entry of %s: %w", agentID, err)
		}
		if len(latest) > 0 {
			h.LastSeen = latest[0].Timestamp
		}
		scoreAgent(h, end, idleAfter)
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// scoreAgent sets the error rate, score (0-100) and status.
func scoreAgent(h *AgentHealth, now time.Time, idleAfter time.Duration) {
	if h.TotalEntries == 0 {
		h.Status = HealthIdle
		return
	}
	errRate := float64(h.ErrorCount) / float64(h.TotalEntries)
	warnRate := float64(h.WarnCount) / float64(h.TotalEntries)
	h.ErrorRate = round3(errRate)
	h.HealthScore = round3(100 * clamp01(1-2*errRate-0.5*warnRate))

	switch {
	case !h.LastSeen.IsZero() && now.Sub(h.LastSeen) > idleAfter:
		h.Status = HealthIdle
	case errRate >= unhealthyErrorRate:
		h.Status = HealthUnhealthy
	case errRate >= degradedErrorRate:
		h.Status = HealthDegraded
	default:
		h.Status = HealthHealthy
	}
}
