package repositories

import (
	"context"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"gorm.io/gorm"
)

const (
	// DefaultQueryTimeout bounds every stats query
	DefaultQueryTimeout = 30 * time.Second
	// DefaultLookbackHours is the default time range for stats queries (7 days)
	DefaultLookbackHours = 168
)

// StatsRepository serves the SQL-side dashboards over stored log entries.
// Every method takes an optional agent filter; empty means all agents.
type StatsRepository interface {
	GetSummary(agentIDs []string) (*StatsSummary, error)
	GetTimeline(hours int, agentIDs []string) ([]*TimelineData, error)
	GetActivityHeatmap(days int, agentIDs []string) ([]*HeatmapData, error)
	GetAgentStats() ([]*AgentStats, error)
	GetTopSessions(limit int, agentIDs []string) ([]*SessionStats, error)
	GetTopSources(limit int, agentIDs []string) ([]*SourceStats, error)
}

type StatsSummary struct {
	TotalEntries   int64   `json:"totalEntries"`
	ErrorEntries   int64   `json:"errorEntries"`
	WarnEntries    int64   `json:"warnEntries"`
	UniqueAgents   int64   `json:"uniqueAgents"`
	UniqueSessions int64   `json:"uniqueSessions"`
	UniqueSources  int64   `json:"uniqueSources"`
	ErrorRate      float64 `json:"errorRate"`
	EntriesPerHour float64 `json:"entriesPerHour"`
	TopAgent       string  `json:"topAgent"`
	TopSession     string  `json:"topSession"`
}

type TimelineData struct {
	Hour     string `json:"hour"`
	Entries  int64  `json:"entries"`
	Errors   int64  `json:"errors"`
	Warnings int64  `json:"warnings"`
	Sessions int64  `json:"sessions"`
}

type HeatmapData struct {
	DayOfWeek int   `json:"dayOfWeek"`
	Hour      int   `json:"hour"`
	Entries   int64 `json:"entries"`
	Errors    int64 `json:"errors"`
}

type AgentStats struct {
	AgentID   string  `json:"agentId"`
	Entries   int64   `json:"entries"`
	Errors    int64   `json:"errors"`
	Sessions  int64   `json:"sessions"`
	FirstSeen string  `json:"firstSeen"`
	LastSeen  string  `json:"lastSeen"`
	ErrorRate float64 `json:"errorRate"`
}

type SessionStats struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	Entries   int64  `json:"entries"`
	Errors    int64  `json:"errors"`
	StartedAt string `json:"startedAt"`
	EndedAt   string `json:"endedAt"`
}

type SourceStats struct {
	Source  string `json:"source"`
	AgentID string `json:"agentId"`
	Entries int64  `json:"entries"`
	Errors  int64  `json:"errors"`
}

type statsRepo struct {
	db     *gorm.DB
	logger *pterm.Logger
}

func NewStatsRepository(db *gorm.DB, logger *pterm.Logger) StatsRepository {
	return &statsRepo{
		db:     db,
		logger: logger,
	}
}

func (r *statsRepo) getTimeRange() time.Time {
	return time.Now().Add(-DefaultLookbackHours * time.Hour).UTC()
}

// withTimeout creates a context with default query timeout
func (r *statsRepo) withTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), DefaultQueryTimeout)
}

func (r *statsRepo) applyAgentFilter(query *gorm.DB, agentIDs []string) *gorm.DB {
	if len(agentIDs) == 0 {
		return query
	}
	return query.Where("agent_id IN ?", agentIDs)
}

const (
	errorCase = "CASE WHEN level IN ('error', 'fatal') THEN 1 END"
	warnCase  = "CASE WHEN level = 'warn' THEN 1 END"
)

func (r *statsRepo) GetSummary(agentIDs []string) (*StatsSummary, error) {
	ctx, cancel := r.withTimeout()
	defer cancel()

	since := r.getTimeRange()
	summary := &StatsSummary{}

	query := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select(`
			COUNT(*) as total_entries,
			COUNT(` + errorCase + `) as error_entries,
			COUNT(` + warnCase + `) as warn_entries,
			COUNT(DISTINCT agent_id) as unique_agents,
			COUNT(DISTINCT NULLIF(session_id, '')) as unique_sessions,
			COUNT(DISTINCT source) as unique_sources
		`).
		Where("timestamp > ?", since)
	query = r.applyAgentFilter(query, agentIDs)

	if err := query.Scan(summary).Error; err != nil {
		r.logger.WithCaller().Error("Failed to get summary stats", r.logger.Args("error", err))
		return nil, err
	}

	if summary.TotalEntries > 0 {
		summary.ErrorRate = float64(summary.ErrorEntries) / float64(summary.TotalEntries)
	}
	summary.EntriesPerHour = float64(summary.TotalEntries) / float64(DefaultLookbackHours)

	query = r.db.WithContext(ctx).Model(&models.LogEntry{}).Where("timestamp > ?", since)
	query = r.applyAgentFilter(query, agentIDs)
	query.Group("agent_id").Order("COUNT(*) DESC").Limit(1).Pluck("agent_id", &summary.TopAgent)

	query = r.db.WithContext(ctx).Model(&models.LogEntry{}).Where("timestamp > ? AND session_id != ''", since)
	query = r.applyAgentFilter(query, agentIDs)
	query.Group("session_id").Order("COUNT(*) DESC").Limit(1).Pluck("session_id", &summary.TopSession)

	r.logger.Trace("Generated stats summary", r.logger.Args("total_entries", summary.TotalEntries, "agents", agentIDs))
	return summary, nil
}

// GetTimeline groups by hour up to a day, by day up to 30 days, by week beyond.
func (r *statsRepo) GetTimeline(hours int, agentIDs []string) ([]*TimelineData, error) {
	if hours <= 0 {
		hours = 24
	}
	ctx, cancel := r.withTimeout()
	defer cancel()

	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()

	var groupBy string
	switch {
	case hours <= 24:
		groupBy = "strftime('%Y-%m-%d %H:00', timestamp)"
	case hours <= 720:
		groupBy = "strftime('%Y-%m-%d', timestamp)"
	default:
		groupBy = "strftime('%Y-W%W', timestamp)"
	}

	var timeline []*TimelineData
	query := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select(groupBy+" as hour, COUNT(*) as entries, "+
			"COUNT("+errorCase+") as errors, "+
			"COUNT("+warnCase+") as warnings, "+
			"COUNT(DISTINCT NULLIF(session_id, '')) as sessions").
		Where("timestamp > ?", since)
	query = r.applyAgentFilter(query, agentIDs)

	if err := query.Group(groupBy).Order("hour").Scan(&timeline).Error; err != nil {
		r.logger.WithCaller().Error("Failed to get timeline stats", r.logger.Args("error", err))
		return nil, err
	}

	r.logger.Trace("Generated timeline stats", r.logger.Args("hours", hours, "data_points", len(timeline)))
	return timeline, nil
}

// GetActivityHeatmap groups entries by day of week (0 = Sunday) and hour, UTC.
func (r *statsRepo) GetActivityHeatmap(days int, agentIDs []string) ([]*HeatmapData, error) {
	if days <= 0 {
		days = 30
	} else if days > 365 {
		days = 365
	}
	ctx, cancel := r.withTimeout()
	defer cancel()

	since := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UTC()

	var heatmap []*HeatmapData
	query := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select("CAST(strftime('%w', timestamp) AS INTEGER) as day_of_week, "+
			"CAST(strftime('%H', timestamp) AS INTEGER) as hour, "+
			"COUNT(*) as entries, COUNT("+errorCase+") as errors").
		Where("timestamp > ?", since)
	query = r.applyAgentFilter(query, agentIDs)

	if err := query.Group("day_of_week, hour").Order("day_of_week, hour").Scan(&heatmap).Error; err != nil {
		r.logger.WithCaller().Error("Failed to get activity heatmap", r.logger.Args("error", err))
		return nil, err
	}

	r.logger.Trace("Generated activity heatmap", r.logger.Args("days", days, "data_points", len(heatmap)))
	return heatmap, nil
}

func (r *statsRepo) GetAgentStats() ([]*AgentStats, error) {
	ctx, cancel := r.withTimeout()
	defer cancel()

	var agents []*AgentStats
	err := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select("agent_id, COUNT(*) as entries, COUNT("+errorCase+") as errors, "+
			"COUNT(DISTINCT NULLIF(session_id, '')) as sessions, "+
			"MIN(timestamp) as first_seen, MAX(timestamp) as last_seen").
		Where("timestamp > ?", r.getTimeRange()).
		Group("agent_id").
		Order("entries DESC").
		Scan(&agents).Error
	if err != nil {
		r.logger.WithCaller().Error("Failed to get agent stats", r.logger.Args("error", err))
		return nil, err
	}

	for _, a := range agents {
		if a.Entries > 0 {
			a.ErrorRate = float64(a.Errors) / float64(a.Entries)
		}
	}
	return agents, nil
}

func (r *statsRepo) GetTopSessions(limit int, agentIDs []string) ([]*SessionStats, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := r.withTimeout()
	defer cancel()

	var sessions []*SessionStats
	query := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select("session_id, agent_id, COUNT(*) as entries, COUNT("+errorCase+") as errors, "+
			"MIN(timestamp) as started_at, MAX(timestamp) as ended_at").
		Where("timestamp > ? AND session_id != ''", r.getTimeRange())
	query = r.applyAgentFilter(query, agentIDs)

	if err := query.Group("session_id, agent_id").Order("entries DESC").Limit(limit).Scan(&sessions).Error; err != nil {
		r.logger.WithCaller().Error("Failed to get top sessions", r.logger.Args("error", err))
		return nil, err
	}
	return sessions, nil
}

func (r *statsRepo) GetTopSources(limit int, agentIDs []string) ([]*SourceStats, error) {
	if limit <= 0 {
		limit = 10
	}
	ctx, cancel := r.withTimeout()
	defer cancel()

	var sources []*SourceStats
	query := r.db.WithContext(ctx).Model(&models.LogEntry{}).
		Select("source, agent_id, COUNT(*) as entries, COUNT("+errorCase+") as errors").
		Where("timestamp > ?", r.getTimeRange())
	query = r.applyAgentFilter(query, agentIDs)

	if err := query.Group("source, agent_id").Order("entries DESC").Limit(limit).Scan(&sources).Error; err != nil {
		r.logger.WithCaller().Error("Failed to get top sources", r.logger.Args("error", err))
		return nil, err
	}
	return sources, nil
}
