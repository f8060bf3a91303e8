package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type AnomalyType string

const (
	AnomalyVolumeSpike           AnomalyType = "volume_spike"
	AnomalyErrorBurst            AnomalyType = "error_burst"
	AnomalyAgentSilence          AnomalyType = "agent_silence"
	AnomalyPattern               AnomalyType = "pattern_anomaly"
	AnomalySequenceBreak         AnomalyType = "sequence_break"
	AnomalyTemporalDeviation     AnomalyType = "temporal_deviation"
	AnomalyCrossAgentCorrelation AnomalyType = "cross_agent_correlation"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Alert is a persisted anomaly alert. The engine only creates alerts in the
// active state; acknowledge and resolve are operator actions.
type Alert struct {
	ID             string            `gorm:"primaryKey;size:36" json:"id"`
	Type           AnomalyType       `gorm:"size:32;not null;index" json:"type"`
	Message        string            `gorm:"type:text;not null" json:"message"`
	Severity       AlertSeverity     `gorm:"size:16;not null" json:"severity"`
	Status         AlertStatus       `gorm:"size:16;not null;index" json:"status"`
	Timestamp      time.Time         `gorm:"not null;index" json:"timestamp"`
	AgentID        string            `gorm:"index" json:"agentId,omitempty"`
	Confidence     float64           `json:"confidence"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	AcknowledgedAt *time.Time        `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time        `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

func (Alert) TableName() string {
	return "alerts"
}

// Transition moves the alert forward: active -> acknowledged -> resolved, or
// active -> resolved. Moving backwards or repeating a state is rejected.
func (a *Alert) Transition(to AlertStatus, now time.Time) error {
	switch {
	case a.Status == AlertActive && to == AlertAcknowledged:
		a.AcknowledgedAt = &now
	case (a.Status == AlertActive || a.Status == AlertAcknowledged) && to == AlertResolved:
		a.ResolvedAt = &now
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = now
	return nil
}

// AnalysisRun records one execution of an analysis.
type AnalysisRun struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Analysis       string    `gorm:"size:32;not null;index" json:"analysis"`
	StartedAt      time.Time `gorm:"not null;index" json:"startedAt"`
	DurationMs     int64     `json:"durationMs"`
	EntriesScanned int       `json:"entriesScanned"`
	PatternsFound  int       `json:"patternsFound"`
	AnomaliesFound int       `json:"anomaliesFound"`
	Error          string    `json:"error,omitempty"`
	Skipped        bool      `json:"skipped"`
}

func (AnalysisRun) TableName() string {
	return "analysis_runs"
}
