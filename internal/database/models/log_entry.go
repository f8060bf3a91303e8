package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Level is the canonical severity of a log entry.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Levels lists every canonical level from least to most severe.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}

// ParseLevel maps a raw level token to a canonical Level.
// Matching is case-insensitive; unknown tokens map to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal", "critical":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// Rank orders levels by severity (trace=0 .. fatal=5).
func (l Level) Rank() int {
	for i, lvl := range Levels {
		if lvl == l {
			return i
		}
	}
	return 2
}

// IsError reports whether the level is error or fatal.
func (l Level) IsError() bool {
	return l == LevelError || l == LevelFatal
}

// LogEntry is the canonical, immutable shape every normalizer produces.
// Its JSON form is the contract with storage and live subscribers.
type LogEntry struct {
	ID        string            `gorm:"primaryKey;size:36" json:"id"`
	Timestamp time.Time         `gorm:"not null;index:idx_log_entries_timestamp" json:"timestamp"`
	Level     Level             `gorm:"size:8;not null;index:idx_log_entries_level" json:"level"`
	Message   string            `gorm:"type:text;not null" json:"message"`
	Source    string            `gorm:"not null;index:idx_log_entries_source" json:"source"`
	AgentID   string            `gorm:"not null;index:idx_log_entries_agent" json:"agentId"`
	SessionID string            `gorm:"index:idx_log_entries_session" json:"sessionId,omitempty"`
	Context   datatypes.JSONMap `json:"context,omitempty"`
	Metadata  datatypes.JSONMap `json:"metadata,omitempty"`
	Raw       string            `gorm:"type:text" json:"raw,omitempty"`

	// Storage tags, not part of the JSON contract
	Partition string    `gorm:"size:7;index:idx_log_entries_partition" json:"-"`
	ExpiresAt time.Time `gorm:"index:idx_log_entries_expires" json:"-"`
	CreatedAt time.Time `json:"-"`
}

func (LogEntry) TableName() string {
	return "log_entries"
}

// PartitionKey returns the monthly partition (YYYY-MM, UTC) for a timestamp.
func PartitionKey(ts time.Time) string {
	return ts.UTC().Format("2006-01")
}

// Tag stamps the storage partition and expiry derived from the entry timestamp.
func (e *LogEntry) Tag(retention time.Duration) {
	e.Partition = PartitionKey(e.Timestamp)
	if retention > 0 {
		e.ExpiresAt = e.Timestamp.Add(retention)
	}
}
