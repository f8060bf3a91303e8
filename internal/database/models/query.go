package models

import (
	"slices"
	"strings"
	"time"
)

// LogFilter selects log entries. Zero values mean "no constraint".
type LogFilter struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Levels    []Level   `json:"levels,omitempty"`
	AgentIDs  []string  `json:"agentIds,omitempty"`
	SourceIDs []string  `json:"sourceIds,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Search    string    `json:"search,omitempty"`
}

// Match reports whether an entry satisfies the filter. Start is inclusive, End exclusive.
// Search is a case-insensitive substring match on the message.
func (f LogFilter) Match(e *LogEntry) bool {
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !e.Timestamp.Before(f.End) {
		return false
	}
	if len(f.Levels) > 0 && !slices.Contains(f.Levels, e.Level) {
		return false
	}
	if len(f.AgentIDs) > 0 && !slices.Contains(f.AgentIDs, e.AgentID) {
		return false
	}
	if len(f.SourceIDs) > 0 && !slices.Contains(f.SourceIDs, e.Source) {
		return false
	}
	if f.SessionID != "" && f.SessionID != e.SessionID {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(e.Message), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// LogQuery is a paginated, sorted read over a filter. Default order is newest first.
type LogQuery struct {
	Filter  LogFilter `json:"filter"`
	Limit   int       `json:"limit"`
	Offset  int       `json:"offset"`
	SortAsc bool      `json:"sortAsc"`
}

type GroupBy string

const (
	GroupByNone    GroupBy = ""
	GroupByLevel   GroupBy = "level"
	GroupByAgent   GroupBy = "agent"
	GroupBySession GroupBy = "session"
	GroupBySource  GroupBy = "source"
)

// Valid reports whether g is a known grouping.
func (g GroupBy) Valid() bool {
	switch g {
	case GroupByNone, GroupByLevel, GroupByAgent, GroupBySession, GroupBySource:
		return true
	}
	return false
}

// KeyOf returns the grouping key of an entry.
func (g GroupBy) KeyOf(e *LogEntry) string {
	switch g {
	case GroupByLevel:
		return string(e.Level)
	case GroupByAgent:
		return e.AgentID
	case GroupBySession:
		return e.SessionID
	case GroupBySource:
		return e.Source
	}
	return ""
}

// AggregateRequest counts entries per time bucket and group key.
// A zero Interval yields a single bucket keyed at the zero time.
type AggregateRequest struct {
	Filter   LogFilter     `json:"filter"`
	GroupBy  GroupBy       `json:"groupBy"`
	Interval time.Duration `json:"interval"`
}

type AggregationRow struct {
	Bucket time.Time `json:"bucket"`
	Key    string    `json:"key,omitempty"`
	Count  int64     `json:"count"`
}

// BucketStart truncates ts to the interval the way histogram buckets are computed.
func BucketStart(ts time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return time.Time{}
	}
	step := int64(interval)
	n := ts.UnixNano()
	b := (n / step) * step
	if n < 0 && n%step != 0 {
		b -= step
	}
	return time.Unix(0, b).UTC()
}

// SortRows orders aggregation rows by bucket, then key.
func SortRows(rows []AggregationRow) {
	slices.SortFunc(rows, func(a, b AggregationRow) int {
		if c := a.Bucket.Compare(b.Bucket); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
