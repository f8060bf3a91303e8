package normalize

import (
	"testing"
	"time"

	"agentlog/internal/database/models"
)

func TestEntryID_Deterministic(t *testing.T) {
	meta := SourceMeta{SourceID: "claude-code", Path: "/tmp/a.log", Offset: 42}

	first := EntryID(meta, `{"message":"hello"}`)
	second := EntryID(meta, `{"message":"hello"}`)
	if first != second {
		t.Errorf("Expected identical ids, got %s and %s", first, second)
	}

	meta.Offset = 43
	if EntryID(meta, `{"message":"hello"}`) == first {
		t.Error("Expected a different id for a different offset")
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-14T09:26:53Z", want},
		{"2025-03-14T10:26:53+01:00", want},
		{"2025-03-14 09:26:53", want},
		{"2025-03-14T09:26:53.250Z", want.Add(250 * time.Millisecond)},
		{"2025-03-14 09:26:53,250", want.Add(250 * time.Millisecond)},
	}

	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if !ok {
			t.Errorf("Expected %q to parse", tt.in)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Expected %v for %q, got %v", tt.want, tt.in, got)
		}
	}

	if _, ok := ParseTimestamp("yesterday at noon"); ok {
		t.Error("Expected free text to be rejected")
	}
}

func TestEpochTimestamp(t *testing.T) {
	want := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	for _, v := range []float64{float64(want.Unix()), float64(want.UnixMilli()), float64(want.UnixMicro())} {
		got, ok := EpochTimestamp(v)
		if !ok || !got.Equal(want) {
			t.Errorf("Expected %v for %v, got %v", want, v, got)
		}
	}
}

func TestNewEntry_FallsBackToIngestionTime(t *testing.T) {
	ingested := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	meta := SourceMeta{SourceID: "s", AgentID: "a", IngestedAt: ingested}

	entry := NewEntry(meta, time.Time{}, models.LevelInfo, "msg", "raw")
	if !entry.Timestamp.Equal(ingested) {
		t.Errorf("Expected ingestion time, got %v", entry.Timestamp)
	}
	if entry.AgentID != "a" || entry.Source != "s" {
		t.Errorf("Expected source identity to be stamped, got %+v", entry)
	}
}
