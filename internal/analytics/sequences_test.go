package analytics

import (
	"fmt"
	"testing"
	"time"

	"agentlog/internal/database/models"
)

// sessionEntries emits one session per start time, each walking the given
// messages one minute apart.
func sessionEntries(agent string, starts []time.Time, steps []string, level models.Level) []*models.LogEntry {
	var entries []*models.LogEntry
	for i, start := range starts {
		session := fmt.Sprintf("%s-s%d-%d", agent, i, start.Unix())
		for j, msg := range steps {
			entries = append(entries, withSession(mkEntry(start.Add(time.Duration(j)*time.Minute), agent, level, msg), session))
		}
	}
	return entries
}

func hoursAgo(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = testNow.Add(-time.Duration(i+2) * time.Hour)
	}
	return out
}

func TestMineSequences_MinimumFrequency(t *testing.T) {
	steps := []string{"planning task", "editing files", "running tests"}
	cfg := DefaultConfig()

	sequences, streams := mineSequences(sessionEntries("a", hoursAgo(4), steps, models.LevelInfo), cfg)
	if streams != 4 {
		t.Errorf("Expected 4 streams, got %d", streams)
	}
	if len(sequences) != 0 {
		t.Errorf("Expected no significant sequence below frequency 5, got %d", len(sequences))
	}

	sequences, _ = mineSequences(sessionEntries("a", hoursAgo(6), steps, models.LevelInfo), cfg)
	if len(sequences) != 1 {
		t.Fatalf("Expected 1 significant sequence, got %d", len(sequences))
	}
	s := sequences[0]
	if s.Frequency != 6 {
		t.Errorf("Expected frequency 6, got %d", s.Frequency)
	}
	if s.Streams != 6 {
		t.Errorf("Expected 6 streams, got %d", s.Streams)
	}
	if s.Category != SequenceWorkflow {
		t.Errorf("Expected workflow category, got %s", s.Category)
	}
	if s.AvgDurationMs != float64(2*time.Minute/time.Millisecond) {
		t.Errorf("Expected average duration of 2 minutes, got %fms", s.AvgDurationMs)
	}
	if s.Completion != 1 {
		t.Errorf("Expected completion 1, got %f", s.Completion)
	}
	for i, want := range steps {
		if s.Steps[i] != want {
			t.Errorf("Expected step %d to be %q, got %q", i, want, s.Steps[i])
		}
	}
}

func TestMineSequences_Categories(t *testing.T) {
	tests := []struct {
		name     string
		steps    []string
		level    models.Level
		expected SequenceCategory
	}{
		{"Error chain", []string{"request failed", "retrying request", "aborting run"}, models.LevelError, SequenceErrorChain},
		{"Security", []string{"reading env", "api key found in output", "redacting"}, models.LevelWarn, SequenceSecurityIncident},
		{"Performance", []string{"model call", "response slow", "timeout reached"}, models.LevelWarn, SequencePerformanceDegradation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sequences, _ := mineSequences(sessionEntries("a", hoursAgo(5), tt.steps, tt.level), DefaultConfig())
			if len(sequences) != 1 {
				t.Fatalf("Expected 1 sequence, got %d", len(sequences))
			}
			if sequences[0].Category != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, sequences[0].Category)
			}
		})
	}
}

func TestBuildStreams_SplitsOnGapWithoutSession(t *testing.T) {
	entries := []*models.LogEntry{
		mkEntry(testNow.Add(-3*time.Hour), "a", models.LevelInfo, "start"),
		mkEntry(testNow.Add(-3*time.Hour+time.Minute), "a", models.LevelInfo, "work"),
		mkEntry(testNow.Add(-3*time.Hour+2*time.Minute), "a", models.LevelInfo, "work"),
		mkEntry(testNow.Add(-1*time.Hour), "a", models.LevelInfo, "start"),
	}

	streams := buildStreams(entries, 30*time.Minute)
	if len(streams) != 2 {
		t.Fatalf("Expected 2 streams after the gap, got %d", len(streams))
	}
	if len(streams[0].steps) != 2 {
		t.Errorf("Expected repeated steps to collapse into 2, got %d", len(streams[0].steps))
	}
	if streams[0].key == streams[1].key {
		t.Errorf("Expected distinct stream keys, got %q twice", streams[0].key)
	}
}
