package analytics

import (
	"fmt"
	"testing"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

func alertsOfType(alerts []*models.Alert, kind models.AnomalyType) []*models.Alert {
	var out []*models.Alert
	for _, a := range alerts {
		if a.Type == kind {
			out = append(out, a)
		}
	}
	return out
}

func alertFor(alerts []*models.Alert, agentID string) *models.Alert {
	for _, a := range alerts {
		if a.AgentID == agentID {
			return a
		}
	}
	return nil
}

func checkAlert(t *testing.T, a *models.Alert) {
	t.Helper()
	if a.Status != models.AlertActive {
		t.Errorf("Expected active status, got %s", a.Status)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("Expected confidence in [0,1], got %f", a.Confidence)
	}
	if a.ID == "" || a.Message == "" {
		t.Errorf("Expected id and message, got %+v", a)
	}
}

// spikeEntries produces 24 hourly buckets of 10-14 entries followed by a
// current bucket of current entries.
func spikeEntries(current int) []*models.LogEntry {
	bucket := models.BucketStart(testNow, time.Hour)
	var entries []*models.LogEntry
	for b := 0; b < 24; b++ {
		start := bucket.Add(-time.Duration(24-b) * time.Hour)
		for k := 0; k < 10+b%5; k++ {
			entries = append(entries, mkEntry(start.Add(time.Duration(k)*time.Minute), "a", models.LevelInfo, "tick"))
		}
	}
	for k := 0; k < current; k++ {
		entries = append(entries, mkEntry(bucket.Add(time.Duration(k)*30*time.Second), "a", models.LevelInfo, "tick"))
	}
	return entries
}

func TestDetectVolumeSpikes(t *testing.T) {
	cfg := DefaultConfig()

	alerts := detectVolumeSpikes(anomalyInput{now: testNow, entries: spikeEntries(40), cfg: cfg})
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 spike alert, got %d", len(alerts))
	}
	checkAlert(t, alerts[0])
	if alerts[0].AgentID != "a" {
		t.Errorf("Expected agent a, got %q", alerts[0].AgentID)
	}

	quiet := detectVolumeSpikes(anomalyInput{now: testNow, entries: spikeEntries(14), cfg: cfg})
	if len(quiet) != 0 {
		t.Errorf("Expected no spike for a normal bucket, got %d", len(quiet))
	}
}

func TestDetectVolumeSpikes_UsesAggregatedSeries(t *testing.T) {
	cfg := DefaultConfig()
	all := spikeEntries(14)

	// The newest entries only: the two previous buckets and the current one.
	cutoff := models.BucketStart(testNow, time.Hour).Add(-2 * time.Hour)
	var recent []*models.LogEntry
	for _, e := range all {
		if !e.Timestamp.Before(cutoff) {
			recent = append(recent, e)
		}
	}

	if n := len(detectVolumeSpikes(anomalyInput{now: testNow, entries: recent, cfg: cfg})); n != 1 {
		t.Fatalf("Expected a truncated history to look like a spike, got %d alerts", n)
	}
	in := anomalyInput{now: testNow, entries: recent, volume: bucketCounts(all, cfg.Bucket), cfg: cfg}
	if alerts := detectVolumeSpikes(in); len(alerts) != 0 {
		t.Errorf("Expected no spike with the full series, got %d", len(alerts))
	}
}

func TestDetectVolumeSpikes_MonotonicInK(t *testing.T) {
	entries := spikeEntries(40)
	prev := -1
	for _, k := range []float64{1, 2, 3, 5, 8, 13, 21} {
		cfg := DefaultConfig()
		cfg.SpikeK = k
		n := len(detectVolumeSpikes(anomalyInput{now: testNow, entries: entries, cfg: cfg}))
		if prev >= 0 && n > prev {
			t.Errorf("Expected alert count not to grow with K, got %d at K=%.0f after %d", n, k, prev)
		}
		prev = n
	}
	if prev != 0 {
		t.Errorf("Expected no alerts at K=21, got %d", prev)
	}
}

func TestDetectErrorBursts(t *testing.T) {
	var entries []*models.LogEntry
	for k := 0; k < 12; k++ {
		entries = append(entries, mkEntry(testNow.Add(-4*time.Minute+time.Duration(k)*10*time.Second), "a", models.LevelError, "build failed"))
	}
	for k := 0; k < 100; k++ {
		entries = append(entries, mkEntry(testNow.Add(-4*time.Minute+time.Duration(k)*time.Second), "b", models.LevelInfo, "ok"))
	}
	entries = append(entries,
		mkEntry(testNow.Add(-time.Minute), "b", models.LevelError, "lint failed"),
		mkEntry(testNow.Add(-time.Minute), "b", models.LevelError, "lint failed"),
	)

	alerts := detectErrorBursts(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()})

	a := alertFor(alerts, "a")
	if a == nil {
		t.Fatalf("Expected a burst for agent a, got %+v", alerts)
	}
	checkAlert(t, a)
	if a.Severity != models.SeverityCritical {
		t.Errorf("Expected critical severity for an all-error burst, got %s", a.Severity)
	}
	if !a.Timestamp.Equal(testNow.Add(-4 * time.Minute)) {
		t.Errorf("Expected onset at the first error, got %v", a.Timestamp)
	}
	if alertFor(alerts, "b") != nil {
		t.Errorf("Expected no burst for agent b")
	}
}

func TestDetectErrorBursts_RelativeThreshold(t *testing.T) {
	entries := []*models.LogEntry{
		mkEntry(testNow.Add(-time.Minute), "a", models.LevelError, "x"),
		mkEntry(testNow.Add(-time.Minute), "a", models.LevelError, "x"),
		mkEntry(testNow.Add(-time.Minute), "a", models.LevelFatal, "x"),
		mkEntry(testNow.Add(-time.Minute), "a", models.LevelInfo, "y"),
	}
	alerts := detectErrorBursts(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()})
	if len(alerts) != 1 {
		t.Errorf("Expected 3 of 4 errors to trigger the ratio test, got %d alerts", len(alerts))
	}

	old := []*models.LogEntry{
		mkEntry(testNow.Add(-time.Hour), "a", models.LevelError, "x"),
		mkEntry(testNow.Add(-time.Hour), "a", models.LevelError, "x"),
		mkEntry(testNow.Add(-time.Hour), "a", models.LevelError, "x"),
	}
	if alerts := detectErrorBursts(anomalyInput{now: testNow, entries: old, cfg: DefaultConfig()}); len(alerts) != 0 {
		t.Errorf("Expected errors outside the interval to be ignored, got %d alerts", len(alerts))
	}
}

func TestDetectAgentSilence(t *testing.T) {
	var entries []*models.LogEntry
	for k := 0; k < 60; k++ {
		entries = append(entries, mkEntry(testNow.Add(-3*time.Hour+time.Duration(k)*time.Minute), "quiet", models.LevelInfo, "work"))
		entries = append(entries, mkEntry(testNow.Add(-time.Hour+time.Duration(k)*time.Minute), "busy", models.LevelInfo, "work"))
	}
	entries = append(entries, mkEntry(testNow.Add(-5*time.Hour), "newcomer", models.LevelInfo, "hello"))

	alerts := detectAgentSilence(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()})
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 silence alert, got %d", len(alerts))
	}
	a := alerts[0]
	checkAlert(t, a)
	if a.AgentID != "quiet" {
		t.Errorf("Expected agent quiet, got %q", a.AgentID)
	}
	lastSeen := testNow.Add(-3*time.Hour + 59*time.Minute)
	if !a.Timestamp.Equal(lastSeen) {
		t.Errorf("Expected onset at last entry %v, got %v", lastSeen, a.Timestamp)
	}
}

func TestDetectPatternAnomalies(t *testing.T) {
	var entries []*models.LogEntry
	for k := 0; k < 200; k++ {
		entries = append(entries, mkEntry(testNow.Add(-23*time.Hour+time.Duration(k)*6*time.Minute), "a", models.LevelInfo, "heartbeat ok"))
	}
	for k := 0; k < 20; k++ {
		entries = append(entries, mkEntry(testNow.Add(-50*time.Minute+time.Duration(k)*time.Minute), "a", models.LevelInfo, "heartbeat ok"))
	}
	for k := 0; k < 30; k++ {
		entries = append(entries, mkEntry(testNow.Add(-30*time.Minute+time.Duration(k)*30*time.Second), "b", models.LevelError, fmt.Sprintf("disk quota exceeded on volume %d", k)))
	}
	tpl := NormalizeMessage("disk quota exceeded on volume 1")

	alerts := detectPatternAnomalies(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()})
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 pattern anomaly, got %d", len(alerts))
	}
	a := alerts[0]
	checkAlert(t, a)
	if a.Metadata["pattern"] != tpl {
		t.Errorf("Expected pattern %q, got %v", tpl, a.Metadata["pattern"])
	}
	if a.AgentID != "b" {
		t.Errorf("Expected agent b, got %q", a.AgentID)
	}
	if a.Severity != models.SeverityCritical {
		t.Errorf("Expected critical severity for an error pattern, got %s", a.Severity)
	}

	seen := detectPatternAnomalies(anomalyInput{now: testNow, entries: entries, previous: map[string]int{tpl: 3}, cfg: DefaultConfig()})
	if len(seen) != 0 {
		t.Errorf("Expected no anomaly for a template seen in the prior window, got %d", len(seen))
	}
}

func TestDetectSequenceBreaks(t *testing.T) {
	steps := []string{"planning task", "editing files", "running tests"}
	history := sessionEntries("a", hoursAgo(10), steps, models.LevelInfo)
	recent := testNow.Add(-20 * time.Minute)

	tests := []struct {
		name     string
		tail     []string
		expected int
	}{
		{"Different follow-up", []string{"planning task", "editing files", "pushing branch"}, 1},
		{"Missing follow-up", []string{"planning task", "editing files"}, 1},
		{"Completed", steps, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := append(append([]*models.LogEntry(nil), history...),
				sessionEntries("a", []time.Time{recent}, tt.tail, models.LevelInfo)...)

			alerts := detectSequenceBreaks(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()})
			if len(alerts) != tt.expected {
				t.Fatalf("Expected %d alerts, got %d", tt.expected, len(alerts))
			}
			if tt.expected > 0 {
				checkAlert(t, alerts[0])
				if !alerts[0].Timestamp.Equal(recent) {
					t.Errorf("Expected onset %v, got %v", recent, alerts[0].Timestamp)
				}
			}
		})
	}
}

func TestDetectTemporalDeviations(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 30, 0, 0, time.UTC)
	var baseline []models.AggregationRow
	for day := 7; day <= 9; day++ {
		for hour := 0; hour < 24; hour++ {
			ts := time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC)
			baseline = append(baseline, models.AggregationRow{Bucket: ts, Key: "steady", Count: 10})
			if hour >= 9 && hour <= 17 {
				baseline = append(baseline, models.AggregationRow{Bucket: ts, Key: "office", Count: 10})
			}
		}
	}

	var entries []*models.LogEntry
	for k := 0; k < 20; k++ {
		ts := time.Date(2025, 6, 10, 3, k, 0, 0, time.UTC)
		entries = append(entries, mkEntry(ts, "office", models.LevelInfo, "work"))
		if k < 10 {
			entries = append(entries, mkEntry(ts, "steady", models.LevelInfo, "work"))
		}
	}

	alerts := detectTemporalDeviations(anomalyInput{now: now, entries: entries, baseline: baseline, cfg: DefaultConfig()})
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 temporal deviation, got %d", len(alerts))
	}
	a := alerts[0]
	checkAlert(t, a)
	if a.AgentID != "office" {
		t.Errorf("Expected agent office, got %q", a.AgentID)
	}
	if a.Severity != models.SeverityWarning {
		t.Errorf("Expected warning severity, got %s", a.Severity)
	}
}

func TestDetectTemporalDeviations_NeedsTwoDays(t *testing.T) {
	now := time.Date(2025, 6, 10, 3, 30, 0, 0, time.UTC)
	baseline := []models.AggregationRow{{Bucket: time.Date(2025, 6, 9, 12, 0, 0, 0, time.UTC), Key: "a", Count: 100}}
	var entries []*models.LogEntry
	for k := 0; k < 20; k++ {
		entries = append(entries, mkEntry(time.Date(2025, 6, 10, 3, k, 0, 0, time.UTC), "a", models.LevelInfo, "work"))
	}
	if alerts := detectTemporalDeviations(anomalyInput{now: now, entries: entries, baseline: baseline, cfg: DefaultConfig()}); len(alerts) != 0 {
		t.Errorf("Expected no alert with a single baseline day, got %d", len(alerts))
	}
}

func TestDetectCrossAgentCorrelation(t *testing.T) {
	cfg := DefaultConfig()
	t0 := testNow.Add(-10 * time.Minute)
	alerts := []*models.Alert{
		newAlert(models.AnomalyErrorBurst, "a", "", t0, cfg.BurstInterval, models.SeverityWarning, 0.8, "burst a", nil),
		newAlert(models.AnomalyPattern, "b", "x", t0.Add(time.Minute), cfg.Bucket, models.SeverityWarning, 0.6, "pattern b", nil),
		newAlert(models.AnomalyErrorBurst, "c", "", t0.Add(2*time.Hour), cfg.BurstInterval, models.SeverityWarning, 0.9, "burst c", nil),
		newAlert(models.AnomalyAgentSilence, "d", "", t0, cfg.SilenceFloor, models.SeverityWarning, 0.9, "silence d", nil),
	}

	out := detectCrossAgentCorrelation(alerts, cfg)
	if len(out) != 1 {
		t.Fatalf("Expected 1 correlation, got %d", len(out))
	}
	c := out[0]
	checkAlert(t, c)
	agents, _ := c.Metadata["agents"].([]string)
	if len(agents) != 2 || agents[0] != "a" || agents[1] != "b" {
		t.Errorf("Expected agents [a b], got %v", c.Metadata["agents"])
	}
	if !c.Timestamp.Equal(t0) {
		t.Errorf("Expected onset %v, got %v", t0, c.Timestamp)
	}
}

func TestNewAlert_DeterministicID(t *testing.T) {
	onset := testNow.Add(-10 * time.Minute)
	a := newAlert(models.AnomalyErrorBurst, "a", "", onset, time.Hour, models.SeverityWarning, 0.5, "m", nil)
	b := newAlert(models.AnomalyErrorBurst, "a", "", onset.Add(5*time.Minute), time.Hour, models.SeverityWarning, 0.7, "other", nil)
	if a.ID != b.ID {
		t.Errorf("Expected same id within one bucket, got %s and %s", a.ID, b.ID)
	}

	c := newAlert(models.AnomalyErrorBurst, "a", "", onset.Add(time.Hour), time.Hour, models.SeverityWarning, 0.5, "m", nil)
	d := newAlert(models.AnomalyErrorBurst, "b", "", onset, time.Hour, models.SeverityWarning, 0.5, "m", nil)
	if c.ID == a.ID || d.ID == a.ID {
		t.Errorf("Expected different ids for a different bucket or agent")
	}
}

func TestDetectAnomalies_IsolatesPanics(t *testing.T) {
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	saved := detectors
	defer func() { detectors = saved }()

	detectors = []detector{
		{models.AnomalyVolumeSpike, func(anomalyInput) []*models.Alert { panic("boom") }},
		{models.AnomalyErrorBurst, detectErrorBursts},
	}

	var entries []*models.LogEntry
	for k := 0; k < 12; k++ {
		entries = append(entries, mkEntry(testNow.Add(-time.Minute), "a", models.LevelError, "crash"))
	}
	alerts := detectAnomalies(anomalyInput{now: testNow, entries: entries, cfg: DefaultConfig()}, logger)
	if len(alertsOfType(alerts, models.AnomalyErrorBurst)) != 1 {
		t.Errorf("Expected the burst detector to run despite the panic, got %d alerts", len(alerts))
	}
}
