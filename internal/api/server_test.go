package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentlog/internal/analytics"
	"agentlog/internal/api/handlers"
	"agentlog/internal/database/models"
	"agentlog/internal/discovery"
	"agentlog/internal/realtime"
	"agentlog/internal/registry"
	"agentlog/internal/storage"

	"github.com/pterm/pterm"
)

type testEnv struct {
	server   *Server
	store    *storage.MemoryStore
	bus      *realtime.Bus
	engine   *analytics.Engine
	alerts   *analytics.MemoryAlertStore
	registry *registry.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)

	store, err := storage.NewMemoryStore(storage.MemoryConfig{}, logger)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := realtime.NewBus(realtime.BusConfig{}, logger)
	bus.Start()
	t.Cleanup(bus.Close)

	alerts := analytics.NewMemoryAlertStore()
	engine := analytics.NewEngine(store, alerts, nil, analytics.DefaultConfig(), logger)
	reg := registry.New(logger)
	agents := discovery.NewEngine(nil, nil, discovery.NewMemoryAgentStore(), logger)

	status := handlers.NewStatusHandler("test", logger)
	status.Register("store", func(ctx context.Context) (any, error) { return store.Stats(), nil })
	status.Register("broken", func(ctx context.Context) (any, error) { return nil, errors.New("unavailable") })

	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Production: true}, Handlers{
		Status:    status,
		Logs:      handlers.NewLogsHandler(store, logger),
		Analytics: handlers.NewAnalyticsHandler(engine, logger),
		Sources:   handlers.NewSourcesHandler(reg, agents, nil, logger),
		Realtime:  handlers.NewRealtimeHandler(bus, realtime.NewMetricsCollector(logger), 16, logger),
	}, logger)

	return &testEnv{server: server, store: store, bus: bus, engine: engine, alerts: alerts, registry: reg}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func seedEntries(t *testing.T, store *storage.MemoryStore) {
	t.Helper()
	base := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	var entries []*models.LogEntry
	for i := range 10 {
		level := models.LevelInfo
		if i%5 == 0 {
			level = models.LevelError
		}
		agent := "claude-code"
		if i%2 == 1 {
			agent = "aider"
		}
		entries = append(entries, &models.LogEntry{
			ID:        fmt.Sprintf("entry-%02d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Level:     level,
			Message:   fmt.Sprintf("step %d finished", i),
			Source:    agent,
			AgentID:   agent,
		})
	}
	if err := store.Insert(context.Background(), entries); err != nil {
		t.Fatalf("Failed to insert entries: %v", err)
	}
}

func TestServer_HealthAndStatus(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from /status, got %d", rec.Code)
	}
	doc := decode[map[string]any](t, rec)
	if _, ok := doc["store"]; !ok {
		t.Error("Expected store section in status")
	}
	broken, ok := doc["broken"].(map[string]any)
	if !ok || broken["error"] != "unavailable" {
		t.Errorf("Expected failing section to report its error, got %v", doc["broken"])
	}
}

func TestServer_Logs(t *testing.T) {
	env := newTestEnv(t)
	seedEntries(t, env.store)

	rec := env.do(t, http.MethodGet, "/api/v1/logs?agent=claude-code&limit=3&sort=asc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	page := decode[handlers.LogsResponse](t, rec)
	if len(page.Entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(page.Entries))
	}
	if page.Entries[0].ID != "entry-00" || page.Entries[1].ID != "entry-02" {
		t.Errorf("Expected ascending claude-code entries, got %s, %s", page.Entries[0].ID, page.Entries[1].ID)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/logs/count?level=ERROR", nil)
	if count := decode[map[string]int64](t, rec)["count"]; count != 2 {
		t.Errorf("Expected 2 error entries, got %d", count)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/logs/count?search=STEP%207", nil)
	if count := decode[map[string]int64](t, rec)["count"]; count != 1 {
		t.Errorf("Expected 1 search match, got %d", count)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/logs/aggregate?group_by=agent", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from aggregate, got %d", rec.Code)
	}
	rows := decode[[]models.AggregationRow](t, rec)
	if len(rows) != 2 || rows[0].Key != "aider" || rows[0].Count != 5 {
		t.Errorf("Expected aider=5 first of 2 rows, got %+v", rows)
	}

	for _, path := range []string{
		"/api/v1/logs?level=loud",
		"/api/v1/logs?start=yesterday",
		"/api/v1/logs?offset=-1",
		"/api/v1/logs/aggregate?group_by=host",
		"/api/v1/logs/aggregate?interval=soon",
	} {
		if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %s, got %d", path, rec.Code)
		}
	}
}

func TestServer_Alerts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.alerts.SaveAlerts(context.Background(), []*models.Alert{{
		ID:        "alert-1",
		Type:      models.AnomalyErrorBurst,
		Message:   "burst",
		Severity:  models.SeverityCritical,
		Status:    models.AlertActive,
		Timestamp: time.Now(),
	}})
	if err != nil {
		t.Fatalf("Failed to save alert: %v", err)
	}

	alerts := decode[[]models.Alert](t, env.do(t, http.MethodGet, "/api/v1/alerts?status=active", nil))
	if len(alerts) != 1 {
		t.Fatalf("Expected 1 active alert, got %d", len(alerts))
	}

	rec := env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/acknowledge", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 on acknowledge, got %d", rec.Code)
	}
	if got := decode[models.Alert](t, rec); got.Status != models.AlertAcknowledged {
		t.Errorf("Expected acknowledged, got %s", got.Status)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/acknowledge", nil); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on repeated acknowledge, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/alerts/alert-1/resolve", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on resolve, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/alerts/missing/resolve", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown alert, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/alerts?status=snoozed", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown status, got %d", rec.Code)
	}
}

func TestServer_AnalyticsRuns(t *testing.T) {
	env := newTestEnv(t)
	seedEntries(t, env.store)

	if rec := env.do(t, http.MethodGet, "/api/v1/analytics/metrics", nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 before the first run, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/analytics/runs/bogus", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown analysis, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/analytics/runs/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 triggering metrics, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/analytics/metrics", nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after the metrics run, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/analytics/runs?analysis=metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 listing runs, got %d", rec.Code)
	}
	body := decode[struct {
		Recent []models.AnalysisRun `json:"recent"`
	}](t, rec)
	if len(body.Recent) != 1 || body.Recent[0].Analysis != analytics.AnalysisMetrics {
		t.Errorf("Expected one recorded metrics run, got %+v", body.Recent)
	}
}

func TestServer_Sources(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bot.log"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("Failed to write log: %v", err)
	}

	add := handlers.AddSourceRequest{ID: "my-bot", Format: models.FormatPlainText, Directory: dir, Pattern: "*.log"}
	rec := env.do(t, http.MethodPost, "/api/v1/sources", add)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	src, ok := env.registry.Get("my-bot")
	if !ok || !src.Enabled || !src.Custom {
		t.Fatalf("Expected enabled custom source in registry, got %+v (found=%v)", src, ok)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/sources", add); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 on duplicate, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/sources", handlers.AddSourceRequest{ID: "empty"}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without paths, got %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/sources/my-bot", nil)
	detail := decode[struct {
		Files []string `json:"files"`
	}](t, rec)
	if len(detail.Files) != 1 || !strings.HasSuffix(detail.Files[0], "bot.log") {
		t.Errorf("Expected resolved bot.log, got %v", detail.Files)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/sources/my-bot", nil); rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 on delete, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/sources/my-bot", nil); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", rec.Code)
	}
	if env.registry.Len() != 0 {
		t.Errorf("Expected empty registry, got %d", env.registry.Len())
	}
}

func TestServer_StreamDeliversMatchingEntries(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream?level=error", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Failed to open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Expected text/event-stream, got %s", ct)
	}

	// The handler subscribes before flushing headers; the filter drops the info entry.
	for _, e := range []*models.LogEntry{
		{ID: "skip", Level: models.LevelInfo, Message: "fine", AgentID: "a", Timestamp: time.Now()},
		{ID: "want", Level: models.LevelError, Message: "boom", AgentID: "a", Timestamp: time.Now()},
	} {
		if err := env.bus.Publish(ctx, e); err != nil {
			t.Fatalf("Failed to publish: %v", err)
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "log":
			var got models.LogEntry
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
				t.Fatalf("Failed to decode event: %v", err)
			}
			if got.ID != "want" {
				t.Errorf("Expected only the error entry, got %s", got.ID)
			}
			return
		}
	}
	t.Fatalf("Stream ended without a log event: %v", scanner.Err())
}
