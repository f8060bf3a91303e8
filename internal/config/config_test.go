package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentlog/internal/database/models"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTS_FILE", filepath.Join(dir, "missing.yaml"))

	cfg, err := Load(filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("Expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.RetentionDays != 90 {
		t.Errorf("Expected 90 retention days, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Storage.Retention() != 90*24*time.Hour {
		t.Errorf("Expected 2160h retention, got %v", cfg.Storage.Retention())
	}
	if cfg.Analytics.SpikeK != 3 {
		t.Errorf("Expected spike k 3, got %v", cfg.Analytics.SpikeK)
	}
	if cfg.Analytics.SequenceLength != 3 {
		t.Errorf("Expected sequence length 3, got %d", cfg.Analytics.SequenceLength)
	}
	if !cfg.Discovery.AutoDiscover {
		t.Error("Expected auto discovery enabled by default")
	}
	if len(cfg.Agents) != 0 {
		t.Errorf("Expected no custom agents, got %d", len(cfg.Agents))
	}
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTS_FILE", filepath.Join(dir, "missing.yaml"))
	t.Setenv("SERVER_PORT", "9191")

	envFile := writeFile(t, dir, "test.env", strings.Join([]string{
		"STORAGE_BACKEND=memory",
		"STORAGE_RETENTION_DAYS=7",
		"ANOMALY_SPIKE_K=2.5",
		"ANOMALY_BUCKET=15m",
		"WATCH_START_FROM_BEGINNING=true",
		"SERVER_PORT=7000",
		"PATTERN_MIN_COUNT=notanumber",
	}, "\n"))
	// godotenv.Load never overrides variables that are already set
	t.Cleanup(func() {
		for _, key := range []string{"STORAGE_BACKEND", "STORAGE_RETENTION_DAYS", "ANOMALY_SPIKE_K",
			"ANOMALY_BUCKET", "WATCH_START_FROM_BEGINNING", "PATTERN_MIN_COUNT"} {
			os.Unsetenv(key)
		}
	})

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.RetentionDays != 7 {
		t.Errorf("Expected 7 retention days, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Analytics.SpikeK != 2.5 {
		t.Errorf("Expected spike k 2.5, got %v", cfg.Analytics.SpikeK)
	}
	if cfg.Analytics.Bucket != 15*time.Minute {
		t.Errorf("Expected 15m bucket, got %v", cfg.Analytics.Bucket)
	}
	if !cfg.Watcher.StartFromBeginning {
		t.Error("Expected start from beginning")
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Expected process env port 9191 to win, got %d", cfg.Server.Port)
	}
	if cfg.Analytics.PatternMinCount != 2 {
		t.Errorf("Expected malformed value to fall back to 2, got %d", cfg.Analytics.PatternMinCount)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown backend", "STORAGE_BACKEND", "postgres"},
		{"negative retention", "STORAGE_RETENTION_DAYS", "-1"},
		{"bad port", "SERVER_PORT", "70000"},
		{"short sequence", "SEQUENCE_LENGTH", "1"},
		{"ratio above one", "CLUSTER_SIMILARITY", "1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Setenv("AGENTS_FILE", filepath.Join(dir, "missing.yaml"))
			t.Setenv(tt.key, tt.value)

			if _, err := Load(filepath.Join(dir, "missing.env")); err == nil {
				t.Errorf("Expected error for %s=%s", tt.key, tt.value)
			}
		})
	}
}

func TestLoadAgents(t *testing.T) {
	dir := t.TempDir()
	logs := filepath.Join(dir, "logs")
	path := writeFile(t, dir, "agents.yaml", `
agents:
  - id: my-bot
    name: My Bot
    directory: `+logs+`
    pattern: "*.log"
    format: plaintext
    recursive: true
    poll_interval: 2s
    enabled: true
  - id: json-bot
    name: JSON Bot
    paths:
      - `+filepath.Join(dir, "bot.jsonl")+`
    enabled: true
`)

	cfg := &Config{AgentsFile: path}
	if err := cfg.LoadAgents(); err != nil {
		t.Fatalf("LoadAgents failed: %v", err)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(cfg.Agents))
	}

	bot := cfg.Agents[0]
	if bot.ID != "my-bot" || bot.Format != models.FormatPlainText || !bot.Recursive {
		t.Errorf("Unexpected first agent: %+v", bot)
	}
	if bot.PollInterval != 2*time.Second {
		t.Errorf("Expected 2s poll interval, got %v", bot.PollInterval)
	}
	if !bot.Custom || bot.Type != "custom" {
		t.Errorf("Expected custom agent type, got custom=%v type=%s", bot.Custom, bot.Type)
	}
	if cfg.Agents[1].Format != models.FormatJSONLines {
		t.Errorf("Expected jsonlines default format, got %s", cfg.Agents[1].Format)
	}
}

func TestLoadAgents_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "agents: [\n"},
		{"duplicate id", "agents:\n  - {id: a, name: A, paths: [/tmp/a.log], enabled: true}\n  - {id: a, name: A2, paths: [/tmp/b.log], enabled: true}\n"},
		{"no location", "agents:\n  - {id: a, name: A, enabled: true}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AgentsFile: writeFile(t, t.TempDir(), "agents.yaml", tt.content)}
			if err := cfg.LoadAgents(); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}
