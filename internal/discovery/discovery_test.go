package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
)

func clearAgentEnv(t *testing.T) {
	for _, agent := range knownAgents {
		t.Setenv(agent.envVar, "")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
}

func TestBuiltinDetectors_FindsKnownAgents(t *testing.T) {
	clearAgentEnv(t)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	home := t.TempDir()

	writeFile(t, filepath.Join(home, ".claude/projects/repo/session.jsonl"), `{"type":"user","message":"hi"}`+"\n")
	writeFile(t, filepath.Join(home, ".aider/logs/aider.log"), "2025-06-10 12:00:00 [INFO] started\n")

	engine := NewEngine(BuiltinDetectors(DetectorOptions{Home: home, AutoDiscover: true}, logger), nil, nil, logger)
	agents, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("Expected 2 detected agents, got %d: %+v", len(agents), agents)
	}
	if agents[0].ID != "aider" || agents[0].Format != models.FormatPlainText {
		t.Errorf("Expected aider plaintext first, got %+v", agents[0])
	}
	claude := agents[1]
	if claude.ID != "claude-code" || !claude.Recursive || claude.Directory != filepath.Join(home, ".claude/projects") {
		t.Errorf("Expected recursive claude-code source, got %+v", claude)
	}
	if claude.Custom || !claude.Enabled {
		t.Errorf("Expected enabled built-in agent, got %+v", claude)
	}
}

func TestBuiltinDetectors_AutoDiscoverDisabled(t *testing.T) {
	clearAgentEnv(t)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".codex/sessions/a.jsonl"), "{}\n")

	engine := NewEngine(BuiltinDetectors(DetectorOptions{Home: home}, logger), nil, nil, logger)
	agents, _ := engine.Run(context.Background())
	if len(agents) != 0 {
		t.Errorf("Expected no agents without auto-discovery, got %+v", agents)
	}

	configured := filepath.Join(home, ".codex/sessions")
	t.Setenv("CODEX_LOG_DIR", configured)
	engine = NewEngine(BuiltinDetectors(DetectorOptions{Home: home}, logger), nil, nil, logger)
	agents, _ = engine.Run(context.Background())
	if len(agents) != 1 || agents[0].Directory != configured {
		t.Errorf("Expected configured codex directory, got %+v", agents)
	}
}

func TestEngine_CustomAgentsOverride(t *testing.T) {
	clearAgentEnv(t)
	logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace)
	home := t.TempDir()
	writeFile(t, filepath.Join(home, ".aider/logs/aider.log"), "x\n")

	custom := []models.AgentConfig{{
		ID:      "aider",
		Name:    "Aider (project)",
		Type:    "aider",
		Format:  models.FormatPlainText,
		Paths:   []string{"/srv/project/.aider.log"},
		Enabled: true,
	}}
	store := NewMemoryAgentStore()
	engine := NewEngine(BuiltinDetectors(DetectorOptions{Home: home, AutoDiscover: true}, logger), custom, store, logger)

	if err := engine.Persist(context.Background(), models.AgentConfig{ID: "bot", Name: "Bot", Format: models.FormatJSONLines, Paths: []string{"/tmp/bot.jsonl"}, Enabled: true}); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	agents, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("Expected 2 agents, got %+v", agents)
	}
	if agents[0].ID != "aider" || !agents[0].Custom || len(agents[0].Paths) != 1 {
		t.Errorf("Expected custom aider override, got %+v", agents[0])
	}
	if agents[1].ID != "bot" || !agents[1].Custom {
		t.Errorf("Expected stored custom bot, got %+v", agents[1])
	}

	engine.Forget(context.Background(), "bot")
	agents, _ = engine.Run(context.Background())
	if len(agents) != 1 {
		t.Errorf("Expected forgotten agent to be gone, got %+v", agents)
	}
}

func TestFormatMatches(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "a.jsonl")
	textPath := filepath.Join(dir, "b.log")
	writeFile(t, jsonPath, "\n{\"level\":\"info\"}\n")
	writeFile(t, textPath, "plain text line\n")

	if !formatMatches(jsonPath, models.FormatJSONLines) {
		t.Errorf("Expected JSON lines to match")
	}
	if formatMatches(textPath, models.FormatJSONLines) {
		t.Errorf("Expected plain text not to match JSON lines")
	}
	if !formatMatches(textPath, models.FormatPlainText) {
		t.Errorf("Expected plain text to match")
	}
}
