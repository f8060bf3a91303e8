package discovery

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentlog/internal/database/models"

	"github.com/pterm/pterm"
	"github.com/valyala/fastjson"
)

// knownAgent describes where a coding agent writes its logs, relative to the
// home directory.
type knownAgent struct {
	id        string
	name      string
	format    string
	dir       string
	pattern   string
	recursive bool
	envVar    string // overrides dir
}

var knownAgents = []knownAgent{
	{id: "claude-code", name: "Claude Code", format: models.FormatJSONLines, dir: ".claude/projects", pattern: "*.jsonl", recursive: true, envVar: "CLAUDE_CODE_LOG_DIR"},
	{id: "codex", name: "Codex CLI", format: models.FormatJSONLines, dir: ".codex/sessions", pattern: "*.jsonl", recursive: true, envVar: "CODEX_LOG_DIR"},
	{id: "aider", name: "Aider", format: models.FormatPlainText, dir: ".aider/logs", pattern: "*.log", envVar: "AIDER_LOG_DIR"},
	{id: "gemini-cli", name: "Gemini CLI", format: models.FormatJSONLines, dir: ".gemini/tmp", pattern: "*.jsonl", recursive: true, envVar: "GEMINI_LOG_DIR"},
	{id: "cursor", name: "Cursor", format: models.FormatPlainText, dir: ".config/Cursor/logs", pattern: "*.log", recursive: true, envVar: "CURSOR_LOG_DIR"},
}

// AgentDetector looks for one known agent's log directory.
type AgentDetector struct {
	agent        knownAgent
	home         string
	configured   string
	autoDiscover bool
	pollInterval time.Duration
	logger       *pterm.Logger
}

// DetectorOptions tunes the built-in detectors.
type DetectorOptions struct {
	Home         string // defaults to the user's home directory
	AutoDiscover bool
	PollInterval time.Duration
}

// BuiltinDetectors returns one detector per known coding agent.
func BuiltinDetectors(opts DetectorOptions, logger *pterm.Logger) []ServiceDetector {
	home := opts.Home
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	detectors := make([]ServiceDetector, 0, len(knownAgents))
	for _, agent := range knownAgents {
		detectors = append(detectors, &AgentDetector{
			agent:        agent,
			home:         home,
			configured:   os.Getenv(agent.envVar),
			autoDiscover: opts.AutoDiscover,
			pollInterval: opts.PollInterval,
			logger:       logger,
		})
	}
	return detectors
}

func (d *AgentDetector) Name() string {
	return d.agent.id
}

// Detect prefers the configured directory; without one it checks the default
// location under home when auto-discovery is on.
func (d *AgentDetector) Detect() ([]*models.AgentConfig, error) {
	var dir string
	switch {
	case d.configured != "":
		if isDir(d.configured) {
			dir = d.configured
			d.logger.Debug("Using configured agent log directory",
				d.logger.Args("agent", d.agent.id, d.agent.envVar, d.configured))
		} else {
			d.logger.Warn("Configured agent log directory not accessible",
				d.logger.Args("agent", d.agent.id, d.agent.envVar, d.configured))
			return nil, nil
		}
	case d.autoDiscover && d.home != "":
		candidate := filepath.Join(d.home, d.agent.dir)
		if !isDir(candidate) {
			d.logger.Trace("Agent log directory not found", d.logger.Args("agent", d.agent.id, "path", candidate))
			return nil, nil
		}
		dir = candidate
	default:
		return nil, nil
	}

	if sample := firstMatch(dir, d.agent.pattern, d.agent.recursive); sample != "" && !formatMatches(sample, d.agent.format) {
		d.logger.WithCaller().Warn("Sample file does not look like the expected format",
			d.logger.Args("agent", d.agent.id, "path", sample, "format", d.agent.format))
	}

	d.logger.Info("Agent log source detected", d.logger.Args("agent", d.agent.id, "dir", dir))
	return []*models.AgentConfig{{
		ID:           d.agent.id,
		Name:         d.agent.name,
		Type:         d.agent.id,
		Format:       d.agent.format,
		Directory:    dir,
		Pattern:      d.agent.pattern,
		Recursive:    d.agent.recursive,
		PollInterval: d.pollInterval,
		Enabled:      true,
	}}, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// firstMatch returns one non-empty file under dir matching pattern.
func firstMatch(dir, pattern string, recursive bool) string {
	var found string
	filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return filepath.SkipDir
		}
		if entry.IsDir() {
			if path != dir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(pattern, entry.Name()); ok {
			if info, err := entry.Info(); err == nil && info.Size() > 0 {
				found = path
				return filepath.SkipAll
			}
		}
		return nil
	})
	return found
}

// formatMatches sniffs the first non-empty line of path.
func formatMatches(path, format string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		isJSON := strings.HasPrefix(line, "{") && fastjson.Validate(line) == nil
		if format == models.FormatJSONLines {
			return isJSON
		}
		return true
	}
	return true
}
