package plaintext

import (
	"regexp"
	"strings"

	"agentlog/internal/database/models"
	"agentlog/internal/parser/normalize"

	"github.com/pterm/pterm"
)

// linePattern matches "<timestamp> [LEVEL] message". The timestamp may be
// wrapped in brackets and the level token is optional.
// Example: 2025-03-14T09:26:53.120Z [WARN] retrying tool call
const linePattern = `^\s*\[?(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*(?:\[([A-Za-z]+)\])?\s*(.*)$`

// sessionPattern picks up an inline session marker such as "session=abc123".
const sessionPattern = `(?:^|\s)session(?:_id|Id)?[=:]([A-Za-z0-9._-]+)`

// Parser normalizes timestamped text lines.
type Parser struct {
	logger    *pterm.Logger
	lineRegex *regexp.Regexp
	session   *regexp.Regexp
}

func NewParser(logger *pterm.Logger) *Parser {
	return &Parser{
		logger:    logger,
		lineRegex: regexp.MustCompile(linePattern),
		session:   regexp.MustCompile(sessionPattern),
	}
}

func (p *Parser) Name() string {
	return models.FormatPlainText
}

func (p *Parser) CanParse(line string) bool {
	return p.lineRegex.MatchString(line)
}

// Normalize returns nil when the line has no leading timestamp or no message.
func (p *Parser) Normalize(line string, meta normalize.SourceMeta) *models.LogEntry {
	trimmed := strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(trimmed) == "" {
		return nil
	}

	matches := p.lineRegex.FindStringSubmatch(trimmed)
	if matches == nil {
		p.logger.Trace("Dropping text line without timestamp", p.logger.Args("source", meta.SourceID, "offset", meta.Offset))
		return nil
	}

	ts, ok := normalize.ParseTimestamp(matches[1])
	if !ok {
		p.logger.Trace("Dropping text line with unreadable timestamp", p.logger.Args("source", meta.SourceID, "timestamp", matches[1]))
		return nil
	}

	message := strings.TrimSpace(matches[3])
	if message == "" {
		return nil
	}

	level := models.LevelInfo
	if matches[2] != "" {
		level = models.ParseLevel(matches[2])
	}

	entry := normalize.NewEntry(meta, ts, level, message, trimmed)
	if m := p.session.FindStringSubmatch(message); m != nil {
		entry.SessionID = m[1]
	}
	return entry
}
