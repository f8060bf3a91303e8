package jsonlines

import (
	"strings"
	"time"

	"agentlog/internal/database/models"
	"agentlog/internal/parser/normalize"

	"github.com/pterm/pterm"
	"github.com/valyala/fastjson"
)

// Field names recognised for the canonical attributes. The first match wins.
var (
	timestampKeys = []string{"timestamp", "time", "ts", "@timestamp"}
	messageKeys   = []string{"message", "msg"}
	levelKeys     = []string{"level", "severity", "lvl"}
	sessionKeys   = []string{"sessionId", "session_id", "sessionID"}
)

const contextKey = "context"

// Parser normalizes one JSON object per line.
type Parser struct {
	logger *pterm.Logger
	pool   fastjson.ParserPool
}

func NewParser(logger *pterm.Logger) *Parser {
	return &Parser{logger: logger}
}

func (p *Parser) Name() string {
	return models.FormatJSONLines
}

// CanParse is a cheap shape check; it does not validate the JSON.
func (p *Parser) CanParse(line string) bool {
	trimmed := strings.TrimSpace(line)
	return len(trimmed) > 1 && trimmed[0] == '{' && trimmed[len(trimmed)-1] == '}'
}

// Normalize returns nil for blank lines, invalid JSON, non-object values and
// objects without a message. A missing or unreadable timestamp falls back to
// the ingestion time carried in meta.
func (p *Parser) Normalize(line string, meta normalize.SourceMeta) *models.LogEntry {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	fp := p.pool.Get()
	defer p.pool.Put(fp)

	val, err := fp.Parse(trimmed)
	if err != nil {
		p.logger.Trace("Dropping invalid JSON line", p.logger.Args("source", meta.SourceID, "offset", meta.Offset, "error", err))
		return nil
	}
	obj, err := val.Object()
	if err != nil {
		p.logger.Trace("Dropping non-object JSON line", p.logger.Args("source", meta.SourceID, "offset", meta.Offset))
		return nil
	}

	message, ok := firstString(obj, messageKeys)
	if !ok || message == "" {
		p.logger.Trace("Dropping JSON line without message", p.logger.Args("source", meta.SourceID, "offset", meta.Offset))
		return nil
	}

	ts := firstTimestamp(obj)
	level := models.LevelInfo
	if raw, ok := firstString(obj, levelKeys); ok {
		level = models.ParseLevel(raw)
	}

	entry := normalize.NewEntry(meta, ts, level, message, trimmed)
	if session, ok := firstString(obj, sessionKeys); ok {
		entry.SessionID = session
	}

	known := make(map[string]struct{}, 16)
	for _, group := range [][]string{timestampKeys, messageKeys, levelKeys, sessionKeys} {
		for _, k := range group {
			known[k] = struct{}{}
		}
	}

	obj.Visit(func(key []byte, v *fastjson.Value) {
		k := string(key)
		if k == contextKey && v.Type() == fastjson.TypeObject {
			if m, ok := toInterface(v).(map[string]any); ok {
				entry.Context = m
			}
			return
		}
		if _, skip := known[k]; skip {
			return
		}
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]any)
		}
		entry.Metadata[k] = toInterface(v)
	})

	return entry
}

func firstString(obj *fastjson.Object, keys []string) (string, bool) {
	for _, k := range keys {
		v := obj.Get(k)
		if v == nil {
			continue
		}
		switch v.Type() {
		case fastjson.TypeString:
			return string(v.GetStringBytes()), true
		case fastjson.TypeNumber, fastjson.TypeTrue, fastjson.TypeFalse:
			return v.String(), true
		}
	}
	return "", false
}

func firstTimestamp(obj *fastjson.Object) time.Time {
	for _, k := range timestampKeys {
		v := obj.Get(k)
		if v == nil {
			continue
		}
		switch v.Type() {
		case fastjson.TypeString:
			if ts, ok := normalize.ParseTimestamp(string(v.GetStringBytes())); ok {
				return ts
			}
		case fastjson.TypeNumber:
			if ts, ok := normalize.EpochTimestamp(v.GetFloat64()); ok {
				return ts
			}
		}
	}
	return time.Time{}
}

// toInterface copies a parsed value out of the parser's arena.
func toInterface(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeObject:
		o, _ := v.Object()
		m := make(map[string]any, o.Len())
		o.Visit(func(key []byte, child *fastjson.Value) {
			m[string(key)] = toInterface(child)
		})
		return m
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, toInterface(item))
		}
		return out
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	default:
		return nil
	}
}
