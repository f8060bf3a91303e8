package normalize

import (
	"strconv"
	"strings"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
)

// entryNamespace scopes deterministic log entry ids.
var entryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentlog:log-entry"))

// SourceMeta describes where a raw line came from. IngestedAt is supplied by
// the caller so that normalization stays a pure function of its inputs.
type SourceMeta struct {
	SourceID   string
	AgentID    string
	Path       string
	Offset     int64
	IngestedAt time.Time
}

// EntryID derives a stable id from the line's origin and content.
func EntryID(meta SourceMeta, raw string) string {
	var b strings.Builder
	b.Grow(len(meta.SourceID) + len(meta.Path) + len(raw) + 24)
	b.WriteString(meta.SourceID)
	b.WriteByte('|')
	b.WriteString(meta.Path)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(meta.Offset, 10))
	b.WriteByte('|')
	b.WriteString(raw)
	return uuid.NewSHA1(entryNamespace, []byte(b.String())).String()
}

// NewEntry builds a canonical entry stamped with the source identity.
func NewEntry(meta SourceMeta, ts time.Time, level models.Level, message, raw string) *models.LogEntry {
	if ts.IsZero() {
		ts = meta.IngestedAt
	}
	return &models.LogEntry{
		ID:        EntryID(meta, raw),
		Timestamp: ts.UTC(),
		Level:     level,
		Message:   message,
		Source:    meta.SourceID,
		AgentID:   meta.AgentID,
		Raw:       raw,
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts the ISO-ish layouts agents write. Layouts without a
// zone are read as UTC. A comma before fractional seconds is accepted.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if i := strings.IndexByte(s, ','); i >= 19 {
		s = s[:i] + "." + s[i+1:]
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// EpochTimestamp interprets a number as unix seconds, milliseconds or
// microseconds depending on magnitude.
func EpochTimestamp(v float64) (time.Time, bool) {
	switch {
	case v <= 0:
		return time.Time{}, false
	case v >= 1e15:
		return time.UnixMicro(int64(v)).UTC(), true
	case v >= 1e12:
		return time.UnixMilli(int64(v)).UTC(), true
	default:
		sec := int64(v)
		nsec := int64((v - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), true
	}
}
