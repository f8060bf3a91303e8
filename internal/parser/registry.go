package parsers

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"agentlog/internal/database/models"
	"agentlog/internal/parser/jsonlines"
	"agentlog/internal/parser/normalize"
	"agentlog/internal/parser/plaintext"

	"github.com/pterm/pterm"
)

// ErrUnknownFormat is returned when no parser is registered for a format.
var ErrUnknownFormat = errors.New("unknown log format")

// SourceMeta is the per-line origin handed to every parser.
type SourceMeta = normalize.SourceMeta

// LogParser converts one raw line into a canonical entry. Normalize returns
// nil for lines it cannot use; it never returns an error.
type LogParser interface {
	Name() string
	CanParse(line string) bool
	Normalize(line string, meta SourceMeta) *models.LogEntry
}

// Registry maps source formats to parsers. Formats are chosen per source and
// never sniffed per line.
type Registry struct {
	mu      sync.RWMutex
	parsers map[string]LogParser
	logger  *pterm.Logger
}

// NewRegistry returns a registry with the built-in formats registered.
func NewRegistry(logger *pterm.Logger) *Registry {
	r := &Registry{
		parsers: make(map[string]LogParser),
		logger:  logger,
	}
	r.Register(jsonlines.NewParser(logger))
	r.Register(plaintext.NewParser(logger))
	return r
}

// Register adds or replaces the parser for its format name.
func (r *Registry) Register(p LogParser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.Name()] = p
	r.logger.Trace("Registered parser", r.logger.Args("format", p.Name()))
}

// Get returns the parser for a format.
func (r *Registry) Get(format string) (LogParser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return p, nil
}

// Formats lists the registered format names in sorted order.
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
