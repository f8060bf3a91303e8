package analytics

import (
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
)

type SequenceCategory string

const (
	SequenceWorkflow               SequenceCategory = "workflow"
	SequenceErrorChain             SequenceCategory = "error_chain"
	SequencePerformanceDegradation SequenceCategory = "performance_degradation"
	SequenceSecurityIncident       SequenceCategory = "security_incident"
)

const stepSeparator = "\x1f"

var sequenceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentlog:sequence"))

// SequencePattern is an ordered chain of templates that recurs across streams.
type SequencePattern struct {
	ID            string           `json:"id"`
	Steps         []string         `json:"steps"`
	Frequency     int              `json:"frequency"`
	Streams       int              `json:"streams"`
	AvgDurationMs float64          `json:"avgDurationMs"`
	Completion    float64          `json:"completion"` // share of leading-step occurrences that finish the chain
	Agents        []string         `json:"agents"`
	Severity      Severity         `json:"severity"`
	Category      SequenceCategory `json:"category"`
	Confidence    float64          `json:"confidence"`
}

func (s SequencePattern) clone() SequencePattern {
	s.Steps = slices.Clone(s.Steps)
	s.Agents = slices.Clone(s.Agents)
	return s
}

type step struct {
	template string
	ts       time.Time
	level    models.Level
}

// stream is the ordered activity of one session, or of one agent between
// gaps when no session id is available.
type stream struct {
	key     string
	agentID string
	steps   []step
}

// buildStreams splits entries into streams. Consecutive repeats of a template
// collapse into one step.
func buildStreams(entries []*models.LogEntry, gap time.Duration) []*stream {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b *models.LogEntry) int { return a.Timestamp.Compare(b.Timestamp) })

	var out []*stream
	open := make(map[string]*stream)
	splits := make(map[string]int)

	for _, e := range sorted {
		tpl := NormalizeMessage(e.Message)
		if tpl == "" {
			continue
		}

		key := e.AgentID + "|" + e.SessionID
		s := open[key]
		if s != nil && e.SessionID == "" && e.Timestamp.Sub(s.steps[len(s.steps)-1].ts) > gap {
			s = nil
			splits[key]++
		}
		if s == nil {
			s = &stream{key: key, agentID: e.AgentID}
			if n := splits[key]; n > 0 {
				s.key = key + "#" + strconv.Itoa(n)
			}
			open[key] = s
			out = append(out, s)
		}

		if last := len(s.steps) - 1; last >= 0 && s.steps[last].template == tpl {
			s.steps[last].ts = e.Timestamp
			if e.Level.Rank() > s.steps[last].level.Rank() {
				s.steps[last].level = e.Level
			}
			continue
		}
		s.steps = append(s.steps, step{template: tpl, ts: e.Timestamp, level: e.Level})
	}
	return out
}

type sequenceAcc struct {
	steps       []string
	frequency   int
	durationSum time.Duration
	agents      map[string]struct{}
	streams     map[string]struct{}
	errorLevel  []bool
}

// sequenceIndex holds n-gram and (n-1)-gram prefix counts over a set of streams.
type sequenceIndex struct {
	n        int
	streams  []*stream
	seqs     map[string]*sequenceAcc
	prefixes map[string]int
}

func indexSequences(streams []*stream, n int) *sequenceIndex {
	idx := &sequenceIndex{
		n:        n,
		streams:  streams,
		seqs:     make(map[string]*sequenceAcc),
		prefixes: make(map[string]int),
	}
	for _, s := range streams {
		for i := 0; i+n-1 <= len(s.steps); i++ {
			prefix := joinSteps(s.steps[i : i+n-1])
			idx.prefixes[prefix]++
			if i+n > len(s.steps) {
				continue
			}

			window := s.steps[i : i+n]
			key := joinSteps(window)
			acc, ok := idx.seqs[key]
			if !ok {
				acc = &sequenceAcc{
					steps:      templatesOf(window),
					agents:     make(map[string]struct{}),
					streams:    make(map[string]struct{}),
					errorLevel: make([]bool, n),
				}
				idx.seqs[key] = acc
			}
			for j, st := range window {
				acc.errorLevel[j] = acc.errorLevel[j] || st.level.IsError()
			}
			acc.frequency++
			acc.durationSum += window[n-1].ts.Sub(window[0].ts)
			acc.agents[s.agentID] = struct{}{}
			acc.streams[s.key] = struct{}{}
		}
	}
	return idx
}

// completion is the share of prefix occurrences that continued into seq.
func (idx *sequenceIndex) completion(acc *sequenceAcc) float64 {
	prefix := strings.Join(acc.steps[:idx.n-1], stepSeparator)
	if p := idx.prefixes[prefix]; p > 0 {
		return float64(acc.frequency) / float64(p)
	}
	return 0
}

// significant returns the sequences meeting minFrequency, most frequent first.
func (idx *sequenceIndex) significant(minFrequency, limit int) []SequencePattern {
	var out []SequencePattern
	for key, acc := range idx.seqs {
		if acc.frequency < minFrequency {
			continue
		}
		category := sequenceCategory(acc)
		out = append(out, SequencePattern{
			ID:            uuid.NewSHA1(sequenceNamespace, []byte(key)).String(),
			Steps:         slices.Clone(acc.steps),
			Frequency:     acc.frequency,
			Streams:       len(acc.streams),
			AvgDurationMs: round3(float64(acc.durationSum.Milliseconds()) / float64(acc.frequency)),
			Completion:    round3(idx.completion(acc)),
			Agents:        slices.Sorted(maps.Keys(acc.agents)),
			Severity:      sequenceSeverity(category),
			Category:      category,
			Confidence:    round3(float64(acc.frequency) / float64(acc.frequency+minFrequency)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Frequency != out[j].Frequency {
			return out[i].Frequency > out[j].Frequency
		}
		return strings.Join(out[i].Steps, stepSeparator) < strings.Join(out[j].Steps, stepSeparator)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// mineSequences extracts significant sequences from a window of entries.
func mineSequences(entries []*models.LogEntry, cfg Config) ([]SequencePattern, int) {
	streams := buildStreams(entries, cfg.SequenceSessionGap)
	idx := indexSequences(streams, cfg.SequenceLength)
	return idx.significant(cfg.SequenceMinFrequency, cfg.MaxSequences), len(streams)
}

func sequenceCategory(acc *sequenceAcc) SequenceCategory {
	text := strings.ToLower(strings.Join(acc.steps, " "))
	errorSteps := 0
	for i, s := range acc.steps {
		if acc.errorLevel[i] || containsAny(strings.ToLower(s), errorWords) {
			errorSteps++
		}
	}
	switch {
	case containsAny(text, securityWords):
		return SequenceSecurityIncident
	case errorSteps >= 2:
		return SequenceErrorChain
	case containsAny(text, performanceWords):
		return SequencePerformanceDegradation
	}
	return SequenceWorkflow
}

func sequenceSeverity(c SequenceCategory) Severity {
	switch c {
	case SequenceSecurityIncident:
		return SeverityCritical
	case SequenceErrorChain:
		return SeverityHigh
	case SequencePerformanceDegradation:
		return SeverityMedium
	}
	return SeverityLow
}

func joinSteps(steps []step) string {
	return strings.Join(templatesOf(steps), stepSeparator)
}

func templatesOf(steps []step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.template
	}
	return out
}
