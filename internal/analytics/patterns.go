package analytics

import (
	"maps"
	"math"
	"slices"
	"sort"
	"strings"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

func severityOfRank(r int) Severity {
	switch {
	case r >= 3:
		return SeverityCritical
	case r == 2:
		return SeverityHigh
	case r == 1:
		return SeverityMedium
	}
	return SeverityLow
}

type Category string

const (
	CategoryError       Category = "error"
	CategoryPerformance Category = "performance"
	CategorySecurity    Category = "security"
	CategoryBusiness    Category = "business"
	CategorySystem      Category = "system"
)

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

var patternNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentlog:pattern"))

// Pattern is a recurring message template with its statistics over one window.
type Pattern struct {
	ID            string               `json:"id"`
	PatternText   string               `json:"pattern"`
	Regex         string               `json:"regex,omitempty"`
	Example       string               `json:"example"`
	Count         int                  `json:"count"`
	PreviousCount int                  `json:"previousCount"`
	Percentage    float64              `json:"percentage"`
	FirstSeen     time.Time            `json:"firstSeen"`
	LastSeen      time.Time            `json:"lastSeen"`
	Severity      Severity             `json:"severity"`
	Category      Category             `json:"category"`
	Confidence    float64              `json:"confidence"`
	Trend         Trend                `json:"trend"`
	RelatedAgents []string             `json:"relatedAgents"`
	Levels        map[models.Level]int `json:"levels"`
}

func (p Pattern) clone() Pattern {
	p.RelatedAgents = slices.Clone(p.RelatedAgents)
	p.Levels = maps.Clone(p.Levels)
	return p
}

// group accumulates the entries sharing one template.
type group struct {
	template  string
	example   string
	count     int
	firstSeen time.Time
	lastSeen  time.Time
	levels    map[models.Level]int
	agents    map[string]int
}

func (g *group) errorCount() int {
	return g.levels[models.LevelError] + g.levels[models.LevelFatal]
}

func (g *group) dominantLevel() models.Level {
	return dominant(g.levels, models.LevelInfo)
}

func (g *group) agentList() []string {
	return slices.Sorted(maps.Keys(g.agents))
}

// dominant returns the most frequent key, breaking ties by key order.
func dominant[K ~string](counts map[K]int, fallback K) K {
	best, bestN := fallback, -1
	for k, n := range counts {
		if n > bestN || (n == bestN && k < best) {
			best, bestN = k, n
		}
	}
	return best
}

// groupEntries buckets entries by normalized message. Groups come back sorted
// by descending count, then template.
func groupEntries(entries []*models.LogEntry) []*group {
	byTemplate := make(map[string]*group)
	for _, e := range entries {
		tpl := NormalizeMessage(e.Message)
		if tpl == "" {
			continue
		}
		g, ok := byTemplate[tpl]
		if !ok {
			g = &group{
				template:  tpl,
				example:   e.Message,
				firstSeen: e.Timestamp,
				lastSeen:  e.Timestamp,
				levels:    make(map[models.Level]int),
				agents:    make(map[string]int),
			}
			byTemplate[tpl] = g
		}
		g.count++
		g.levels[e.Level]++
		g.agents[e.AgentID]++
		if e.Timestamp.Before(g.firstSeen) {
			g.firstSeen = e.Timestamp
		}
		if e.Timestamp.After(g.lastSeen) {
			g.lastSeen = e.Timestamp
		}
	}

	groups := make([]*group, 0, len(byTemplate))
	for _, g := range byTemplate {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].count != groups[j].count {
			return groups[i].count > groups[j].count
		}
		return groups[i].template < groups[j].template
	})
	return groups
}

// templateCounts counts entries per template.
func templateCounts(entries []*models.LogEntry) map[string]int {
	counts := make(map[string]int)
	for _, e := range entries {
		if tpl := NormalizeMessage(e.Message); tpl != "" {
			counts[tpl]++
		}
	}
	return counts
}

// buildPatterns turns groups into patterns. total is the number of entries in
// the window and must not be smaller than the number of grouped entries.
func buildPatterns(groups []*group, previous map[string]int, total int64, cfg Config) []Pattern {
	patterns := make([]Pattern, 0, min(len(groups), cfg.MaxPatterns))
	for _, g := range groups {
		if g.count < cfg.PatternMinCount {
			continue
		}
		if len(patterns) >= cfg.MaxPatterns {
			break
		}

		share := 0.0
		if total > 0 {
			share = float64(g.count) / float64(total)
		}
		prev := previous[g.template]

		patterns = append(patterns, Pattern{
			ID:            uuid.NewSHA1(patternNamespace, []byte(g.template)).String(),
			PatternText:   g.template,
			Regex:         templateRegex(g.template),
			Example:       g.example,
			Count:         g.count,
			PreviousCount: prev,
			Percentage:    share,
			FirstSeen:     g.firstSeen,
			LastSeen:      g.lastSeen,
			Severity:      patternSeverity(g, share),
			Category:      patternCategory(g),
			Confidence:    patternConfidence(g.count),
			Trend:         trendOf(g.count, prev, cfg.PatternTrendDelta),
			RelatedAgents: g.agentList(),
			Levels:        maps.Clone(g.levels),
		})
	}
	return patterns
}

// patternSeverity scores the wording and level mix, then escalates one step
// for templates that dominate the window.
func patternSeverity(g *group, share float64) Severity {
	text := strings.ToLower(g.template)
	errRatio := float64(g.errorCount()) / float64(g.count)

	rank := 0
	switch {
	case containsAny(text, criticalWords) || g.levels[models.LevelFatal]*2 >= g.count:
		rank = 3
	case containsAny(text, errorWords) || errRatio >= 0.5:
		rank = 2
	case containsAny(text, warningWords) || g.levels[models.LevelWarn]*2 >= g.count:
		rank = 1
	}
	if rank > 0 && (share >= 0.10 || g.count >= 1000) {
		rank++
	}
	return severityOfRank(rank)
}

// patternCategory buckets a template by keywords; error-level templates with
// no other signal count as errors.
func patternCategory(g *group) Category {
	text := strings.ToLower(g.template)
	switch {
	case containsAny(text, securityWords):
		return CategorySecurity
	case containsAny(text, errorWords):
		return CategoryError
	case containsAny(text, performanceWords):
		return CategoryPerformance
	case g.errorCount()*2 >= g.count:
		return CategoryError
	case containsAny(text, businessWords):
		return CategoryBusiness
	}
	return CategorySystem
}

// patternConfidence grows with the number of observations.
func patternConfidence(count int) float64 {
	return round3(float64(count) / float64(count+5))
}

// trendOf compares the current count with the prior equal-length window.
func trendOf(current, previous int, delta float64) Trend {
	if previous == 0 {
		if current > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	change := float64(current-previous) / float64(previous)
	switch {
	case change > delta:
		return TrendIncreasing
	case change < -delta:
		return TrendDecreasing
	}
	return TrendStable
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
