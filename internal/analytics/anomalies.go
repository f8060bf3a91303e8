package analytics

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"agentlog/internal/database/models"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"gorm.io/datatypes"
)

var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("agentlog:alert"))

// minRelativeBurst is the error count below which the ratio test of the
// error burst detector does not fire.
const minRelativeBurst = 3

// minSequenceCompletion marks a sequence as expected: its leading steps are
// followed by its last step at least this often.
const minSequenceCompletion = 0.75

// anomalyInput is everything one detection cycle looks at.
type anomalyInput struct {
	now      time.Time
	entries  []*models.LogEntry      // current window, ascending
	previous map[string]int          // template counts of the prior window
	baseline []models.AggregationRow // hourly per-agent counts before the current hour
	volume   []models.AggregationRow // per-agent counts per Bucket; nil counts entries
	cfg      Config
}

type detector struct {
	kind models.AnomalyType
	fn   func(anomalyInput) []*models.Alert
}

var detectors = []detector{
	{models.AnomalyVolumeSpike, detectVolumeSpikes},
	{models.AnomalyErrorBurst, detectErrorBursts},
	{models.AnomalyAgentSilence, detectAgentSilence},
	{models.AnomalyPattern, detectPatternAnomalies},
	{models.AnomalySequenceBreak, detectSequenceBreaks},
	{models.AnomalyTemporalDeviation, detectTemporalDeviations},
}

// detectAnomalies runs every detector, isolating failures, and then looks for
// correlated alerts across agents.
func detectAnomalies(in anomalyInput, logger *pterm.Logger) []*models.Alert {
	var alerts []*models.Alert
	for _, d := range detectors {
		found, err := runDetector(d, in)
		if err != nil {
			logger.WithCaller().Error("Anomaly detector failed", logger.Args("detector", d.kind, "error", err))
			continue
		}
		alerts = append(alerts, found...)
	}
	alerts = append(alerts, detectCrossAgentCorrelation(alerts, in.cfg)...)

	sort.SliceStable(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.Before(alerts[j].Timestamp)
		}
		if alerts[i].Type != alerts[j].Type {
			return alerts[i].Type < alerts[j].Type
		}
		return alerts[i].ID < alerts[j].ID
	})
	return alerts
}

func runDetector(d detector, in anomalyInput) (alerts []*models.Alert, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.fn(in), nil
}

// newAlert builds an active alert whose id is stable for the same condition
// (type, agent, subject) within one time bucket.
func newAlert(kind models.AnomalyType, agentID, subject string, onset time.Time, bucket time.Duration,
	severity models.AlertSeverity, confidence float64, message string, meta map[string]any) *models.Alert {
	key := strings.Join([]string{
		string(kind), agentID, subject,
		strconv.FormatInt(models.BucketStart(onset, bucket).UnixNano(), 10),
	}, "|")
	return &models.Alert{
		ID:         uuid.NewSHA1(alertNamespace, []byte(key)).String(),
		Type:       kind,
		Message:    message,
		Severity:   severity,
		Status:     models.AlertActive,
		Timestamp:  onset.UTC(),
		AgentID:    agentID,
		Confidence: round3(clamp01(confidence)),
		Metadata:   datatypes.JSONMap(meta),
	}
}

func subjectName(agentID string) string {
	if agentID == "" {
		return "all agents"
	}
	return "agent " + agentID
}

// distinctAgents counts agents with at least one entry.
func distinctAgents(entries []*models.LogEntry) int {
	seen := make(map[string]struct{})
	for _, e := range entries {
		seen[e.AgentID] = struct{}{}
	}
	return len(seen)
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// detectVolumeSpikes flags a current bucket whose count exceeds the rolling
// mean of the previous buckets by more than SpikeK standard deviations. The
// deviation is floored at sqrt(mean) and 1 so that a flat history does not
// turn every small increase into a spike.
func detectVolumeSpikes(in anomalyInput) []*models.Alert {
	cfg := in.cfg
	current := models.BucketStart(in.now, cfg.Bucket)
	first := current.Add(-time.Duration(cfg.Buckets) * cfg.Bucket)

	rows := in.volume
	if rows == nil {
		rows = bucketCounts(in.entries, cfg.Bucket)
	}

	series := make(map[string][]float64)
	add := func(key string, i int, n float64) {
		s, ok := series[key]
		if !ok {
			s = make([]float64, cfg.Buckets+1)
			series[key] = s
		}
		s[i] += n
	}
	agents := make(map[string]struct{})
	for _, r := range rows {
		agents[r.Key] = struct{}{}
	}
	global := len(agents) > 1
	for _, r := range rows {
		b := models.BucketStart(r.Bucket, cfg.Bucket)
		if b.Before(first) || b.After(current) {
			continue
		}
		i := int(b.Sub(first) / cfg.Bucket)
		add(r.Key, i, float64(r.Count))
		if global {
			add("", i, float64(r.Count))
		}
	}

	var alerts []*models.Alert
	for agentID, s := range series {
		mean, std := meanStd(s[:cfg.Buckets])
		if mean == 0 {
			continue
		}
		std = max(std, math.Sqrt(mean), 1)
		cur := s[cfg.Buckets]
		threshold := mean + cfg.SpikeK*std
		if cur <= threshold {
			continue
		}

		z := (cur - mean) / std
		severity := models.SeverityWarning
		if z >= 2*cfg.SpikeK {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, newAlert(models.AnomalyVolumeSpike, agentID, "", current, cfg.Bucket,
			severity, 0.5+0.5*(1-cfg.SpikeK/z),
			fmt.Sprintf("Log volume spike for %s: %.0f entries this %s vs mean %.1f (%.1f std devs)",
				subjectName(agentID), cur, cfg.Bucket, mean, z),
			map[string]any{
				"current":   cur,
				"mean":      round3(mean),
				"stddev":    round3(std),
				"zScore":    round3(z),
				"threshold": round3(threshold),
				"bucket":    cfg.Bucket.String(),
			}))
	}
	return alerts
}

// bucketCounts counts entries per agent and bucket, like an agent-grouped
// aggregation of the store.
func bucketCounts(entries []*models.LogEntry, bucket time.Duration) []models.AggregationRow {
	type key struct {
		agent  string
		bucket time.Time
	}
	counts := make(map[key]int64)
	for _, e := range entries {
		counts[key{e.AgentID, models.BucketStart(e.Timestamp, bucket)}]++
	}
	rows := make([]models.AggregationRow, 0, len(counts))
	for k, n := range counts {
		rows = append(rows, models.AggregationRow{Bucket: k.bucket, Key: k.agent, Count: n})
	}
	return rows
}

// detectErrorBursts flags error counts in the last BurstInterval that exceed
// BurstAbsolute, or reach BurstRatio of all entries in that interval.
func detectErrorBursts(in anomalyInput) []*models.Alert {
	cfg := in.cfg
	since := in.now.Add(-cfg.BurstInterval)

	type tally struct {
		total, errors int
		firstErr      time.Time
	}
	tallies := make(map[string]*tally)
	bump := func(key string, e *models.LogEntry) {
		t, ok := tallies[key]
		if !ok {
			t = &tally{}
			tallies[key] = t
		}
		t.total++
		if e.Level.IsError() {
			t.errors++
			if t.firstErr.IsZero() || e.Timestamp.Before(t.firstErr) {
				t.firstErr = e.Timestamp
			}
		}
	}

	var recent []*models.LogEntry
	for _, e := range in.entries {
		if e.Timestamp.Before(since) || e.Timestamp.After(in.now) {
			continue
		}
		recent = append(recent, e)
	}
	global := distinctAgents(recent) > 1
	for _, e := range recent {
		bump(e.AgentID, e)
		if global {
			bump("", e)
		}
	}

	var alerts []*models.Alert
	for agentID, t := range tallies {
		if t.errors == 0 {
			continue
		}
		ratio := float64(t.errors) / float64(t.total)
		if t.errors < cfg.BurstAbsolute && (t.errors < minRelativeBurst || ratio < cfg.BurstRatio) {
			continue
		}

		severity := models.SeverityWarning
		if t.errors >= 2*cfg.BurstAbsolute || (t.errors >= cfg.BurstAbsolute && ratio >= 0.9) {
			severity = models.SeverityCritical
		}
		confidence := 0.5*min(1, float64(t.errors)/float64(cfg.BurstAbsolute)) + 0.5*ratio
		alerts = append(alerts, newAlert(models.AnomalyErrorBurst, agentID, "", t.firstErr, cfg.BurstInterval,
			severity, confidence,
			fmt.Sprintf("Error burst for %s: %d errors in the last %s (%.0f%% of entries)",
				subjectName(agentID), t.errors, cfg.BurstInterval, ratio*100),
			map[string]any{
				"errors":   t.errors,
				"total":    t.total,
				"ratio":    round3(ratio),
				"interval": cfg.BurstInterval.String(),
			}))
	}
	return alerts
}

// percentile returns the p-th percentile of sorted values (nearest rank).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

// detectAgentSilence flags agents quiet for longer than SilenceMultiplier
// times their 95th-percentile inter-entry gap, never less than SilenceFloor.
func detectAgentSilence(in anomalyInput) []*models.Alert {
	cfg := in.cfg
	stamps := make(map[string][]time.Time)
	for _, e := range in.entries {
		stamps[e.AgentID] = append(stamps[e.AgentID], e.Timestamp)
	}

	var alerts []*models.Alert
	for agentID, ts := range stamps {
		if len(ts) < 5 {
			continue
		}
		slices.SortFunc(ts, func(a, b time.Time) int { return a.Compare(b) })
		gaps := make([]time.Duration, 0, len(ts)-1)
		for i := 1; i < len(ts); i++ {
			gaps = append(gaps, ts[i].Sub(ts[i-1]))
		}
		slices.Sort(gaps)

		p95 := percentile(gaps, 0.95)
		threshold := max(time.Duration(cfg.SilenceMultiplier*float64(p95)), cfg.SilenceFloor)
		last := ts[len(ts)-1]
		silence := in.now.Sub(last)
		if silence <= threshold {
			continue
		}

		severity := models.SeverityWarning
		if silence > 3*threshold {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, newAlert(models.AnomalyAgentSilence, agentID, "", last, cfg.SilenceFloor,
			severity, 0.5+0.5*(1-float64(threshold)/float64(silence)),
			fmt.Sprintf("Agent %s has been silent for %s (expected gap at most %s)",
				agentID, silence.Round(time.Second), threshold.Round(time.Second)),
			map[string]any{
				"lastSeen":   last.UTC(),
				"silence":    silence.Round(time.Second).String(),
				"p95Gap":     p95.Round(time.Second).String(),
				"threshold":  threshold.Round(time.Second).String(),
				"historyLen": len(ts),
			}))
	}
	return alerts
}

// detectPatternAnomalies flags templates absent from the prior window that
// appeared within the last bucket and already make up NewPatternShare of it.
func detectPatternAnomalies(in anomalyInput) []*models.Alert {
	cfg := in.cfg
	recentStart := in.now.Add(-cfg.Bucket)

	recentTotal := 0
	for _, e := range in.entries {
		if !e.Timestamp.Before(recentStart) {
			recentTotal++
		}
	}
	if recentTotal == 0 {
		return nil
	}

	var alerts []*models.Alert
	for _, g := range groupEntries(in.entries) {
		if g.count < cfg.PatternMinCount || in.previous[g.template] > 0 || g.firstSeen.Before(recentStart) {
			continue
		}
		share := float64(g.count) / float64(recentTotal)
		if share < cfg.NewPatternShare {
			continue
		}

		agentID := ""
		if len(g.agents) == 1 {
			agentID = g.agentList()[0]
		}
		severity := models.SeverityWarning
		if g.errorCount()*2 >= g.count {
			severity = models.SeverityCritical
		}
		confidence := 0.5
		if cfg.NewPatternShare < 1 {
			confidence += 0.5 * (share - cfg.NewPatternShare) / (1 - cfg.NewPatternShare)
		}
		alerts = append(alerts, newAlert(models.AnomalyPattern, agentID, g.template, g.firstSeen, cfg.Bucket,
			severity, confidence,
			fmt.Sprintf("New pattern accounts for %.0f%% of recent volume: %s", share*100, g.template),
			map[string]any{
				"pattern": g.template,
				"example": g.example,
				"count":   g.count,
				"share":   round3(share),
				"agents":  g.agentList(),
			}))
	}
	return alerts
}

// detectSequenceBreaks flags expected sequences whose leading steps occurred
// recently without the usual follow-up: either another step came next, or
// nothing came within twice the usual duration.
func detectSequenceBreaks(in anomalyInput) []*models.Alert {
	cfg := in.cfg
	n := cfg.SequenceLength
	streams := buildStreams(in.entries, cfg.SequenceSessionGap)
	idx := indexSequences(streams, n)
	recentStart := in.now.Add(-cfg.Bucket)

	type occurrence struct {
		s *stream
		i int
	}
	prefixes := make(map[string][]occurrence)
	for _, s := range streams {
		for i := 0; i+n-1 <= len(s.steps); i++ {
			if s.steps[i].ts.Before(recentStart) {
				continue
			}
			key := joinSteps(s.steps[i : i+n-1])
			prefixes[key] = append(prefixes[key], occurrence{s, i})
		}
	}

	var alerts []*models.Alert
	for key, acc := range idx.seqs {
		if acc.frequency < cfg.SequenceMinFrequency {
			continue
		}
		completion := idx.completion(acc)
		if completion < minSequenceCompletion {
			continue
		}

		expected := acc.steps[n-1]
		wait := max(2*(acc.durationSum/time.Duration(acc.frequency)), time.Minute)
		prefix := strings.Join(acc.steps[:n-1], stepSeparator)

		breaks := make(map[string]int)
		onset := make(map[string]time.Time)
		for _, occ := range prefixes[prefix] {
			steps := occ.s.steps
			broken := false
			if next := occ.i + n - 1; next < len(steps) {
				broken = steps[next].template != expected
			} else {
				broken = in.now.Sub(steps[next-1].ts) > wait
			}
			if !broken {
				continue
			}
			agent := occ.s.agentID
			breaks[agent]++
			if t := steps[occ.i].ts; onset[agent].IsZero() || t.Before(onset[agent]) {
				onset[agent] = t
			}
		}

		seqID := uuid.NewSHA1(sequenceNamespace, []byte(key)).String()
		for agentID, count := range breaks {
			alerts = append(alerts, newAlert(models.AnomalySequenceBreak, agentID, seqID, onset[agentID], cfg.Bucket,
				models.SeverityWarning, completion*float64(count)/float64(count+1),
				fmt.Sprintf("Sequence did not complete %d time(s) for agent %s: expected %q after %q",
					count, agentID, expected, acc.steps[n-2]),
				map[string]any{
					"sequenceId": seqID,
					"steps":      slices.Clone(acc.steps),
					"breaks":     count,
					"completion": round3(completion),
					"frequency":  acc.frequency,
				}))
		}
	}
	return alerts
}

// detectTemporalDeviations compares the current hour of each agent with its
// baseline for the same hour of day, and flags activity on a weekday the agent
// has never been active on.
func detectTemporalDeviations(in anomalyInput) []*models.Alert {
	hourStart := models.BucketStart(in.now, time.Hour)

	type profile struct {
		days     map[string]struct{}
		weekdays map[time.Weekday]struct{}
		slots    [24]int64
		total    int64
	}
	profiles := make(map[string]*profile)
	for _, row := range in.baseline {
		if !row.Bucket.Before(hourStart) {
			continue
		}
		p, ok := profiles[row.Key]
		if !ok {
			p = &profile{days: make(map[string]struct{}), weekdays: make(map[time.Weekday]struct{})}
			profiles[row.Key] = p
		}
		b := row.Bucket.UTC()
		p.days[b.Format("2006-01-02")] = struct{}{}
		p.weekdays[b.Weekday()] = struct{}{}
		p.slots[b.Hour()] += row.Count
		p.total += row.Count
	}

	current := make(map[string]int)
	for _, e := range in.entries {
		if !e.Timestamp.Before(hourStart) {
			current[e.AgentID]++
		}
	}

	hour := hourStart.Hour()
	weekday := hourStart.Weekday()
	var alerts []*models.Alert
	for agentID, cur := range current {
		p := profiles[agentID]
		if p == nil || len(p.days) < 2 || cur < 5 {
			continue
		}
		days := float64(len(p.days))
		slotMean := float64(p.slots[hour]) / days
		hourlyMean := float64(p.total) / (days * 24)

		if slotMean < 0.25*hourlyMean && float64(cur) >= 2*hourlyMean {
			severity := models.SeverityInfo
			if float64(cur) >= 4*hourlyMean {
				severity = models.SeverityWarning
			}
			alerts = append(alerts, newAlert(models.AnomalyTemporalDeviation, agentID, "hour", hourStart, time.Hour,
				severity, 1-slotMean/float64(cur),
				fmt.Sprintf("Agent %s is unusually active at %02d:00 UTC: %d entries vs %.1f typical for this hour",
					agentID, hour, cur, slotMean),
				map[string]any{
					"hour":         hour,
					"current":      cur,
					"slotMean":     round3(slotMean),
					"hourlyMean":   round3(hourlyMean),
					"baselineDays": len(p.days),
				}))
			continue
		}

		if _, seen := p.weekdays[weekday]; !seen && len(p.days) >= 7 {
			alerts = append(alerts, newAlert(models.AnomalyTemporalDeviation, agentID, "weekday", hourStart, 24*time.Hour,
				models.SeverityInfo, 0.5+0.5*clamp01(float64(len(p.days))/28),
				fmt.Sprintf("Agent %s is active on %s, which it has not been in the last %d active days",
					agentID, weekday, len(p.days)),
				map[string]any{
					"weekday":      weekday.String(),
					"current":      cur,
					"baselineDays": len(p.days),
				}))
		}
	}
	return alerts
}

var correlatable = map[models.AnomalyType]bool{
	models.AnomalyVolumeSpike:   true,
	models.AnomalyErrorBurst:    true,
	models.AnomalyPattern:       true,
	models.AnomalySequenceBreak: true,
}

// detectCrossAgentCorrelation groups per-agent alerts whose onsets fall within
// CorrelationWindow of each other and reports groups spanning several agents.
func detectCrossAgentCorrelation(alerts []*models.Alert, cfg Config) []*models.Alert {
	var candidates []*models.Alert
	for _, a := range alerts {
		if a.AgentID != "" && correlatable[a.Type] {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Timestamp.Before(candidates[j].Timestamp) })

	var out []*models.Alert
	for i := 0; i < len(candidates); {
		j := i + 1
		for j < len(candidates) && candidates[j].Timestamp.Sub(candidates[i].Timestamp) <= cfg.CorrelationWindow {
			j++
		}
		groupAlerts := candidates[i:j]
		i = j

		agentSet := make(map[string]struct{})
		var confSum float64
		critical := false
		ids := make([]string, 0, len(groupAlerts))
		types := make(map[string]struct{})
		for _, a := range groupAlerts {
			agentSet[a.AgentID] = struct{}{}
			confSum += a.Confidence
			critical = critical || a.Severity == models.SeverityCritical
			ids = append(ids, a.ID)
			types[string(a.Type)] = struct{}{}
		}
		if len(agentSet) < 2 {
			continue
		}

		agents := make([]string, 0, len(agentSet))
		for a := range agentSet {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		typeList := make([]string, 0, len(types))
		for t := range types {
			typeList = append(typeList, t)
		}
		sort.Strings(typeList)

		severity := models.SeverityWarning
		if critical || len(agents) >= 3 {
			severity = models.SeverityCritical
		}
		avg := confSum / float64(len(groupAlerts))
		onset := groupAlerts[0].Timestamp
		out = append(out, newAlert(models.AnomalyCrossAgentCorrelation, "", strings.Join(agents, ","), onset, cfg.CorrelationWindow,
			severity, avg*(0.5+0.25*float64(min(len(agents)-1, 2))),
			fmt.Sprintf("Correlated anomalies across %d agents within %s: %s",
				len(agents), cfg.CorrelationWindow, strings.Join(agents, ", ")),
			map[string]any{
				"agents":   agents,
				"types":    typeList,
				"alertIds": ids,
			}))
	}
	return out
}
