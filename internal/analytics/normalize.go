package analytics

import (
	"regexp"
	"strings"
)

const (
	placeholderNum  = "#NUM#"
	placeholderUUID = "#UUID#"
)

var (
	uuidPattern   = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	spacePattern  = regexp.MustCompile(`\s+`)
)

// NormalizeMessage turns a message into its template: UUIDs become #UUID#,
// numeric runs become #NUM# and whitespace is collapsed.
func NormalizeMessage(msg string) string {
	s := uuidPattern.ReplaceAllString(msg, placeholderUUID)
	s = numberPattern.ReplaceAllString(s, placeholderNum)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// templateRegex returns an anchored expression matching every message that
// normalizes to template.
func templateRegex(template string) string {
	quoted := regexp.QuoteMeta(template)
	quoted = strings.ReplaceAll(quoted, placeholderUUID, uuidPattern.String())
	quoted = strings.ReplaceAll(quoted, placeholderNum, numberPattern.String())
	quoted = strings.ReplaceAll(quoted, " ", `\s+`)
	return "^" + quoted + "$"
}

// tokenSet splits a template into lower-cased words.
func tokenSet(template string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(template))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// jaccard is the token-overlap ratio of two sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

var (
	securityWords    = []string{"unauthorized", "forbidden", "permission denied", "access denied", "authentication", "credential", "secret", "api key", "injection", "sandbox violation", "blocked by policy"}
	errorWords       = []string{"error", "fail", "exception", "refused", "panic", "fatal", "crash", "unable", "cannot", "traceback", "abort"}
	performanceWords = []string{"slow", "timeout", "timed out", "latency", "took", "memory", "cpu", "exceeded", "rate limit", "throttl", "retry", "retrying"}
	businessWords    = []string{"user", "session", "request", "tool", "commit", "task", "completed", "created", "prompt", "response", "edit"}
	criticalWords    = []string{"fatal", "panic", "critical", "crash", "out of memory", "data loss"}
	warningWords     = []string{"warn", "deprecated", "retry", "retrying", "slow"}
)

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
