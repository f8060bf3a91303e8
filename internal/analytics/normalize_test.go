package analytics

import (
	"regexp"
	"testing"
)

func TestNormalizeMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Numbers", "retry 3 of 5 after 1.5s", "retry #NUM# of #NUM# after #NUM#s"},
		{"UUID", "session 3f2b8c1e-9a4d-4e2f-8b1c-7d6e5f4a3b2c closed", "session #UUID# closed"},
		{"UUID upper case", "id 3F2B8C1E-9A4D-4E2F-8B1C-7D6E5F4A3B2C", "id #UUID#"},
		{"Whitespace", "  tool   call\tdone  ", "tool call done"},
		{"No variables", "connection refused", "connection refused"},
		{"Empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeMessage(tt.input)
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeMessage_SameTemplateForVariants(t *testing.T) {
	a := NormalizeMessage("request 12 took 340ms")
	b := NormalizeMessage("request 9876 took 2ms")
	if a != b {
		t.Errorf("Expected identical templates, got %q and %q", a, b)
	}
}

func TestTemplateRegex_MatchesOriginals(t *testing.T) {
	messages := []string{
		"retry 3 of 5 after 1.5s",
		"session 3f2b8c1e-9a4d-4e2f-8b1c-7d6e5f4a3b2c closed (code 0)",
		"file a+b.txt [line 12]",
	}

	for _, msg := range messages {
		re, err := regexp.Compile(templateRegex(NormalizeMessage(msg)))
		if err != nil {
			t.Fatalf("Failed to compile regex for %q: %v", msg, err)
		}
		if !re.MatchString(msg) {
			t.Errorf("Expected %q to match %s", msg, re)
		}
	}

	re := regexp.MustCompile(templateRegex(NormalizeMessage("retry 3 of 5")))
	if re.MatchString("retry x of 5") {
		t.Errorf("Expected non-numeric variant not to match")
	}
}

func TestJaccard(t *testing.T) {
	a := tokenSet("failed to open file #NUM#")
	b := tokenSet("failed to read file #NUM#")
	if got := jaccard(a, b); got < 0.66 || got > 0.67 {
		t.Errorf("Expected jaccard ~0.667, got %f", got)
	}
	if got := jaccard(a, a); got != 1 {
		t.Errorf("Expected identical sets to score 1, got %f", got)
	}
	if got := jaccard(a, tokenSet("user logged in")); got != 0 {
		t.Errorf("Expected disjoint sets to score 0, got %f", got)
	}
}
