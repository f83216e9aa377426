package memory

import (
	"strings"
	"testing"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Discussed hiking plans for Saturday", []string{"discussed", "hiking", "plans", "saturday"}},
		{"the and with from", nil},
		{"a an it", nil},
		{"", nil},
		{"Hiking hiking HIKING", []string{"hiking"}},
	}
	for _, tt := range tests {
		got := extractKeywords(tt.text)
		if len(got) != len(tt.want) {
			t.Errorf("extractKeywords(%q) = %v, want %v", tt.text, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("extractKeywords(%q)[%d] = %q, want %q", tt.text, i, got[i], tt.want[i])
			}
		}
	}
}

func TestExtractKeywordsSkipsShortWords(t *testing.T) {
	for _, kw := range extractKeywords("go to the gym at six") {
		if len(kw) < 4 {
			t.Errorf("short keyword %q survived", kw)
		}
	}
}

func TestFormatForInjection(t *testing.T) {
	got := FormatForInjection([]string{"likes green tea", "works remotely"})
	if !strings.HasPrefix(got, "Relevant notes from previous conversations:") {
		t.Errorf("missing header: %q", got)
	}
	if !strings.Contains(got, "- likes green tea") || !strings.Contains(got, "- works remotely") {
		t.Errorf("missing items: %q", got)
	}

	if FormatForInjection(nil) != "" {
		t.Error("empty results formatted non-empty")
	}
}
