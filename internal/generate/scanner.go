package generate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// The prose scanner is the deterministic gate of the quality pipeline. It
// counts occurrences of tics that LLM prose overuses; exceeding a pattern's
// cap is a hard failure that forces regeneration. Same text in, same
// verdict out, no model involved.

// scannerPattern is one counted tic.
type scannerPattern struct {
	name string
	re   *regexp.Regexp
	max  int // default cap, overridable via config
}

var defaultPatterns = []scannerPattern{
	{
		name: "em_dash",
		re:   regexp.MustCompile(`—`),
		max:  10,
	},
	{
		// "not the wind, but something older"
		name: "not_x_but_y",
		re:   regexp.MustCompile(`(?i)\bnot\s+(?:just\s+|only\s+)?\w+(?:\s+\w+){0,3},?\s+but\b`),
		max:  2,
	},
	{
		// "something in her voice shifted"
		name: "something_in_x",
		re:   regexp.MustCompile(`(?i)\bsomething\s+in\s+(?:the|his|her|their|its|my|your)\b`),
		max:  1,
	},
	{
		// "the kind of silence that presses on your ears"
		name: "the_kind_of_x_that_y",
		re:   regexp.MustCompile(`(?i)\bthe\s+kind\s+of\s+\w+(?:\s+\w+){0,2}\s+that\b`),
		max:  1,
	},
}

// Scanner counts banned-pattern occurrences in a draft.
type Scanner struct {
	patterns []scannerPattern
}

// NewScanner creates a scanner with the default caps, overridden per
// pattern name by limits. A limit of -1 disables the pattern.
func NewScanner(limits map[string]int) *Scanner {
	patterns := make([]scannerPattern, 0, len(defaultPatterns))
	for _, p := range defaultPatterns {
		if limit, ok := limits[p.name]; ok {
			if limit < 0 {
				continue
			}
			p.max = limit
		}
		patterns = append(patterns, p)
	}
	return &Scanner{patterns: patterns}
}

// ScanResult reports every pattern count and the violations.
type ScanResult struct {
	Counts     map[string]int
	Violations []string
}

// Clean reports whether no pattern exceeded its cap.
func (r *ScanResult) Clean() bool {
	return len(r.Violations) == 0
}

// Scan counts pattern occurrences in the text. Violations are ordered by
// pattern name so retries see stable feedback.
func (s *Scanner) Scan(text string) *ScanResult {
	result := &ScanResult{Counts: make(map[string]int, len(s.patterns))}

	for _, p := range s.patterns {
		n := len(p.re.FindAllStringIndex(text, -1))
		result.Counts[p.name] = n
		if n > p.max {
			result.Violations = append(result.Violations,
				fmt.Sprintf("pattern %s appears %d times (max %d)", p.name, n, p.max))
		}
	}

	sort.Strings(result.Violations)
	return result
}

// WordCount counts whitespace-separated words, the measure the word band
// is defined over.
func WordCount(text string) int {
	return len(strings.Fields(text))
}
