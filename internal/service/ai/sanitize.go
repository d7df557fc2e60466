package ai

import (
	"regexp"
	"strings"
)

type rewrite struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: line-anchored markers go before whitespace is collapsed.
var sanitizeRules = []rewrite{
	{regexp.MustCompile(`(?m)^-{3,}\s*$`), ""},
	{regexp.MustCompile(`(?m)^\s*#{1,6}\s*`), ""},
	{regexp.MustCompile(`(?m)^\s*(?:(?:[-*]|\d+\.)\s+)+`), ""},
	{regexp.MustCompile(`\*\*(.*?)\*\*`), "$1"},
	{regexp.MustCompile(`\*(.*?)\*`), "$1"},
	{regexp.MustCompile(`__(.*?)__`), "$1"},
	{regexp.MustCompile(`_(.*?)_`), "$1"},
	{regexp.MustCompile(`\n{3,}`), "\n\n"},
	{regexp.MustCompile(`[ \t\r\n]+`), " "},
	{regexp.MustCompile(`\s+([,.;:!?])`), "$1"},
}

// Sanitize turns model markdown into plain text for children: separators,
// headings, list markers and emphasis go away, whitespace collapses to single
// spaces and no space is left before punctuation. Sanitize(Sanitize(s)) == Sanitize(s).
func Sanitize(text string) string {
	out := sanitizeOnce(text)
	// a pass can expose new markup, e.g. "**- x**"; no rule grows the text,
	// so the loop reaches a fixed point
	for {
		next := sanitizeOnce(out)
		if next == out {
			return out
		}
		out = next
	}
}

func sanitizeOnce(text string) string {
	if text == "" {
		return ""
	}
	for _, r := range sanitizeRules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return strings.TrimSpace(text)
}
