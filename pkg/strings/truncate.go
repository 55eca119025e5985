// Package strings holds small text helpers shared by the renderers.
package strings

import (
	"strings"
)

// DefaultCellMaxLen is the widest free-text cell rendered in a table.
const DefaultCellMaxLen = 80

// minTruncateLen leaves room for one character plus "...".
const minTruncateLen = 4

// Truncate collapses all whitespace runs (including newlines) into single
// spaces and shortens the result to maxLen runes, ending in "..." when cut.
// maxLen is clamped to at least 4.
func Truncate(s string, maxLen int) string {
	if maxLen < minTruncateLen {
		maxLen = minTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}

// FirstLine returns the first non-blank line of s without surrounding space.
func FirstLine(s string) string {
	for line := range strings.Lines(s) {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return ""
}
