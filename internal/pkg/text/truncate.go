// Package text holds small string helpers shared by notifiers and logs.
package text

import "unicode/utf8"

// Truncate cuts s to at most limit bytes without splitting a rune and marks
// the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
