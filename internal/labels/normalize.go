package labels

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Key returns the comparison key for a label or group name:
// NFKC-normalized, whitespace collapsed, trimmed and case-folded.
// Two strings with the same Key are the same label.
func Key(s string) string {
	// Casers are stateful, so one is created per call.
	return cases.Fold().String(Display(s))
}

// GroupKey returns the comparison key for a group name. It is Key with
// the spaces removed, so "Green Space" and "GreenSpace" name one group.
func GroupKey(s string) string {
	return strings.ReplaceAll(Key(s), " ", "")
}

// Display returns the cleaned display form of s: NFKC-normalized with
// runs of whitespace collapsed to one space and the ends trimmed.
// Casing is preserved.
func Display(s string) string {
	s = norm.NFKC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}
