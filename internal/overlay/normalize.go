package overlay

import (
	"strings"
	"unicode"
)

// invisible runes removed before wrapping. ZWJ (U+200D) and the emoji
// variation selector (U+FE0F) are kept so emoji sequences survive.
var invisible = map[rune]bool{
	'\u200b': true, // zero width space
	'\u200c': true, // zero width non-joiner
	'\u200e': true, // left-to-right mark
	'\u200f': true, // right-to-left mark
	'\u2060': true, // word joiner
	'\ufeff': true, // byte order mark
	'\u00ad': true, // soft hyphen
}

// Normalize prepares caption text exactly as the preview editor does before
// wrapping: carriage returns and invisible characters are dropped,
// non-breaking spaces become spaces, runs of horizontal whitespace collapse
// to one space and every line is trimmed. Newlines are preserved.
//
// Normalize(Normalize(s)) == Normalize(s) for every s.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	var b strings.Builder
	b.Grow(len(s))
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(normalizeLine(line))
	}
	return b.String()
}

func normalizeLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	pendingSpace := false
	for _, r := range line {
		switch {
		case r == '\r' || invisible[r]:
			continue
		case r == '\u00a0' || r == '\u202f' || r == '\u2007' || unicode.IsSpace(r):
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
