package overlay

import (
	"strings"
)

// MeasureFunc returns the advance width of s in output pixels.
type MeasureFunc func(s string) float64

// Wrap breaks normalized text into lines no wider than width.
//
// Explicit newlines start new paragraphs and an empty paragraph yields an
// empty line. Words are packed greedily; a word that alone exceeds width is
// broken between characters. Layout, Render and OverlayHeight all go
// through here so their line arrays always agree.
func Wrap(text string, width float64, measure MeasureFunc) []string {
	paragraphs := strings.Split(text, "\n")
	lines := make([]string, 0, len(paragraphs))

	for _, p := range paragraphs {
		words := strings.Fields(p)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}

		cur := ""
		for _, w := range words {
			if cur != "" {
				candidate := cur + " " + w
				if measure(candidate) <= width {
					cur = candidate
					continue
				}
				lines = append(lines, cur)
				cur = ""
			}
			if measure(w) <= width {
				cur = w
				continue
			}
			parts := breakWord(w, width, measure)
			lines = append(lines, parts[:len(parts)-1]...)
			cur = parts[len(parts)-1]
		}
		lines = append(lines, cur)
	}
	return lines
}

// breakWord splits w into chunks that fit width. A chunk always holds at
// least one character, so a width smaller than a single glyph still
// terminates. Joiners and variation selectors stay with the preceding rune.
func breakWord(w string, width float64, measure MeasureFunc) []string {
	var parts []string
	var chunk strings.Builder
	for _, cluster := range clusters(w) {
		if chunk.Len() > 0 && measure(chunk.String()+cluster) > width {
			parts = append(parts, chunk.String())
			chunk.Reset()
		}
		chunk.WriteString(cluster)
	}
	if chunk.Len() > 0 || len(parts) == 0 {
		parts = append(parts, chunk.String())
	}
	return parts
}

// clusters groups runes so that ZWJ sequences and variation selectors are
// never split from the rune they modify.
func clusters(s string) []string {
	var out []string
	var cur []rune
	join := false
	for _, r := range s {
		switch {
		case len(cur) == 0:
			cur = append(cur, r)
		case isCombining(r):
			cur = append(cur, r)
			join = r == zwj
			continue
		case join:
			cur = append(cur, r)
		default:
			out = append(out, string(cur))
			cur = []rune{r}
		}
		join = false
	}
	if len(cur) > 0 {
		out = append(out, string(cur))
	}
	return out
}

const (
	zwj  = '\u200d'
	vs15 = '\ufe0e'
	vs16 = '\ufe0f'
)

func isCombining(r rune) bool {
	return r == zwj || r == vs15 || r == vs16 || (r >= 0x1F3FB && r <= 0x1F3FF)
}
