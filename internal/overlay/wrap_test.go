package overlay

import (
	"reflect"
	"testing"
	"unicode/utf8"
)

// tenPerRune is a deterministic measure for wrap tests.
func tenPerRune(s string) float64 {
	return float64(utf8.RuneCountInString(s) * 10)
}

func TestWrap(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		width float64
		want  []string
	}{
		{"fits", "hello", 100, []string{"hello"}},
		{"break between words", "hello world", 55, []string{"hello", "world"}},
		{"exact fit packs", "a b c", 30, []string{"a b", "c"}},
		{"char fallback", "abcdefghij", 35, []string{"abc", "def", "ghi", "j"}},
		{"char fallback mid line", "hi abcdefgh", 30, []string{"hi", "abc", "def", "gh"}},
		{"char fallback then word", "abcdef gh", 30, []string{"abc", "def", "gh"}},
		{"empty paragraph", "x\n\ny", 100, []string{"x", "", "y"}},
		{"empty text", "", 100, []string{""}},
		{"zero width", "ab", 0, []string{"a", "b"}},
		{"skin tone stays attached", "\U0001F44D\U0001F3FD", 10, []string{"\U0001F44D\U0001F3FD"}},
		{"zwj sequence stays attached", "\U0001F468\u200d\U0001F4BBx", 10, []string{"\U0001F468\u200d\U0001F4BB", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Wrap(tt.text, tt.width, tenPerRune)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Wrap(%q, %v) = %q, want %q", tt.text, tt.width, got, tt.want)
			}
		})
	}
}

func TestWrapLinesFitWidth(t *testing.T) {
	text := Normalize("The quick brown fox jumps over the lazy dog\nand keeps running")
	for _, width := range []float64{40, 60, 90, 150} {
		for _, line := range Wrap(text, width, tenPerRune) {
			if utf8.RuneCountInString(line) > 1 && tenPerRune(line) > width {
				t.Errorf("width %v: line %q measures %v", width, line, tenPerRune(line))
			}
		}
	}
}
