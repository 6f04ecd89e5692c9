package overlay

import (
	"os"
	"sync"

	"github.com/golang/freetype/truetype"
	"go.uber.org/zap"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"

	"github.com/bobarin/adreel/internal/logger"
)

// FontPaths names the font files to load. Empty entries fall back to the
// first readable file in the matching default list.
type FontPaths struct {
	Regular string
	Bold    string
	Emoji   string
}

var (
	defaultRegular = []string{
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/TTF/DejaVuSans.ttf",
	}
	defaultBold = []string{
		"/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf",
		"/usr/share/fonts/TTF/DejaVuSans-Bold.ttf",
	}
	// freetype only reads outline glyphs, so the monochrome Noto Emoji is
	// the usable fallback; color bitmap fonts fail to parse.
	defaultEmoji = []string{
		"/usr/share/fonts/truetype/noto/NotoEmoji-Regular.ttf",
		"/usr/share/fonts/noto/NotoEmoji-Regular.ttf",
	}
)

// FontSet holds the parsed fonts shared by every render. It is loaded once
// at startup and is safe for concurrent use; faces are built per render.
type FontSet struct {
	Regular *truetype.Font
	Bold    *truetype.Font
	Emoji   *truetype.Font

	log       *logger.Logger
	emojiOnce sync.Once
}

// LoadFontSet parses the configured fonts. It never fails: a missing
// regular font degrades to a fixed bitmap face and a missing emoji font is
// reported once, the first time a caption needs it.
func LoadFontSet(paths FontPaths, log *logger.Logger) *FontSet {
	if log == nil {
		log = logger.Nop()
	}
	fs := &FontSet{log: log.WithComponent("fonts")}

	fs.Regular = fs.load("regular", paths.Regular, defaultRegular)
	fs.Bold = fs.load("bold", paths.Bold, defaultBold)
	fs.Emoji = fs.load("emoji", paths.Emoji, defaultEmoji)

	if fs.Regular == nil {
		fs.log.Warn("no regular font available, captions use the built-in bitmap face")
	}
	return fs
}

func (fs *FontSet) load(kind, path string, defaults []string) *truetype.Font {
	candidates := defaults
	if path != "" {
		candidates = []string{path}
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if path != "" {
				fs.log.Warn("font file unreadable", zap.String("kind", kind), zap.String("path", p), zap.Error(err))
			}
			continue
		}
		f, err := truetype.Parse(data)
		if err != nil {
			fs.log.Warn("font file unparseable", zap.String("kind", kind), zap.String("path", p), zap.Error(err))
			continue
		}
		fs.log.Debug("font loaded", zap.String("kind", kind), zap.String("path", p))
		return f
	}
	return nil
}

func (fs *FontSet) warnNoEmoji() {
	fs.emojiOnce.Do(func() {
		fs.log.Warn("no emoji font available, emoji glyphs render as placeholder boxes")
	})
}

// faceSet is the per-render view of a FontSet at one pixel size. font.Face
// values from freetype cache glyphs and must not be shared across goroutines.
type faceSet struct {
	primary     font.Face
	primaryFont *truetype.Font
	emoji       font.Face
	emojiFont   *truetype.Font
	onNoEmoji   func()
}

func (fs *FontSet) faces(px float64, bold bool) *faceSet {
	if fs == nil || fs.Regular == nil {
		return &faceSet{primary: basicfont.Face7x13}
	}
	primary := fs.Regular
	if bold && fs.Bold != nil {
		primary = fs.Bold
	}
	set := &faceSet{
		primary:     newFace(primary, px),
		primaryFont: primary,
		onNoEmoji:   fs.warnNoEmoji,
	}
	if fs.Emoji != nil {
		set.emoji = newFace(fs.Emoji, px)
		set.emojiFont = fs.Emoji
	}
	return set
}

func newFace(f *truetype.Font, px float64) font.Face {
	return truetype.NewFace(f, &truetype.Options{
		Size:    px,
		DPI:     72,
		Hinting: font.HintingNone,
	})
}

// run is a maximal span of text drawn with one face.
type run struct {
	text string
	face font.Face
}

// runs splits s by face. Runes the primary font lacks go to the emoji face
// when it has them. Joiners and variation selectors have no outline in
// either font and are dropped from drawing.
func (f *faceSet) runs(s string) []run {
	if f.primaryFont == nil {
		return []run{{text: s, face: f.primary}}
	}
	var out []run
	var cur []rune
	var curFace font.Face
	flush := func() {
		if len(cur) > 0 {
			out = append(out, run{text: string(cur), face: curFace})
			cur = cur[:0]
		}
	}
	for _, r := range s {
		if r == zwj || r == vs15 || r == vs16 {
			continue
		}
		face := f.primary
		if f.primaryFont.Index(r) == 0 {
			switch {
			case f.emojiFont != nil && f.emojiFont.Index(r) != 0:
				face = f.emoji
			case f.emojiFont == nil && isEmoji(r):
				f.onNoEmoji()
			}
		}
		if face != curFace {
			flush()
			curFace = face
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

// measure returns the advance width of s in pixels.
func (f *faceSet) measure(s string) float64 {
	total := 0.0
	for _, r := range f.runs(s) {
		total += float64(font.MeasureString(r.face, r.text)) / 64
	}
	return total
}

func (f *faceSet) ascentDescent() (float64, float64) {
	m := f.primary.Metrics()
	return float64(m.Ascent) / 64, float64(m.Descent) / 64
}

func isEmoji(r rune) bool {
	return (r >= 0x1F000 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) || (r >= 0x2B00 && r <= 0x2BFF)
}
