package overlay

import (
	"math"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/bobarin/adreel/internal/models"
)

func baseStyle() models.OverlayStyle {
	return models.OverlayStyle{
		FontSize:          48,
		FontWeight:        models.FontWeightBold,
		TextColor:         "#ffffff",
		BackgroundColor:   "#000000",
		BackgroundOpacity: 0.6,
		BorderRadius:      16,
		PaddingX:          24,
		PaddingY:          12,
		MaxWidth:          80,
		TextAlign:         models.AlignCenter,
	}
}

func TestComputeMetricsPreviewConstants(t *testing.T) {
	m := ComputeMetrics(baseStyle(), 1080)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"scale", m.Scale, 3},
		{"font", m.FontSize, 72},
		{"paddingX", m.PaddingX, 36},
		{"paddingY", m.PaddingY, 18},
		{"radius", m.Radius, 24},
		{"side", m.SidePadding, 36},
		{"lineHeight", m.LineHeight, 86.4},
		{"gap", m.Gap, 21.6},
		{"maxBox", m.MaxBoxWidth, 1080*0.8 - 72},
		{"text", m.TextWidth, 1080*0.8 - 72 - 72},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-9 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestComputeMetricsScaleLinearity(t *testing.T) {
	style := baseStyle()
	a := ComputeMetrics(style, 1080)
	b := ComputeMetrics(style, 2160)

	pairs := map[string][2]float64{
		"font":       {a.FontSize, b.FontSize},
		"paddingX":   {a.PaddingX, b.PaddingX},
		"paddingY":   {a.PaddingY, b.PaddingY},
		"radius":     {a.Radius, b.Radius},
		"side":       {a.SidePadding, b.SidePadding},
		"lineHeight": {a.LineHeight, b.LineHeight},
		"gap":        {a.Gap, b.Gap},
		"maxBox":     {a.MaxBoxWidth, b.MaxBoxWidth},
		"text":       {a.TextWidth, b.TextWidth},
	}
	for name, p := range pairs {
		if p[1] != 2*p[0] {
			t.Errorf("%s: %v at 2160 is not double %v at 1080", name, p[1], p[0])
		}
	}
}

func TestComputeMetricsScaleLinearityRandom(t *testing.T) {
	f := func(w uint16, fs, pad, radius uint8) bool {
		width := int(w%4000) + 1
		style := baseStyle()
		style.FontSize = float64(fs) + 1
		style.PaddingX = float64(pad)
		style.PaddingY = float64(pad) / 2
		style.BorderRadius = float64(radius)
		a := ComputeMetrics(style, width)
		b := ComputeMetrics(style, 2*width)
		near := func(x, y float64) bool { return math.Abs(2*x-y) <= 1e-9*math.Max(1, y) }
		return near(a.FontSize, b.FontSize) && near(a.PaddingX, b.PaddingX) &&
			near(a.PaddingY, b.PaddingY) && near(a.Radius, b.Radius) &&
			near(a.SidePadding, b.SidePadding)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestLayoutFitContent(t *testing.T) {
	style := baseStyle()
	o := models.TextOverlay{Text: "Hi", Style: style}
	box := layoutWith(o, 1080, tenPerRune)

	if len(box.Lines) != 1 || box.Lines[0] != "Hi" {
		t.Fatalf("lines = %q", box.Lines)
	}
	if want := 20 + 2*box.Metrics.PaddingX; box.Width != want {
		t.Errorf("width = %v, want %v", box.Width, want)
	}
	if want := box.Metrics.LineHeight + 2*box.Metrics.PaddingY; box.Height != want {
		t.Errorf("height = %v, want %v", box.Height, want)
	}
}

func TestLayoutEmojiPrefix(t *testing.T) {
	o := models.TextOverlay{Text: "  sale  today ", Emoji: "\U0001F525", Style: baseStyle()}
	box := layoutWith(o, 1080, tenPerRune)
	if box.Lines[0] != "\U0001F525 sale today" {
		t.Errorf("line = %q", box.Lines[0])
	}
}

func randomCaption(r *rand.Rand) string {
	words := []string{"buy", "now", "limited", "offer", "\U0001F525", "supercalifragilistic", "\n", "50%", "off", "\u00a0", "today"}
	n := r.Intn(20)
	out := ""
	for i := 0; i < n; i++ {
		out += words[r.Intn(len(words))] + " "
	}
	return out
}

func TestBoxContainment(t *testing.T) {
	rast := NewRasterizer(nil)
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 300; i++ {
		style := baseStyle()
		style.MaxWidth = float64(10 + r.Intn(91))
		style.PaddingX = float64(r.Intn(60))
		style.FontSize = float64(8 + r.Intn(120))
		width := 240 + r.Intn(2000)
		o := models.TextOverlay{Text: randomCaption(r), Style: style}

		box := rast.Layout(o, width)
		if box.Width > box.Metrics.MaxBoxWidth+1e-9 {
			t.Fatalf("box width %v exceeds max %v (style %+v, width %d)", box.Width, box.Metrics.MaxBoxWidth, style, width)
		}
		// the measured box under a synthetic measure obeys the same bound
		if sb := layoutWith(o, width, tenPerRune); sb.Width > sb.Metrics.MaxBoxWidth+1e-9 {
			t.Fatalf("synthetic box width %v exceeds max %v", sb.Width, sb.Metrics.MaxBoxWidth)
		}
	}
}

func TestWrapDeterminismAcrossRenderAndHeight(t *testing.T) {
	rast := NewRasterizer(testFonts(t, nil))
	r := rand.New(rand.NewSource(11))
	for i := 0; i < 25; i++ {
		style := baseStyle()
		style.MaxWidth = float64(30 + r.Intn(71))
		o := models.TextOverlay{Text: randomCaption(r), Style: style}
		width := 360 + r.Intn(720)

		box := rast.Layout(o, width)
		img, err := rast.Render(o, width, width*16/9)
		if err != nil {
			t.Fatalf("Render: %v", err)
		}
		if !reflect.DeepEqual(box.Lines, img.Lines) {
			t.Fatalf("layout lines %q != render lines %q", box.Lines, img.Lines)
		}
		if got, want := rast.OverlayHeight(o, width), box.Height+box.Metrics.Gap; got != want {
			t.Fatalf("OverlayHeight = %v, want %v", got, want)
		}
		if want := int(math.Ceil(box.Height)); img.Height != want {
			t.Fatalf("image height %d, want %d", img.Height, want)
		}
	}
}

func TestPlaceY(t *testing.T) {
	tests := []struct {
		name string
		pos  models.Position
		off  float64
		want float64
	}{
		{"top", models.PositionTop, 0, 192},
		{"center", models.PositionCenter, 0, 860},
		{"bottom", models.PositionBottom, 0, 1528},
		{"top shifted down", models.PositionTop, 5, 288},
		{"clamped above", models.PositionTop, -50, 0},
		{"clamped below", models.PositionBottom, 50, 1720},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlaceY(tt.pos, tt.off, 200, 1920); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PlaceY = %v, want %v", got, tt.want)
			}
		})
	}
}
