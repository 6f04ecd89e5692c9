package overlay

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"

	"github.com/bobarin/adreel/internal/errs"
	"github.com/bobarin/adreel/internal/models"
)

// Image is a rendered caption box.
type Image struct {
	PNG    []byte
	Width  int
	Height int
	Lines  []string
}

// Rasterizer renders captions with a shared FontSet.
type Rasterizer struct {
	fonts *FontSet
}

// NewRasterizer returns a Rasterizer drawing with fonts. A nil FontSet uses
// the built-in bitmap face.
func NewRasterizer(fonts *FontSet) *Rasterizer {
	return &Rasterizer{fonts: fonts}
}

func (r *Rasterizer) facesFor(o models.TextOverlay, videoWidth int) *faceSet {
	m := ComputeMetrics(o.Style, videoWidth)
	bold := o.Style.FontWeight == models.FontWeightBold || o.Style.FontWeight == models.FontWeightExtraBold
	return r.fonts.faces(m.FontSize, bold)
}

// Layout wraps and sizes o for an output videoWidth pixels wide.
func (r *Rasterizer) Layout(o models.TextOverlay, videoWidth int) Box {
	return layoutWith(o, videoWidth, r.facesFor(o, videoWidth).measure)
}

// OverlayHeight is the laid-out box height plus the stacking gap. It does
// not draw.
func (r *Rasterizer) OverlayHeight(o models.TextOverlay, videoWidth int) float64 {
	box := r.Layout(o, videoWidth)
	return box.Height + box.Metrics.Gap
}

// Render draws o into a transparent PNG sized to its box. Any panic from
// the drawing library is returned as an error so one caption cannot take
// down a batch.
func (r *Rasterizer) Render(o models.TextOverlay, videoWidth, videoHeight int) (img *Image, err error) {
	const op = "overlay.Render"
	defer func() {
		if rec := recover(); rec != nil {
			img = nil
			err = errs.Newf(errs.CodeInternal, op, "rasterizer panic: %v", rec)
		}
	}()

	if videoWidth <= 0 || videoHeight <= 0 {
		return nil, errs.Newf(errs.CodeValidation, op, "invalid frame %dx%d", videoWidth, videoHeight)
	}

	faces := r.facesFor(o, videoWidth)
	box := layoutWith(o, videoWidth, faces.measure)
	style := withDefaults(o.Style)
	m := box.Metrics

	w := max(1, int(math.Ceil(box.Width)))
	h := max(1, int(math.Ceil(box.Height)))
	dc := gg.NewContext(w, h)

	bg, err := parseColor(style.BackgroundColor)
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeValidation, op, "background color")
	}
	bg.A = uint8(math.Round(clamp01(style.BackgroundOpacity) * 255))
	fg, err := parseColor(style.TextColor)
	if err != nil {
		return nil, errs.WrapWithCode(err, errs.CodeValidation, op, "text color")
	}

	if bg.A > 0 {
		radius := math.Min(m.Radius, math.Min(box.Width, box.Height)/2)
		dc.SetColor(bg)
		dc.DrawRoundedRectangle(0, 0, box.Width, box.Height, radius)
		dc.Fill()
	}

	ascent, descent := faces.ascentDescent()
	inner := box.Width - 2*m.PaddingX
	dc.SetColor(fg)
	for i, line := range box.Lines {
		if line == "" {
			continue
		}
		var x float64
		switch style.TextAlign {
		case models.AlignLeft:
			x = m.PaddingX
		case models.AlignRight:
			x = m.PaddingX + inner - box.LineWidths[i]
		default:
			x = m.PaddingX + (inner-box.LineWidths[i])/2
		}
		// CSS half-leading: the glyph box is centered in the line box.
		top := m.PaddingY + float64(i)*m.LineHeight
		baseline := top + (m.LineHeight-(ascent+descent))/2 + ascent

		for _, run := range faces.runs(line) {
			dc.SetFontFace(run.face)
			dc.DrawString(run.text, x, baseline)
			x += float64(font.MeasureString(run.face, run.text)) / 64
		}
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, errs.Wrap(err, op, "encode png")
	}
	return &Image{PNG: buf.Bytes(), Width: w, Height: h, Lines: box.Lines}, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

var namedColors = map[string]color.NRGBA{
	"white":       {255, 255, 255, 255},
	"black":       {0, 0, 0, 255},
	"red":         {255, 0, 0, 255},
	"yellow":      {255, 255, 0, 255},
	"transparent": {0, 0, 0, 0},
}

// parseColor accepts #RGB, #RRGGBB, #RRGGBBAA and a few CSS names.
func parseColor(s string) (color.NRGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if c, ok := namedColors[s]; ok {
		return c, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("unsupported color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("unsupported color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
