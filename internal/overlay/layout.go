// Package overlay rasterizes timed caption boxes so they match the preview
// editor.
//
// The preview renders every caption inside a 360 CSS px wide 9:16 phone
// frame. Output geometry is that layout rescaled by videoWidth/360:
//
//	font size      style.FontSize     x 0.5 x scale
//	padding        style.PaddingX/Y   x 0.5 x scale
//	corner radius  style.BorderRadius x 0.5 x scale
//	side padding   12                 x 1.0 x scale (per side, wrapper)
//	line height    font size x 1.2
//	stacking gap   font size x 0.3
//
// The editor stores style sizes at twice their preview size, which is where
// the 0.5 multipliers come from.
package overlay

import (
	"math"

	"github.com/bobarin/adreel/internal/models"
)

// Preview layout constants.
const (
	PreviewWidth      = 360.0
	FontMultiplier    = 0.5
	PaddingMultiplier = 0.5
	RadiusMultiplier  = 0.5
	SidePadding       = 12.0
	LineHeightRatio   = 1.2
	GapRatio          = 0.3
)

// Style defaults applied when a field is zero.
const (
	DefaultFontSize  = 48.0
	DefaultMaxWidth  = 90.0
	DefaultTextColor = "#FFFFFF"
	DefaultBgColor   = "#000000"
)

// Metrics are the pixel constants for one style at one output width.
type Metrics struct {
	Scale       float64
	FontSize    float64
	PaddingX    float64
	PaddingY    float64
	Radius      float64
	SidePadding float64
	LineHeight  float64
	Gap         float64
	MaxBoxWidth float64
	TextWidth   float64
}

// ComputeMetrics derives every geometric constant from style and the
// output width. All values are linear in videoWidth.
func ComputeMetrics(style models.OverlayStyle, videoWidth int) Metrics {
	style = withDefaults(style)
	scale := float64(videoWidth) / PreviewWidth

	m := Metrics{
		Scale:       scale,
		FontSize:    style.FontSize * FontMultiplier * scale,
		PaddingX:    style.PaddingX * PaddingMultiplier * scale,
		PaddingY:    style.PaddingY * PaddingMultiplier * scale,
		Radius:      style.BorderRadius * RadiusMultiplier * scale,
		SidePadding: SidePadding * scale,
	}
	m.LineHeight = m.FontSize * LineHeightRatio
	m.Gap = m.FontSize * GapRatio
	m.MaxBoxWidth = math.Max(0, float64(videoWidth)*style.MaxWidth/100-2*m.SidePadding)
	m.TextWidth = math.Max(0, m.MaxBoxWidth-2*m.PaddingX)
	return m
}

func withDefaults(s models.OverlayStyle) models.OverlayStyle {
	if s.FontSize <= 0 {
		s.FontSize = DefaultFontSize
	}
	if s.MaxWidth <= 0 {
		s.MaxWidth = DefaultMaxWidth
	}
	if s.TextColor == "" {
		s.TextColor = DefaultTextColor
	}
	if s.BackgroundColor == "" {
		s.BackgroundColor = DefaultBgColor
	}
	if s.TextAlign == "" {
		s.TextAlign = models.AlignCenter
	}
	if s.FontWeight == "" {
		s.FontWeight = models.FontWeightNormal
	}
	return s
}

// Box is a laid-out caption box.
type Box struct {
	Lines      []string
	LineWidths []float64
	Width      float64
	Height     float64
	Metrics    Metrics
}

// CaptionText returns the normalized text drawn for o, with the emoji prefix.
func CaptionText(o models.TextOverlay) string {
	text := o.Text
	if o.Emoji != "" {
		text = o.Emoji + " " + text
	}
	return Normalize(text)
}

// layoutWith lays out o using measure. Width is fit-content and never
// exceeds the max box width.
func layoutWith(o models.TextOverlay, videoWidth int, measure MeasureFunc) Box {
	m := ComputeMetrics(o.Style, videoWidth)
	lines := Wrap(CaptionText(o), m.TextWidth, measure)

	widths := make([]float64, len(lines))
	widest := 0.0
	for i, l := range lines {
		widths[i] = measure(l)
		widest = math.Max(widest, widths[i])
	}

	return Box{
		Lines:      lines,
		LineWidths: widths,
		Width:      math.Min(widest+2*m.PaddingX, m.MaxBoxWidth),
		Height:     float64(len(lines))*m.LineHeight + 2*m.PaddingY,
		Metrics:    m,
	}
}

// SafeMargin is the distance of top and bottom anchored captions from the
// frame edge, as a fraction of frame height.
const SafeMargin = 0.10

// PlaceY returns the top edge of a box of boxHeight in a frame of
// videoHeight. yOffset is a percentage of the frame height added to the
// anchor. The result is clamped so the box stays inside the frame.
func PlaceY(position models.Position, yOffset, boxHeight float64, videoHeight int) float64 {
	h := float64(videoHeight)
	var y float64
	switch position {
	case models.PositionTop:
		y = h * SafeMargin
	case models.PositionBottom:
		y = h - h*SafeMargin - boxHeight
	default:
		y = (h - boxHeight) / 2
	}
	y += yOffset / 100 * h
	return math.Max(0, math.Min(y, h-boxHeight))
}
