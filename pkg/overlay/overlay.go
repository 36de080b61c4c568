// Package overlay renders per-segment contributions as a translucent bipolar
// heat map over the original photograph.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

// Config holds configuration for overlay rendering
type Config struct {
	FillThreshold    float64 // relative magnitude a segment must exceed to be filled
	OutlineThreshold float64 // relative magnitude a segment must exceed to be outlined
	MaxOutlined      int     // number of top segments considered for outlines
	MaxAlpha         float64 // fill opacity at full relative magnitude
	CornerRadius     int     // rounding of fills and outlines, in output pixels
	StrokeWidth      int     // outline width, in output pixels
	OutlineColor     color.NRGBA
}

// DefaultConfig returns the overlay settings used by the explainer
func DefaultConfig() Config {
	return Config{
		FillThreshold:    0.1,
		OutlineThreshold: 0.6,
		MaxOutlined:      5,
		MaxAlpha:         0.7,
		CornerRadius:     3,
		StrokeWidth:      2,
		OutlineColor:     color.NRGBA{255, 255, 255, 255},
	}
}

// Renderer draws contribution overlays
type Renderer struct {
	config Config
}

// New creates a Renderer with default configuration
func New() *Renderer {
	return &Renderer{config: DefaultConfig()}
}

// NewWithConfig creates a Renderer with custom configuration
func NewWithConfig(config Config) *Renderer {
	def := DefaultConfig()
	if config.MaxOutlined < 0 {
		config.MaxOutlined = def.MaxOutlined
	}
	if config.MaxAlpha <= 0 || config.MaxAlpha > 1 {
		config.MaxAlpha = def.MaxAlpha
	}
	if config.StrokeWidth <= 0 {
		config.StrokeWidth = def.StrokeWidth
	}
	if config.CornerRadius < 0 {
		config.CornerRadius = 0
	}
	if config.OutlineColor.A == 0 {
		config.OutlineColor = def.OutlineColor
	}
	return &Renderer{config: config}
}

// Plan lists what Render paints for a contribution vector
type Plan struct {
	MaxAbs   float64
	Order    []int // all indices, ascending by absolute contribution
	Filled   []int // indices receiving a fill, in paint order
	Outlined []int // indices receiving an outline, in paint order
}

// Plan decides which segments are filled and outlined. Segments are painted in
// ascending order of absolute contribution so the strongest end up on top.
func (r *Renderer) Plan(values []float64) Plan {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return math.Abs(values[order[a]]) < math.Abs(values[order[b]])
	})

	p := Plan{Order: order, MaxAbs: maxAbs(values)}
	if p.MaxAbs == 0 || math.IsNaN(p.MaxAbs) || math.IsInf(p.MaxAbs, 0) {
		return p
	}

	for _, idx := range order {
		if math.Abs(values[idx])/p.MaxAbs > r.config.FillThreshold {
			p.Filled = append(p.Filled, idx)
		}
	}
	top := order[max(0, len(order)-r.config.MaxOutlined):]
	for _, idx := range top {
		if math.Abs(values[idx])/p.MaxAbs > r.config.OutlineThreshold {
			p.Outlined = append(p.Outlined, idx)
		}
	}
	return p
}

// Tint returns the fill color for a contribution with relative magnitude rel:
// red-weighted for positive values, blue-weighted for negative ones, with opacity
// proportional to rel.
func (r *Renderer) Tint(value, rel float64) color.NRGBA {
	rel = math.Max(0, math.Min(1, rel))
	var c colorful.Color
	if value > 0 {
		c = colorful.Color{R: 1, G: 1 - rel*0.8, B: 1 - rel}
	} else {
		c = colorful.Color{R: 1 - rel, G: 1 - rel*0.8, B: 1}
	}
	cr, cg, cb := c.Clamped().RGB255()
	return color.NRGBA{R: cr, G: cg, B: cb, A: uint8(math.Round(rel * r.config.MaxAlpha * 255))}
}

// Render paints values over original. Segment rectangles are given in working
// image coordinates of size workSize and are scaled to the original resolution.
// The result is a new image; original is not modified. A vector with no non-zero
// entry yields an unmodified copy.
func (r *Renderer) Render(original image.Image, segments []types.Segment, values []float64, workSize image.Point) image.Image {
	dst := imaging.Clone(original)
	n := min(len(segments), len(values))
	if n == 0 || workSize.X <= 0 || workSize.Y <= 0 {
		return dst
	}
	values = values[:n]

	plan := r.Plan(values)
	if len(plan.Filled) == 0 && len(plan.Outlined) == 0 {
		return dst
	}

	bounds := dst.Bounds()
	scaleX := float64(bounds.Dx()) / float64(workSize.X)
	scaleY := float64(bounds.Dy()) / float64(workSize.Y)

	for _, idx := range plan.Filled {
		rect := scaleRect(segments[idx].Rect, scaleX, scaleY).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		tint := r.Tint(values[idx], math.Abs(values[idx])/plan.MaxAbs)
		mask := &roundedRect{rect: rect, radius: r.config.CornerRadius}
		draw.DrawMask(dst, rect, image.NewUniform(tint), image.Point{}, mask, rect.Min, draw.Over)
	}

	for _, idx := range plan.Outlined {
		rect := scaleRect(segments[idx].Rect, scaleX, scaleY).Intersect(bounds)
		if rect.Empty() {
			continue
		}
		mask := &roundedRect{rect: rect, radius: r.config.CornerRadius, stroke: r.config.StrokeWidth}
		draw.DrawMask(dst, rect, image.NewUniform(r.config.OutlineColor), image.Point{}, mask, rect.Min, draw.Over)
	}

	return dst
}

func maxAbs(values []float64) float64 {
	m := 0.0
	for _, v := range values {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

func scaleRect(r image.Rectangle, sx, sy float64) image.Rectangle {
	return image.Rect(
		int(math.Round(float64(r.Min.X)*sx)),
		int(math.Round(float64(r.Min.Y)*sy)),
		int(math.Round(float64(r.Max.X)*sx)),
		int(math.Round(float64(r.Max.Y)*sy)),
	)
}

// roundedRect is an alpha mask covering a rectangle with rounded corners, or only
// its border when stroke is positive
type roundedRect struct {
	rect   image.Rectangle
	radius int
	stroke int
}

func (m *roundedRect) ColorModel() color.Model { return color.AlphaModel }

func (m *roundedRect) Bounds() image.Rectangle { return m.rect }

func (m *roundedRect) At(x, y int) color.Color {
	if !insideRounded(m.rect, m.radius, x, y) {
		return color.Transparent
	}
	if m.stroke > 0 {
		inner := m.rect.Inset(m.stroke)
		if !inner.Empty() && insideRounded(inner, max(0, m.radius-m.stroke), x, y) {
			return color.Transparent
		}
	}
	return color.Opaque
}

func insideRounded(r image.Rectangle, radius, x, y int) bool {
	if !image.Pt(x, y).In(r) {
		return false
	}
	rad := float64(min(radius, r.Dx()/2, r.Dy()/2))
	if rad <= 0 {
		return true
	}
	px, py := float64(x)+0.5, float64(y)+0.5
	cx := math.Max(float64(r.Min.X)+rad, math.Min(px, float64(r.Max.X)-rad))
	cy := math.Max(float64(r.Min.Y)+rad, math.Min(py, float64(r.Max.Y)-rad))
	dx, dy := px-cx, py-cy
	return dx*dx+dy*dy <= rad*rad
}
