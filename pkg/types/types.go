package types

import "image"

// Segment is an axis-aligned region of the working image. Index is stable for the
// lifetime of one explanation run and joins coalitions, contribution values and
// overlay regions.
type Segment struct {
	Index int             `json:"index"`
	Rect  image.Rectangle `json:"rect"`
}

// Area returns the number of pixels covered by the segment
func (s Segment) Area() int {
	return s.Rect.Dx() * s.Rect.Dy()
}

// Center returns the center point of the segment
func (s Segment) Center() image.Point {
	return image.Pt(s.Rect.Min.X+s.Rect.Dx()/2, s.Rect.Min.Y+s.Rect.Dy()/2)
}

// ImportantRegion is a segment whose contribution passed the importance cutoff
type ImportantRegion struct {
	Segment      Segment `json:"segment"`
	Contribution float64 `json:"contribution"`
}

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// NormalizedBox converts a segment rectangle into a Box relative to a size
func NormalizedBox(r image.Rectangle, size image.Point) Box {
	if size.X <= 0 || size.Y <= 0 {
		return Box{}
	}
	fw, fh := float64(size.X), float64(size.Y)
	return Box{
		X: float64(r.Min.X) / fw,
		Y: float64(r.Min.Y) / fh,
		W: float64(r.Dx()) / fw,
		H: float64(r.Dy()) / fh,
	}
}
