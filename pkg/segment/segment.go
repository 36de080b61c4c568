// Package segment partitions a working image into the rectangular regions used as
// the atomic units of attribution.
package segment

import (
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

// ErrUnprocessableImage is returned when an input cannot be turned into a working image
var ErrUnprocessableImage = errors.New("unprocessable input image")

// Config holds configuration for segmentation
type Config struct {
	CanonicalSize int // longest side of the working image
	SegmentSize   int // edge length of one square segment
	MaxSegments   int // cap on the number of emitted segments
	MaxLattice    int // maximum lattice side used when the full grid is too large
}

// DefaultConfig returns the segmentation settings used by the explainer
func DefaultConfig() Config {
	return Config{
		CanonicalSize: 224,
		SegmentSize:   20,
		MaxSegments:   80,
		MaxLattice:    9,
	}
}

// Segmenter builds working images and their segment grids
type Segmenter struct {
	config Config
}

// New creates a Segmenter with default configuration
func New() *Segmenter {
	return &Segmenter{config: DefaultConfig()}
}

// NewWithConfig creates a Segmenter with custom configuration. Non-positive
// values fall back to the defaults.
func NewWithConfig(config Config) *Segmenter {
	def := DefaultConfig()
	if config.CanonicalSize <= 0 {
		config.CanonicalSize = def.CanonicalSize
	}
	if config.SegmentSize <= 0 {
		config.SegmentSize = def.SegmentSize
	}
	if config.MaxSegments <= 0 {
		config.MaxSegments = def.MaxSegments
	}
	if config.MaxLattice <= 0 {
		config.MaxLattice = def.MaxLattice
	}
	return &Segmenter{config: config}
}

// Config returns the effective configuration
func (s *Segmenter) Config() Config {
	return s.config
}

// Prepare returns the working image: img scaled down so that its longer side does
// not exceed the canonical size, aspect ratio preserved. Smaller images are copied
// unchanged. The result always has its origin at (0,0).
func (s *Segmenter) Prepare(img image.Image) (*image.NRGBA, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrUnprocessableImage)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrUnprocessableImage, b.Dx(), b.Dy())
	}

	size := s.config.CanonicalSize
	work := imaging.Fit(img, size, size, imaging.Lanczos)
	if work.Bounds().Empty() {
		return nil, fmt.Errorf("%w: resize of %dx%d produced an empty image", ErrUnprocessableImage, b.Dx(), b.Dy())
	}
	return work, nil
}

// Segment returns the ordered segments of a working image. The order is row-major
// and is the canonical indexing for the rest of the run.
func (s *Segmenter) Segment(work image.Image) []types.Segment {
	bounds := work.Bounds()
	edge := s.config.SegmentSize
	cols := max(1, bounds.Dx()/edge)
	rows := max(1, bounds.Dy()/edge)

	stepCol, stepRow := 1, 1
	if cols*rows > s.config.MaxSegments {
		// Strided lattice bounded to MaxLattice x MaxLattice
		stepCol = max(1, cols/s.config.MaxLattice)
		stepRow = max(1, rows/s.config.MaxLattice)
	}

	segments := make([]types.Segment, 0, min(cols*rows, s.config.MaxSegments))
	for row := 0; row < rows; row += stepRow {
		for col := 0; col < cols; col += stepCol {
			x := bounds.Min.X + col*edge
			y := bounds.Min.Y + row*edge
			rect := image.Rect(x, y, x+edge, y+edge).Intersect(bounds)
			segments = append(segments, types.Segment{Index: len(segments), Rect: rect})
			if len(segments) >= s.config.MaxSegments {
				return segments
			}
		}
	}
	return segments
}
