package coalition

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

// createGradientImage creates an image where every pixel is distinct from the baseline
func createGradientImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{uint8(x % 100), uint8(y % 100), 220, 255})
		}
	}
	return img
}

func gridSegments(cols, rows, edge int) []types.Segment {
	var segments []types.Segment
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			segments = append(segments, types.Segment{
				Index: len(segments),
				Rect:  image.Rect(c*edge, r*edge, (c+1)*edge, (r+1)*edge),
			})
		}
	}
	return segments
}

func TestDrawProperties(t *testing.T) {
	s := NewSeededSampler(7)

	for i := 0; i < 500; i++ {
		c := s.Draw(12)
		require.NotEmpty(t, c)
		assert.LessOrEqual(t, len(c), 12)
		assert.IsIncreasing(t, []int(c))
		for _, idx := range c {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 12)
		}
	}
}

func TestDrawCoversAllSizes(t *testing.T) {
	s := NewSeededSampler(11)
	seen := map[int]bool{}
	for i := 0; i < 2000; i++ {
		seen[len(s.Draw(5))] = true
	}
	for size := 1; size <= 5; size++ {
		assert.True(t, seen[size], "coalition size %d never drawn", size)
	}
}

func TestDrawSingleSegment(t *testing.T) {
	s := NewRandomSampler()
	for i := 0; i < 20; i++ {
		assert.Equal(t, Coalition{0}, s.Draw(1))
	}
	assert.Nil(t, s.Draw(0))
}

func TestSeededSamplerReproducible(t *testing.T) {
	a, b := NewSeededSampler(42), NewSeededSampler(42)
	for i := 0; i < 50; i++ {
		assert.Equal(t, a.Draw(30), b.Draw(30))
	}
}

func TestContains(t *testing.T) {
	c := Coalition{1, 4, 9}
	assert.True(t, c.Contains(4))
	assert.False(t, c.Contains(5))
	assert.False(t, Coalition(nil).Contains(0))
}

func TestBuildMasksOutsideCoalition(t *testing.T) {
	work := createGradientImage(60, 40)
	segments := gridSegments(3, 2, 20)

	out := Build(work, segments, Coalition{1, 5}, BaselineColor)
	require.Equal(t, work.Bounds(), out.Bounds())

	for _, seg := range segments {
		inside := seg.Index == 1 || seg.Index == 5
		for y := seg.Rect.Min.Y; y < seg.Rect.Max.Y; y++ {
			for x := seg.Rect.Min.X; x < seg.Rect.Max.X; x++ {
				if inside {
					require.Equal(t, work.NRGBAAt(x, y), out.NRGBAAt(x, y))
				} else {
					require.Equal(t, BaselineColor, out.NRGBAAt(x, y))
				}
			}
		}
	}
}

func TestBuildFullCoalitionMatchesWork(t *testing.T) {
	work := createGradientImage(60, 40)
	segments := gridSegments(3, 2, 20)

	out := Build(work, segments, All(len(segments)), BaselineColor)
	assert.Equal(t, work.Pix, out.Pix)
}

func TestBuildDoesNotMutateWork(t *testing.T) {
	work := createGradientImage(40, 40)
	before := append([]uint8(nil), work.Pix...)

	Build(work, gridSegments(2, 2, 20), Coalition{0, 3}, BaselineColor)
	assert.Equal(t, before, work.Pix)
}

func TestBaseline(t *testing.T) {
	img := Baseline(224, BaselineColor)
	assert.Equal(t, image.Rect(0, 0, 224, 224), img.Bounds())
	assert.Equal(t, BaselineColor, img.NRGBAAt(0, 0))
	assert.Equal(t, BaselineColor, img.NRGBAAt(223, 223))
}
