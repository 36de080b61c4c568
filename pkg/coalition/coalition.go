// Package coalition draws random subsets of segments and synthesizes the masked
// images evaluated for each subset.
package coalition

import (
	"image"
	"image/color"
	"image/draw"
	"math/rand/v2"
	"slices"

	"github.com/disintegration/imaging"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

// BaselineColor is the flat mid-gray used for the baseline image and for every
// segment left out of a coalition
var BaselineColor = color.NRGBA{R: 128, G: 128, B: 128, A: 255}

// Coalition is a sorted set of distinct segment indices
type Coalition []int

// Contains reports whether idx is a member of the coalition
func (c Coalition) Contains(idx int) bool {
	_, found := slices.BinarySearch(c, idx)
	return found
}

// Sampler draws coalitions from an injectable pseudo-random source
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a Sampler backed by rng
func NewSampler(rng *rand.Rand) *Sampler {
	return &Sampler{rng: rng}
}

// NewSeededSampler creates a Sampler with a reproducible PCG source
func NewSeededSampler(seed uint64) *Sampler {
	return NewSampler(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

// NewRandomSampler creates a Sampler with a fresh seed
func NewRandomSampler() *Sampler {
	return NewSampler(rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())))
}

// Draw returns a coalition over n segments. Its size is uniform in [1,n] and its
// members are a uniform subset of that size drawn without replacement. Draw
// returns nil when n is not positive.
func (s *Sampler) Draw(n int) Coalition {
	if n <= 0 {
		return nil
	}
	size := s.rng.IntN(n) + 1
	members := s.rng.Perm(n)[:size]
	slices.Sort(members)
	return Coalition(members)
}

// Build synthesizes the masked image for a coalition: a baseline fill the size of
// work, with every member segment's rectangle copied from work. Segments outside
// the coalition stay at the fill color.
func Build(work image.Image, segments []types.Segment, c Coalition, fill color.Color) *image.NRGBA {
	bounds := work.Bounds()
	dst := imaging.New(bounds.Dx(), bounds.Dy(), fill)
	offset := bounds.Min
	for _, idx := range c {
		if idx < 0 || idx >= len(segments) {
			continue
		}
		r := segments[idx].Rect
		draw.Draw(dst, r.Sub(offset), work, r.Min, draw.Src)
	}
	return dst
}

// Baseline returns the flat size x size reference image
func Baseline(size int, fill color.Color) *image.NRGBA {
	return imaging.New(size, size, fill)
}

// All returns the coalition containing every one of n segments
func All(n int) Coalition {
	c := make(Coalition, n)
	for i := range c {
		c[i] = i
	}
	return c
}
