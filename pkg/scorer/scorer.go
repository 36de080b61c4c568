// Package scorer defines the boundary between the explanation engine and the
// classifier being explained. A Scorer maps one image to a probability in [0,1];
// the engine treats it as an opaque, possibly slow, blocking call.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
)

var (
	// ErrUnavailable reports a classifier that could not be initialized or reached
	ErrUnavailable = errors.New("scoring function unavailable")

	// ErrNoScore reports a classifier call that produced no usable probability
	ErrNoScore = errors.New("no usable score")
)

// Scorer returns the probability of the positive class for an image
type Scorer interface {
	Score(ctx context.Context, img image.Image) (float64, error)
}

// Checker is implemented by scorers that can verify their backend before a run
type Checker interface {
	Check(ctx context.Context) error
}

// Func adapts a plain function to the Scorer interface
type Func func(ctx context.Context, img image.Image) (float64, error)

// Score calls f(ctx, img)
func (f Func) Score(ctx context.Context, img image.Image) (float64, error) {
	return f(ctx, img)
}

// Available returns nil when s can be used for a run. A nil scorer, or a Checker
// whose Check fails, yields an error wrapping ErrUnavailable.
func Available(ctx context.Context, s Scorer) error {
	if s == nil {
		return ErrUnavailable
	}
	if c, ok := s.(Checker); ok {
		if err := c.Check(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Validate turns a raw classifier output into a probability. NaN and infinities
// are rejected with ErrNoScore; finite values are clamped to [0,1].
func Validate(p float64) (float64, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: %v", ErrNoScore, p)
	}
	return math.Max(0, math.Min(1, p)), nil
}

// Probability scores img with s and validates the result
func Probability(ctx context.Context, s Scorer, img image.Image) (float64, error) {
	p, err := s.Score(ctx, img)
	if err != nil {
		return 0, err
	}
	return Validate(p)
}
