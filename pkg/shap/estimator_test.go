package shap

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"math"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/fundus-explainer/pkg/coalition"
	"github.com/menta2k/fundus-explainer/pkg/scorer"
	"github.com/menta2k/fundus-explainer/pkg/segment"
	"github.com/menta2k/fundus-explainer/pkg/types"
)

// createSolidImage creates an image with no baseline-gray pixels
func createSolidImage(width, height int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.NRGBA{220, 30, 30, 255})
		}
	}
	return img
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func prepare(t *testing.T, width, height int) (*image.NRGBA, []types.Segment) {
	t.Helper()
	s := segment.New()
	work, err := s.Prepare(createSolidImage(width, height))
	require.NoError(t, err)
	return work, s.Segment(work)
}

// visible reports which segments of img show original (non-gray) content
func visible(img image.Image, segments []types.Segment) []bool {
	out := make([]bool, len(segments))
	for i, seg := range segments {
		c := seg.Center()
		if !c.In(img.Bounds()) {
			continue
		}
		out[i] = color.NRGBAModel.Convert(img.At(c.X, c.Y)) != coalition.BaselineColor
	}
	return out
}

func countTrue(v []bool) int {
	n := 0
	for _, b := range v {
		if b {
			n++
		}
	}
	return n
}

func newTestEstimator(seed uint64, cfg Config, opts ...Option) *Estimator {
	opts = append([]Option{WithSampler(coalition.NewSeededSampler(seed)), WithLogger(quietLogger())}, opts...)
	return NewWithConfig(cfg, opts...)
}

func TestSampleCount(t *testing.T) {
	e := New(WithLogger(quietLogger()))
	assert.Equal(t, 2, e.SampleCount(1))
	assert.Equal(t, 40, e.SampleCount(20))
	assert.Equal(t, 50, e.SampleCount(25))
	assert.Equal(t, 50, e.SampleCount(80))
}

func TestEstimateMajorityVisible(t *testing.T) {
	work, segments := prepare(t, 160, 160)
	require.Len(t, segments, 64)

	majority := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		if countTrue(visible(img, segments))*2 > len(segments) {
			return 1, nil
		}
		return 0, nil
	})

	est, err := newTestEstimator(3, DefaultConfig()).Estimate(context.Background(), work, segments, majority)
	require.NoError(t, err)

	assert.Equal(t, 0.0, est.Baseline)
	assert.Equal(t, 1.0, est.Original)
	assert.True(t, est.Normalized)
	assert.Equal(t, 50, est.Planned)
	assert.Equal(t, 50, est.Succeeded)
	assert.InDelta(t, 1.0, floats.Sum(est.Values), 1e-6)
	for i, v := range est.Values {
		assert.GreaterOrEqual(t, v, 0.0, "segment %d", i)
	}
}

func TestEstimateWeightedMajority(t *testing.T) {
	work, segments := prepare(t, 160, 160)
	require.Len(t, segments, 64)

	// Four segments carry 32 votes each, the other 60 one vote each. Any three
	// heavy segments carry the majority; the light ones never can alone.
	heavy := map[int]bool{0: true, 21: true, 42: true, 63: true}
	weight := func(i int) int {
		if heavy[i] {
			return 32
		}
		return 1
	}
	total := 0
	for i := range segments {
		total += weight(i)
	}

	weighted := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		votes := 0
		for i, v := range visible(img, segments) {
			if v {
				votes += weight(i)
			}
		}
		if votes*2 > total {
			return 1, nil
		}
		return 0, nil
	})

	cfg := DefaultConfig()
	cfg.SampleCap = 2000
	cfg.SamplesPerSegment = 40
	cfg.Workers = 4

	est, err := newTestEstimator(11, cfg).Estimate(context.Background(), work, segments, weighted)
	require.NoError(t, err)
	require.Equal(t, 2000, est.Planned)
	assert.InDelta(t, 1.0, floats.Sum(est.Values), 1e-6)

	var heavySum, lightSum float64
	for i, v := range est.Values {
		if heavy[i] {
			heavySum += v
		} else {
			lightSum += v
		}
	}
	heavyMean := heavySum / float64(len(heavy))
	lightMean := lightSum / float64(len(segments)-len(heavy))
	assert.Greater(t, heavyMean, 1.05*lightMean, "heavy mean %.5f, light mean %.5f", heavyMean, lightMean)
}

func TestEstimateFavorsDecisiveSegment(t *testing.T) {
	work, segments := prepare(t, 100, 100)
	require.Len(t, segments, 25)

	// Only segment 0 drives the prediction
	decisive := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		if visible(img, segments)[0] {
			return 0.9, nil
		}
		return 0.1, nil
	})

	est, err := newTestEstimator(5, DefaultConfig()).Estimate(context.Background(), work, segments, decisive)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, floats.Sum(est.Values), 1e-6)
	assert.Equal(t, 0, floats.MaxIdx(est.Values))
	for i := 1; i < len(est.Values); i++ {
		assert.Greater(t, est.Values[0], est.Values[i])
	}
}

func TestEstimateConstantScorerSkipsNormalization(t *testing.T) {
	work, segments := prepare(t, 160, 160)

	constant := scorer.Func(func(context.Context, image.Image) (float64, error) {
		return 0.3, nil
	})

	est, err := newTestEstimator(9, DefaultConfig()).Estimate(context.Background(), work, segments, constant)
	require.NoError(t, err)

	assert.Equal(t, 0.3, est.Baseline)
	assert.Equal(t, 0.3, est.Original)
	assert.False(t, est.Normalized)
	for _, v := range est.Values {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
		assert.InDelta(t, 0.0, v, 1e-12)
	}
}

func TestEstimateSingleSegment(t *testing.T) {
	work, segments := prepare(t, 12, 9)
	require.Len(t, segments, 1)

	var calls atomic.Int32
	fixed := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		calls.Add(1)
		if visible(img, segments)[0] {
			return 0.75, nil
		}
		return 0.2, nil
	})

	est, err := newTestEstimator(1, DefaultConfig()).Estimate(context.Background(), work, segments, fixed)
	require.NoError(t, err)

	assert.Equal(t, 2, est.Planned)
	assert.Equal(t, int32(4), calls.Load())
	require.Len(t, est.Values, 1)
	assert.InDelta(t, 0.55, est.Values[0], 1e-12)
	assert.InDelta(t, est.Target(), est.Values[0], 1e-12)
}

func TestEstimateFullCoalitionReproducesOriginal(t *testing.T) {
	work, segments := prepare(t, 160, 160)

	// Mean red channel stands in for a classifier sensitive to image content
	meanRed := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		b := img.Bounds()
		total := 0.0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				total += float64(color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA).R)
			}
		}
		return total / float64(b.Dx()*b.Dy()) / 255, nil
	})

	ctx := context.Background()
	original, err := meanRed.Score(ctx, work)
	require.NoError(t, err)
	full, err := meanRed.Score(ctx, coalition.Build(work, segments, coalition.All(len(segments)), coalition.BaselineColor))
	require.NoError(t, err)
	assert.InDelta(t, original, full, 1e-9)

	est, err := newTestEstimator(2, DefaultConfig()).Estimate(ctx, work, segments, meanRed)
	require.NoError(t, err)
	assert.True(t, est.Normalized)
	assert.InDelta(t, est.Target(), floats.Sum(est.Values), 1e-6)
}

func TestEstimateBaselineFailure(t *testing.T) {
	work, segments := prepare(t, 60, 60)

	failing := scorer.Func(func(context.Context, image.Image) (float64, error) {
		return 0, errors.New("model crashed")
	})
	_, err := newTestEstimator(1, DefaultConfig()).Estimate(context.Background(), work, segments, failing)
	assert.ErrorIs(t, err, ErrBaselineFailed)

	nan := scorer.Func(func(context.Context, image.Image) (float64, error) {
		return math.NaN(), nil
	})
	_, err = newTestEstimator(1, DefaultConfig()).Estimate(context.Background(), work, segments, nan)
	assert.ErrorIs(t, err, ErrBaselineFailed)
	assert.ErrorIs(t, err, scorer.ErrNoScore)
}

func TestEstimateOriginalFailure(t *testing.T) {
	work, segments := prepare(t, 60, 60)

	var calls atomic.Int32
	s := scorer.Func(func(context.Context, image.Image) (float64, error) {
		if calls.Add(1) == 2 {
			return 0, errors.New("bad tensor layout")
		}
		return 0.5, nil
	})
	_, err := newTestEstimator(1, DefaultConfig()).Estimate(context.Background(), work, segments, s)
	assert.ErrorIs(t, err, ErrOriginalFailed)
}

func TestEstimateToleratesSomeSampleFailures(t *testing.T) {
	work, segments := prepare(t, 100, 100)

	var calls atomic.Int32
	flaky := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		n := calls.Add(1)
		if n > 2 && n%4 == 0 {
			return 0, errors.New("transient failure")
		}
		return float64(countTrue(visible(img, segments))) / float64(len(segments)), nil
	})

	est, err := newTestEstimator(4, DefaultConfig()).Estimate(context.Background(), work, segments, flaky)
	require.NoError(t, err)

	assert.Equal(t, 50, est.Planned)
	assert.Less(t, est.Succeeded, est.Planned)
	assert.GreaterOrEqual(t, est.Succeeded, 25)
	assert.True(t, est.Normalized)
	assert.InDelta(t, est.Target(), floats.Sum(est.Values), 1e-6)
}

func TestEstimateTooManySampleFailures(t *testing.T) {
	work, segments := prepare(t, 100, 100)

	var calls atomic.Int32
	broken := scorer.Func(func(context.Context, image.Image) (float64, error) {
		if calls.Add(1) > 2 {
			return 0, errors.New("inference backend gone")
		}
		return 0.5, nil
	})

	_, err := newTestEstimator(4, DefaultConfig()).Estimate(context.Background(), work, segments, broken)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestEstimateCancellation(t *testing.T) {
	work, segments := prepare(t, 100, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	s := scorer.Func(func(ctx context.Context, _ image.Image) (float64, error) {
		if calls.Add(1) == 5 {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0.4, nil
	})

	est, err := newTestEstimator(6, DefaultConfig()).Estimate(ctx, work, segments, s)
	assert.Nil(t, est)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, calls.Load(), int32(52))
}

func TestEstimateWorkersMatchSequential(t *testing.T) {
	work, segments := prepare(t, 160, 120)

	weighted := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		v := visible(img, segments)
		total := 0.0
		for i, on := range v {
			if on {
				total += float64(i%5) / float64(len(v)*4)
			}
		}
		return total, nil
	})

	seq, err := newTestEstimator(21, DefaultConfig()).Estimate(context.Background(), work, segments, weighted)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Workers = 4
	par, err := newTestEstimator(21, cfg).Estimate(context.Background(), work, segments, weighted)
	require.NoError(t, err)

	assert.Equal(t, seq.Succeeded, par.Succeeded)
	assert.InDeltaSlice(t, seq.Values, par.Values, 1e-12)
}

func TestEstimateSeededRunsAreReproducible(t *testing.T) {
	work, segments := prepare(t, 100, 100)
	s := scorer.Func(func(_ context.Context, img image.Image) (float64, error) {
		return float64(countTrue(visible(img, segments))) / float64(len(segments)), nil
	})

	a, err := newTestEstimator(77, DefaultConfig()).Estimate(context.Background(), work, segments, s)
	require.NoError(t, err)
	b, err := newTestEstimator(77, DefaultConfig()).Estimate(context.Background(), work, segments, s)
	require.NoError(t, err)

	assert.Equal(t, a.Values, b.Values)
}

func TestEstimateProgress(t *testing.T) {
	work, segments := prepare(t, 60, 60)
	s := scorer.Func(func(context.Context, image.Image) (float64, error) { return 0.6, nil })

	var events []Progress
	e := newTestEstimator(8, DefaultConfig(), WithProgress(func(p Progress) { events = append(events, p) }))

	est, err := e.Estimate(context.Background(), work, segments, s)
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, StageBaseline, events[0].Stage)
	assert.Equal(t, StageOriginal, events[1].Stage)
	last := events[len(events)-1]
	assert.Equal(t, StageDone, last.Stage)
	assert.Equal(t, est.Planned, last.Completed)

	sampling := 0
	for _, ev := range events {
		if ev.Stage == StageSampling {
			sampling++
			assert.Equal(t, est.Planned, ev.Total)
		}
	}
	assert.Equal(t, est.Planned, sampling)
}

func TestEstimateNoSegments(t *testing.T) {
	work, _ := prepare(t, 60, 60)
	_, err := New(WithLogger(quietLogger())).Estimate(context.Background(), work, nil, nil)
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestNormalize(t *testing.T) {
	values := []float64{0.1, 0.3, -0.2}
	assert.True(t, Normalize(values, 0.4, 1e-9))
	assert.InDelta(t, 0.4, floats.Sum(values), 1e-12)
	assert.InDeltaSlice(t, []float64{0.2, 0.6, -0.4}, values, 1e-12)

	zero := []float64{0.5, -0.5}
	assert.False(t, Normalize(zero, 1, 1e-9))
	assert.Equal(t, []float64{0.5, -0.5}, zero)

	tiny := []float64{1e-12, 1e-12}
	assert.False(t, Normalize(tiny, 1, 1e-9))
	assert.Equal(t, []float64{1e-12, 1e-12}, tiny)

	nan := []float64{math.NaN(), 1}
	assert.False(t, Normalize(nan, 1, 1e-9))
}
