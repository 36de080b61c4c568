// Package shap estimates per-segment contributions to a classifier's output by
// sampling random coalitions of segments against a flat baseline.
//
// The estimate is a Monte Carlo approximation: each sampled coalition shares its
// score change (relative to the baseline prediction) equally among its members,
// the shares are averaged over all samples, and the averaged vector is rescaled so
// that it sums to original - baseline. It is not an exact Shapley computation.
package shap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	"github.com/menta2k/fundus-explainer/pkg/coalition"
	"github.com/menta2k/fundus-explainer/pkg/scorer"
	"github.com/menta2k/fundus-explainer/pkg/types"
)

var (
	// ErrBaselineFailed aborts a run whose baseline image could not be scored
	ErrBaselineFailed = errors.New("could not establish baseline prediction")

	// ErrOriginalFailed aborts a run whose working image could not be scored
	ErrOriginalFailed = errors.New("could not get original prediction")

	// ErrInsufficientSamples aborts a run where too few coalitions were scored
	ErrInsufficientSamples = errors.New("too few coalition samples succeeded")

	// ErrNoSegments is returned when there is nothing to attribute to
	ErrNoSegments = errors.New("no segments to attribute")
)

// Config holds configuration for contribution estimation
type Config struct {
	CanonicalSize     int         // side of the square baseline image
	SampleCap         int         // upper bound on sampled coalitions
	SamplesPerSegment int         // samples budgeted per segment below the cap
	MinSuccessRatio   float64     // fraction of samples that must score for the run to complete
	Epsilon           float64     // raw sums with smaller magnitude are not rescaled
	Workers           int         // goroutines evaluating coalitions
	BaselineColor     color.Color // fill for the baseline and masked regions
}

// DefaultConfig returns the estimation settings used by the explainer
func DefaultConfig() Config {
	return Config{
		CanonicalSize:     224,
		SampleCap:         50,
		SamplesPerSegment: 2,
		MinSuccessRatio:   0.5,
		Epsilon:           1e-9,
		Workers:           1,
		BaselineColor:     coalition.BaselineColor,
	}
}

// Stage names a phase of an estimation run
type Stage string

const (
	StageBaseline Stage = "baseline"
	StageOriginal Stage = "original"
	StageSampling Stage = "sampling"
	StageDone     Stage = "done"
)

// Progress is delivered to the progress callback as a run advances
type Progress struct {
	Stage     Stage
	Completed int
	Total     int
}

// Estimate is the outcome of one estimation run
type Estimate struct {
	Values     []float64 // per-segment contributions, indexed like the segments
	Baseline   float64   // score of the flat baseline image
	Original   float64   // score of the working image
	Normalized bool      // false when the efficiency rescale was skipped
	RawSum     float64   // sum of the averaged vector before rescaling
	Planned    int       // coalitions drawn
	Succeeded  int       // coalitions that produced a usable score
}

// Target returns original - baseline, the total every normalized vector sums to
func (e *Estimate) Target() float64 {
	return e.Original - e.Baseline
}

// Estimator runs coalition sampling against a scorer
type Estimator struct {
	config   Config
	sampler  *coalition.Sampler
	logger   logrus.FieldLogger
	progress func(Progress)
}

// Option customizes an Estimator
type Option func(*Estimator)

// WithSampler replaces the freshly seeded sampler, typically with a seeded one
func WithSampler(s *coalition.Sampler) Option {
	return func(e *Estimator) { e.sampler = s }
}

// WithLogger sets the logger used for run diagnostics
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Estimator) { e.logger = l }
}

// WithProgress registers a callback invoked as the run advances. The callback is
// called from the goroutine running Estimate.
func WithProgress(fn func(Progress)) Option {
	return func(e *Estimator) { e.progress = fn }
}

// New creates an Estimator with default configuration
func New(opts ...Option) *Estimator {
	return NewWithConfig(DefaultConfig(), opts...)
}

// NewWithConfig creates an Estimator with custom configuration
func NewWithConfig(config Config, opts ...Option) *Estimator {
	def := DefaultConfig()
	if config.CanonicalSize <= 0 {
		config.CanonicalSize = def.CanonicalSize
	}
	if config.SampleCap <= 0 {
		config.SampleCap = def.SampleCap
	}
	if config.SamplesPerSegment <= 0 {
		config.SamplesPerSegment = def.SamplesPerSegment
	}
	if config.MinSuccessRatio < 0 || config.MinSuccessRatio > 1 {
		config.MinSuccessRatio = def.MinSuccessRatio
	}
	if config.Epsilon <= 0 {
		config.Epsilon = def.Epsilon
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.BaselineColor == nil {
		config.BaselineColor = def.BaselineColor
	}

	e := &Estimator{
		config: config,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sampler == nil {
		e.sampler = coalition.NewRandomSampler()
	}
	return e
}

// Config returns the effective configuration
func (e *Estimator) Config() Config {
	return e.config
}

// SampleCount returns the number of coalitions sampled for n segments
func (e *Estimator) SampleCount(n int) int {
	return min(e.config.SampleCap, n*e.config.SamplesPerSegment)
}

// Estimate computes the contribution vector of segments for the working image
func (e *Estimator) Estimate(ctx context.Context, work image.Image, segments []types.Segment, s scorer.Scorer) (*Estimate, error) {
	n := len(segments)
	if n == 0 {
		return nil, ErrNoSegments
	}
	if s == nil {
		return nil, scorer.ErrUnavailable
	}

	e.report(Progress{Stage: StageBaseline})
	baseline, err := scorer.Probability(ctx, s, coalition.Baseline(e.config.CanonicalSize, e.config.BaselineColor))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBaselineFailed, err)
	}

	e.report(Progress{Stage: StageOriginal})
	original, err := scorer.Probability(ctx, s, work)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOriginalFailed, err)
	}

	e.logger.WithFields(logrus.Fields{
		"baseline": fmt.Sprintf("%.3f", baseline),
		"original": fmt.Sprintf("%.3f", original),
		"segments": n,
	}).Info("scored reference images")

	numSamples := e.SampleCount(n)
	coalitions := make([]coalition.Coalition, numSamples)
	for i := range coalitions {
		coalitions[i] = e.sampler.Draw(n)
	}

	sum, succeeded, err := e.sample(ctx, work, segments, s, baseline, coalitions)
	if err != nil {
		return nil, err
	}

	required := int(math.Ceil(e.config.MinSuccessRatio * float64(numSamples)))
	if succeeded == 0 || succeeded < required {
		return nil, fmt.Errorf("%w: %d of %d (need %d)", ErrInsufficientSamples, succeeded, numSamples, required)
	}
	if succeeded < numSamples {
		e.logger.WithFields(logrus.Fields{
			"succeeded": succeeded,
			"planned":   numSamples,
		}).Warn("some coalition samples failed")
	}

	floats.Scale(1/float64(succeeded), sum)

	est := &Estimate{
		Values:    sum,
		Baseline:  baseline,
		Original:  original,
		RawSum:    floats.Sum(sum),
		Planned:   numSamples,
		Succeeded: succeeded,
	}
	est.Normalized = Normalize(est.Values, est.Target(), e.config.Epsilon)
	if !est.Normalized {
		e.logger.WithField("raw_sum", est.RawSum).Debug("skipped efficiency rescale")
	}

	e.report(Progress{Stage: StageDone, Completed: numSamples, Total: numSamples})
	return est, nil
}

// sample evaluates coalitions with the configured number of workers and returns
// the summed per-segment shares and the count of successful samples. Each worker
// accumulates into a private vector; the vectors are merged after all workers exit.
func (e *Estimator) sample(ctx context.Context, work image.Image, segments []types.Segment, s scorer.Scorer, baseline float64, coalitions []coalition.Coalition) ([]float64, int, error) {
	n := len(segments)
	total := len(coalitions)
	workers := min(e.config.Workers, total)

	type partial struct {
		values    []float64
		succeeded int
	}
	partials := make([]partial, workers)
	jobs := make(chan int)
	done := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		partials[w].values = make([]float64, n)
		wg.Add(1)
		go func(p *partial) {
			defer wg.Done()
			for i := range jobs {
				c := coalitions[i]
				masked := coalition.Build(work, segments, c, e.config.BaselineColor)
				score, err := scorer.Probability(ctx, s, masked)
				if err != nil {
					e.logger.WithError(err).WithField("sample", i).Debug("coalition sample skipped")
				} else {
					share := (score - baseline) / float64(len(c))
					for _, idx := range c {
						p.values[idx] += share
					}
					p.succeeded++
				}
				done <- i
			}
		}(&partials[w])
	}

	go func() {
		defer close(jobs)
		for i := 0; i < total; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(done)
	}()

	completed := 0
	for range done {
		completed++
		if completed%10 == 1 || completed == total {
			e.logger.Debugf("Processed %d/%d coalitions", completed, total)
		}
		e.report(Progress{Stage: StageSampling, Completed: completed, Total: total})
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	sum := make([]float64, n)
	succeeded := 0
	for _, p := range partials {
		floats.Add(sum, p.values)
		succeeded += p.succeeded
	}
	return sum, succeeded, nil
}

func (e *Estimator) report(p Progress) {
	if e.progress != nil {
		e.progress(p)
	}
}

// Normalize rescales values in place so that they sum to target. The rescale is
// skipped, and false returned, when the current sum is not finite or its magnitude
// is below epsilon.
func Normalize(values []float64, target, epsilon float64) bool {
	current := floats.Sum(values)
	if math.IsNaN(current) || math.IsInf(current, 0) || math.Abs(current) < epsilon {
		return false
	}
	factor := target / current
	if math.IsNaN(factor) || math.IsInf(factor, 0) {
		return false
	}
	floats.Scale(factor, values)
	return true
}
