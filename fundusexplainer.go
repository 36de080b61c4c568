// Package fundusexplainer explains the decisions of fundus photograph
// classifiers.
//
// Given any classifier that maps an image to the probability of diabetic
// retinopathy, an Explainer estimates how much each region of the photograph
// contributed to that probability and renders the result as a heat-map overlay
// with a short textual report.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		fundusexplainer "github.com/menta2k/fundus-explainer"
//		"github.com/menta2k/fundus-explainer/pkg/onnx"
//		"github.com/menta2k/fundus-explainer/pkg/processing"
//	)
//
//	func main() {
//		model, err := onnx.NewScorer(onnx.Config{ModelPath: "dr.onnx"})
//		if err != nil {
//			log.Fatal(fundusexplainer.UserMessage(err))
//		}
//		defer model.Close()
//
//		processor := processing.NewProcessor()
//		img, err := processor.LoadImage("fundus.jpg")
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		result, err := fundusexplainer.New(model).Explain(context.Background(), img)
//		if err != nil {
//			log.Fatal(fundusexplainer.UserMessage(err))
//		}
//
//		fmt.Println(result.Report)
//		if err := processor.SaveImage(result.Overlay, "fundus_shap.png", "png", 0, false); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// The package consists of five components:
//
// 1. Segmenter (pkg/segment): resizes the photograph and splits it into a grid of regions
// 2. Sampler (pkg/coalition): draws random subsets of regions and builds the masked images
// 3. Estimator (pkg/shap): scores the masked images and attributes the score changes
// 4. Renderer (pkg/overlay): paints the attributions over the original photograph
// 5. Generator (pkg/report): summarizes the attributions as numbers and text
//
// Classifiers plug in through the scorer.Scorer interface. Backends for local
// ONNX models (pkg/onnx) and for vision-language models served by Ollama
// (pkg/ollama) or llama.cpp (pkg/llamacpp) are included.
package fundusexplainer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/menta2k/fundus-explainer/pkg/coalition"
	"github.com/menta2k/fundus-explainer/pkg/overlay"
	"github.com/menta2k/fundus-explainer/pkg/report"
	"github.com/menta2k/fundus-explainer/pkg/scorer"
	"github.com/menta2k/fundus-explainer/pkg/segment"
	"github.com/menta2k/fundus-explainer/pkg/shap"
	"github.com/menta2k/fundus-explainer/pkg/types"
)

// Version of the fundus explainer library
const Version = "1.0.0"

// Config bundles the configuration of every component
type Config struct {
	Segment   segment.Config
	Estimator shap.Config
	Overlay   overlay.Config
	Report    report.Config
	Seed      uint64 // coalition sampling seed, 0 draws a fresh seed for every run
}

// DefaultConfig returns the default configuration of every component
func DefaultConfig() Config {
	return Config{
		Segment:   segment.DefaultConfig(),
		Estimator: shap.DefaultConfig(),
		Overlay:   overlay.DefaultConfig(),
		Report:    report.DefaultConfig(),
	}
}

// Explainer produces explanations for one classifier
type Explainer struct {
	scorer    scorer.Scorer
	segmenter *segment.Segmenter
	renderer  *overlay.Renderer
	reporter  *report.Generator
	config    Config
	logger    logrus.FieldLogger
	progress  func(shap.Progress)
}

// Option customizes an Explainer
type Option func(*Explainer)

// WithLogger sets the logger used for run diagnostics
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Explainer) { e.logger = l }
}

// WithProgress registers a callback receiving progress updates during Explain
func WithProgress(fn func(shap.Progress)) Option {
	return func(e *Explainer) { e.progress = fn }
}

// New creates an Explainer for s with default configuration
func New(s scorer.Scorer, opts ...Option) *Explainer {
	return NewWithConfig(s, DefaultConfig(), opts...)
}

// NewWithConfig creates an Explainer for s with custom configuration
func NewWithConfig(s scorer.Scorer, config Config, opts ...Option) *Explainer {
	segmenter := segment.NewWithConfig(config.Segment)
	config.Segment = segmenter.Config()
	if config.Estimator.CanonicalSize <= 0 {
		config.Estimator.CanonicalSize = config.Segment.CanonicalSize
	}

	e := &Explainer{
		scorer:    s,
		segmenter: segmenter,
		renderer:  overlay.NewWithConfig(config.Overlay),
		reporter:  report.NewWithConfig(config.Report),
		config:    config,
		logger:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the outcome of one explanation
type Result struct {
	Values         []float64               `json:"values"`
	Segments       []types.Segment         `json:"segments"`
	Important      []types.ImportantRegion `json:"important_regions"`
	Original       float64                 `json:"original_prediction"`
	Baseline       float64                 `json:"baseline_prediction"`
	Normalized     bool                    `json:"normalized"`
	SamplesPlanned int                     `json:"samples_planned"`
	SamplesUsed    int                     `json:"samples_used"`
	Seed           uint64                  `json:"seed"`
	WorkSize       image.Point             `json:"work_size"`
	Summary        report.Summary          `json:"summary"`
	Report         string                  `json:"report"`
	Overlay        image.Image             `json:"-"`
}

// Explain estimates per-region contributions for img, renders the overlay and
// generates the report. On error the result is nil; no partial overlay is
// returned.
func (e *Explainer) Explain(ctx context.Context, img image.Image) (*Result, error) {
	if err := scorer.Available(ctx, e.scorer); err != nil {
		return nil, err
	}

	work, err := e.segmenter.Prepare(img)
	if err != nil {
		return nil, err
	}
	segments := e.segmenter.Segment(work)
	workSize := work.Bounds().Size()

	seed := e.config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	log := e.logger.WithFields(logrus.Fields{
		"segments":  len(segments),
		"work_size": fmt.Sprintf("%dx%d", workSize.X, workSize.Y),
		"seed":      seed,
	})
	log.Info("starting explanation")

	estimator := shap.NewWithConfig(e.config.Estimator,
		shap.WithSampler(coalition.NewSeededSampler(seed)),
		shap.WithLogger(log),
		shap.WithProgress(e.progress),
	)
	est, err := estimator.Estimate(ctx, work, segments, e.scorer)
	if err != nil {
		return nil, fmt.Errorf("explanation failed: %w", err)
	}

	important := e.reporter.FindImportant(segments, est.Values)
	summary := e.reporter.Summarize(est.Original, est.Baseline, est.Values, important)

	result := &Result{
		Values:         est.Values,
		Segments:       segments,
		Important:      important,
		Original:       est.Original,
		Baseline:       est.Baseline,
		Normalized:     est.Normalized,
		SamplesPlanned: est.Planned,
		SamplesUsed:    est.Succeeded,
		Seed:           seed,
		WorkSize:       workSize,
		Summary:        summary,
		Report:         summary.Text(),
		Overlay:        e.renderer.Render(img, segments, est.Values, workSize),
	}

	log.WithFields(logrus.Fields{
		"prediction": fmt.Sprintf("%.3f", est.Original),
		"important":  len(important),
		"normalized": est.Normalized,
	}).Info("explanation complete")

	return result, nil
}

// UserMessage returns a short human-readable message for an error returned by
// Explain or by a scorer constructor
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, scorer.ErrUnavailable):
		return "The screening model is not available. Check that the model is installed or the model server is running."
	case errors.Is(err, segment.ErrUnprocessableImage):
		return "This image could not be processed. Try a different photograph."
	case errors.Is(err, shap.ErrBaselineFailed):
		return "The model could not establish a baseline prediction."
	case errors.Is(err, shap.ErrOriginalFailed):
		return "The model could not analyze this image."
	case errors.Is(err, shap.ErrInsufficientSamples):
		return "Too many analysis steps failed to produce a reliable explanation."
	case errors.Is(err, context.Canceled):
		return "Analysis was cancelled."
	case errors.Is(err, context.DeadlineExceeded):
		return "Analysis timed out."
	default:
		return "Analysis failed."
	}
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
