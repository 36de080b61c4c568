// Package report summarizes a contribution vector as numbers and readable text.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

// Config holds configuration for report generation
type Config struct {
	Threshold       float64 // probabilities above this are reported as the positive class
	PositiveLabel   string
	NegativeLabel   string
	ImportanceRatio float64 // fraction of the largest magnitude a region needs to count as important
	Legend          string  // closing line explaining the overlay colors
}

// DefaultConfig returns the report settings used by the explainer
func DefaultConfig() Config {
	return Config{
		Threshold:       0.5,
		PositiveLabel:   "Diabetic Retinopathy",
		NegativeLabel:   "Normal",
		ImportanceRatio: 0.3,
		Legend:          "Red areas increase DR probability, blue areas decrease it.",
	}
}

// Severity grades a probability into coarse screening tiers
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMild
	SeverityModerate
	SeverityHigh
)

// SeverityOf returns the tier for probability p
func SeverityOf(p float64) Severity {
	switch {
	case p > 0.7:
		return SeverityHigh
	case p > 0.5:
		return SeverityModerate
	case p > 0.3:
		return SeverityMild
	default:
		return SeverityNone
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityHigh:
		return "high"
	case SeverityModerate:
		return "moderate"
	case SeverityMild:
		return "mild"
	default:
		return "none"
	}
}

// Finding is the headline sentence for the tier
func (s Severity) Finding() string {
	switch s {
	case SeverityHigh:
		return "High likelihood of diabetic retinopathy detected"
	case SeverityModerate:
		return "Moderate signs detected"
	case SeverityMild:
		return "Mild signs detected"
	default:
		return "No significant signs detected"
	}
}

// Recommendation is the follow-up advice for the tier
func (s Severity) Recommendation() string {
	switch s {
	case SeverityHigh:
		return "Consult an ophthalmologist immediately."
	case SeverityModerate:
		return "Schedule an eye exam soon."
	case SeverityMild:
		return "Monitor and maintain regular checkups."
	default:
		return "Continue regular monitoring."
	}
}

// MarshalText encodes the tier by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Summary is the numeric content of a report
type Summary struct {
	Label          string   `json:"label"`
	Positive       bool     `json:"positive"`
	Probability    float64  `json:"probability"`
	Baseline       float64  `json:"baseline"`
	Total          float64  `json:"total_contribution"`
	PositiveSum    float64  `json:"positive_contribution"`
	NegativeSum    float64  `json:"negative_contribution"`
	ImportantCount int      `json:"important_regions"`
	Severity       Severity `json:"severity"`

	legend string
}

// Generator produces reports
type Generator struct {
	config Config
}

// New creates a Generator with default configuration
func New() *Generator {
	return &Generator{config: DefaultConfig()}
}

// NewWithConfig creates a Generator with custom configuration
func NewWithConfig(config Config) *Generator {
	def := DefaultConfig()
	if config.Threshold <= 0 || config.Threshold >= 1 {
		config.Threshold = def.Threshold
	}
	if config.PositiveLabel == "" {
		config.PositiveLabel = def.PositiveLabel
	}
	if config.NegativeLabel == "" {
		config.NegativeLabel = def.NegativeLabel
	}
	if config.ImportanceRatio <= 0 || config.ImportanceRatio > 1 {
		config.ImportanceRatio = def.ImportanceRatio
	}
	if config.Legend == "" {
		config.Legend = def.Legend
	}
	return &Generator{config: config}
}

// FindImportant returns the segments whose absolute contribution is at least the
// configured ratio of the largest one, ordered by absolute contribution, largest
// first. The result is empty when every contribution is zero.
func (g *Generator) FindImportant(segments []types.Segment, values []float64) []types.ImportantRegion {
	n := min(len(segments), len(values))
	maxAbs := 0.0
	for _, v := range values[:n] {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	if maxAbs == 0 || math.IsNaN(maxAbs) {
		return nil
	}

	threshold := g.config.ImportanceRatio * maxAbs
	var regions []types.ImportantRegion
	for i := 0; i < n; i++ {
		if math.Abs(values[i]) >= threshold {
			regions = append(regions, types.ImportantRegion{Segment: segments[i], Contribution: values[i]})
		}
	}
	sort.SliceStable(regions, func(a, b int) bool {
		return math.Abs(regions[a].Contribution) > math.Abs(regions[b].Contribution)
	})
	return regions
}

// Summarize computes the report for a run. It is a pure function of its inputs.
func (g *Generator) Summarize(original, baseline float64, values []float64, important []types.ImportantRegion) Summary {
	s := Summary{
		Probability:    original,
		Baseline:       baseline,
		Positive:       original > g.config.Threshold,
		ImportantCount: len(important),
		Severity:       SeverityOf(original),
		legend:         g.config.Legend,
	}
	if s.Positive {
		s.Label = g.config.PositiveLabel
	} else {
		s.Label = g.config.NegativeLabel
	}

	for _, v := range values {
		switch {
		case v > 0:
			s.PositiveSum += v
		case v < 0:
			s.NegativeSum += v
		}
	}
	s.Total = s.PositiveSum + s.NegativeSum
	return s
}

// Text renders the summary the way it is shown to users
func (s Summary) Text() string {
	var b strings.Builder
	b.WriteString("SHAP Analysis Results:\n")
	fmt.Fprintf(&b, "Prediction: %s (%.1f%%)\n\n", s.Label, s.Probability*100)
	b.WriteString("SHAP Explanation:\n")
	fmt.Fprintf(&b, "• Baseline probability: %.1f%%\n", s.Baseline*100)
	fmt.Fprintf(&b, "• Total contribution: %.3f\n", s.Total)
	fmt.Fprintf(&b, "• Positive contributions: %.3f\n", s.PositiveSum)
	fmt.Fprintf(&b, "• Negative contributions: %.3f\n", s.NegativeSum)
	fmt.Fprintf(&b, "• Important regions: %d\n\n", s.ImportantCount)
	b.WriteString(s.legend)
	return b.String()
}

// Screening renders the severity finding and recommendation
func (s Summary) Screening() string {
	return fmt.Sprintf("%s (%.1f%%)\n\nRecommendation: %s", s.Severity.Finding(), s.Probability*100, s.Severity.Recommendation())
}
