// Package grading turns a vision-language model into a scorer by asking it to
// grade a fundus photograph and parsing the probability out of its reply.
package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/fundus-explainer/pkg/client"
	"github.com/menta2k/fundus-explainer/pkg/processing"
	"github.com/menta2k/fundus-explainer/pkg/scorer"
)

// DefaultPrompt is the default prompt for diabetic retinopathy grading
const DefaultPrompt = `You are a retinal screening assistant grading a color fundus photograph.

Return JSON only:
{
  "probability": 0.0,
  "findings": ["finding1", "finding2"]
}

HARD RULES
- "probability" is your estimate in [0,1] that the eye shows diabetic retinopathy of any grade.
- Base the estimate only on visible signs: microaneurysms, dot and blot hemorrhages, hard exudates, cotton wool spots, venous beading, neovascularization.
- Flat gray areas are masked out. Do not treat them as pathology or as evidence of health.
- Findings: lowercase, concise, no duplicates, at most 5. Use an empty list when nothing is visible.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// Grade is a parsed model reply
type Grade struct {
	Probability float64  `json:"probability"`
	Findings    []string `json:"findings"`
}

type rawGrade struct {
	Probability *float64 `json:"probability"`
	Confidence  *float64 `json:"confidence"`
	Findings    []string `json:"findings"`
}

// Config holds configuration for model-backed grading
type Config struct {
	Model   string // model name passed to the backend
	Prompt  string
	Format  string // image format sent to the model: jpg or png
	MaxDim  int    // max long side sent to the model, 0 keeps the original size
	Quality int    // JPEG quality for the image sent to the model
}

// DefaultConfig returns the grading settings used by the CLI
func DefaultConfig() Config {
	return Config{
		Model:   "openbmb/minicpm-v4.5",
		Prompt:  DefaultPrompt,
		Format:  "jpg",
		MaxDim:  0,
		Quality: 90,
	}
}

// Scorer grades images with a vision client
type Scorer struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
}

// NewScorer creates a Scorer on top of a vision client
func NewScorer(c client.VisionClient, config Config) *Scorer {
	def := DefaultConfig()
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Prompt == "" {
		config.Prompt = def.Prompt
	}
	if config.Format == "" {
		config.Format = def.Format
	}
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = def.Quality
	}
	return &Scorer{client: c, processor: processing.NewProcessor(), config: config}
}

// Score asks the model to grade img and returns the reported probability
func (s *Scorer) Score(ctx context.Context, img image.Image) (float64, error) {
	grade, err := s.Grade(ctx, img)
	if err != nil {
		return 0, err
	}
	return grade.Probability, nil
}

// Grade asks the model to grade img and returns the full parsed reply
func (s *Scorer) Grade(ctx context.Context, img image.Image) (*Grade, error) {
	imgB64, err := s.processor.PrepareImageForModel(img, s.config.Format, s.config.MaxDim, s.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	reply, err := s.client.SimpleQuery(ctx, s.config.Model, s.config.Prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("grading query failed: %w", err)
	}

	return ParseGrade(reply)
}

// Check verifies the backend when the client supports it
func (s *Scorer) Check(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("no vision client configured")
	}
	if c, ok := s.client.(scorer.Checker); ok {
		return c.Check(ctx)
	}
	return nil
}

// ParseGrade parses the JSON reply of a vision model. Unlike free-form
// descriptions, a grade without a probability is never replaced by a fallback
// value: the reply is rejected with scorer.ErrNoScore.
func ParseGrade(raw string) (*Grade, error) {
	raw = SanitizeModelJSON(raw)

	if !strings.HasPrefix(raw, "{") {
		return nil, fmt.Errorf("%w: model returned non-JSON response", scorer.ErrNoScore)
	}

	var parsed rawGrade
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse model response: %v", scorer.ErrNoScore, err)
	}

	p := parsed.Probability
	if p == nil {
		p = parsed.Confidence
	}
	if p == nil {
		return nil, fmt.Errorf("%w: response has no probability", scorer.ErrNoScore)
	}

	prob := *p
	// Some models answer in percent
	if prob > 1 && prob <= 100 {
		prob /= 100
	}
	prob, err := scorer.Validate(prob)
	if err != nil {
		return nil, err
	}

	return &Grade{Probability: prob, Findings: normalizeFindings(parsed.Findings)}, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from a
// model reply and keeps only the outermost JSON object
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = dropTrailingCommas(stripComments(raw))

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// stripComments removes // and /* */ comments that appear outside JSON strings
func stripComments(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString, escaped := false, false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i+1 < len(raw) && raw[i+1] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			end := strings.Index(raw[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 3
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// dropTrailingCommas removes commas outside strings that directly precede a
// closing brace or bracket
func dropTrailingCommas(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString, escaped := false, false

	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
		} else if c == '"' {
			inString = true
		} else if c == ',' {
			next := strings.TrimLeft(raw[i+1:], " \t\r\n")
			if next != "" && (next[0] == '}' || next[0] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// normalizeFindings lowercases, deduplicates and limits findings to 5 entries
func normalizeFindings(findings []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 5)
	for _, f := range findings {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
		if len(out) == 5 {
			break
		}
	}
	return out
}
