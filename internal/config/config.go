package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	fundusexplainer "github.com/menta2k/fundus-explainer"
	"github.com/menta2k/fundus-explainer/internal/utils"
	"github.com/menta2k/fundus-explainer/pkg/grading"
	"github.com/menta2k/fundus-explainer/pkg/onnx"
	"github.com/menta2k/fundus-explainer/pkg/overlay"
	"github.com/menta2k/fundus-explainer/pkg/report"
	"github.com/menta2k/fundus-explainer/pkg/segment"
	"github.com/menta2k/fundus-explainer/pkg/shap"
)

// Config holds the application configuration
type Config struct {
	Segment   SegmentConfig   `json:"segment"`
	Explainer ExplainerConfig `json:"explainer"`
	Overlay   OverlayConfig   `json:"overlay"`
	Report    ReportConfig    `json:"report"`
	Backend   BackendConfig   `json:"backend"`
	Output    OutputConfig    `json:"output"`
}

// SegmentConfig holds configuration for segmentation
type SegmentConfig struct {
	CanonicalSize int `json:"canonical_size"`
	SegmentSize   int `json:"segment_size"`
	MaxSegments   int `json:"max_segments"`
	MaxLattice    int `json:"max_lattice"`
}

// ExplainerConfig holds configuration for contribution estimation
type ExplainerConfig struct {
	SampleCap         int     `json:"sample_cap"`
	SamplesPerSegment int     `json:"samples_per_segment"`
	MinSuccessRatio   float64 `json:"min_success_ratio"`
	Epsilon           float64 `json:"epsilon"`
	Workers           int     `json:"workers"`
	Seed              uint64  `json:"seed"`
}

// OverlayConfig holds configuration for overlay rendering
type OverlayConfig struct {
	FillThreshold    float64 `json:"fill_threshold"`
	OutlineThreshold float64 `json:"outline_threshold"`
	MaxOutlined      int     `json:"max_outlined"`
	MaxAlpha         float64 `json:"max_alpha"`
	CornerRadius     int     `json:"corner_radius"`
	StrokeWidth      int     `json:"stroke_width"`
}

// ReportConfig holds configuration for report generation
type ReportConfig struct {
	Threshold       float64 `json:"threshold"`
	PositiveLabel   string  `json:"positive_label"`
	NegativeLabel   string  `json:"negative_label"`
	ImportanceRatio float64 `json:"importance_ratio"`
}

// BackendConfig selects and configures the classifier
type BackendConfig struct {
	Type        string     `json:"type"` // onnx, ollama or llamacpp
	URL         string     `json:"url"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt,omitempty"`
	SendFormat  string     `json:"send_format"`
	SendSize    int        `json:"send_size"`
	SendQuality int        `json:"send_quality"`
	ONNX        ONNXConfig `json:"onnx"`
}

// ONNXConfig holds configuration for a local ONNX classifier
type ONNXConfig struct {
	ModelPath   string     `json:"model_path"`
	LibraryPath string     `json:"library_path"`
	InputName   string     `json:"input_name"`
	OutputName  string     `json:"output_name"`
	InputSize   int        `json:"input_size"`
	OutputSize  int        `json:"output_size"`
	OutputIndex int        `json:"output_index"`
	Activation  string     `json:"activation"`
	Mean        [3]float32 `json:"mean"`
	Std         [3]float32 `json:"std"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	Quality       int    `json:"quality"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`
	WriteReport   bool   `json:"write_report"`
	WriteJSON     bool   `json:"write_json"`
	RegionCrops   int    `json:"region_crops"` // number of important regions exported as crops
}

// Backends lists the supported backend types
var Backends = []string{"onnx", "ollama", "llamacpp"}

// Default returns a configuration with default values
func Default() *Config {
	seg := segment.DefaultConfig()
	est := shap.DefaultConfig()
	ov := overlay.DefaultConfig()
	rep := report.DefaultConfig()
	gr := grading.DefaultConfig()
	ox := onnx.DefaultConfig()

	return &Config{
		Segment: SegmentConfig{
			CanonicalSize: seg.CanonicalSize,
			SegmentSize:   seg.SegmentSize,
			MaxSegments:   seg.MaxSegments,
			MaxLattice:    seg.MaxLattice,
		},
		Explainer: ExplainerConfig{
			SampleCap:         est.SampleCap,
			SamplesPerSegment: est.SamplesPerSegment,
			MinSuccessRatio:   est.MinSuccessRatio,
			Epsilon:           est.Epsilon,
			Workers:           est.Workers,
		},
		Overlay: OverlayConfig{
			FillThreshold:    ov.FillThreshold,
			OutlineThreshold: ov.OutlineThreshold,
			MaxOutlined:      ov.MaxOutlined,
			MaxAlpha:         ov.MaxAlpha,
			CornerRadius:     ov.CornerRadius,
			StrokeWidth:      ov.StrokeWidth,
		},
		Report: ReportConfig{
			Threshold:       rep.Threshold,
			PositiveLabel:   rep.PositiveLabel,
			NegativeLabel:   rep.NegativeLabel,
			ImportanceRatio: rep.ImportanceRatio,
		},
		Backend: BackendConfig{
			Type:        "onnx",
			Model:       gr.Model,
			SendFormat:  gr.Format,
			SendSize:    gr.MaxDim,
			SendQuality: gr.Quality,
			ONNX: ONNXConfig{
				InputName:   ox.InputName,
				OutputName:  ox.OutputName,
				InputSize:   ox.InputSize,
				OutputSize:  ox.OutputSize,
				OutputIndex: ox.OutputIndex,
				Activation:  ox.Activation,
				Mean:        ox.Mean,
				Std:         ox.Std,
			},
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			Quality:       92,
			OutputDir:     "./output",
			Prefix:        "",
			Suffix:        "_shap",
			WriteReport:   true,
			WriteJSON:     true,
			RegionCrops:   0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Keys missing from the file
// keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Segment.CanonicalSize < 1 {
		return fmt.Errorf("segment.canonical_size must be positive")
	}

	if c.Segment.SegmentSize < 1 || c.Segment.SegmentSize > c.Segment.CanonicalSize {
		return fmt.Errorf("segment.segment_size must be between 1 and segment.canonical_size")
	}

	if c.Segment.MaxSegments < 1 {
		return fmt.Errorf("segment.max_segments must be positive")
	}

	if c.Segment.MaxLattice < 1 {
		return fmt.Errorf("segment.max_lattice must be positive")
	}

	if c.Explainer.SampleCap < 1 || c.Explainer.SamplesPerSegment < 1 {
		return fmt.Errorf("explainer.sample_cap and explainer.samples_per_segment must be positive")
	}

	if c.Explainer.MinSuccessRatio < 0 || c.Explainer.MinSuccessRatio > 1 {
		return fmt.Errorf("explainer.min_success_ratio must be between 0 and 1")
	}

	if c.Explainer.Epsilon <= 0 {
		return fmt.Errorf("explainer.epsilon must be positive")
	}

	if c.Explainer.Workers < 1 {
		return fmt.Errorf("explainer.workers must be positive")
	}

	if c.Overlay.FillThreshold < 0 || c.Overlay.FillThreshold > 1 {
		return fmt.Errorf("overlay.fill_threshold must be between 0 and 1")
	}

	if c.Overlay.OutlineThreshold < 0 || c.Overlay.OutlineThreshold > 1 {
		return fmt.Errorf("overlay.outline_threshold must be between 0 and 1")
	}

	if c.Overlay.MaxAlpha <= 0 || c.Overlay.MaxAlpha > 1 {
		return fmt.Errorf("overlay.max_alpha must be in (0, 1]")
	}

	if c.Overlay.MaxOutlined < 0 || c.Overlay.CornerRadius < 0 || c.Overlay.StrokeWidth < 1 {
		return fmt.Errorf("overlay.max_outlined, overlay.corner_radius and overlay.stroke_width are out of range")
	}

	if c.Report.Threshold <= 0 || c.Report.Threshold >= 1 {
		return fmt.Errorf("report.threshold must be between 0 and 1")
	}

	if c.Report.ImportanceRatio <= 0 || c.Report.ImportanceRatio > 1 {
		return fmt.Errorf("report.importance_ratio must be in (0, 1]")
	}

	if !isBackend(c.Backend.Type) {
		return fmt.Errorf("backend.type must be one of %s", strings.Join(Backends, ", "))
	}

	if c.Backend.SendQuality < 1 || c.Backend.SendQuality > 100 {
		return fmt.Errorf("backend.send_quality must be between 1 and 100")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	switch strings.ToLower(c.Output.DefaultFormat) {
	case "jpg", "jpeg", "png", "webp":
	default:
		return fmt.Errorf("output.default_format must be jpg, png or webp")
	}

	if c.Output.RegionCrops < 0 {
		return fmt.Errorf("output.region_crops cannot be negative")
	}

	return nil
}

func isBackend(name string) bool {
	for _, b := range Backends {
		if b == name {
			return true
		}
	}
	return false
}

// ToExplainer returns the explainer configuration described by c
func (c *Config) ToExplainer() fundusexplainer.Config {
	cfg := fundusexplainer.DefaultConfig()

	cfg.Segment = segment.Config{
		CanonicalSize: c.Segment.CanonicalSize,
		SegmentSize:   c.Segment.SegmentSize,
		MaxSegments:   c.Segment.MaxSegments,
		MaxLattice:    c.Segment.MaxLattice,
	}

	cfg.Estimator.CanonicalSize = c.Segment.CanonicalSize
	cfg.Estimator.SampleCap = c.Explainer.SampleCap
	cfg.Estimator.SamplesPerSegment = c.Explainer.SamplesPerSegment
	cfg.Estimator.MinSuccessRatio = c.Explainer.MinSuccessRatio
	cfg.Estimator.Epsilon = c.Explainer.Epsilon
	cfg.Estimator.Workers = c.Explainer.Workers

	cfg.Overlay.FillThreshold = c.Overlay.FillThreshold
	cfg.Overlay.OutlineThreshold = c.Overlay.OutlineThreshold
	cfg.Overlay.MaxOutlined = c.Overlay.MaxOutlined
	cfg.Overlay.MaxAlpha = c.Overlay.MaxAlpha
	cfg.Overlay.CornerRadius = c.Overlay.CornerRadius
	cfg.Overlay.StrokeWidth = c.Overlay.StrokeWidth

	cfg.Report.Threshold = c.Report.Threshold
	cfg.Report.PositiveLabel = c.Report.PositiveLabel
	cfg.Report.NegativeLabel = c.Report.NegativeLabel
	cfg.Report.ImportanceRatio = c.Report.ImportanceRatio

	cfg.Seed = c.Explainer.Seed
	return cfg
}

// ToGrading returns the vision-model grading configuration described by c
func (c *Config) ToGrading() grading.Config {
	return grading.Config{
		Model:   c.Backend.Model,
		Prompt:  c.Backend.Prompt,
		Format:  c.Backend.SendFormat,
		MaxDim:  c.Backend.SendSize,
		Quality: c.Backend.SendQuality,
	}
}

// ToONNX returns the ONNX classifier configuration described by c
func (c *Config) ToONNX() onnx.Config {
	o := c.Backend.ONNX
	return onnx.Config{
		ModelPath:   o.ModelPath,
		LibraryPath: o.LibraryPath,
		InputName:   o.InputName,
		OutputName:  o.OutputName,
		InputSize:   o.InputSize,
		OutputSize:  o.OutputSize,
		OutputIndex: o.OutputIndex,
		Activation:  o.Activation,
		Mean:        o.Mean,
		Std:         o.Std,
	}
}

// Names returns the output file naming described by o
func (o OutputConfig) Names() utils.OutputNames {
	return utils.OutputNames{Dir: o.OutputDir, Prefix: o.Prefix, Suffix: o.Suffix}
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "fundus-explainer", "config.json")
}
