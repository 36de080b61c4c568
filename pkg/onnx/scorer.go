// Package onnx scores images with a local ONNX classifier through onnxruntime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/fundus-explainer/pkg/scorer"
)

// Activations applied to the selected model output
const (
	ActivationNone    = "none"
	ActivationSigmoid = "sigmoid"
	ActivationSoftmax = "softmax"
)

// Config holds configuration for an ONNX classifier
type Config struct {
	ModelPath   string     // path to the .onnx file
	LibraryPath string     // onnxruntime shared library, empty uses the runtime default
	InputName   string     // name of the NCHW image input
	OutputName  string     // name of the score output
	InputSize   int        // side of the square input
	OutputSize  int        // number of values in the output tensor
	OutputIndex int        // output value holding the positive class
	Activation  string     // none, sigmoid or softmax
	Mean        [3]float32 // per-channel mean subtracted after scaling to [0,1]
	Std         [3]float32 // per-channel standard deviation
}

// DefaultConfig returns settings for a single-logit 224x224 classifier with
// ImageNet normalization
func DefaultConfig() Config {
	return Config{
		InputName:   "input",
		OutputName:  "output",
		InputSize:   224,
		OutputSize:  1,
		OutputIndex: 0,
		Activation:  ActivationSigmoid,
		Mean:        [3]float32{0.485, 0.456, 0.406},
		Std:         [3]float32{0.229, 0.224, 0.225},
	}
}

// Scorer runs an ONNX classifier. A session holds one input and one output
// tensor, so calls are serialized.
type Scorer struct {
	config  Config
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	mu      sync.Mutex
}

var envMu sync.Mutex

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		if _, err := os.Stat(libPath); err != nil {
			return fmt.Errorf("ONNX Runtime library not found at %s: %w", libPath, err)
		}
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing ORT environment: %w", err)
	}
	return nil
}

// NewScorer loads the model and allocates its tensors
func NewScorer(config Config) (*Scorer, error) {
	config, err := normalizeConfig(config)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(config.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model not found: %w", scorer.ErrUnavailable, err)
	}
	if err := initEnvironment(config.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: %w", scorer.ErrUnavailable, err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(config.InputSize), int64(config.InputSize)))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(config.OutputSize)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		config.ModelPath,
		[]string{config.InputName},
		[]string{config.OutputName},
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
		nil,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: error creating ORT session: %w", scorer.ErrUnavailable, err)
	}

	return &Scorer{
		config:  config,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
	}, nil
}

func normalizeConfig(config Config) (Config, error) {
	def := DefaultConfig()
	if config.ModelPath == "" {
		return config, fmt.Errorf("%w: no model path configured", scorer.ErrUnavailable)
	}
	if config.InputName == "" {
		config.InputName = def.InputName
	}
	if config.OutputName == "" {
		config.OutputName = def.OutputName
	}
	if config.InputSize <= 0 {
		config.InputSize = def.InputSize
	}
	if config.OutputSize <= 0 {
		config.OutputSize = def.OutputSize
	}
	if config.Activation == "" {
		config.Activation = def.Activation
	}
	if config.Std == ([3]float32{}) {
		config.Mean, config.Std = def.Mean, def.Std
	}
	if config.OutputIndex < 0 || config.OutputIndex >= config.OutputSize {
		return config, fmt.Errorf("output index %d out of range for %d outputs", config.OutputIndex, config.OutputSize)
	}
	switch config.Activation {
	case ActivationNone, ActivationSigmoid, ActivationSoftmax:
	default:
		return config, fmt.Errorf("unknown activation %q", config.Activation)
	}
	return config, nil
}

// Score runs the classifier on img
func (s *Scorer) Score(ctx context.Context, img image.Image) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return 0, fmt.Errorf("%w: session closed", scorer.ErrUnavailable)
	}
	if err := PrepareInput(img, s.input.GetData(), s.config.InputSize, s.config.Mean, s.config.Std); err != nil {
		return 0, err
	}
	if err := s.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	return Activate(s.output.GetData(), s.config.OutputIndex, s.config.Activation)
}

// Check reports whether the session is still open
func (s *Scorer) Check(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return fmt.Errorf("session closed")
	}
	return nil
}

// Close releases the session and its tensors
func (s *Scorer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.input != nil {
		s.input.Destroy()
		s.input = nil
	}
	if s.output != nil {
		s.output.Destroy()
		s.output = nil
	}
	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
}

// PrepareInput resizes img to size x size and writes it into dst as planar
// normalized RGB
func PrepareInput(img image.Image, dst []float32, size int, mean, std [3]float32) error {
	channelSize := size * size
	if len(dst) < channelSize*3 {
		return fmt.Errorf("destination tensor only holds %d floats, needs %d", len(dst), channelSize*3)
	}
	red := dst[0:channelSize]
	green := dst[channelSize : channelSize*2]
	blue := dst[channelSize*2 : channelSize*3]

	img = resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := img.Bounds()

	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			red[i] = (float32(r>>8)/255.0 - mean[0]) / std[0]
			green[i] = (float32(g>>8)/255.0 - mean[1]) / std[1]
			blue[i] = (float32(b>>8)/255.0 - mean[2]) / std[2]
			i++
		}
	}
	return nil
}

// Activate turns the raw output vector into the positive-class probability
func Activate(out []float32, index int, activation string) (float64, error) {
	if index < 0 || index >= len(out) {
		return 0, fmt.Errorf("%w: output index %d out of range", scorer.ErrNoScore, index)
	}

	switch activation {
	case ActivationSigmoid:
		return 1 / (1 + math.Exp(-float64(out[index]))), nil
	case ActivationSoftmax:
		maxLogit := math.Inf(-1)
		for _, v := range out {
			maxLogit = math.Max(maxLogit, float64(v))
		}
		var sum float64
		for _, v := range out {
			sum += math.Exp(float64(v) - maxLogit)
		}
		return math.Exp(float64(out[index])-maxLogit) / sum, nil
	default:
		return float64(out[index]), nil
	}
}
