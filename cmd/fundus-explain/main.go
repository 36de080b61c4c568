package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	fundusexplainer "github.com/menta2k/fundus-explainer"
	"github.com/menta2k/fundus-explainer/internal/config"
	"github.com/menta2k/fundus-explainer/internal/utils"
	"github.com/menta2k/fundus-explainer/pkg/client"
	"github.com/menta2k/fundus-explainer/pkg/grading"
	"github.com/menta2k/fundus-explainer/pkg/llamacpp"
	"github.com/menta2k/fundus-explainer/pkg/ollama"
	"github.com/menta2k/fundus-explainer/pkg/onnx"
	"github.com/menta2k/fundus-explainer/pkg/processing"
	"github.com/menta2k/fundus-explainer/pkg/scorer"
)

// Default server URLs per backend
var defaultURLs = map[string]string{
	"ollama":   "http://localhost:11434",
	"llamacpp": "http://localhost:8080",
}

const cropSize = 256

func main() {
	var in, outDir, configPath, backend, url, model, ext string
	var onnxModel, onnxLib string
	var quality, workers, crops int
	var seed uint64
	var lossless, debug, saveConfig bool

	flag.StringVar(&in, "in", "", "input image path, URL, directory, or - for stdin")
	flag.StringVar(&outDir, "out", "", "output directory (default from config: ./output)")
	flag.StringVar(&configPath, "config", "", "config file (default ~/.config/fundus-explainer/config.json if present)")
	flag.StringVar(&backend, "backend", "", "classifier backend: onnx|ollama|llamacpp")
	flag.StringVar(&url, "url", "", "server URL for ollama/llamacpp (defaults: ollama=http://localhost:11434, llamacpp=http://localhost:8080)")
	flag.StringVar(&model, "model", "", "vision model name for ollama/llamacpp")
	flag.StringVar(&onnxModel, "onnx-model", "", "path to the ONNX classifier")
	flag.StringVar(&onnxLib, "onnx-lib", "", "path to the onnxruntime shared library")

	flag.StringVar(&ext, "ext", "", "overlay output format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.BoolVar(&lossless, "lossless", false, "WebP output lossless mode")

	flag.Uint64Var(&seed, "seed", 0, "coalition sampling seed, 0 draws a fresh seed per image")
	flag.IntVar(&workers, "workers", 0, "goroutines scoring coalitions")
	flag.IntVar(&crops, "crops", -1, "number of important regions exported as crops")
	flag.BoolVar(&debug, "debug", false, "debug logging and segment grid images")
	flag.BoolVar(&saveConfig, "save-config", false, "write the effective configuration to -config and exit")

	flag.Parse()

	log := newLogger(debug)

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	// Flags that were given explicitly override the config file
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["out"] {
		cfg.Output.OutputDir = outDir
	}
	if set["backend"] {
		cfg.Backend.Type = backend
	}
	if set["url"] {
		cfg.Backend.URL = url
	}
	if set["model"] {
		cfg.Backend.Model = model
	}
	if set["onnx-model"] {
		cfg.Backend.ONNX.ModelPath = onnxModel
	}
	if set["onnx-lib"] {
		cfg.Backend.ONNX.LibraryPath = onnxLib
	}
	if set["ext"] {
		cfg.Output.DefaultFormat = strings.ToLower(ext)
	}
	if set["quality"] {
		cfg.Output.Quality = quality
	}
	if set["seed"] {
		cfg.Explainer.Seed = seed
	}
	if set["workers"] {
		cfg.Explainer.Workers = workers
	}
	if set["crops"] {
		cfg.Output.RegionCrops = crops
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if saveConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatal(err)
		}
		log.Infof("wrote %s", path)
		return
	}

	if in == "" {
		log.Fatalf("usage: %s -in fundus.jpg|URL|dir|- [-backend onnx|ollama|llamacpp] [-onnx-model model.onnx] [-url server_url] [-out outdir] [-ext png|jpg|webp] [-seed 42]", filepath.Base(os.Args[0]))
	}

	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		log.Fatal(err)
	}

	classifier, closeScorer, err := newScorer(cfg)
	if err != nil {
		log.Fatalf("%s (%v)", fundusexplainer.UserMessage(err), err)
	}
	defer closeScorer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := scorer.Available(ctx, classifier); err != nil {
		log.Fatalf("%s (%v)", fundusexplainer.UserMessage(err), err)
	}

	sources, err := collectInputs(in, cfg.Output.Names())
	if err != nil {
		log.Fatal(err)
	}

	explainer := fundusexplainer.NewWithConfig(classifier, cfg.ToExplainer(), fundusexplainer.WithLogger(log))
	processor := processing.NewProcessor()

	failed := 0
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		if err := explainOne(ctx, log, explainer, processor, cfg, src, lossless, debug); err != nil {
			log.WithField("input", src).Errorf("%s (%v)", fundusexplainer.UserMessage(err), err)
			failed++
		}
	}

	if failed > 0 {
		log.Errorf("%d of %d images failed", failed, len(sources))
		closeScorer()
		os.Exit(1)
	}
}

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.SetLevel(logrus.InfoLevel)
	if lvl, err := logrus.ParseLevel(os.Getenv("FUNDUS_LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = config.GetConfigPath()
		if !utils.FileExists(path) {
			return config.Default(), nil
		}
	}
	return config.LoadFromFile(path)
}

// newScorer builds the classifier selected by the backend config. The returned
// function releases its resources.
func newScorer(cfg *config.Config) (scorer.Scorer, func(), error) {
	noop := func() {}

	if cfg.Backend.Type == "onnx" {
		s, err := onnx.NewScorer(cfg.ToONNX())
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}

	url := cfg.Backend.URL
	if url == "" {
		url = defaultURLs[cfg.Backend.Type]
	}

	var visionClient client.VisionClient
	var err error
	switch cfg.Backend.Type {
	case "ollama":
		visionClient, err = ollama.NewClient(url)
	case "llamacpp":
		visionClient, err = llamacpp.NewClient(url)
	default:
		return nil, noop, fmt.Errorf("unknown backend: %s", cfg.Backend.Type)
	}
	if err != nil {
		return nil, noop, fmt.Errorf("%w: %w", scorer.ErrUnavailable, err)
	}

	return grading.NewScorer(visionClient, cfg.ToGrading()), noop, nil
}

// collectInputs expands the -in argument into a list of image sources. Files
// written by an earlier run are skipped when listing a directory.
func collectInputs(in string, names utils.OutputNames) ([]string, error) {
	switch {
	case in == "-":
		return []string{in}, nil
	case processing.IsURL(in):
		return []string{in}, nil
	case utils.DirExists(in):
		files, err := utils.ListImageFiles(in, names.IsOutput)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no images found in %s", in)
		}
		return files, nil
	case utils.FileExists(in):
		return []string{in}, nil
	default:
		return nil, fmt.Errorf("input not found: %s", in)
	}
}

func loadInput(ctx context.Context, processor *processing.Processor, src string) (image.Image, string, error) {
	if src == "-" {
		img, err := processor.LoadImageFromReader(os.Stdin)
		return img, "stdin", err
	}
	img, err := processor.Load(ctx, src)
	return img, src, err
}

func explainOne(ctx context.Context, log *logrus.Logger, explainer *fundusexplainer.Explainer, processor *processing.Processor, cfg *config.Config, src string, lossless, debug bool) error {
	img, name, err := loadInput(ctx, processor, src)
	if err != nil {
		return err
	}

	result, err := explainer.Explain(ctx, img)
	if err != nil {
		return err
	}

	out := cfg.Output
	names := out.Names()
	format := out.DefaultFormat
	logger := log.WithField("input", name)

	overlayPath := names.Overlay(name, format)
	if err := processor.SaveImage(result.Overlay, overlayPath, format, out.Quality, lossless); err != nil {
		return fmt.Errorf("failed to save overlay: %w", err)
	}
	logger.Infof("wrote %s", overlayPath)

	if out.WriteReport {
		reportPath := names.Report(name)
		text := result.Report + "\n\n" + result.Summary.Screening() + "\n"
		if err := os.WriteFile(reportPath, []byte(text), 0o644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		logger.Infof("wrote %s", reportPath)
	}

	if out.WriteJSON {
		jsonPath := names.Result(name)
		js, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		if err := os.WriteFile(jsonPath, js, 0o644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
		logger.Infof("wrote %s", jsonPath)
	}

	// Important regions come sorted by descending magnitude
	for i, region := range result.Important {
		if i >= out.RegionCrops {
			break
		}
		crop, err := processor.CropSegment(img, region.Segment, result.WorkSize, cropSize, cropSize)
		if err != nil {
			logger.Warnf("crop of segment %d failed: %v", region.Segment.Index, err)
			continue
		}
		cropPath := names.Region(name, i+1, format)
		if err := processor.SaveImage(crop, cropPath, format, out.Quality, lossless); err != nil {
			logger.Warnf("save %s failed: %v", cropPath, err)
			continue
		}
		logger.Infof("wrote %s", cropPath)
	}

	if debug {
		highlight := make([]int, len(result.Important))
		for i, region := range result.Important {
			highlight[i] = region.Segment.Index
		}
		grid := processor.CreateSegmentOverlay(img, result.Segments, result.WorkSize, highlight)
		gridPath := names.Grid(name)
		if err := processor.SaveImage(grid, gridPath, "png", 0, false); err != nil {
			logger.Warnf("debug grid save failed: %v", err)
		} else {
			logger.Infof("wrote %s", gridPath)
		}
	}

	fmt.Printf("%s\n%s\n\n", name, result.Report)
	return nil
}
