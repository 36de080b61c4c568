// Package processing handles image I/O around an explanation run: loading
// inputs from files, URLs or readers, encoding images for model backends and
// saving results.
package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/fundus-explainer/pkg/types"
)

const (
	// DefaultQuality is used for JPEG and lossy WebP output when none is given
	DefaultQuality = 90

	// DefaultMaxBytes caps the size of one input image
	DefaultMaxBytes = 64 << 20

	userAgent = "Fundus-Explainer/1.0 (+https://github.com/menta2k/fundus-explainer)"
)

// Processor handles image processing operations
type Processor struct {
	client   *http.Client
	maxBytes int64
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		client:   &http.Client{Timeout: 30 * time.Second},
		maxBytes: DefaultMaxBytes,
	}
}

// IsURL reports whether source names an http or https resource
func IsURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Load reads a fundus photograph from a file path or an http(s) URL
func (p *Processor) Load(ctx context.Context, source string) (image.Image, error) {
	if IsURL(source) {
		return p.LoadImageFromURL(ctx, source)
	}
	return p.LoadImage(source)
}

// LoadImageFromURL downloads and decodes an image. Responses that are not
// images, or larger than the size cap, are rejected.
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %s", resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", ct)
	}
	if resp.ContentLength > p.maxBytes {
		return nil, fmt.Errorf("image of %d bytes exceeds the %d byte limit", resp.ContentLength, p.maxBytes)
	}

	img, err := p.LoadImageFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", parsedURL.Path, err)
	}
	return img, nil
}

// LoadImage loads an image file
func (p *Processor) LoadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := p.LoadImageFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return img, nil
}

// LoadImageFromReader decodes an image from r. EXIF orientation is applied,
// since fundus cameras and phone adapters often store rotated frames.
func (p *Processor) LoadImageFromReader(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, p.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, fmt.Errorf("image exceeds the %d byte limit", p.maxBytes)
	}
	return decode(data)
}

func decode(data []byte) (image.Image, error) {
	if img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}
	// chai2010 handles the extended WebP variants the x/image decoder rejects
	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}
	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// PrepareImageForModel encodes img as base64 for a vision model. The long side
// is capped at maxDim when positive. Format is jpg (default) or png; an out of
// range quality falls back to DefaultQuality.
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", fmt.Errorf("png encode failed: %w", err)
		}
	case "", "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: normalizeQuality(quality)}); err != nil {
			return "", fmt.Errorf("jpeg encode failed: %w", err)
		}
	default:
		return "", fmt.Errorf("unsupported model image format: %s", format)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// CropSegment crops the region of the original image covered by a segment of
// the working image, optionally resized to fill targetWidth x targetHeight
func (p *Processor) CropSegment(img image.Image, seg types.Segment, workSize image.Point, targetWidth, targetHeight int) (image.Image, error) {
	box := types.NormalizedBox(seg.Rect, workSize)
	bounds := img.Bounds()
	fw, fh := float64(bounds.Dx()), float64(bounds.Dy())

	// Convert normalized box to pixel coordinates
	x0 := int(clamp(box.X, 0, 1)*fw + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*fh + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*fw + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*fh + 0.5)

	rect := image.Rect(x0, y0, x1, y1).Add(bounds.Min).Intersect(bounds)
	if rect.Empty() {
		return nil, fmt.Errorf("empty crop rectangle for segment %d", seg.Index)
	}

	cropped := imaging.Crop(img, rect)

	if targetWidth > 0 && targetHeight > 0 {
		cropped = imaging.Fill(cropped, targetWidth, targetHeight, imaging.Center, imaging.Lanczos)
	}

	return cropped, nil
}

// SaveImage writes img to path, creating the parent directory. An empty format
// is taken from the path extension. Quality applies to jpg and lossy webp.
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var err error
	switch strings.ToLower(format) {
	case "webp":
		err = saveWebP(img, path, &webp.Options{Lossless: lossless, Quality: float32(normalizeQuality(quality))})
	case "png":
		err = imaging.Save(img, path, imaging.PNGCompressionLevel(png.DefaultCompression))
	case "jpg", "jpeg":
		err = imaging.Save(img, path, imaging.JPEGQuality(normalizeQuality(quality)))
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return nil
}

func saveWebP(img image.Image, path string, opts *webp.Options) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := webp.Encode(f, img, opts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func normalizeQuality(q int) int {
	if q < 1 || q > 100 {
		return DefaultQuality
	}
	return q
}

// CreateSegmentOverlay draws the segment grid over the original image. Segment
// rectangles are given in working image coordinates of size workSize; indices in
// highlight are drawn in a second color.
func (p *Processor) CreateSegmentOverlay(img image.Image, segments []types.Segment, workSize image.Point, highlight []int) image.Image {
	nrgba := imaging.Clone(img)
	w := nrgba.Bounds().Dx()
	h := nrgba.Bounds().Dy()

	// Colors
	green := color.NRGBA{0, 255, 0, 255}                    // segment grid
	gold := color.NRGBA{255, 204, 0, 255}                   // highlighted segments
	blue := color.NRGBA{0, 170, 255, 255}                   // image center
	stroke := int(math.Max(1, 0.002*float64(minInt(w, h)))) // ~0.2% of min side

	marked := make(map[int]bool, len(highlight))
	for _, idx := range highlight {
		marked[idx] = true
	}

	for _, seg := range segments {
		if marked[seg.Index] {
			continue
		}
		drawBox(nrgba, types.NormalizedBox(seg.Rect, workSize), w, h, green, stroke)
	}
	// Highlights go last so shared edges show their color
	for _, seg := range segments {
		if marked[seg.Index] {
			drawBox(nrgba, types.NormalizedBox(seg.Rect, workSize), w, h, gold, 2*stroke)
		}
	}

	// Draw image center marker
	ix, iy := w/2, h/2
	drawHLine(nrgba, iy, ix-6, ix+6, blue)
	drawVLine(nrgba, ix, iy-6, iy+6, blue)

	return nrgba
}

// Helper functions
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.X, 0, 1)*float64(w) + 0.5)
	y0 := int(clamp(box.Y, 0, 1)*float64(h) + 0.5)
	x1 := int(clamp(box.X+box.W, 0, 1)*float64(w) + 0.5)
	y1 := int(clamp(box.Y+box.H, 0, 1)*float64(h) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, w, h int, color color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, w, h)
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, color)
		drawHLine(img, y1-1-s, x0, x1, color)
		drawVLine(img, x0+s, y0, y1, color)
		drawVLine(img, x1-1-s, y0, y1, color)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}