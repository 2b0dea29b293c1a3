package processor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"net/http"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/duavault/extract-worker/internal/errors"
)

// PreprocessVariant is one rendering recipe for an OCR attempt.
type PreprocessVariant struct {
	Name            string
	Scale           float64
	ContrastPercent int // 100 = unchanged
	Grayscale       bool
	Mode            PageSegMode
}

// IsIdentity reports whether rendering would leave the source untouched.
func (v PreprocessVariant) IsIdentity() bool {
	return v.Scale == 1 && v.ContrastPercent == 100 && !v.Grayscale
}

// DefaultVariants is the escalation order: the photo as-is, then moderately
// and strongly upscaled, contrasted grayscale renders.
func DefaultVariants() []PreprocessVariant {
	return []PreprocessVariant{
		{Name: "original", Scale: 1.0, ContrastPercent: 100, Mode: SegmentAuto},
		{Name: "enhanced", Scale: 1.4, ContrastPercent: 140, Grayscale: true, Mode: SegmentSingleBlock},
		{Name: "aggressive", Scale: 1.8, ContrastPercent: 175, Grayscale: true, Mode: SegmentSingleLine},
	}
}

// Pixel budgets. Decoded rasters and rendered surfaces are held in memory
// several times over (scale, grayscale, contrast, PNG encode), and an
// allocation failure is fatal to the whole process.
const (
	DefaultMaxImagePixels   int64 = 24_000_000
	DefaultMaxSurfacePixels int64 = 48_000_000
)

// Preprocessor produces deterministic re-renderings of a source image.
type Preprocessor struct {
	// MaxSurfacePixels caps width*height of a rendered variant; <= 0 disables.
	MaxSurfacePixels int64
}

// NewPreprocessor creates a preprocessor with the default surface budget.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{MaxSurfacePixels: DefaultMaxSurfacePixels}
}

// DecodeImage decodes JPEG, PNG, GIF or WebP bytes within the default pixel
// budget.
func DecodeImage(data []byte) (image.Image, error) {
	return DecodeImageLimited(data, DefaultMaxImagePixels)
}

// DecodeImageLimited reads the image header first and rejects images with
// more than maxPixels pixels before any raster is allocated. maxPixels <= 0
// disables the check.
func DecodeImageLimited(data []byte, maxPixels int64) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.NewInvalidInputError("image is empty")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewUnsupportedFormatError(http.DetectContentType(data), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("image has no pixels: %dx%d", cfg.Width, cfg.Height))
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("image is too large: %dx%d exceeds %d pixels", cfg.Width, cfg.Height, maxPixels))
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewUnsupportedFormatError(http.DetectContentType(data), err)
	}
	return img, nil
}

// Render scales src with nearest-neighbour resampling, then applies grayscale
// and contrast, in that order.
func (p *Preprocessor) Render(src image.Image, v PreprocessVariant) (image.Image, error) {
	if src == nil {
		return nil, errors.NewPreprocessingUnavailableError(v.Name, fmt.Errorf("source image is nil"))
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, errors.NewPreprocessingUnavailableError(v.Name, fmt.Errorf("source image has no pixels"))
	}
	if v.Scale <= 0 || math.IsNaN(v.Scale) || math.IsInf(v.Scale, 0) {
		return nil, errors.NewPreprocessingUnavailableError(v.Name, fmt.Errorf("invalid scale %v", v.Scale))
	}
	if v.ContrastPercent < 0 {
		return nil, errors.NewPreprocessingUnavailableError(v.Name, fmt.Errorf("invalid contrast %d%%", v.ContrastPercent))
	}
	if v.IsIdentity() {
		return src, nil
	}

	fw := math.Max(1, math.Round(float64(bounds.Dx())*v.Scale))
	fh := math.Max(1, math.Round(float64(bounds.Dy())*v.Scale))
	if p.MaxSurfacePixels > 0 && fw*fh > float64(p.MaxSurfacePixels) {
		return nil, errors.NewPreprocessingUnavailableError(v.Name,
			fmt.Errorf("surface %.0fx%.0f exceeds %d pixels", fw, fh, p.MaxSurfacePixels))
	}
	width, height := int(fw), int(fh)

	var out image.Image
	if width == bounds.Dx() && height == bounds.Dy() {
		out = imaging.Clone(src)
	} else {
		dst := image.NewNRGBA(image.Rect(0, 0, width, height))
		draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, bounds, draw.Src, nil)
		out = dst
	}

	if v.Grayscale {
		out = imaging.Grayscale(out)
	}
	if v.ContrastPercent != 100 {
		// imaging takes a delta in (-100, 100) and clamps beyond it
		out = imaging.AdjustContrast(out, float64(v.ContrastPercent-100))
	}
	return out, nil
}
