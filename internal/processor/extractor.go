/**
 * Variant Selector
 *
 * Runs OCR over escalating preprocessing variants and keeps the best
 * candidate by score = length + 0.2 * confidence. Stops early once a
 * candidate is long enough to trust.
 */

package processor

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/duavault/extract-worker/internal/arabic"
	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

// ExtractorConfig tunes the variant selector.
type ExtractorConfig struct {
	Variants         []PreprocessVariant
	MaxAttempts      int
	AttemptDelay     time.Duration // multiplied by the attempt index
	EarlyExitLength  int
	MinResultLength  int
	ConfidenceWeight float64

	// Pixel budgets for the decoded source and each rendered variant.
	// Zero takes the default; negative disables the check.
	MaxImagePixels   int64
	MaxSurfacePixels int64
}

// DefaultExtractorConfig returns the production selector settings.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		Variants:         DefaultVariants(),
		MaxAttempts:      3,
		AttemptDelay:     150 * time.Millisecond,
		EarlyExitLength:  20,
		MinResultLength:  6,
		ConfidenceWeight: 0.2,
		MaxImagePixels:   DefaultMaxImagePixels,
		MaxSurfacePixels: DefaultMaxSurfacePixels,
	}
}

// Extractor selects the best OCR reading of an image.
type Extractor struct {
	recognizer   Recognizer
	preprocessor *Preprocessor
	layout       *LayoutReconstructor
	config       ExtractorConfig
	logger       *logging.Logger
}

// NewExtractor creates an extractor around the given engine
func NewExtractor(recognizer Recognizer, cfg ExtractorConfig, logger *logging.Logger) *Extractor {
	if len(cfg.Variants) == 0 {
		cfg.Variants = DefaultVariants()
	}
	if cfg.MaxAttempts <= 0 || cfg.MaxAttempts > len(cfg.Variants) {
		cfg.MaxAttempts = len(cfg.Variants)
	}
	if cfg.MaxImagePixels == 0 {
		cfg.MaxImagePixels = DefaultMaxImagePixels
	}
	if cfg.MaxSurfacePixels == 0 {
		cfg.MaxSurfacePixels = DefaultMaxSurfacePixels
	}
	if logger == nil {
		logger = logging.NewLogger("Extractor")
	}
	return &Extractor{
		recognizer:   recognizer,
		preprocessor: &Preprocessor{MaxSurfacePixels: cfg.MaxSurfacePixels},
		layout:       NewLayoutReconstructor(),
		config:       cfg,
		logger:       logger,
	}
}

// Score ranks a candidate.
func (e *Extractor) Score(text string, confidence float64) float64 {
	return float64(arabic.Length(text)) + confidence*e.config.ConfidenceWeight
}

// Extract decodes the image bytes and runs the selector.
func (e *Extractor) Extract(ctx context.Context, data []byte) (*OCRResult, error) {
	img, err := DecodeImageLimited(data, e.config.MaxImagePixels)
	if err != nil {
		return nil, err
	}
	return e.ExtractImage(ctx, img)
}

// ExtractImage runs up to MaxAttempts variants and returns the best candidate,
// or a NO_RELIABLE_TEXT error when nothing usable was read.
func (e *Extractor) ExtractImage(ctx context.Context, img image.Image) (*OCRResult, error) {
	start := time.Now()
	var (
		best     *OCRResult
		attempts []AttemptReport
	)

	for i := 0; i < e.config.MaxAttempts; i++ {
		variant := e.config.Variants[i]

		if i > 0 {
			if err := sleepContext(ctx, e.config.AttemptDelay*time.Duration(i)); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		report := AttemptReport{Variant: variant.Name, Mode: variant.Mode}

		rendered, err := e.preprocessor.Render(img, variant)
		if err != nil {
			report.Err = err
			attempts = append(attempts, report)
			e.logger.Warn("Variant render failed, skipping", "variant", variant.Name, "error", err)
			continue
		}

		rec, err := e.recognizer.Recognize(ctx, rendered, variant.Mode)
		if err != nil {
			if errors.HasCode(err, errors.ErrorEngineUnavailable) {
				return nil, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			report.Err = err
			attempts = append(attempts, report)
			e.logger.Warn("OCR attempt failed, escalating", "variant", variant.Name, "error", err)
			continue
		}

		text, source := e.layout.Reconstruct(rec)
		report.TextLength = arabic.Length(text)
		report.Confidence = rec.Confidence
		report.Score = e.Score(text, rec.Confidence)
		attempts = append(attempts, report)

		e.logger.Debug("OCR attempt complete",
			"variant", variant.Name,
			"mode", variant.Mode.String(),
			"source", string(source),
			"length", report.TextLength,
			"confidence", fmt.Sprintf("%.1f", rec.Confidence),
			"score", fmt.Sprintf("%.1f", report.Score))

		if best == nil || report.Score > best.Score {
			best = &OCRResult{
				ArabicText: text,
				Confidence: rec.Confidence,
				RawText:    rec.RawText,
				Variant:    variant.Name,
				Score:      report.Score,
			}
		}

		if report.TextLength >= e.config.EarlyExitLength {
			break
		}
	}

	if best == nil {
		return nil, e.noText("no variant produced a reading", attempts)
	}
	if !arabic.MeetsMinimum(best.ArabicText, e.config.MinResultLength) {
		return nil, e.noText(fmt.Sprintf("best candidate %q is too short", best.ArabicText), attempts)
	}

	best.Attempts = attempts
	best.Duration = time.Since(start)

	e.logger.Info("OCR extraction complete",
		"variant", best.Variant,
		"length", arabic.Length(best.ArabicText),
		"attempts", len(attempts),
		"duration_ms", best.Duration.Milliseconds())

	return best, nil
}

func (e *Extractor) noText(reason string, attempts []AttemptReport) error {
	err := errors.NewNoReliableTextError(reason, len(attempts))
	for _, a := range attempts {
		if a.Err != nil {
			err.Details["last_attempt_error"] = a.Err.Error()
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
