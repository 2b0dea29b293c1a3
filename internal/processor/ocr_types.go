/**
 * OCR Types - Shared data structures for OCR operations
 *
 * Used by the tesseract adapter, the layout reconstructor and the variant
 * selector.
 */

package processor

import (
	"context"
	"image"
	"time"
)

// PageSegMode selects the engine's page segmentation strategy for one attempt.
type PageSegMode int

const (
	SegmentAuto PageSegMode = iota
	SegmentSingleBlock
	SegmentSingleLine
)

func (m PageSegMode) String() string {
	switch m {
	case SegmentSingleBlock:
		return "single_block"
	case SegmentSingleLine:
		return "single_line"
	default:
		return "auto"
	}
}

// Recognizer wraps an OCR engine. Implementations must be safe for
// concurrent use; the tesseract engine serializes internally.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image, mode PageSegMode) (*Recognition, error)
}

// Recognition is the raw output of one engine pass.
type Recognition struct {
	Words      []OCRWord
	RawText    string
	Confidence float64 // 0..100
}

// OCRWord represents a single word with bounding box
type OCRWord struct {
	Text        string
	Confidence  float64 // 0..100
	BoundingBox *BoundingBox
}

// BoundingBox holds pixel corners with X0 <= X1 and Y0 <= Y1.
type BoundingBox struct {
	X0 int
	Y0 int
	X1 int
	Y1 int
}

// CenterY is the vertical midpoint of the box.
func (b BoundingBox) CenterY() float64 {
	return float64(b.Y0+b.Y1) / 2
}

// OCRResult represents the best extraction chosen across variants
type OCRResult struct {
	ArabicText string
	Confidence float64
	RawText    string
	Variant    string
	Score      float64
	Attempts   []AttemptReport
	Duration   time.Duration
}

// AttemptReport records what happened to one variant.
type AttemptReport struct {
	Variant    string
	Mode       PageSegMode
	TextLength int
	Confidence float64
	Score      float64
	Err        error
}
