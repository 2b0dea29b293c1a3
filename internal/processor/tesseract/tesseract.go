/**
 * Tesseract OCR - process-wide Arabic recognition engine
 *
 * One gosseract client is created lazily on first use, verified with a
 * warm-up pass and reused for every request. Calls are serialized because
 * the underlying TessBaseAPI is not reentrant.
 */

package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
	"github.com/duavault/extract-worker/internal/processor"
)

// Config holds Tesseract configuration
type Config struct {
	Language       string
	TessdataPrefix string
	Variables      map[string]string
}

// DefaultVariables bias the decoder toward Arabic word shapes and keep
// inter-word spacing intact.
func DefaultVariables() map[string]string {
	return map[string]string{
		"preserve_interword_spaces":                 "1",
		"tessedit_do_invert":                        "0",
		"tessedit_fix_fuzzy_spaces":                 "1",
		"language_model_penalty_non_dict_word":      "0.05",
		"language_model_penalty_non_freq_dict_word": "0.05",
	}
}

// Engine implements processor.Recognizer on top of a single gosseract client.
type Engine struct {
	cfg    Config
	logger *logging.Logger

	once    sync.Once
	initErr error

	mu     sync.Mutex
	client *gosseract.Client
}

var _ processor.Recognizer = (*Engine)(nil)

// NewEngine creates an engine; the client is not started until the first call.
func NewEngine(cfg Config, logger *logging.Logger) *Engine {
	if cfg.Language == "" {
		cfg.Language = "ara"
	}
	if cfg.Variables == nil {
		cfg.Variables = DefaultVariables()
	}
	if logger == nil {
		logger = logging.NewLogger("Tesseract")
	}
	return &Engine{cfg: cfg, logger: logger}
}

func (e *Engine) init() {
	client := gosseract.NewClient()
	if e.cfg.TessdataPrefix != "" {
		client.TessdataPrefix = e.cfg.TessdataPrefix
	}
	if err := client.SetLanguage(e.cfg.Language); err != nil {
		client.Close()
		e.initErr = errors.NewEngineUnavailableError(fmt.Errorf("failed to set language %q: %w", e.cfg.Language, err))
		return
	}
	for k, v := range e.cfg.Variables {
		if err := client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			client.Close()
			e.initErr = errors.NewEngineUnavailableError(fmt.Errorf("failed to set variable %s: %w", k, err))
			return
		}
	}

	// Language data is only loaded on the first recognition, so a blank page
	// is the cheapest way to surface a broken install now.
	blank, err := encodePNG(blankImage())
	if err == nil {
		err = client.SetImageFromBytes(blank)
	}
	if err == nil {
		_, err = client.Text()
	}
	if err != nil {
		client.Close()
		e.initErr = errors.NewEngineUnavailableError(fmt.Errorf("warm-up recognition failed: %w", err))
		return
	}

	e.client = client
	e.logger.Info("Tesseract engine ready", "language", e.cfg.Language, "tessdata", e.cfg.TessdataPrefix)
}

// Ready starts the engine if needed and returns the cached init error.
func (e *Engine) Ready() error {
	e.once.Do(e.init)
	return e.initErr
}

// Recognize runs one OCR pass. The engine call itself cannot be interrupted;
// a cancelled caller stops waiting while the pass completes in the background.
func (e *Engine) Recognize(ctx context.Context, img image.Image, mode processor.PageSegMode) (*processor.Recognition, error) {
	if err := e.Ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := encodePNG(img)
	if err != nil {
		return nil, errors.NewOCRFailedError(mode.String(), fmt.Errorf("failed to encode image: %w", err))
	}

	type result struct {
		rec *processor.Recognition
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		rec, err := e.recognizeLocked(data, mode)
		resultCh <- result{rec, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.rec, res.err
	}
}

func (e *Engine) recognizeLocked(data []byte, mode processor.PageSegMode) (*processor.Recognition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client == nil {
		return nil, errors.NewEngineUnavailableError(fmt.Errorf("engine is closed"))
	}
	if err := e.client.SetPageSegMode(PageSegMode(mode)); err != nil {
		return nil, errors.NewOCRFailedError(mode.String(), fmt.Errorf("failed to set page segmentation mode: %w", err))
	}
	if err := e.client.SetImageFromBytes(data); err != nil {
		return nil, errors.NewOCRFailedError(mode.String(), fmt.Errorf("failed to set image: %w", err))
	}

	text, err := e.client.Text()
	if err != nil {
		return nil, errors.NewOCRFailedError(mode.String(), fmt.Errorf("tesseract OCR failed: %w", err))
	}

	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		// Text without geometry still feeds the raw-text tier.
		e.logger.Warn("Word boxes unavailable", "mode", mode.String(), "error", err)
		boxes = nil
	}

	words, confidence := ToWords(boxes)
	return &processor.Recognition{
		Words:      words,
		RawText:    text,
		Confidence: confidence,
	}, nil
}

// Close releases the client. Recognize fails with OCR_ENGINE_UNAVAILABLE afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

// PageSegMode maps a processor mode to the gosseract constant.
func PageSegMode(mode processor.PageSegMode) gosseract.PageSegMode {
	switch mode {
	case processor.SegmentSingleBlock:
		return gosseract.PSM_SINGLE_BLOCK
	case processor.SegmentSingleLine:
		return gosseract.PSM_SINGLE_LINE
	default:
		return gosseract.PSM_AUTO
	}
}

// ToWords converts word boxes and returns their mean confidence.
func ToWords(boxes []gosseract.BoundingBox) ([]processor.OCRWord, float64) {
	if len(boxes) == 0 {
		return nil, 0
	}
	words := make([]processor.OCRWord, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		sum += b.Confidence
		word := processor.OCRWord{Text: b.Word, Confidence: b.Confidence}
		if !b.Box.Empty() {
			word.BoundingBox = &processor.BoundingBox{
				X0: b.Box.Min.X,
				Y0: b.Box.Min.Y,
				X1: b.Box.Max.X,
				Y1: b.Box.Max.Y,
			}
		}
		words = append(words, word)
	}
	return words, sum / float64(len(words))
}

func blankImage() image.Image {
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(color.White.Y >> 8)
	}
	return img
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
