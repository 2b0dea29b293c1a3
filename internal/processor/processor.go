/**
 * Dua Processor
 *
 * Orchestrates one request end to end:
 * - load the image (buffer or URL), or a dua web page
 * - multi-variant OCR with RTL layout reconstruction
 * - optional AI image extraction when OCR finds nothing reliable
 * - non-blocking OCR cleanup pass
 * - quota-gated translation and categorization
 */

package processor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/duavault/extract-worker/internal/ai"
	"github.com/duavault/extract-worker/internal/arabic"
	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/fetch"
	"github.com/duavault/extract-worker/internal/logging"
	"github.com/duavault/extract-worker/internal/quota"
)

// Normalizer is the slice of ai.Client the processor needs.
type Normalizer interface {
	TranslateAndCategorize(ctx context.Context, arabicText string) (*ai.Result, error)
	CleanupOCRArtifacts(ctx context.Context, arabicText string) (*ai.Result, error)
	ExtractFromImage(ctx context.Context, image []byte, mimeType string, includeTranslation bool) (*ai.Result, error)
	ExtractFromURL(ctx context.Context, pageURL string, includeTranslation bool) (*ai.Result, error)
}

// QuotaGate is implemented by quota.Gate.
type QuotaGate interface {
	CheckQuota(ctx context.Context, subject quota.Subject, limit int) (quota.Quota, error)
	ConsumeQuota(ctx context.Context, subject quota.Subject, limit int) (quota.Quota, error)
}

var (
	_ Normalizer = (*ai.Client)(nil)
	_ QuotaGate  = (*quota.Gate)(nil)
)

// Result sources
const (
	SourceOCR     = "ocr"
	SourceAIImage = "ai_image"
	SourceAIPage  = "ai_page"
)

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	TranslationLimit  int
	ProcessingTimeout time.Duration
	MaxImageSize      int64
	MinCleanupLength  int // cleaned text shorter than this keeps the OCR text
	DownloadAttempts  int
	DownloadTimeout   time.Duration
}

// DefaultProcessorConfig returns production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		TranslationLimit:  5,
		ProcessingTimeout: 3 * time.Minute,
		MaxImageSize:      20 * 1024 * 1024,
		MinCleanupLength:  6,
		DownloadAttempts:  3,
		DownloadTimeout:   30 * time.Second,
	}
}

// ProcessRequest represents one image or web page to read
type ProcessRequest struct {
	JobID       string
	Subject     quota.Subject
	ImageBuffer []byte
	ImageURL    string
	MimeType    string
	// PageURL imports the dua from a web page instead of an image.
	PageURL string

	Translate       bool
	AllowAIFallback bool
	SkipCleanup     bool
}

// ProcessResult represents the processing result
type ProcessResult struct {
	JobID       string
	Arabic      string
	Translation string
	Category    ai.Category
	Source      string

	// OCR is nil when the text came from AI image or page extraction.
	OCR        *OCRResult
	Cleaned    bool
	Translated bool
	CacheHit   bool

	// Quota is the translation allowance after this request, when it was consulted.
	Quota            *quota.Quota
	Warnings         []string
	UserMessage      string
	ProcessingTimeMs int64
}

// TranslateResult is the outcome of a gated translation.
type TranslateResult struct {
	ai.NormalizedRecord
	CacheHit    bool
	Quota       quota.Quota
	Warnings    []string
	UserMessage string
}

// DuaProcessor runs the extraction pipeline
type DuaProcessor struct {
	extractor  *Extractor
	normalizer Normalizer
	gate       QuotaGate
	fetcher    *fetch.Client
	config     ProcessorConfig
	logger     *logging.Logger
}

// NewDuaProcessor wires the pipeline. normalizer may be nil (OCR only); a nil
// gate leaves translation unmetered.
func NewDuaProcessor(extractor *Extractor, normalizer Normalizer, gate QuotaGate, cfg ProcessorConfig, logger *logging.Logger) (*DuaProcessor, error) {
	if extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	d := DefaultProcessorConfig()
	if cfg.TranslationLimit <= 0 {
		cfg.TranslationLimit = d.TranslationLimit
	}
	if cfg.MinCleanupLength <= 0 {
		cfg.MinCleanupLength = d.MinCleanupLength
	}
	if cfg.DownloadAttempts <= 0 {
		cfg.DownloadAttempts = d.DownloadAttempts
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = d.DownloadTimeout
	}
	if logger == nil {
		logger = logging.NewLogger("DuaProcessor")
	}
	if gate == nil {
		logger.Warn("No quota gate configured, translations are unmetered")
	}

	fetcher := fetch.New(fetch.Config{
		Attempts: cfg.DownloadAttempts,
		Timeout:  cfg.DownloadTimeout,
	}, logging.NewLogger("Fetch"))

	return &DuaProcessor{
		extractor:  extractor,
		normalizer: normalizer,
		gate:       gate,
		fetcher:    fetcher,
		config:     cfg,
		logger:     logger,
	}, nil
}

// ProcessImage reads a dua from an image, or from a web page when the
// request carries PageURL.
func (p *DuaProcessor) ProcessImage(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	log := p.logger.With("job_id", req.JobID)

	if p.config.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.ProcessingTimeout)
		defer cancel()
	}

	var (
		res *ProcessResult
		err error
	)
	if req.PageURL != "" {
		res, err = p.processPage(ctx, req, log)
	} else {
		res, err = p.processImage(ctx, req, log)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errors.CodeOf(err) == "" {
			err = errors.NewProcessingTimeoutError(req.JobID, p.config.ProcessingTimeout, err)
		}
		var perr *errors.ProcessingError
		if errors.As(err, &perr) && perr.JobID == "" {
			perr.WithJobID(req.JobID)
		}
		log.Warn("Processing failed", "code", errors.CodeOf(err), "error", err)
		return nil, err
	}

	res.JobID = req.JobID
	res.ProcessingTimeMs = time.Since(start).Milliseconds()
	log.Info("Processing completed",
		"source", res.Source,
		"cleaned", res.Cleaned,
		"translated", res.Translated,
		"warnings", len(res.Warnings),
		"duration_ms", res.ProcessingTimeMs)
	return res, nil
}

func (p *DuaProcessor) processImage(ctx context.Context, req *ProcessRequest, log *logging.Logger) (*ProcessResult, error) {
	data, err := p.loadImage(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &ProcessResult{}

	log.Debug("Running OCR", "bytes", len(data))
	ocr, err := p.extractor.Extract(ctx, data)
	switch {
	case err == nil:
		res.OCR = ocr
		res.Source = SourceOCR
		res.Arabic = ocr.ArabicText
	case errors.HasCode(err, errors.ErrorNoReliableText) && req.AllowAIFallback && p.normalizer != nil:
		log.Info("OCR found no reliable text, falling back to AI image extraction")
		mime := req.MimeType
		if mime == "" || mime == "application/octet-stream" {
			mime = http.DetectContentType(data)
		}
		err := p.extractWithAI(ctx, req, res, SourceAIImage, func(ctx context.Context, includeTranslation bool) (*ai.Result, error) {
			return p.normalizer.ExtractFromImage(ctx, data, mime, includeTranslation)
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	default:
		return nil, err
	}

	if !req.SkipCleanup && p.normalizer != nil {
		if err := p.cleanup(ctx, res, log); err != nil {
			return nil, err
		}
	}

	if req.Translate {
		if err := p.translateInto(ctx, req.Subject, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// cleanup replaces the OCR text with the AI-corrected one when it is long
// enough. Backend failures only add a warning.
func (p *DuaProcessor) cleanup(ctx context.Context, res *ProcessResult, log *logging.Logger) error {
	cleaned, err := p.normalizer.CleanupOCRArtifacts(ctx, res.Arabic)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("OCR cleanup failed, keeping raw OCR text", "code", errors.CodeOf(err), "error", err)
		res.Warnings = append(res.Warnings, fmt.Sprintf("cleanup skipped: %s", errors.CodeOf(err)))
		return nil
	}
	if !arabic.MeetsMinimum(cleaned.Arabic, p.config.MinCleanupLength) {
		log.Debug("Cleanup result too short, keeping raw OCR text", "length", arabic.Length(cleaned.Arabic))
		return nil
	}
	res.Arabic = arabic.CollapseWhitespace(cleaned.Arabic)
	res.Cleaned = true
	return nil
}

// processPage imports a dua from a web page. The page is read by the
// generative backend, so there is no OCR or cleanup pass.
func (p *DuaProcessor) processPage(ctx context.Context, req *ProcessRequest, log *logging.Logger) (*ProcessResult, error) {
	if len(req.ImageBuffer) > 0 || req.ImageURL != "" {
		return nil, errors.NewInvalidInputError("a request reads either an image or a web page, not both")
	}
	if p.normalizer == nil {
		return nil, errors.New(errors.ErrorAIRequestFailed, "importing from a web page needs a generative backend", nil)
	}

	log.Info("Importing dua from web page", "url", req.PageURL)
	res := &ProcessResult{}
	err := p.extractWithAI(ctx, req, res, SourceAIPage, func(ctx context.Context, includeTranslation bool) (*ai.Result, error) {
		return p.normalizer.ExtractFromURL(ctx, req.PageURL, includeTranslation)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// extractWithAI reads the dua through the backend. When translation is
// requested and quota allows, one call returns both text and translation.
func (p *DuaProcessor) extractWithAI(ctx context.Context, req *ProcessRequest, res *ProcessResult, source string,
	extract func(ctx context.Context, includeTranslation bool) (*ai.Result, error)) error {
	res.Source = source
	if !req.Translate {
		out, err := extract(ctx, false)
		if err != nil {
			return err
		}
		res.Arabic = out.Arabic
		res.Category = out.Category
		res.CacheHit = out.CacheHit
		return nil
	}

	tr, err := p.gated(ctx, req.Subject, func(ctx context.Context) (*ai.Result, error) {
		return extract(ctx, true)
	})
	if err != nil && !isSoftTranslationError(err) {
		return err
	}
	if err != nil {
		// Over quota or unable to check: still give the user the text.
		p.noteTranslationFailure(res, err)
		out, xerr := extract(ctx, false)
		if xerr != nil {
			return xerr
		}
		res.Arabic = out.Arabic
		res.Category = out.Category
		res.CacheHit = out.CacheHit
		return nil
	}

	res.applyTranslation(tr)
	res.Arabic = tr.Arabic
	return nil
}

// translateInto runs a gated translation of res.Arabic. Quota and backend
// failures leave the Arabic text usable and are reported as warnings.
func (p *DuaProcessor) translateInto(ctx context.Context, subject quota.Subject, res *ProcessResult) error {
	if p.normalizer == nil {
		res.Warnings = append(res.Warnings, "translation unavailable: no generative backend configured")
		return nil
	}
	tr, err := p.Translate(ctx, subject, res.Arabic)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.noteTranslationFailure(res, err)
		return nil
	}
	res.applyTranslation(tr)
	return nil
}

func (r *ProcessResult) applyTranslation(tr *TranslateResult) {
	r.Translation = tr.Translation
	r.Category = tr.Category
	r.Translated = true
	r.CacheHit = tr.CacheHit
	q := tr.Quota
	r.Quota = &q
	r.Warnings = append(r.Warnings, tr.Warnings...)
	if tr.UserMessage != "" {
		r.UserMessage = tr.UserMessage
	}
}

func (p *DuaProcessor) noteTranslationFailure(res *ProcessResult, err error) {
	res.Warnings = append(res.Warnings, fmt.Sprintf("translation skipped: %s", errors.CodeOf(err)))
	res.UserMessage = userMessage(err)
	var perr *errors.ProcessingError
	if errors.As(err, &perr) && perr.Code == errors.ErrorQuotaExceeded {
		used, _ := perr.Details["used"].(int)
		limit, _ := perr.Details["limit"].(int)
		res.Quota = &quota.Quota{Used: used, Limit: limit}
	}
}

// isSoftTranslationError reports failures after which the Arabic text is
// still worth returning.
func isSoftTranslationError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorQuotaExceeded, errors.ErrorQuotaCheckFailed:
		return true
	}
	return false
}

// Translate checks the caller's allowance, translates, and books one unit of
// quota for a fresh (non-cached) translation.
func (p *DuaProcessor) Translate(ctx context.Context, subject quota.Subject, arabicText string) (*TranslateResult, error) {
	if p.normalizer == nil {
		return nil, errors.New(errors.ErrorAIRequestFailed, "no generative backend configured", nil)
	}
	if !arabic.HasArabic(arabicText) {
		return nil, errors.NewInvalidInputError("text to translate contains no Arabic")
	}
	return p.gated(ctx, subject, func(ctx context.Context) (*ai.Result, error) {
		return p.normalizer.TranslateAndCategorize(ctx, arabicText)
	})
}

// gated wraps one translating backend call with quota check and consume. A
// blocked or unverifiable quota stops before any network call. A consume
// failure after success becomes a warning.
func (p *DuaProcessor) gated(ctx context.Context, subject quota.Subject, call func(context.Context) (*ai.Result, error)) (*TranslateResult, error) {
	limit := p.config.TranslationLimit

	var before quota.Quota
	if p.gate != nil {
		q, err := p.gate.CheckQuota(ctx, subject, limit)
		if err != nil {
			return nil, err
		}
		if !q.Allowed() {
			return nil, errors.NewQuotaExceededError(subject.UserID, q.Used, q.Limit)
		}
		before = q
	} else {
		before = quota.Quota{Limit: limit, Unlimited: true}
	}

	res, err := call(ctx)
	if err != nil {
		return nil, err
	}

	out := &TranslateResult{NormalizedRecord: res.NormalizedRecord, CacheHit: res.CacheHit, Quota: before}
	if res.CacheHit || p.gate == nil {
		return out, nil
	}

	// The translation happened; book it even if the caller has gone away.
	after, err := p.gate.ConsumeQuota(context.WithoutCancel(ctx), subject, limit)
	if err != nil {
		p.logger.Warn("Failed to record translation usage", "user_id", subject.UserID, "error", err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("usage not recorded: %s", errors.CodeOf(err)))
		return out, nil
	}
	out.Quota = after
	return out, nil
}

func userMessage(err error) string {
	var perr *errors.ProcessingError
	if errors.As(err, &perr) {
		return perr.UserMessage()
	}
	return "Something went wrong while processing the image."
}

// loadImage loads the image from the request buffer or URL
func (p *DuaProcessor) loadImage(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.ImageBuffer) > 0 {
		if p.config.MaxImageSize > 0 && int64(len(req.ImageBuffer)) > p.config.MaxImageSize {
			return nil, errors.NewInvalidInputError(fmt.Sprintf("image exceeds maximum size: %d > %d bytes", len(req.ImageBuffer), p.config.MaxImageSize))
		}
		return req.ImageBuffer, nil
	}
	if req.ImageURL != "" {
		return p.downloadImage(ctx, req.JobID, req.ImageURL)
	}
	return nil, errors.NewInvalidInputError("no image source provided (buffer or URL)")
}

// downloadImage fetches an image URL within MaxImageSize.
func (p *DuaProcessor) downloadImage(ctx context.Context, jobID, url string) ([]byte, error) {
	resp, err := p.fetcher.Get(ctx, url, "image", p.config.MaxImageSize)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Image downloaded", "job_id", jobID, "bytes", len(resp.Body))
	return resp.Body, nil
}
