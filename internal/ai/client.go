package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/duavault/extract-worker/internal/arabic"
	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/fetch"
	"github.com/duavault/extract-worker/internal/logging"
)

// Config tunes the client. Zero fields take DefaultConfig values.
type Config struct {
	TextTimeout  time.Duration
	ImageTimeout time.Duration
	PageTimeout  time.Duration
	MaxAttempts  int
	// BackoffStep is multiplied by the retry number: step, 2*step, ...
	BackoffStep time.Duration

	ImageKeyMode      string
	ImageKeyPrefixLen int

	TranslateTemperature float32
	CleanupTemperature   float32
	ImageTemperature     float32
	PageTemperature      float32

	Safety []SafetySetting

	// Pages supplies web page text for ExtractFromURL. Nil gets a fetch.Client
	// with default settings.
	Pages PageSource
}

// PageSource returns the readable text of a web page.
type PageSource interface {
	PageText(ctx context.Context, pageURL string) (string, error)
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		TextTimeout:          20 * time.Second,
		ImageTimeout:         45 * time.Second,
		PageTimeout:          45 * time.Second,
		MaxAttempts:          3,
		BackoffStep:          600 * time.Millisecond,
		ImageKeyMode:         ImageKeyPrefix,
		ImageKeyPrefixLen:    DefaultImageKeyPrefixLen,
		TranslateTemperature: 0.3,
		CleanupTemperature:   0.1,
		ImageTemperature:     0.2,
		PageTemperature:      0.2,
		Safety:               DefaultSafetySettings(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TextTimeout <= 0 {
		c.TextTimeout = d.TextTimeout
	}
	if c.ImageTimeout <= 0 {
		c.ImageTimeout = d.ImageTimeout
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = d.PageTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffStep < 0 {
		c.BackoffStep = 0
	}
	if c.ImageKeyMode == "" {
		c.ImageKeyMode = d.ImageKeyMode
	}
	if c.ImageKeyPrefixLen <= 0 {
		c.ImageKeyPrefixLen = d.ImageKeyPrefixLen
	}
	if c.Safety == nil {
		c.Safety = d.Safety
	}
	return c
}

// Client runs the normalization operations against a Generator.
type Client struct {
	gen     Generator
	cache   Cache
	cfg     Config
	schemas map[Operation]*jsonschema.Schema
	logger  *logging.Logger
}

// NewClient compiles the response schemas and wires the cache. A nil cache
// gets a fresh MemoryCache.
func NewClient(gen Generator, cache Cache, cfg Config, logger *logging.Logger) (*Client, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = logging.NewLogger("AIClient")
	}

	cfg = cfg.withDefaults()
	if cfg.Pages == nil {
		cfg.Pages = fetch.New(fetch.DefaultConfig(), logging.NewLogger("Fetch"))
	}

	schemas := make(map[Operation]*jsonschema.Schema, len(Operations))
	for _, op := range Operations {
		s, err := compileSchema(op)
		if err != nil {
			return nil, err
		}
		schemas[op] = s
	}

	return &Client{
		gen:     gen,
		cache:   cache,
		cfg:     cfg,
		schemas: schemas,
		logger:  logger,
	}, nil
}

// TranslateAndCategorize returns the Arabic text with an English translation
// and category.
func (c *Client) TranslateAndCategorize(ctx context.Context, arabicText string) (*Result, error) {
	if !arabic.HasArabic(arabicText) {
		return nil, errors.NewInvalidInputError("text to translate contains no Arabic")
	}
	key := textKey(OpTranslate, arabicText)
	if res, ok := c.lookup(ctx, key); ok {
		return res, nil
	}

	req := c.request(OpTranslate, translatePrompt(arabicText), nil, c.cfg.TranslateTemperature)
	rec, attempts, err := c.generate(ctx, req, c.cfg.TextTimeout)
	if err != nil {
		return nil, err
	}
	if rec.Arabic == "" {
		rec.Arabic = arabic.CollapseWhitespace(arabicText)
	}

	c.cache.Set(ctx, key, *rec)
	return &Result{NormalizedRecord: *rec, Attempts: attempts}, nil
}

// CleanupOCRArtifacts asks the backend to correct OCR noise. Only Arabic is
// returned.
func (c *Client) CleanupOCRArtifacts(ctx context.Context, arabicText string) (*Result, error) {
	if !arabic.HasArabic(arabicText) {
		return nil, errors.NewInvalidInputError("text to clean up contains no Arabic")
	}
	key := textKey(OpCleanup, arabicText)
	if res, ok := c.lookup(ctx, key); ok {
		return res, nil
	}

	req := c.request(OpCleanup, cleanupPrompt(arabicText), nil, c.cfg.CleanupTemperature)
	rec, attempts, err := c.generate(ctx, req, c.cfg.TextTimeout)
	if err != nil {
		return nil, err
	}

	c.cache.Set(ctx, key, *rec)
	return &Result{NormalizedRecord: *rec, Attempts: attempts}, nil
}

// ExtractFromImage reads the dua directly from an image, escalating through
// stricter prompts while the returned Arabic fails the extraction predicate.
func (c *Client) ExtractFromImage(ctx context.Context, image []byte, mimeType string, includeTranslation bool) (*Result, error) {
	if len(image) == 0 {
		return nil, errors.NewInvalidInputError("image is empty")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	op := OpImage
	if includeTranslation {
		op = OpImageTranslate
	}

	key := imageKey(op, image, c.cfg.ImageKeyMode, c.cfg.ImageKeyPrefixLen)
	if res, ok := c.lookup(ctx, key); ok {
		return res, nil
	}

	total := 0
	for level := 0; level < imagePromptLevels; level++ {
		req := c.request(op, imagePrompt(level, includeTranslation), &InlineImage{MIMEType: mimeType, Data: image}, c.cfg.ImageTemperature)
		rec, attempts, err := c.generate(ctx, req, c.cfg.ImageTimeout)
		total += attempts
		if err != nil {
			return nil, err
		}
		if !arabic.IsValidExtraction(rec.Arabic) {
			c.logger.Warn("Image extraction returned no usable Arabic, escalating prompt",
				"level", level, "length", arabic.Length(rec.Arabic))
			continue
		}

		c.cache.Set(ctx, key, *rec)
		return &Result{NormalizedRecord: *rec, Attempts: total}, nil
	}

	return nil, errors.NewNoReliableTextError("generative extraction found no clear Arabic text", total)
}

// ExtractFromURL imports the main dua of a web page. The cache is keyed by
// the trimmed URL and consulted before the page is fetched.
func (c *Client) ExtractFromURL(ctx context.Context, pageURL string, includeTranslation bool) (*Result, error) {
	target, err := fetch.ValidateURL(pageURL, "page")
	if err != nil {
		return nil, err
	}
	op := OpPage
	if includeTranslation {
		op = OpPageTranslate
	}

	key := textKey(op, pageURL)
	if res, ok := c.lookup(ctx, key); ok {
		return res, nil
	}

	text, err := c.cfg.Pages.PageText(ctx, target)
	if err != nil {
		return nil, err
	}
	if !arabic.HasArabic(text) {
		return nil, errors.NewNoReliableTextError("web page contains no Arabic text", 0)
	}

	req := c.request(op, pagePrompt(target, text, includeTranslation), nil, c.cfg.PageTemperature)
	rec, attempts, err := c.generate(ctx, req, c.cfg.PageTimeout)
	if err != nil {
		return nil, err
	}
	if !arabic.IsValidExtraction(rec.Arabic) {
		c.logger.Warn("No dua found on web page", "url", target, "length", arabic.Length(rec.Arabic))
		return nil, errors.NewNoReliableTextError("no dua found on the web page", attempts)
	}

	c.cache.Set(ctx, key, *rec)
	return &Result{NormalizedRecord: *rec, Attempts: attempts}, nil
}

func (c *Client) lookup(ctx context.Context, key string) (*Result, bool) {
	rec, ok := c.cache.Get(ctx, key)
	if !ok {
		return nil, false
	}
	return &Result{NormalizedRecord: *rec, CacheHit: true}, true
}

func (c *Client) request(op Operation, prompt string, img *InlineImage, temperature float32) *GenerateRequest {
	return &GenerateRequest{
		Operation:   op,
		Prompt:      prompt,
		Image:       img,
		Fields:      fieldsFor(op),
		Temperature: temperature,
		Safety:      c.cfg.Safety,
	}
}

// generate performs one logical call with retries. It returns the number of
// backend calls made alongside the result or the final error.
func (c *Client) generate(ctx context.Context, req *GenerateRequest, timeout time.Duration) (*NormalizedRecord, int, error) {
	attempts := 0
	step := c.cfg.BackoffStep

	rec, err := retry.DoWithData(
		func() (*NormalizedRecord, error) {
			attempts++
			return c.attempt(ctx, req, timeout)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.cfg.MaxAttempts)),
		retry.RetryIf(errors.IsRetriable),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return step * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Retrying generative call",
				"operation", string(req.Operation), "attempt", n+1, "error_code", string(errors.CodeOf(err)))
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, attempts, ctxErr
		}
		var pe *errors.ProcessingError
		if errors.As(err, &pe) && pe.Details != nil {
			pe.Details["attempts"] = attempts
		}
		c.logger.Error("Generative call failed",
			"operation", string(req.Operation), "attempts", attempts, "error", err)
		return nil, attempts, err
	}
	return rec, attempts, nil
}

func (c *Client) attempt(ctx context.Context, req *GenerateRequest, timeout time.Duration) (*NormalizedRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := c.gen.Generate(callCtx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.NewAIError(errors.ErrorAITimeout, string(req.Operation), 1,
				fmt.Errorf("no response within %v: %w", timeout, err))
		}
		return nil, classify(req.Operation, err)
	}

	rec, err := decodeResponse(c.schemas[req.Operation], content)
	if err != nil {
		return nil, errors.NewAIError(errors.ErrorAIMalformedResponse, string(req.Operation), 1, err)
	}
	return rec, nil
}
