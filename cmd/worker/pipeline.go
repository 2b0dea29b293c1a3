package main

import (
	"context"
	"fmt"
	"time"

	"github.com/duavault/extract-worker/internal/ai"
	"github.com/duavault/extract-worker/internal/ai/gemini"
	"github.com/duavault/extract-worker/internal/config"
	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/fetch"
	"github.com/duavault/extract-worker/internal/logging"
	"github.com/duavault/extract-worker/internal/processor"
	"github.com/duavault/extract-worker/internal/processor/tesseract"
	"github.com/duavault/extract-worker/internal/quota"
	"github.com/duavault/extract-worker/internal/storage"
)

// pipeline holds the wired components and everything that needs closing.
type pipeline struct {
	processor *processor.DuaProcessor
	engine    *tesseract.Engine
	db        *storage.PostgresClient
	closers   []func() error
}

func (p *pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openDatabase connects when DATABASE_URL is set; nil otherwise.
func openDatabase(cfg *config.Config) (*storage.PostgresClient, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	db, err := storage.NewPostgresClient(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	return db, nil
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline, error) {
	p := &pipeline{}
	ok := false
	defer func() {
		if !ok {
			p.Close()
		}
	}()

	p.engine = tesseract.NewEngine(tesseract.Config{
		Language:       cfg.OCRLanguage,
		TessdataPrefix: cfg.TessdataPrefix,
	}, logging.NewLogger("Tesseract"))
	p.closers = append(p.closers, p.engine.Close)

	extractorCfg := processor.DefaultExtractorConfig()
	extractorCfg.AttemptDelay = cfg.OCRAttemptDelay
	if cfg.MaxImagePixels > 0 {
		extractorCfg.MaxImagePixels = cfg.MaxImagePixels
	}
	extractor := processor.NewExtractor(p.engine, extractorCfg, logging.NewLogger("Extractor"))

	var normalizer processor.Normalizer
	if cfg.GeminiAPIKey != "" {
		client, err := buildAIClient(ctx, cfg, p)
		if err != nil {
			return nil, err
		}
		normalizer = client
	} else {
		logger.Warn("GEMINI_API_KEY not set, running OCR only")
	}

	var gate processor.QuotaGate
	db, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		p.db = db
		p.closers = append(p.closers, db.Close)
		gate = quota.NewGate(db, logging.NewLogger("QuotaGate"))
	}

	proc, err := processor.NewDuaProcessor(extractor, normalizer, gate, processor.ProcessorConfig{
		TranslationLimit:  cfg.FreeTranslationLimit,
		ProcessingTimeout: time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
		MaxImageSize:      cfg.MaxImageSize,
	}, logging.NewLogger("DuaProcessor"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize processor: %w", err)
	}
	p.processor = proc

	ok = true
	return p, nil
}

func buildAIClient(ctx context.Context, cfg *config.Config, p *pipeline) (*ai.Client, error) {
	gen, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, gen.Close)

	tiers := []ai.Cache{ai.NewMemoryCache()}
	if cfg.RedisURL != "" && cfg.CacheTTL > 0 {
		rc, err := ai.NewRedisCache(ctx, cfg.RedisURL, cfg.CacheTTL, logging.NewLogger("RedisCache"))
		if err != nil {
			logger.Warn("Shared response cache unavailable, using in-process cache only", "error", err)
		} else {
			p.closers = append(p.closers, rc.Close)
			tiers = append(tiers, rc)
		}
	}

	aiCfg := ai.DefaultConfig()
	aiCfg.TextTimeout = cfg.AITextTimeout
	aiCfg.ImageTimeout = cfg.AIImageTimeout
	aiCfg.MaxAttempts = cfg.AIMaxAttempts
	aiCfg.BackoffStep = cfg.AIBackoffStep
	aiCfg.ImageKeyMode = cfg.AIImageKeyMode
	aiCfg.Pages = fetch.New(fetch.Config{MaxPageBytes: cfg.MaxPageSize}, logging.NewLogger("Fetch"))

	return ai.NewClient(gen, ai.NewTieredCache(tiers...), aiCfg, logging.NewLogger("AIClient"))
}
