/**
 * Configuration for the dua extraction worker
 *
 * Loads configuration from environment variables (and an optional .env file
 * loaded by the entry point) through viper, with documented defaults.
 */

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds worker configuration
type Config struct {
	// PostgreSQL configuration (translation usage store)
	DatabaseURL    string
	DatabaseDriver string // "postgres" (lib/pq) or "pgx"

	// Redis configuration (task queue + shared response cache)
	RedisURL  string
	QueueName string
	CacheTTL  time.Duration

	// Generative backend
	GeminiAPIKey string
	GeminiModel  string

	// Worker configuration
	WorkerConcurrency int
	ProcessingTimeout int // milliseconds
	MaxImageSize      int64
	MaxImagePixels    int64
	MaxPageSize       int64

	// Tesseract configuration
	TessdataPrefix  string
	OCRLanguage     string
	OCRAttemptDelay time.Duration

	// AI client tuning
	AITextTimeout  time.Duration
	AIImageTimeout time.Duration
	AIMaxAttempts  int
	AIBackoffStep  time.Duration
	AIImageKeyMode string // "prefix" or "digest"

	// Quota
	FreeTranslationLimit int

	LogLevel string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("REDIS_URL", "redis://localhost:6379")
	v.SetDefault("QUEUE_NAME", "dua-extract")
	v.SetDefault("CACHE_TTL", "24h")
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("WORKER_CONCURRENCY", 4)
	v.SetDefault("PROCESSING_TIMEOUT", 180000) // 3 minutes
	v.SetDefault("MAX_IMAGE_SIZE", 20*1024*1024)
	v.SetDefault("MAX_IMAGE_PIXELS", 24_000_000)
	v.SetDefault("MAX_PAGE_SIZE", 2*1024*1024)
	v.SetDefault("TESSDATA_PREFIX", "")
	v.SetDefault("OCR_LANGUAGE", "ara")
	v.SetDefault("OCR_ATTEMPT_DELAY_MS", 150)
	v.SetDefault("AI_TEXT_TIMEOUT_MS", 20000)
	v.SetDefault("AI_IMAGE_TIMEOUT_MS", 45000)
	v.SetDefault("AI_MAX_ATTEMPTS", 3)
	v.SetDefault("AI_BACKOFF_MS", 600)
	v.SetDefault("AI_IMAGE_KEY_MODE", "prefix")
	v.SetDefault("FREE_TRANSLATION_LIMIT", 5)
	v.SetDefault("LOG_LEVEL", "info")
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		DatabaseURL:          v.GetString("DATABASE_URL"),
		DatabaseDriver:       v.GetString("DATABASE_DRIVER"),
		RedisURL:             v.GetString("REDIS_URL"),
		QueueName:            v.GetString("QUEUE_NAME"),
		CacheTTL:             v.GetDuration("CACHE_TTL"),
		GeminiAPIKey:         v.GetString("GEMINI_API_KEY"),
		GeminiModel:          v.GetString("GEMINI_MODEL"),
		WorkerConcurrency:    v.GetInt("WORKER_CONCURRENCY"),
		ProcessingTimeout:    v.GetInt("PROCESSING_TIMEOUT"),
		MaxImageSize:         v.GetInt64("MAX_IMAGE_SIZE"),
		MaxImagePixels:       v.GetInt64("MAX_IMAGE_PIXELS"),
		MaxPageSize:          v.GetInt64("MAX_PAGE_SIZE"),
		TessdataPrefix:       v.GetString("TESSDATA_PREFIX"),
		OCRLanguage:          v.GetString("OCR_LANGUAGE"),
		OCRAttemptDelay:      millis(v.GetInt("OCR_ATTEMPT_DELAY_MS")),
		AITextTimeout:        millis(v.GetInt("AI_TEXT_TIMEOUT_MS")),
		AIImageTimeout:       millis(v.GetInt("AI_IMAGE_TIMEOUT_MS")),
		AIMaxAttempts:        v.GetInt("AI_MAX_ATTEMPTS"),
		AIBackoffStep:        millis(v.GetInt("AI_BACKOFF_MS")),
		AIImageKeyMode:       strings.ToLower(v.GetString("AI_IMAGE_KEY_MODE")),
		FreeTranslationLimit: v.GetInt("FREE_TRANSLATION_LIMIT"),
		LogLevel:             v.GetString("LOG_LEVEL"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "pgx" {
		return fmt.Errorf("DATABASE_DRIVER must be postgres or pgx, got %q", c.DatabaseDriver)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeout < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT must be at least 1000ms, got %d", c.ProcessingTimeout)
	}

	if c.AIMaxAttempts < 1 || c.AIMaxAttempts > 10 {
		return fmt.Errorf("AI_MAX_ATTEMPTS must be between 1 and 10, got %d", c.AIMaxAttempts)
	}

	if c.AITextTimeout <= 0 || c.AIImageTimeout <= 0 {
		return fmt.Errorf("AI timeouts must be positive")
	}

	if c.AIImageKeyMode != "prefix" && c.AIImageKeyMode != "digest" {
		return fmt.Errorf("AI_IMAGE_KEY_MODE must be prefix or digest, got %q", c.AIImageKeyMode)
	}

	if c.FreeTranslationLimit < 1 {
		return fmt.Errorf("FREE_TRANSLATION_LIMIT must be positive, got %d", c.FreeTranslationLimit)
	}

	return nil
}

// RequireDatabase reports a descriptive error when DATABASE_URL is missing.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// RequireGemini reports a descriptive error when GEMINI_API_KEY is missing.
func (c *Config) RequireGemini() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	return nil
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
