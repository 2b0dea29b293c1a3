package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.DatabaseDriver != "postgres" {
		t.Errorf("DatabaseDriver = %q, want postgres", cfg.DatabaseDriver)
	}
	if cfg.OCRLanguage != "ara" {
		t.Errorf("OCRLanguage = %q, want ara", cfg.OCRLanguage)
	}
	if cfg.AIMaxAttempts != 3 {
		t.Errorf("AIMaxAttempts = %d, want 3", cfg.AIMaxAttempts)
	}
	if cfg.AITextTimeout != 20*time.Second || cfg.AIImageTimeout != 45*time.Second {
		t.Errorf("timeouts = %v/%v", cfg.AITextTimeout, cfg.AIImageTimeout)
	}
	if cfg.AITextTimeout >= cfg.AIImageTimeout {
		t.Errorf("text timeout must be shorter than image timeout")
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Errorf("CacheTTL = %v", cfg.CacheTTL)
	}
	if cfg.MaxImagePixels != 24_000_000 {
		t.Errorf("MaxImagePixels = %d", cfg.MaxImagePixels)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "pgx")
	t.Setenv("FREE_TRANSLATION_LIMIT", "3")
	t.Setenv("AI_BACKOFF_MS", "50")
	t.Setenv("AI_IMAGE_KEY_MODE", "DIGEST")
	t.Setenv("MAX_IMAGE_PIXELS", "1000000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.DatabaseDriver != "pgx" {
		t.Errorf("DatabaseDriver = %q", cfg.DatabaseDriver)
	}
	if cfg.FreeTranslationLimit != 3 {
		t.Errorf("FreeTranslationLimit = %d", cfg.FreeTranslationLimit)
	}
	if cfg.AIBackoffStep != 50*time.Millisecond {
		t.Errorf("AIBackoffStep = %v", cfg.AIBackoffStep)
	}
	if cfg.AIImageKeyMode != "digest" {
		t.Errorf("AIImageKeyMode = %q", cfg.AIImageKeyMode)
	}
	if cfg.MaxImagePixels != 1_000_000 {
		t.Errorf("MaxImagePixels = %d", cfg.MaxImagePixels)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"driver", map[string]string{"DATABASE_DRIVER": "mysql"}, "DATABASE_DRIVER"},
		{"concurrency", map[string]string{"WORKER_CONCURRENCY": "0"}, "WORKER_CONCURRENCY"},
		{"attempts", map[string]string{"AI_MAX_ATTEMPTS": "0"}, "AI_MAX_ATTEMPTS"},
		{"limit", map[string]string{"FREE_TRANSLATION_LIMIT": "0"}, "FREE_TRANSLATION_LIMIT"},
		{"key mode", map[string]string{"AI_IMAGE_KEY_MODE": "full"}, "AI_IMAGE_KEY_MODE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestRequireHelpers(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireDatabase(); err == nil {
		t.Error("RequireDatabase() should fail without DATABASE_URL")
	}
	if err := cfg.RequireGemini(); err == nil {
		t.Error("RequireGemini() should fail without GEMINI_API_KEY")
	}
}
