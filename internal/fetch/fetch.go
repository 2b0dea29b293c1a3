/**
 * Remote sources
 *
 * Downloads image URLs and dua web pages with bounded exponential backoff.
 * Client errors (4xx), invalid URLs and oversized bodies fail immediately
 * with INVALID_INPUT; network errors and 5xx responses are retried.
 */

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

// Config tunes the client. Zero fields take DefaultConfig values.
type Config struct {
	Attempts     int
	Timeout      time.Duration // per request
	InitialDelay time.Duration
	MaxDelay     time.Duration

	MaxPageBytes int64
	MaxPageRunes int // page text sent onwards is truncated to this
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		Attempts:     3,
		Timeout:      30 * time.Second,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		MaxPageBytes: 2 * 1024 * 1024,
		MaxPageRunes: 20000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = d.Attempts
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxPageBytes <= 0 {
		c.MaxPageBytes = d.MaxPageBytes
	}
	if c.MaxPageRunes <= 0 {
		c.MaxPageRunes = d.MaxPageRunes
	}
	return c
}

// Response is a downloaded body.
type Response struct {
	Body        []byte
	ContentType string
}

// Client downloads remote sources.
type Client struct {
	http   *http.Client
	config Config
	logger *logging.Logger
}

// New creates a client
func New(cfg Config, logger *logging.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logging.NewLogger("Fetch")
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		config: cfg,
		logger: logger,
	}
}

// ValidateURL accepts absolute http(s) URLs with a host.
func ValidateURL(raw, what string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.NewInvalidInputError(fmt.Sprintf("invalid %s URL: %v", what, err))
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", errors.NewInvalidInputError(fmt.Sprintf("invalid %s URL: %q is not an http(s) address", what, raw))
	}
	return u.String(), nil
}

// Get downloads rawURL. what names the resource in errors and logs ("image",
// "page"); limit caps the body size when positive.
func (c *Client) Get(ctx context.Context, rawURL, what string, limit int64) (*Response, error) {
	target, err := ValidateURL(rawURL, what)
	if err != nil {
		return nil, err
	}
	log := c.logger.With("url", target, "kind", what)

	resp, err := retry.DoWithData(
		func() (*Response, error) {
			return c.get(ctx, target, what, limit)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.config.Attempts)),
		retry.Delay(c.config.InitialDelay),
		retry.MaxDelay(c.config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Download attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.CodeOf(err) != "" {
			return nil, err
		}
		return nil, fmt.Errorf("failed to download %s after %d attempts: %w", what, c.config.Attempts, err)
	}

	log.Debug("Downloaded", "bytes", len(resp.Body))
	return resp, nil
}

func (c *Client) get(ctx context.Context, target, what string, limit int64) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, retry.Unrecoverable(errors.NewInvalidInputError(fmt.Sprintf("invalid %s URL: %v", what, err)))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, retry.Unrecoverable(errors.NewInvalidInputError(fmt.Sprintf("%s download failed: HTTP %d", what, resp.StatusCode)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	if limit > 0 && resp.ContentLength > limit {
		return nil, retry.Unrecoverable(errors.NewInvalidInputError(fmt.Sprintf("%s exceeds maximum size: %d > %d bytes", what, resp.ContentLength, limit)))
	}

	body := io.Reader(resp.Body)
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	buf, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(buf)) > limit {
		return nil, retry.Unrecoverable(errors.NewInvalidInputError(fmt.Sprintf("%s exceeds maximum size: more than %d bytes", what, limit)))
	}
	return &Response{Body: buf, ContentType: resp.Header.Get("Content-Type")}, nil
}
