package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duavault/extract-worker/internal/errors"
	"github.com/duavault/extract-worker/internal/logging"
)

const dua = "بسم الله الرحمن الرحيم"

// scriptedGenerator returns one scripted step per call and repeats the last
// step once the script is exhausted.
type scriptedGenerator struct {
	mu       sync.Mutex
	steps    []step
	requests []*GenerateRequest
}

type step struct {
	content string
	err     error
	hang    bool // block until the call context ends
}

func (g *scriptedGenerator) Generate(ctx context.Context, req *GenerateRequest) (string, error) {
	g.mu.Lock()
	idx := len(g.requests)
	g.requests = append(g.requests, req)
	s := g.steps[len(g.steps)-1]
	if idx < len(g.steps) {
		s = g.steps[idx]
	}
	g.mu.Unlock()

	if s.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.content, s.err
}

func (g *scriptedGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func ok(content string) step { return step{content: content} }

func status(code int) step { return step{err: &StatusError{StatusCode: code}} }

func translation(category string) string {
	return fmt.Sprintf(`{"arabic":%q,"translation":"In the name of God, the Most Gracious, the Most Merciful","category":%q}`, dua, category)
}

func testClient(t *testing.T, gen Generator) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BackoffStep = time.Millisecond
	c, err := NewClient(gen, NewMemoryCache(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestTranslateIsCachedAfterSuccess(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(translation("Protection"))}}
	c := testClient(t, gen)
	ctx := context.Background()

	first, err := c.TranslateAndCategorize(ctx, dua)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := c.TranslateAndCategorize(ctx, "  "+dua+"\n")
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}

	if gen.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.calls())
	}
	if first.CacheHit || !second.CacheHit {
		t.Errorf("cache hits = %v, %v; want false, true", first.CacheHit, second.CacheHit)
	}
	if first.NormalizedRecord != second.NormalizedRecord {
		t.Errorf("records differ: %+v vs %+v", first.NormalizedRecord, second.NormalizedRecord)
	}
	if first.Category != CategoryProtection || first.Attempts != 1 || second.Attempts != 0 {
		t.Errorf("first = %+v, second = %+v", first, second)
	}
}

func TestRateLimitIsNotRetried(t *testing.T) {
	tests := map[string]step{
		"status 429":         status(http.StatusTooManyRequests),
		"resource exhausted": {err: fmt.Errorf("rpc error: code = ResourceExhausted desc = Resource exhausted")},
		"too many requests":  {err: fmt.Errorf("Too Many Requests")},
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			gen := &scriptedGenerator{steps: []step{s}}
			_, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
			if !errors.HasCode(err, errors.ErrorAIRateLimited) {
				t.Fatalf("error = %v, want AI_RATE_LIMITED", err)
			}
			if gen.calls() != 1 {
				t.Errorf("backend calls = %d, want 1", gen.calls())
			}
		})
	}
}

func TestUnavailableIsRetriedToCeiling(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{status(http.StatusServiceUnavailable)}}
	c := testClient(t, gen)

	_, err := c.TranslateAndCategorize(context.Background(), dua)
	if !errors.HasCode(err, errors.ErrorAIServiceUnavailable) {
		t.Fatalf("error = %v, want AI_SERVICE_UNAVAILABLE", err)
	}
	if gen.calls() != 3 {
		t.Errorf("backend calls = %d, want 3", gen.calls())
	}

	var pe *errors.ProcessingError
	if errors.As(err, &pe) && pe.Details["attempts"] != 3 {
		t.Errorf("attempts detail = %v, want 3", pe.Details["attempts"])
	}

	// Nothing was cached: a later success still hits the backend.
	gen.steps = []step{ok(translation("General"))}
	res, err := c.TranslateAndCategorize(context.Background(), dua)
	if err != nil || res.CacheHit {
		t.Fatalf("after failure: res = %+v, err = %v", res, err)
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{
		status(http.StatusBadGateway),
		{err: fmt.Errorf("model is overloaded")},
		ok(translation("Travel")),
	}}
	res, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Attempts != 3 || res.Category != CategoryTravel {
		t.Errorf("res = %+v", res)
	}
}

func TestOwnTimeoutIsRetriedAndReported(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{{hang: true}}}
	cfg := DefaultConfig()
	cfg.TextTimeout = 10 * time.Millisecond
	cfg.BackoffStep = time.Millisecond
	c, err := NewClient(gen, nil, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	_, err = c.TranslateAndCategorize(context.Background(), dua)
	if !errors.HasCode(err, errors.ErrorAITimeout) {
		t.Fatalf("error = %v, want AI_TIMEOUT", err)
	}
	if gen.calls() != 3 {
		t.Errorf("backend calls = %d, want 3", gen.calls())
	}
}

func TestCallerCancellationIsNotRetried(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{{hang: true}}}
	c := testClient(t, gen)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.TranslateAndCategorize(ctx, dua)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if gen.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.calls())
	}
	if _, hit := c.cache.Get(context.Background(), textKey(OpTranslate, dua)); hit {
		t.Errorf("abandoned request wrote to the cache")
	}
}

func TestMalformedResponses(t *testing.T) {
	tests := map[string]step{
		"not json":         ok("Here is your dua!"),
		"missing field":    ok(`{"arabic":"بسم الله","category":"General"}`),
		"wrong type":       ok(`{"arabic":"بسم الله","translation":42,"category":"General"}`),
		"blocked":          {err: fmt.Errorf("generate: %w", ErrResponseBlocked)},
		"empty candidates": {err: ErrEmptyResponse},
	}
	for name, s := range tests {
		t.Run(name, func(t *testing.T) {
			gen := &scriptedGenerator{steps: []step{s}}
			_, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
			if !errors.HasCode(err, errors.ErrorAIMalformedResponse) {
				t.Fatalf("error = %v, want AI_MALFORMED_RESPONSE", err)
			}
			if gen.calls() != 1 {
				t.Errorf("backend calls = %d, want 1", gen.calls())
			}
		})
	}
}

func TestUnknownErrorFailsWithoutRetry(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{status(http.StatusBadRequest)}}
	_, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
	if !errors.HasCode(err, errors.ErrorAIRequestFailed) {
		t.Fatalf("error = %v, want AI_REQUEST_FAILED", err)
	}
	if gen.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.calls())
	}
}

func TestCategoryCoercion(t *testing.T) {
	tests := []struct {
		in   string
		want Category
	}{
		{"Protection", CategoryProtection},
		{"morning/evening", CategoryMorningEvening},
		{" gratitude ", CategoryGratitude},
		{"Forgiveness", CategoryGeneral},
		{"", CategoryGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			gen := &scriptedGenerator{steps: []step{ok(translation(tt.in))}}
			res, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if res.Category != tt.want {
				t.Errorf("category = %q, want %q", res.Category, tt.want)
			}
		})
	}
}

func TestCodeFencedResponseAccepted(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok("```json\n" + translation("Sleep") + "\n```")}}
	res, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Category != CategorySleep || res.Arabic != dua {
		t.Errorf("res = %+v", res)
	}
}

func TestRequestsDeclareSafetyPolicy(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(translation("General"))}}
	if _, err := testClient(t, gen).TranslateAndCategorize(context.Background(), dua); err != nil {
		t.Fatalf("error = %v", err)
	}
	req := gen.requests[0]
	if len(req.Safety) != 4 {
		t.Fatalf("safety settings = %d, want 4", len(req.Safety))
	}
	for _, s := range req.Safety {
		if s.Threshold != BlockLowAndAbove {
			t.Errorf("%s threshold = %s", s.Category, s.Threshold)
		}
	}
	if len(req.Fields) != 3 || !strings.Contains(req.Prompt, dua) {
		t.Errorf("request = %+v", req)
	}
}

func TestCleanup(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(`{"arabic":"سبحان الله وبحمده"}`)}}
	c := testClient(t, gen)

	res, err := c.CleanupOCRArtifacts(context.Background(), "سبحان اللـه و بحمده")
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Arabic != "سبحان الله وبحمده" || res.Translation != "" || res.Category != "" {
		t.Errorf("res = %+v", res)
	}
	if gen.requests[0].Operation != OpCleanup || len(gen.requests[0].Fields) != 1 {
		t.Errorf("request = %+v", gen.requests[0])
	}

	// Cleanup and translate never share cache entries.
	if _, hit := c.cache.Get(context.Background(), textKey(OpTranslate, "سبحان اللـه و بحمده")); hit {
		t.Errorf("cleanup result leaked into the translate key space")
	}
}

func TestInputWithoutArabicIsRejected(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(translation("General"))}}
	_, err := testClient(t, gen).TranslateAndCategorize(context.Background(), "hello")
	if !errors.HasCode(err, errors.ErrorInvalidInput) {
		t.Fatalf("error = %v, want INVALID_INPUT", err)
	}
	if gen.calls() != 0 {
		t.Errorf("backend was called")
	}
}

func TestImageEscalatesPrompts(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{
		ok(`{"arabic":"","translation":"","category":"General"}`),
		ok(`{"arabic":"Bismillah","translation":"","category":"General"}`),
		ok(translation("Food")),
	}}
	c := testClient(t, gen)
	img := []byte("\xff\xd8\xff fake jpeg payload")

	res, err := c.ExtractFromImage(context.Background(), img, "image/jpeg", true)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Arabic != dua || res.Category != CategoryFood || res.Attempts != 3 {
		t.Errorf("res = %+v", res)
	}

	prompts := map[string]bool{}
	for _, r := range gen.requests {
		if r.Image == nil || r.Image.MIMEType != "image/jpeg" {
			t.Errorf("request without inline image: %+v", r)
		}
		prompts[r.Prompt] = true
	}
	if len(prompts) != 3 {
		t.Errorf("distinct prompts = %d, want 3", len(prompts))
	}

	again, err := c.ExtractFromImage(context.Background(), img, "image/jpeg", true)
	if err != nil || !again.CacheHit {
		t.Fatalf("second call: res = %+v, err = %v", again, err)
	}
	if gen.calls() != 3 {
		t.Errorf("backend calls = %d, want 3", gen.calls())
	}
}

func TestImageExhaustionIsNoReliableText(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(`{"arabic":"الله","category":"General"}`)}}
	c := testClient(t, gen)
	img := []byte("png-ish bytes")

	_, err := c.ExtractFromImage(context.Background(), img, "image/png", false)
	if !errors.HasCode(err, errors.ErrorNoReliableText) {
		t.Fatalf("error = %v, want NO_RELIABLE_TEXT", err)
	}
	if gen.calls() != 3 {
		t.Errorf("backend calls = %d, want 3", gen.calls())
	}
	if c.cache.(*MemoryCache).Len() != 0 {
		t.Errorf("failed extraction was cached")
	}
}

func TestImageRateLimitStopsEscalation(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{status(http.StatusTooManyRequests)}}
	_, err := testClient(t, gen).ExtractFromImage(context.Background(), []byte("img"), "", false)
	if !errors.HasCode(err, errors.ErrorAIRateLimited) {
		t.Fatalf("error = %v, want AI_RATE_LIMITED", err)
	}
	if gen.calls() != 1 {
		t.Errorf("backend calls = %d, want 1", gen.calls())
	}
}

func TestImageTranslationFlagSelectsSchema(t *testing.T) {
	gen := &scriptedGenerator{steps: []step{ok(fmt.Sprintf(`{"arabic":%q,"category":"Sleep"}`, dua))}}
	res, err := testClient(t, gen).ExtractFromImage(context.Background(), []byte("img"), "image/png", false)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if res.Translation != "" || res.Category != CategorySleep {
		t.Errorf("res = %+v", res)
	}
	if gen.requests[0].Operation != OpImage || len(gen.requests[0].Fields) != 2 {
		t.Errorf("request = %+v", gen.requests[0])
	}
}

// staticPages serves page text from a map and counts fetches.
type staticPages struct {
	mu      sync.Mutex
	pages   map[string]string
	fetches int
}

func (s *staticPages) PageText(ctx context.Context, pageURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	text, ok := s.pages[pageURL]
	if !ok {
		return "", errors.NewInvalidInputError("page download failed: HTTP 404")
	}
	return text, nil
}

func pageClient(t *testing.T, gen Generator, pages PageSource) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BackoffStep = time.Millisecond
	cfg.Pages = pages
	c, err := NewClient(gen, NewMemoryCache(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestExtractFromURL(t *testing.T) {
	const link = "https://duas.example/bismillah"
	pages := &staticPages{pages: map[string]string{link: "Duas for every day\n" + dua + "\nShare this page"}}
	gen := &scriptedGenerator{steps: []step{ok(translation("General"))}}
	c := pageClient(t, gen, pages)

	res, err := c.ExtractFromURL(context.Background(), "  "+link+" ", true)
	if err != nil {
		t.Fatalf("ExtractFromURL() error = %v", err)
	}
	if res.Arabic != dua || res.Translation == "" || res.CacheHit {
		t.Errorf("res = %+v", res)
	}

	req := gen.requests[0]
	if req.Operation != OpPageTranslate || req.Image != nil || len(req.Fields) != 3 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Prompt, link) || !strings.Contains(req.Prompt, dua) {
		t.Errorf("prompt does not carry the URL and page text: %q", req.Prompt)
	}
	if req.Temperature != 0.2 || len(req.Safety) != 4 {
		t.Errorf("temperature = %v, safety = %d", req.Temperature, len(req.Safety))
	}

	again, err := c.ExtractFromURL(context.Background(), link, true)
	if err != nil || !again.CacheHit {
		t.Fatalf("second call: res = %+v, err = %v", again, err)
	}
	if gen.calls() != 1 || pages.fetches != 1 {
		t.Errorf("backend calls = %d, fetches = %d, want 1 and 1", gen.calls(), pages.fetches)
	}
}

func TestExtractFromURLTextOnlySchema(t *testing.T) {
	const link = "https://duas.example/sleep"
	pages := &staticPages{pages: map[string]string{link: dua}}
	gen := &scriptedGenerator{steps: []step{ok(fmt.Sprintf(`{"arabic":%q,"category":"Sleep"}`, dua))}}

	res, err := pageClient(t, gen, pages).ExtractFromURL(context.Background(), link, false)
	if err != nil {
		t.Fatalf("ExtractFromURL() error = %v", err)
	}
	if res.Category != CategorySleep || res.Translation != "" {
		t.Errorf("res = %+v", res)
	}
	if gen.requests[0].Operation != OpPage || len(gen.requests[0].Fields) != 2 {
		t.Errorf("request = %+v", gen.requests[0])
	}
}

func TestExtractFromURLFailures(t *testing.T) {
	pages := &staticPages{pages: map[string]string{
		"https://duas.example/english": "Morning remembrance, in English only",
		"https://duas.example/short":   dua,
	}}

	tests := []struct {
		name  string
		url   string
		steps []step
		code  errors.ErrorCode
		calls int
	}{
		{"not a web address", "file:///etc/passwd", nil, errors.ErrorInvalidInput, 0},
		{"page not found", "https://duas.example/missing", nil, errors.ErrorInvalidInput, 0},
		{"page without Arabic", "https://duas.example/english", nil, errors.ErrorNoReliableText, 0},
		{"no dua in the answer", "https://duas.example/short", []step{ok(`{"arabic":"الله","category":"General"}`)}, errors.ErrorNoReliableText, 1},
		{"rate limited", "https://duas.example/short", []step{status(http.StatusTooManyRequests)}, errors.ErrorAIRateLimited, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			steps := tc.steps
			if steps == nil {
				steps = []step{ok(translation("General"))}
			}
			gen := &scriptedGenerator{steps: steps}
			c := pageClient(t, gen, pages)

			_, err := c.ExtractFromURL(context.Background(), tc.url, false)
			if !errors.HasCode(err, tc.code) {
				t.Fatalf("error = %v, want %s", err, tc.code)
			}
			if gen.calls() != tc.calls {
				t.Errorf("backend calls = %d, want %d", gen.calls(), tc.calls)
			}
			if c.cache.(*MemoryCache).Len() != 0 {
				t.Errorf("failure was cached")
			}
		})
	}
}
