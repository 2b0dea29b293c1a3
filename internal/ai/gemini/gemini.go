/**
 * Gemini generator
 *
 * Implements ai.Generator with google/generative-ai-go. One client is shared
 * for the process; a GenerativeModel is configured per request since its
 * settings are mutable.
 */

package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/duavault/extract-worker/internal/ai"
	"github.com/duavault/extract-worker/internal/errors"
)

// Generator sends structured-output requests to Gemini.
type Generator struct {
	client *genai.Client
	model  string
}

var _ ai.Generator = (*Generator)(nil)

// New creates the Gemini client.
func New(ctx context.Context, apiKey, model string) (*Generator, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("gemini model name is empty")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Generator{client: cl, model: model}, nil
}

// Close releases the underlying connection.
func (g *Generator) Close() error {
	return g.client.Close()
}

// Generate implements ai.Generator.
func (g *Generator) Generate(ctx context.Context, req *ai.GenerateRequest) (string, error) {
	m := g.client.GenerativeModel(g.model)
	configure(m, req)

	parts := make([]genai.Part, 0, 2)
	if req.Image != nil {
		parts = append(parts, genai.Blob{MIMEType: req.Image.MIMEType, Data: req.Image.Data})
	}
	parts = append(parts, genai.Text(req.Prompt))

	resp, err := m.GenerateContent(ctx, parts...)
	if err != nil {
		return "", mapError(err)
	}
	txt := firstText(resp)
	if txt == "" {
		return "", ai.ErrEmptyResponse
	}
	return txt, nil
}

func configure(m *genai.GenerativeModel, req *ai.GenerateRequest) {
	temperature := req.Temperature
	m.GenerationConfig = genai.GenerationConfig{
		Temperature:      &temperature,
		ResponseMIMEType: "application/json",
		ResponseSchema:   responseSchema(req.Fields),
	}
	m.SafetySettings = safetySettings(req.Safety)
}

func responseSchema(fields []ai.ResponseField) *genai.Schema {
	props := make(map[string]*genai.Schema, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = &genai.Schema{Type: genai.TypeString, Description: f.Description}
		required = append(required, f.Name)
	}
	return &genai.Schema{
		Type:       genai.TypeObject,
		Properties: props,
		Required:   required,
	}
}

func safetySettings(settings []ai.SafetySetting) []*genai.SafetySetting {
	out := make([]*genai.SafetySetting, 0, len(settings))
	for _, s := range settings {
		category, ok := harmCategories[s.Category]
		if !ok {
			continue
		}
		out = append(out, &genai.SafetySetting{Category: category, Threshold: threshold(s.Threshold)})
	}
	return out
}

var harmCategories = map[ai.HarmCategory]genai.HarmCategory{
	ai.HarmHarassment:       genai.HarmCategoryHarassment,
	ai.HarmHateSpeech:       genai.HarmCategoryHateSpeech,
	ai.HarmSexuallyExplicit: genai.HarmCategorySexuallyExplicit,
	ai.HarmDangerousContent: genai.HarmCategoryDangerousContent,
}

func threshold(t ai.BlockThreshold) genai.HarmBlockThreshold {
	switch t {
	case ai.BlockMediumAndAbove:
		return genai.HarmBlockMediumAndAbove
	case ai.BlockOnlyHigh:
		return genai.HarmBlockOnlyHigh
	default:
		return genai.HarmBlockLowAndAbove
	}
}

// mapError attaches an HTTP-like status to backend failures so the client can
// classify them.
func mapError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return fmt.Errorf("%w: %v", ai.ErrResponseBlocked, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &ai.StatusError{StatusCode: gerr.Code, Message: gerr.Message, Err: err}
	}

	if st, ok := status.FromError(err); ok {
		if code := httpStatus(st.Code()); code != 0 {
			return &ai.StatusError{StatusCode: code, Message: st.Message(), Err: err}
		}
	}
	return err
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Internal:
		return http.StatusInternalServerError
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return 0
	}
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
