package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/duavault/extract-worker/internal/processor"
	"github.com/duavault/extract-worker/internal/quota"
)

// TypeExtract is the task type handled by the worker.
const TypeExtract = "dua:extract"

// ExtractPayload is the JSON body of a dua:extract task
type ExtractPayload struct {
	JobID           string `json:"jobId"`
	UserID          string `json:"userId,omitempty"`
	Premium         bool   `json:"premium,omitempty"`
	ImageURL        string `json:"imageUrl,omitempty"`
	ImageBuffer     []byte `json:"imageBuffer,omitempty"` // base64 on the wire
	MimeType        string `json:"mimeType,omitempty"`
	PageURL         string `json:"pageUrl,omitempty"`
	Translate       bool   `json:"translate,omitempty"`
	AllowAIFallback bool   `json:"allowAiFallback,omitempty"`
	SkipCleanup     bool   `json:"skipCleanup,omitempty"`
}

// UnmarshalJSON accepts imageBuffer either as a base64 string or as a
// Node.js Buffer object ({"type":"Buffer","data":[...]}).
func (p *ExtractPayload) UnmarshalJSON(data []byte) error {
	type Alias ExtractPayload
	aux := &struct {
		ImageBuffer interface{} `json:"imageBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal extract payload: %w", err)
	}

	switch v := aux.ImageBuffer.(type) {
	case nil:
		p.ImageBuffer = nil
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 imageBuffer: %w", err)
		}
		p.ImageBuffer = decoded
	case map[string]interface{}:
		if t, _ := v["type"].(string); t != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		arr, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		buf := make([]byte, len(arr))
		for i, val := range arr {
			b, ok := val.(float64)
			if !ok || b < 0 || b > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			buf[i] = byte(b)
		}
		p.ImageBuffer = buf
	default:
		return fmt.Errorf("imageBuffer must be either base64 string or Buffer object, got %T", v)
	}
	return nil
}

// Validate reports payloads that can never succeed.
func (p *ExtractPayload) Validate() error {
	if p.JobID == "" {
		return fmt.Errorf("jobId is required")
	}
	hasImage := len(p.ImageBuffer) > 0 || p.ImageURL != ""
	if !hasImage && p.PageURL == "" {
		return fmt.Errorf("imageBuffer, imageUrl or pageUrl is required")
	}
	if hasImage && p.PageURL != "" {
		return fmt.Errorf("pageUrl cannot be combined with an image")
	}
	if p.Translate && p.UserID == "" && !p.Premium {
		return fmt.Errorf("userId is required for translation")
	}
	return nil
}

// Request converts the payload into a processor request.
func (p *ExtractPayload) Request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:           p.JobID,
		Subject:         quota.Subject{UserID: p.UserID, Premium: p.Premium},
		ImageBuffer:     p.ImageBuffer,
		ImageURL:        p.ImageURL,
		MimeType:        p.MimeType,
		PageURL:         p.PageURL,
		Translate:       p.Translate,
		AllowAIFallback: p.AllowAIFallback,
		SkipCleanup:     p.SkipCleanup,
	}
}

// NewExtractTask builds a task whose ID is the job ID, so a job is enqueued
// at most once while it is retained.
func NewExtractTask(p *ExtractPayload, opts ...asynq.Option) (*asynq.Task, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extract payload: %w", err)
	}
	opts = append([]asynq.Option{asynq.TaskID(p.JobID)}, opts...)
	return asynq.NewTask(TypeExtract, body, opts...), nil
}
