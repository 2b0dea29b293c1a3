package ai

import (
	"context"
	"fmt"
)

// Generator is the generative backend boundary. Implementations return the
// raw text of the first candidate; HTTP-like failures should wrap a
// *StatusError so the client can classify them.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
}

// GenerateRequest is one structured-output generation call.
type GenerateRequest struct {
	Operation   Operation
	Prompt      string
	Image       *InlineImage
	Fields      []ResponseField
	Temperature float32
	Safety      []SafetySetting
}

// InlineImage is image data sent alongside the prompt.
type InlineImage struct {
	MIMEType string
	Data     []byte
}

// ResponseField is one required string property of the JSON response.
type ResponseField struct {
	Name        string
	Description string
}

// HarmCategory names a content-safety category.
type HarmCategory string

const (
	HarmHarassment       HarmCategory = "harassment"
	HarmHateSpeech       HarmCategory = "hate_speech"
	HarmSexuallyExplicit HarmCategory = "sexually_explicit"
	HarmDangerousContent HarmCategory = "dangerous_content"
)

// BlockThreshold is the severity at and above which the backend blocks.
type BlockThreshold string

const (
	BlockLowAndAbove    BlockThreshold = "low_and_above"
	BlockMediumAndAbove BlockThreshold = "medium_and_above"
	BlockOnlyHigh       BlockThreshold = "only_high"
)

// SafetySetting pairs a category with a threshold.
type SafetySetting struct {
	Category  HarmCategory
	Threshold BlockThreshold
}

// DefaultSafetySettings blocks low-and-above for every category.
func DefaultSafetySettings() []SafetySetting {
	return []SafetySetting{
		{Category: HarmHarassment, Threshold: BlockLowAndAbove},
		{Category: HarmHateSpeech, Threshold: BlockLowAndAbove},
		{Category: HarmSexuallyExplicit, Threshold: BlockLowAndAbove},
		{Category: HarmDangerousContent, Threshold: BlockLowAndAbove},
	}
}

// StatusError carries the backend's HTTP-like status code.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("generative backend status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("generative backend status %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }
