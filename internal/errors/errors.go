package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the dua extraction worker
 *
 * Every failure that leaves a pipeline stage is a *ProcessingError carrying
 * an ErrorCode. Callers branch on the code, never on message text.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Extraction errors
	ErrorPreprocessingUnavailable ErrorCode = "PREPROCESSING_UNAVAILABLE"
	ErrorUnsupportedFormat        ErrorCode = "UNSUPPORTED_FORMAT"
	ErrorEngineUnavailable        ErrorCode = "OCR_ENGINE_UNAVAILABLE"
	ErrorOCRFailed                ErrorCode = "OCR_FAILED"
	ErrorNoReliableText           ErrorCode = "NO_RELIABLE_TEXT"

	// Generative backend errors
	ErrorAITimeout            ErrorCode = "AI_TIMEOUT"
	ErrorAIRateLimited        ErrorCode = "AI_RATE_LIMITED"
	ErrorAIServiceUnavailable ErrorCode = "AI_SERVICE_UNAVAILABLE"
	ErrorAIMalformedResponse  ErrorCode = "AI_MALFORMED_RESPONSE"
	ErrorAIRequestFailed      ErrorCode = "AI_REQUEST_FAILED"

	// Quota errors
	ErrorQuotaCheckFailed   ErrorCode = "QUOTA_CHECK_FAILED"
	ErrorQuotaConsumeFailed ErrorCode = "QUOTA_CONSUME_FAILED"
	ErrorQuotaExceeded      ErrorCode = "TRANSLATION_LIMIT_REACHED"

	// Request / infrastructure errors
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorDatabaseFailed    ErrorCode = "DATABASE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retriable reports whether the pipeline retries this failure on its own.
// Only transient generative-backend failures qualify.
func (e *ProcessingError) Retriable() bool {
	switch e.Code {
	case ErrorAITimeout, ErrorAIServiceUnavailable:
		return true
	default:
		return false
	}
}

// UserMessage returns a short message suitable for showing to the end user.
func (e *ProcessingError) UserMessage() string {
	switch e.Code {
	case ErrorNoReliableText, ErrorUnsupportedFormat:
		return "Upload a clearer image to extract text, or enter the dua manually."
	case ErrorAIRateLimited:
		return "Translation service is busy right now. Please wait a moment and try again."
	case ErrorQuotaExceeded:
		return "You have reached your free monthly translation limit."
	case ErrorQuotaCheckFailed:
		return "Could not verify your translation allowance. Please try again shortly."
	case ErrorAITimeout, ErrorAIServiceUnavailable, ErrorAIMalformedResponse, ErrorAIRequestFailed:
		return "Could not translate right now. Please add the meaning manually."
	default:
		return "Something went wrong while processing the image."
	}
}

// WithJobID tags the error with the job it belongs to and returns it.
func (e *ProcessingError) WithJobID(jobID string) *ProcessingError {
	e.JobID = jobID
	return e
}

// New builds a ProcessingError with the given code.
func New(code ErrorCode, message string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// Factory functions for common errors

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewPreprocessingUnavailableError(variant string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPreprocessingUnavailable,
		Message:   fmt.Sprintf("Rendering surface unavailable for variant: %s", variant),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"variant": variant,
		},
		Cause: cause,
	}
}

func NewUnsupportedFormatError(mimeType string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorUnsupportedFormat,
		Message:   fmt.Sprintf("Unsupported image format: %s", mimeType),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"mime_type": mimeType,
		},
		Cause: cause,
	}
}

func NewEngineUnavailableError(cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEngineUnavailable,
		Message:   "OCR engine could not be initialized",
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewOCRFailedError(variant string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRFailed,
		Message:   fmt.Sprintf("OCR failed for variant: %s", variant),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"variant": variant,
		},
		Cause: cause,
	}
}

func NewNoReliableTextError(reason string, attempts int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorNoReliableText,
		Message:   fmt.Sprintf("Could not find clear Arabic text: %s", reason),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"attempts": attempts,
		},
	}
}

func NewAIError(code ErrorCode, operation string, attempts int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      code,
		Message:   fmt.Sprintf("Generative backend call failed: %s", operation),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"operation": operation,
			"attempts":  attempts,
		},
		Cause: cause,
	}
}

func NewQuotaExceededError(userID string, used, limit int) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQuotaExceeded,
		Message:   fmt.Sprintf("Monthly translation limit reached (%d/%d)", used, limit),
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"user_id": userID,
			"used":    used,
			"limit":   limit,
		},
	}
}

func NewQuotaCheckFailedError(userID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQuotaCheckFailed,
		Message:   "Failed to read translation usage",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"user_id": userID,
		},
		Cause: cause,
	}
}

func NewQuotaConsumeFailedError(userID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorQuotaConsumeFailed,
		Message:   "Failed to record translation usage",
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"user_id": userID,
		},
		Cause: cause,
	}
}

func NewInvalidInputError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// ToMap converts error to map for task results and logs
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.JobID != "" {
		result["job_id"] = e.JobID
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}

// CodeOf returns the code of the first ProcessingError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetriable reports whether err is a ProcessingError the pipeline retries.
func IsRetriable(err error) bool {
	var pe *ProcessingError
	if stderrors.As(err, &pe) {
		return pe.Retriable()
	}
	return false
}

// Is, As and Join mirror the standard library so callers need one import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// NewPlain returns a plain sentinel error.
func NewPlain(text string) error { return stderrors.New(text) }
