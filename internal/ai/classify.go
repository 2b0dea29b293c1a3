package ai

import (
	"context"
	"net/http"
	"strings"

	"github.com/duavault/extract-worker/internal/errors"
)

// ErrResponseBlocked is returned by generators when the safety policy
// suppressed the answer. It is classified as a malformed response.
var ErrResponseBlocked = errors.NewPlain("response blocked by safety policy")

// ErrEmptyResponse is returned by generators when no text candidate came back.
var ErrEmptyResponse = errors.NewPlain("empty response")

var (
	rateLimitSignals   = []string{"too many requests", "resource exhausted", "resource_exhausted", "rate limit"}
	unavailableSignals = []string{"service unavailable", "overloaded", "unavailable", "bad gateway", "internal server error"}
	timeoutSignals     = []string{"deadline exceeded", "timed out", "timeout", "gateway timeout"}
)

// classify maps a generator error onto the AI error taxonomy. Rate limiting is
// checked before the retriable signals so a throttled call is never retried.
func classify(op Operation, err error) *errors.ProcessingError {
	code := classifyCode(err)
	return errors.NewAIError(code, string(op), 1, err)
}

func classifyCode(err error) errors.ErrorCode {
	if errors.Is(err, ErrResponseBlocked) || errors.Is(err, ErrEmptyResponse) {
		return errors.ErrorAIMalformedResponse
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.ErrorAITimeout
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusTooManyRequests:
			return errors.ErrorAIRateLimited
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return errors.ErrorAIServiceUnavailable
		case http.StatusGatewayTimeout, http.StatusRequestTimeout:
			return errors.ErrorAITimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, rateLimitSignals):
		return errors.ErrorAIRateLimited
	case containsAny(msg, timeoutSignals):
		return errors.ErrorAITimeout
	case containsAny(msg, unavailableSignals):
		return errors.ErrorAIServiceUnavailable
	}
	return errors.ErrorAIRequestFailed
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
