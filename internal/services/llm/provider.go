package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
)

// instructionSuffix closes every row request
const instructionSuffix = "Please analyze the data according to the prompt. Provide a concise, insightful analysis."

// buildInput renders the single user turn sent for one row
func buildInput(request *interfaces.GenerateRequest) string {
	var b strings.Builder
	b.WriteString("PROMPT: ")
	b.WriteString(request.Prompt)
	b.WriteString("\n\nDATA: ")
	b.WriteString(request.Data)
	b.WriteString("\n\n")
	b.WriteString(instructionSuffix)
	return b.String()
}

// clamp bounds a sampling parameter to the provider's accepted range
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// statusCodeRegex finds an HTTP status in upstream error text
// ("Error 429, Message: ..." from genai, "429 Too Many Requests" from anthropic)
var statusCodeRegex = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// transientMarkers are upstream statuses that succeed on a later attempt
var transientMarkers = []string{
	"RESOURCE_EXHAUSTED",
	"UNAVAILABLE",
	"DEADLINE_EXCEEDED",
	"INTERNAL",
	"overloaded",
	"rate_limit",
	"timeout",
	"connection reset",
	"EOF",
}

// fatalMarkers identify a credential or model that no request can use,
// whatever status code carries them (Gemini reports a bad key as a 400)
var fatalMarkers = []string{
	"API key not valid",
	"API_KEY_INVALID",
	"invalid x-api-key",
	"invalid api key",
	"authentication_error",
	"permission_error",
	"PERMISSION_DENIED",
	"UNAUTHENTICATED",
	"model not found",
	"not_found_error",
	"is not found for API version",
}

// classifyError wraps err in a *common.ProviderError. Rate limits, 5xx,
// timeouts and dropped connections are retryable. A bad credential or an
// unknown model (401, 403, 404) is fatal. Any other refusal rejects only
// the request that caused it.
func classifyError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *common.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isFatal(err) {
		return &common.ProviderError{Provider: provider, Fatal: true, Err: err}
	}
	return &common.ProviderError{
		Provider:  provider,
		Retryable: isTransient(err),
		Err:       err,
	}
}

func isFatal(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if statusFatal(apiErr.StatusCode) {
			return true
		}
	} else if code, ok := statusCode(err.Error()); ok && statusFatal(code) {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(text, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

func statusFatal(code int) bool {
	return code == 401 || code == 403 || code == 404
}

func statusCode(text string) (int, bool) {
	m := statusCodeRegex.FindStringSubmatch(text)
	if len(m) != 2 {
		return 0, false
	}
	var code int
	if _, err := fmt.Sscanf(m[1], "%d", &code); err != nil {
		return 0, false
	}
	return code, true
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return statusRetryable(apiErr.StatusCode)
	}

	if IsRateLimitError(err) {
		return true
	}

	text := err.Error()
	if code, ok := statusCode(text); ok {
		return statusRetryable(code)
	}
	for _, marker := range transientMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

func statusRetryable(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
