package common

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the pipeline. Callers classify with errors.Is.
var (
	// ErrValidation marks bad or missing caller input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing entity or an entity owned by another user.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded marks an estimate above the model token ceiling.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrProvider marks a transient upstream failure. Retryable.
	ErrProvider = errors.New("provider error")

	// ErrProviderFatal marks a non-retryable upstream failure (bad credential, unknown model).
	ErrProviderFatal = errors.New("provider fatal error")

	// ErrProviderRejected marks a request the provider refused for its own
	// content (oversized input, blocked content). Not retried, and other
	// requests with the same credential and model may still succeed.
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrPersistence marks a storage failure.
	ErrPersistence = errors.New("persistence error")

	// ErrQueueUnavailable marks a task queue that could not accept work.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrCancelled marks work stopped by a cancellation request.
	ErrCancelled = errors.New("cancelled")
)

// Validationf returns an ErrValidation wrapped with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an ErrNotFound wrapped with a formatted reason.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Persistence wraps a storage error so callers can match ErrPersistence
// while keeping the underlying cause reachable.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// QuotaKind names the ceiling an estimate exceeded.
type QuotaKind string

const (
	QuotaKindOutput QuotaKind = "output"
	QuotaKindInput  QuotaKind = "input"
)

// QuotaExceededError carries the totals that broke a model ceiling.
type QuotaExceededError struct {
	Kind         QuotaKind
	InputTokens  int
	OutputTokens int
	Limit        int
}

func (e *QuotaExceededError) Error() string {
	switch e.Kind {
	case QuotaKindInput:
		return fmt.Sprintf("quota exceeded: %d input tokens per row exceeds model limit of %d", e.InputTokens, e.Limit)
	default:
		return fmt.Sprintf("quota exceeded: %d output tokens (from %d input tokens) exceeds model limit of %d; reduce verbosity",
			e.OutputTokens, e.InputTokens, e.Limit)
	}
}

// Is lets errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// ProviderError wraps an upstream failure with its classification. A
// failure that is neither Retryable nor Fatal is a rejection of that one
// request.
type ProviderError struct {
	Provider  string
	Retryable bool
	Fatal     bool // the credential or model is unusable
	Err       error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Retryable:
		return fmt.Sprintf("%s provider error: %v", e.Provider, e.Err)
	case e.Fatal:
		return fmt.Sprintf("%s provider fatal error: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s provider rejected request: %v", e.Provider, e.Err)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches ErrProvider for retryable failures, ErrProviderFatal for fatal
// ones and ErrProviderRejected otherwise.
func (e *ProviderError) Is(target error) bool {
	switch {
	case e.Retryable:
		return target == ErrProvider
	case e.Fatal:
		return target == ErrProviderFatal
	default:
		return target == ErrProviderRejected
	}
}

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}
