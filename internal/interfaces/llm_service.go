package interfaces

import (
	"context"

	"github.com/ternarybob/tablemind/internal/models"
)

// GenerateRequest is one provider-agnostic generation call
type GenerateRequest struct {
	// Model is the provider model name
	Model string

	// Prompt is the user's instruction
	Prompt string

	// Data is the serialized row or cell the prompt applies to
	Data string

	// Temperature and TopP come from the job's verbosity
	Temperature float64
	TopP        float64

	// MaxOutputTokens bounds the response length
	MaxOutputTokens int
}

// GenerateResult carries the generated text and the token usage reported upstream
type GenerateResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// GenerationProvider is the narrow surface the pipeline needs from an LLM API.
// Implementations classify failures by returning *common.ProviderError:
// transient failures (rate limits, 5xx, timeouts) are retryable, bad
// credentials and unknown models are not.
type GenerationProvider interface {
	// CountTokens returns the number of input tokens text costs on model.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - apiKey: Plaintext provider credential
	//   - model: Model (encoder) name used for counting
	//   - text: Content to count
	//
	// Returns:
	//   - int: Token count
	//   - error: *common.ProviderError on upstream failure
	CountTokens(ctx context.Context, apiKey, model, text string) (int, error)

	// Generate produces the model's response to one row.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - apiKey: Plaintext provider credential
	//   - request: Prompt, data and sampling parameters
	//
	// Returns:
	//   - *GenerateResult: Response text and usage
	//   - error: *common.ProviderError on upstream failure
	Generate(ctx context.Context, apiKey string, request *GenerateRequest) (*GenerateResult, error)

	// Name identifies the provider in logs
	Name() models.ProviderName
}

// ProviderResolver picks the provider for a catalog model
type ProviderResolver interface {
	ProviderFor(model *models.Model) (GenerationProvider, error)
}

// CredentialUsage is what one lease consumed, persisted on release
type CredentialUsage struct {
	Requests int64
	Tokens   int64
}

// Credential is a leased provider API key
type Credential interface {
	KeyID() string
	APIKey() string

	// Wait blocks until the key's rate limit admits one more request
	Wait(ctx context.Context) error

	// Release returns the key to its pool and records usage
	Release(ctx context.Context, usage CredentialUsage) error
}

// CredentialProvider leases keys for a model, shared across jobs
type CredentialProvider interface {
	Acquire(ctx context.Context, model *models.Model) (Credential, error)
}
