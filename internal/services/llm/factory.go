package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// ProviderFactory resolves the generation provider for a catalog model.
// Every provider it hands out retries transient failures per RetryConfig.
type ProviderFactory struct {
	providers       map[models.ProviderName]interfaces.GenerationProvider
	defaultProvider models.ProviderName
	logger          arbor.ILogger
}

var _ interfaces.ProviderResolver = (*ProviderFactory)(nil)

// NewProviderFactory creates the factory with the Gemini and Claude providers
func NewProviderFactory(config *common.Config, logger arbor.ILogger) *ProviderFactory {
	retry := NewRetryConfig(config.Retry)
	f := NewProviderFactoryWith(retry, logger,
		NewGeminiService(&config.Gemini, logger),
		NewClaudeService(&config.Claude, logger),
	)
	if p, err := models.ParseProviderName(string(config.LLM.DefaultProvider)); err == nil {
		f.defaultProvider = p
	}
	return f
}

// NewProviderFactoryWith builds a factory over explicit providers
func NewProviderFactoryWith(retry *RetryConfig, logger arbor.ILogger, providers ...interfaces.GenerationProvider) *ProviderFactory {
	f := &ProviderFactory{
		providers:       make(map[models.ProviderName]interfaces.GenerationProvider),
		defaultProvider: models.ProviderGoogle,
		logger:          logger,
	}
	for _, p := range providers {
		f.providers[p.Name()] = &retryingProvider{inner: p, retry: retry, logger: logger}
	}
	return f
}

// ProviderFor returns the provider named by the model, or the provider
// detected from the model name when the catalog leaves it empty.
func (f *ProviderFactory) ProviderFor(model *models.Model) (interfaces.GenerationProvider, error) {
	if model == nil {
		return nil, common.Validationf("model is required")
	}
	name := model.Provider
	if name == "" {
		name = f.DetectProvider(model.Name)
	}
	p, ok := f.providers[name]
	if !ok {
		return nil, common.Validationf("no provider %q for model %s", name, model.Name)
	}
	return p, nil
}

// DetectProvider determines the provider from a model string.
// Model strings can be:
// - "claude-sonnet-4-20250514" or "anthropic/claude-..." -> anthropic
// - "gemini-2.5-flash" or "google/gemini-..." -> google
// - anything else -> the configured default provider
func (f *ProviderFactory) DetectProvider(model string) models.ProviderName {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude/"), strings.HasPrefix(model, "anthropic/"), strings.HasPrefix(model, "claude-"):
		return models.ProviderAnthropic
	case strings.HasPrefix(model, "gemini/"), strings.HasPrefix(model, "google/"), strings.HasPrefix(model, "gemini-"):
		return models.ProviderGoogle
	default:
		return f.defaultProvider
	}
}

// NormalizeModel removes a provider prefix from a model name if present
func NormalizeModel(model string) string {
	prefixes := []string{"claude/", "anthropic/", "gemini/", "google/"}
	for _, prefix := range prefixes {
		if strings.HasPrefix(strings.ToLower(model), prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// retryingProvider applies RetryConfig around every upstream call
type retryingProvider struct {
	inner  interfaces.GenerationProvider
	retry  *RetryConfig
	logger arbor.ILogger
}

func (p *retryingProvider) Name() models.ProviderName {
	return p.inner.Name()
}

func (p *retryingProvider) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	var count int
	err := p.retry.Do(ctx, p.logger, fmt.Sprintf("%s count tokens", p.inner.Name()), func() error {
		var err error
		count, err = p.inner.CountTokens(ctx, apiKey, NormalizeModel(model), text)
		return err
	})
	return count, err
}

func (p *retryingProvider) Generate(ctx context.Context, apiKey string, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	req := *request
	req.Model = NormalizeModel(req.Model)

	var result *interfaces.GenerateResult
	err := p.retry.Do(ctx, p.logger, fmt.Sprintf("%s generate", p.inner.Name()), func() error {
		var err error
		result, err = p.inner.Generate(ctx, apiKey, &req)
		return err
	})
	return result, err
}
