package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

var interfacesRequest = interfaces.GenerateRequest{Model: "gemini-2.5-flash", Prompt: "summarise", Data: `{"a":1}`}

type stubProvider struct {
	name      models.ProviderName
	failures  int
	calls     int
	lastModel string
}

func (s *stubProvider) Name() models.ProviderName { return s.name }

func (s *stubProvider) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	s.lastModel = model
	return len(text), nil
}

func (s *stubProvider) Generate(ctx context.Context, apiKey string, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	s.calls++
	s.lastModel = request.Model
	if s.calls <= s.failures {
		return nil, &common.ProviderError{Provider: string(s.name), Retryable: true, Err: errors.New("503")}
	}
	return &interfaces.GenerateResult{Text: "ok"}, nil
}

func TestProviderForRoutesByCatalogProvider(t *testing.T) {
	gemini := &stubProvider{name: models.ProviderGoogle}
	claude := &stubProvider{name: models.ProviderAnthropic}
	f := NewProviderFactoryWith(fastRetry(1), arbor.NewLogger(), gemini, claude)

	p, err := f.ProviderFor(&models.Model{Name: "whatever", Provider: models.ProviderAnthropic})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderAnthropic, p.Name())

	p, err = f.ProviderFor(&models.Model{Name: "gemini-2.5-flash"})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, p.Name())

	_, err = f.ProviderFor(&models.Model{Name: "x", Provider: "openai"})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestDetectProvider(t *testing.T) {
	f := NewProviderFactoryWith(fastRetry(0), arbor.NewLogger())
	assert.Equal(t, models.ProviderAnthropic, f.DetectProvider("claude-sonnet-4-20250514"))
	assert.Equal(t, models.ProviderAnthropic, f.DetectProvider("anthropic/claude-3"))
	assert.Equal(t, models.ProviderGoogle, f.DetectProvider("google/gemini-2.0-flash"))
	assert.Equal(t, models.ProviderGoogle, f.DetectProvider("something-else"))
}

func TestRetryingProviderNormalizesAndRetries(t *testing.T) {
	inner := &stubProvider{name: models.ProviderGoogle, failures: 2}
	f := NewProviderFactoryWith(fastRetry(3), arbor.NewLogger(), inner)

	p, err := f.ProviderFor(&models.Model{Name: "google/gemini-2.5-flash", Provider: models.ProviderGoogle})
	require.NoError(t, err)

	req := interfacesRequest
	req.Model = "google/gemini-2.5-flash"
	res, err := p.Generate(context.Background(), "key", &req)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, inner.calls)
	assert.Equal(t, "gemini-2.5-flash", inner.lastModel)
	assert.Equal(t, "google/gemini-2.5-flash", req.Model, "caller request is not mutated")
}
