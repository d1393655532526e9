package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"google.golang.org/genai"
)

// GeminiService implements GenerationProvider using the Google genai SDK.
// Clients are created lazily per API key since keys rotate through the
// credential pool.
type GeminiService struct {
	logger  arbor.ILogger
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*genai.Client
}

var _ interfaces.GenerationProvider = (*GeminiService)(nil)

// NewGeminiService creates a new Gemini provider
func NewGeminiService(config *common.GeminiConfig, logger arbor.ILogger) *GeminiService {
	return &GeminiService{
		logger:  logger,
		timeout: common.Duration(config.Timeout, 2*time.Minute),
		clients: make(map[string]*genai.Client),
	}
}

func (s *GeminiService) Name() models.ProviderName {
	return models.ProviderGoogle
}

func (s *GeminiService) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, &common.ProviderError{Provider: string(s.Name()), Fatal: true, Err: fmt.Errorf("API key is required")}
	}

	key := common.HashText(apiKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c, nil
	}

	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, &common.ProviderError{Provider: string(s.Name()), Fatal: true, Err: fmt.Errorf("failed to initialize genai client: %w", err)}
	}
	s.clients[key] = c
	return c, nil
}

// CountTokens counts text with the model's tokenizer.
func (s *GeminiService) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	client, err := s.client(ctx, apiKey)
	if err != nil {
		return 0, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	resp, err := client.Models.CountTokens(timeoutCtx, model, contents, nil)
	if err != nil {
		return 0, classifyError(string(s.Name()), fmt.Errorf("count tokens failed: %w", err))
	}
	return int(resp.TotalTokens), nil
}

// Generate sends one row to the model and returns the text and usage.
//
// Verbosity arrives as Temperature and TopP. Gemini accepts temperature in
// [0, 2] and top-p in [0, 1].
func (s *GeminiService) Generate(ctx context.Context, apiKey string, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	client, err := s.client(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(clamp(request.Temperature, 0, 2))),
		TopP:        genai.Ptr(float32(clamp(request.TopP, 0, 1))),
	}
	if request.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxOutputTokens)
	}

	startTime := time.Now()
	contents := []*genai.Content{genai.NewContentFromText(buildInput(request), genai.RoleUser)}
	resp, err := client.Models.GenerateContent(timeoutCtx, request.Model, contents, config)
	if err != nil {
		return nil, classifyError(string(s.Name()), fmt.Errorf("generation failed: %w", err))
	}

	// Iterate candidates until non-empty text is found
	var response strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					response.WriteString(part.Text)
				}
			}
			if response.Len() > 0 {
				break
			}
		}
	}
	if response.Len() == 0 {
		return nil, &common.ProviderError{Provider: string(s.Name()), Retryable: true, Err: fmt.Errorf("no response generated from model %s", request.Model)}
	}

	result := &interfaces.GenerateResult{Text: response.String()}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	s.logger.Debug().
		Str("model", request.Model).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Dur("duration", time.Since(startTime)).
		Msg("Gemini generation completed")

	return result, nil
}
