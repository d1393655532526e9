package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// defaultClaudeMaxTokens applies when a request carries no output bound,
// since the Messages API requires one
const defaultClaudeMaxTokens = 1024

// ClaudeService implements GenerationProvider using the Anthropic API.
type ClaudeService struct {
	logger  arbor.ILogger
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*anthropic.Client
}

var _ interfaces.GenerationProvider = (*ClaudeService)(nil)

// NewClaudeService creates a new Claude provider
func NewClaudeService(config *common.ClaudeConfig, logger arbor.ILogger) *ClaudeService {
	return &ClaudeService{
		logger:  logger,
		timeout: common.Duration(config.Timeout, 2*time.Minute),
		clients: make(map[string]*anthropic.Client),
	}
}

func (s *ClaudeService) Name() models.ProviderName {
	return models.ProviderAnthropic
}

func (s *ClaudeService) client(apiKey string) (*anthropic.Client, error) {
	if apiKey == "" {
		return nil, &common.ProviderError{Provider: string(s.Name()), Fatal: true, Err: fmt.Errorf("API key is required")}
	}

	key := common.HashText(apiKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[key]; ok {
		return c, nil
	}
	// Retries are owned by RetryConfig, not the SDK
	c := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	s.clients[key] = &c
	return &c, nil
}

func (s *ClaudeService) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	client, err := s.client(apiKey)
	if err != nil {
		return 0, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := client.Messages.CountTokens(timeoutCtx, anthropic.MessageCountTokensParams{
		Model: anthropic.Model(model),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return 0, classifyError(string(s.Name()), fmt.Errorf("count tokens failed: %w", err))
	}
	return int(resp.InputTokens), nil
}

// Generate sends one row to Claude. Claude accepts temperature and top-p in [0, 1].
func (s *ClaudeService) Generate(ctx context.Context, apiKey string, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	client, err := s.client(apiKey)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	maxTokens := request.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(buildInput(request))),
		},
		Temperature: anthropic.Float(clamp(request.Temperature, 0, 1)),
	}

	startTime := time.Now()
	resp, err := client.Messages.New(timeoutCtx, params)
	if err != nil {
		return nil, classifyError(string(s.Name()), fmt.Errorf("Claude API call failed: %w", err))
	}

	var response strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			response.WriteString(block.Text)
		}
	}
	if response.Len() == 0 {
		return nil, &common.ProviderError{Provider: string(s.Name()), Retryable: true, Err: fmt.Errorf("no response generated from model %s", request.Model)}
	}

	result := &interfaces.GenerateResult{
		Text:         response.String(),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}

	s.logger.Debug().
		Str("model", request.Model).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Dur("duration", time.Since(startTime)).
		Msg("Claude generation completed")

	return result, nil
}
