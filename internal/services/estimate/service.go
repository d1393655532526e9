// Package estimate projects token usage, cost and risk for a dataset before
// any job is created.
package estimate

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// Request is one estimate over a loaded dataset
type Request struct {
	Dataset     *models.Dataset    `validate:"required"`
	Model       *models.Model      `validate:"required"`
	PromptText  string             `validate:"required"`
	Granularity models.Granularity `validate:"oneof=PER_ROW PER_CELL"`
	FocusColumn string
	Verbosity   float64
	SampleSize  int `validate:"gte=0"`

	// Billing adds the tier's per-job fee and gates premium models. Optional.
	Billing *models.UserBilling
}

// Sampler picks k distinct row indexes out of total
type Sampler func(total, k int) []int

// Service implements the token estimator
type Service struct {
	resolver    interfaces.ProviderResolver
	credentials interfaces.CredentialProvider
	config      common.EstimatorConfig
	logger      arbor.ILogger
	validate    *validator.Validate
	sample      Sampler
}

// Option customises a Service
type Option func(*Service)

// WithSampler replaces the random row sampler
func WithSampler(s Sampler) Option {
	return func(svc *Service) { svc.sample = s }
}

// NewService creates an estimator. resolver and credentials may be nil, in
// which case every count uses the character fallback.
func NewService(resolver interfaces.ProviderResolver, credentials interfaces.CredentialProvider, config common.EstimatorConfig, logger arbor.ILogger, opts ...Option) *Service {
	if config.SampleSize < 1 {
		config.SampleSize = 5
	}
	if config.CharsPerToken < 1 {
		config.CharsPerToken = 4
	}
	if config.MaxVerbosity <= 0 {
		config.MinVerbosity, config.MaxVerbosity = 0.1, 2.0
	}
	if config.MediumRisk <= 0 {
		config.MediumRisk = 0.8
	}

	s := &Service{
		resolver:    resolver,
		credentials: credentials,
		config:      config,
		logger:      logger,
		validate:    validator.New(),
		sample:      RandomSampler(time.Now().UnixNano()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RandomSampler returns a Sampler seeded with seed
func RandomSampler(seed int64) Sampler {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(total, k int) []int {
		mu.Lock()
		picked := rng.Perm(total)[:k]
		mu.Unlock()
		sort.Ints(picked)
		return picked
	}
}

// Estimate samples rows, counts tokens and extrapolates to the whole dataset.
// Over-ceiling projections fail with *common.QuotaExceededError.
func (s *Service) Estimate(ctx context.Context, req *Request) (*models.EstimateResult, error) {
	if req.Granularity == "" {
		req.Granularity = models.GranularityPerRow
	}
	if req.Verbosity == 0 {
		req.Verbosity = models.VerbosityPresets["BALANCED"]
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, common.Validationf("invalid estimate request: %v", err)
	}
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	total := req.Dataset.Len()
	result := &models.EstimateResult{
		TotalRows:       total,
		Verbosity:       req.Verbosity,
		MaxOutputTokens: req.Model.MaxOutputTokens,
		Risk:            models.RiskLow,
	}

	if total > 0 {
		perRow, sampled, fallback := s.tokensPerRow(ctx, req)
		result.TokensPerRow = perRow
		result.SampledRows = sampled
		result.UsedFallback = fallback

		if req.Model.MaxInputTokens > 0 && perRow > float64(req.Model.MaxInputTokens) {
			return nil, &common.QuotaExceededError{
				Kind:        common.QuotaKindInput,
				InputTokens: int(math.Ceil(perRow)),
				Limit:       req.Model.MaxInputTokens,
			}
		}

		result.InputTokens = int(math.Round(perRow * float64(total)))
		result.OutputTokens = int(math.Round(float64(result.InputTokens) * req.Verbosity))
	}

	if max := req.Model.MaxOutputTokens; max > 0 {
		if result.OutputTokens > max {
			return nil, &common.QuotaExceededError{
				Kind:         common.QuotaKindOutput,
				InputTokens:  result.InputTokens,
				OutputTokens: result.OutputTokens,
				Limit:        max,
			}
		}
		if float64(result.OutputTokens) > s.config.MediumRisk*float64(max) {
			result.Risk = models.RiskMedium
		}
	}

	result.Cost = Cost(req.Model, req.Billing, result.InputTokens, result.OutputTokens)

	s.logger.Debug().
		Str("model", req.Model.Name).
		Int("rows", total).
		Int("sampled", result.SampledRows).
		Int("input_tokens", result.InputTokens).
		Int("output_tokens", result.OutputTokens).
		Str("risk", string(result.Risk)).
		Msg("Estimate computed")

	return result, nil
}

func (s *Service) checkRequest(req *Request) error {
	if req.Verbosity < s.config.MinVerbosity || req.Verbosity > s.config.MaxVerbosity {
		return common.Validationf("verbosity %.2f outside [%.2f, %.2f]", req.Verbosity, s.config.MinVerbosity, s.config.MaxVerbosity)
	}
	if req.Granularity == models.GranularityPerCell {
		if req.FocusColumn == "" {
			return common.Validationf("focus column is required for %s", models.GranularityPerCell)
		}
		if !req.Dataset.HasColumn(req.FocusColumn) {
			return common.Validationf("focus column %q not found in dataset", req.FocusColumn)
		}
	}
	if !req.Model.Active {
		return common.Validationf("model %s is not active", req.Model.Name)
	}
	if req.Model.Premium && req.Billing != nil && !req.Billing.CanUsePremiumModels {
		return common.Validationf("model %s requires a premium tier", req.Model.Name)
	}
	return nil
}

// tokensPerRow averages the token count of sampled rows
func (s *Service) tokensPerRow(ctx context.Context, req *Request) (float64, int, bool) {
	total := req.Dataset.Len()
	k := req.SampleSize
	if k <= 0 {
		k = s.config.SampleSize
	}
	if k > total {
		k = total
	}

	count, release := s.counter(ctx, req.Model)
	defer release()

	sum := 0
	fallback := false
	indexes := s.sample(total, k)
	for _, i := range indexes {
		content := req.PromptText + "\n" + Serialize(req.Dataset.Rows[i], req.Granularity, req.FocusColumn)
		n, ok := count(content)
		if !ok {
			fallback = true
		}
		sum += n
	}
	return float64(sum) / float64(len(indexes)), len(indexes), fallback
}

// counter returns a token counting function for model and a release hook.
// The bool result is false when the fallback divisor was used.
func (s *Service) counter(ctx context.Context, model *models.Model) (func(string) (int, bool), func()) {
	fallback := func(content string) (int, bool) {
		return len(content) / s.config.CharsPerToken, false
	}
	noop := func() {}

	if s.resolver == nil || s.credentials == nil {
		return fallback, noop
	}
	provider, err := s.resolver.ProviderFor(model)
	if err != nil {
		s.logger.Warn().Err(err).Str("model", model.Name).Msg("No provider for token counting, using fallback")
		return fallback, noop
	}
	cred, err := s.credentials.Acquire(ctx, model)
	if err != nil {
		s.logger.Warn().Err(err).Str("model", model.Name).Msg("No credential for token counting, using fallback")
		return fallback, noop
	}

	var requests int64
	count := func(content string) (int, bool) {
		if err := cred.Wait(ctx); err != nil {
			return fallback(content)
		}
		requests++
		n, err := provider.CountTokens(ctx, cred.APIKey(), model.TokenEncoder(), content)
		if err != nil {
			s.logger.Warn().Err(err).Str("model", model.Name).Msg("Token count failed, using fallback")
			return fallback(content)
		}
		return n, true
	}
	release := func() {
		if err := cred.Release(context.WithoutCancel(ctx), interfaces.CredentialUsage{Requests: requests}); err != nil {
			s.logger.Warn().Err(err).Str("model", model.Name).Str("key_id", cred.KeyID()).Msg("Failed to release credential")
		}
	}
	return count, release
}

// Serialize renders what the provider sees for one row: the full record as
// JSON for PER_ROW, or the focus cell text for PER_CELL.
func Serialize(row models.Record, granularity models.Granularity, focus string) string {
	if granularity == models.GranularityPerCell {
		v, ok := row.Get(focus)
		if !ok || v.IsNull() {
			return "null"
		}
		return v.String()
	}
	return row.String()
}

// Cost prices token totals in minor currency units
func Cost(model *models.Model, billing *models.UserBilling, inputTokens, outputTokens int) models.CostBreakdown {
	c := models.CostBreakdown{
		InputCost:  int64(math.Round(float64(inputTokens) / 1e6 * model.CostPer1MInput)),
		OutputCost: int64(math.Round(float64(outputTokens) / 1e6 * model.CostPer1MOutput)),
		Currency:   model.Currency,
	}
	if billing != nil {
		c.HandlingFee = billing.PricePerJob
	}
	c.Total = c.InputCost + c.OutputCost + c.HandlingFee
	return c
}
