package estimate

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

type fixedCounter struct {
	perCall int
	err     error
	calls   int
}

func (f *fixedCounter) Name() models.ProviderName { return models.ProviderGoogle }

func (f *fixedCounter) CountTokens(ctx context.Context, apiKey, model, text string) (int, error) {
	f.calls++
	return f.perCall, f.err
}

func (f *fixedCounter) Generate(ctx context.Context, apiKey string, request *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	return nil, errors.New("not used")
}

type oneProvider struct{ p interfaces.GenerationProvider }

func (o oneProvider) ProviderFor(model *models.Model) (interfaces.GenerationProvider, error) {
	return o.p, nil
}

type staticCredential struct {
	released   interfaces.CredentialUsage
	releaseErr error
}

func (c *staticCredential) KeyID() string                  { return "key" }
func (c *staticCredential) APIKey() string                 { return "plain" }
func (c *staticCredential) Wait(ctx context.Context) error { return nil }
func (c *staticCredential) Release(ctx context.Context, usage interfaces.CredentialUsage) error {
	c.released = usage
	return c.releaseErr
}

type staticCredentials struct {
	cred *staticCredential
	err  error
}

func (s staticCredentials) Acquire(ctx context.Context, model *models.Model) (interfaces.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cred, nil
}

func firstK(total, k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = i
	}
	return out
}

func testConfig() common.EstimatorConfig {
	return common.NewDefaultConfig().Estimator
}

func dataset(rows int) *models.Dataset {
	ds := &models.Dataset{Columns: []string{"id", "text"}}
	for i := 0; i < rows; i++ {
		ds.AddRow([]models.Value{models.NumberValue(float64(i)), models.StringValue("same length text")})
	}
	return ds
}

func model() *models.Model {
	return &models.Model{
		ID:              "m1",
		Name:            "gemini-2.5-flash",
		Provider:        models.ProviderGoogle,
		Active:          true,
		CostPer1MInput:  30000,
		CostPer1MOutput: 250000,
		Currency:        "USD",
		MaxInputTokens:  10000,
		MaxOutputTokens: 1500,
	}
}

func TestEstimateQuotaScenario(t *testing.T) {
	counter := &fixedCounter{perCall: 1}
	cred := &staticCredential{}
	svc := NewService(oneProvider{counter}, staticCredentials{cred: cred}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	_, err := svc.Estimate(context.Background(), &Request{
		Dataset:    dataset(1000),
		Model:      model(),
		PromptText: "classify",
		Verbosity:  2.0,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrQuotaExceeded)

	var qe *common.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, common.QuotaKindOutput, qe.Kind)
	assert.Equal(t, 1000, qe.InputTokens)
	assert.Equal(t, 2000, qe.OutputTokens)
	assert.Equal(t, 1500, qe.Limit)

	assert.Equal(t, 5, counter.calls, "default sample size")
	assert.Equal(t, int64(5), cred.released.Requests)
}

func TestEstimateSurvivesReleaseFailure(t *testing.T) {
	counter := &fixedCounter{perCall: 1}
	cred := &staticCredential{releaseErr: errors.New("usage store unavailable")}
	svc := NewService(oneProvider{counter}, staticCredentials{cred: cred}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	res, err := svc.Estimate(context.Background(), &Request{
		Dataset:    dataset(1000),
		Model:      model(),
		PromptText: "classify",
		Verbosity:  1.0,
	})
	require.NoError(t, err)
	assert.False(t, res.UsedFallback)
	assert.Equal(t, int64(5), cred.released.Requests, "usage is still reported")
}

func TestEstimateCostAndRisk(t *testing.T) {
	counter := &fixedCounter{perCall: 1}
	svc := NewService(oneProvider{counter}, staticCredentials{cred: &staticCredential{}}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	res, err := svc.Estimate(context.Background(), &Request{
		Dataset:    dataset(1000),
		Model:      model(),
		PromptText: "classify",
		Verbosity:  1.3,
		Billing:    &models.UserBilling{PricePerJob: 50},
	})
	require.NoError(t, err)
	assert.Equal(t, 1000, res.InputTokens)
	assert.Equal(t, 1300, res.OutputTokens)
	assert.Equal(t, models.RiskMedium, res.Risk, "1300 is above 80 percent of 1500")
	assert.False(t, res.UsedFallback)

	// 1000/1e6*30000 = 30, 1300/1e6*250000 = 325
	assert.Equal(t, int64(30), res.Cost.InputCost)
	assert.Equal(t, int64(325), res.Cost.OutputCost)
	assert.Equal(t, int64(50), res.Cost.HandlingFee)
	assert.Equal(t, int64(405), res.Cost.Total)
	assert.Equal(t, "USD", res.Cost.Currency)

	low, err := svc.Estimate(context.Background(), &Request{
		Dataset: dataset(1000), Model: model(), PromptText: "classify", Verbosity: 1.0,
	})
	require.NoError(t, err)
	assert.Equal(t, models.RiskLow, low.Risk)
}

func TestEstimateIsMonotonic(t *testing.T) {
	svc := NewService(nil, nil, testConfig(), arbor.NewLogger(), WithSampler(firstK))
	m := model()
	m.MaxOutputTokens = 0

	prevIn, prevOut := -1, -1
	for _, rows := range []int{1, 10, 100, 1000} {
		res, err := svc.Estimate(context.Background(), &Request{
			Dataset: dataset(rows), Model: m, PromptText: "p", Verbosity: 1.0,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.InputTokens, prevIn, fmt.Sprintf("rows=%d", rows))
		assert.GreaterOrEqual(t, res.OutputTokens, prevOut, fmt.Sprintf("rows=%d", rows))
		prevIn, prevOut = res.InputTokens, res.OutputTokens
	}

	prevOut = -1
	for _, v := range []float64{0.1, 0.5, 1.0, 2.0} {
		res, err := svc.Estimate(context.Background(), &Request{
			Dataset: dataset(100), Model: m, PromptText: "p", Verbosity: v,
		})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.OutputTokens, prevOut)
		prevOut = res.OutputTokens
	}
}

func TestEstimateFallbackWithoutProvider(t *testing.T) {
	svc := NewService(oneProvider{&fixedCounter{}}, staticCredentials{err: common.ErrNotFound}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	ds := &models.Dataset{Columns: []string{"t"}}
	ds.AddRow([]models.Value{models.StringValue("abcdefgh")})

	res, err := svc.Estimate(context.Background(), &Request{Dataset: ds, Model: model(), PromptText: "p", Verbosity: 1.0})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)

	content := "p\n" + `{"t":"abcdefgh"}`
	assert.Equal(t, len(content)/4, res.InputTokens)
}

func TestEstimateProviderErrorFallsBack(t *testing.T) {
	counter := &fixedCounter{err: &common.ProviderError{Provider: "google", Err: errors.New("boom")}}
	svc := NewService(oneProvider{counter}, staticCredentials{cred: &staticCredential{}}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	res, err := svc.Estimate(context.Background(), &Request{Dataset: dataset(3), Model: model(), PromptText: "p", Verbosity: 1.0})
	require.NoError(t, err)
	assert.True(t, res.UsedFallback)
	assert.Equal(t, 3, res.SampledRows, "sample capped at dataset size")
	assert.Greater(t, res.InputTokens, 0)
}

func TestEstimateValidation(t *testing.T) {
	svc := NewService(nil, nil, testConfig(), arbor.NewLogger(), WithSampler(firstK))
	ctx := context.Background()

	tests := []struct {
		name string
		req  *Request
	}{
		{"per cell without focus", &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Granularity: models.GranularityPerCell}},
		{"per cell unknown focus", &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Granularity: models.GranularityPerCell, FocusColumn: "missing"}},
		{"verbosity too high", &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Verbosity: 2.5}},
		{"verbosity too low", &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Verbosity: 0.05}},
		{"missing prompt", &Request{Dataset: dataset(2), Model: model()}},
		{"missing dataset", &Request{Model: model(), PromptText: "p"}},
		{"bad granularity", &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Granularity: "PER_TABLE"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Estimate(ctx, tt.req)
			assert.ErrorIs(t, err, common.ErrValidation)
		})
	}
}

func TestEstimatePremiumAndInactiveModels(t *testing.T) {
	svc := NewService(nil, nil, testConfig(), arbor.NewLogger(), WithSampler(firstK))
	ctx := context.Background()

	inactive := model()
	inactive.Active = false
	_, err := svc.Estimate(ctx, &Request{Dataset: dataset(1), Model: inactive, PromptText: "p"})
	assert.ErrorIs(t, err, common.ErrValidation)

	premium := model()
	premium.Premium = true
	_, err = svc.Estimate(ctx, &Request{Dataset: dataset(1), Model: premium, PromptText: "p", Billing: &models.UserBilling{Tier: "free"}})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = svc.Estimate(ctx, &Request{Dataset: dataset(1), Model: premium, PromptText: "p", Billing: &models.UserBilling{Tier: "premium", CanUsePremiumModels: true}})
	assert.NoError(t, err)
}

func TestEstimatePerRowInputCeiling(t *testing.T) {
	counter := &fixedCounter{perCall: 20000}
	svc := NewService(oneProvider{counter}, staticCredentials{cred: &staticCredential{}}, testConfig(), arbor.NewLogger(), WithSampler(firstK))

	_, err := svc.Estimate(context.Background(), &Request{Dataset: dataset(2), Model: model(), PromptText: "p", Verbosity: 0.1})
	var qe *common.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, common.QuotaKindInput, qe.Kind)
}

func TestEstimateEmptyDataset(t *testing.T) {
	svc := NewService(nil, nil, testConfig(), arbor.NewLogger())
	res, err := svc.Estimate(context.Background(), &Request{
		Dataset: &models.Dataset{Columns: []string{"a"}}, Model: model(), PromptText: "p",
		Billing: &models.UserBilling{PricePerJob: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.InputTokens)
	assert.Equal(t, int64(10), res.Cost.Total)
}

func TestSerialize(t *testing.T) {
	row := models.NewRecord([]string{"a", "b"}, []models.Value{models.StringValue("x"), models.NullValue()})
	assert.Equal(t, `{"a":"x","b":null}`, Serialize(row, models.GranularityPerRow, ""))
	assert.Equal(t, "x", Serialize(row, models.GranularityPerCell, "a"))
	assert.Equal(t, "null", Serialize(row, models.GranularityPerCell, "b"))
}
