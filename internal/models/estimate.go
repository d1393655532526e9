package models

// RiskLevel classifies how close projected output is to the model ceiling
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high" // unreachable while over-quota estimates are rejected
)

// CostBreakdown is priced in minor currency units
type CostBreakdown struct {
	InputCost   int64  `json:"input_cost"`
	OutputCost  int64  `json:"output_cost"`
	HandlingFee int64  `json:"handling_fee"`
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
}

// EstimateResult is produced before a job is committed. It is not persisted.
type EstimateResult struct {
	InputTokens     int           `json:"input_tokens"`
	OutputTokens    int           `json:"output_tokens"`
	TokensPerRow    float64       `json:"tokens_per_row"`
	SampledRows     int           `json:"sampled_rows"`
	TotalRows       int           `json:"total_rows"`
	Verbosity       float64       `json:"verbosity"`
	Cost            CostBreakdown `json:"cost"`
	Risk            RiskLevel     `json:"risk"`
	UsedFallback    bool          `json:"used_fallback"`
	MaxOutputTokens int           `json:"max_output_tokens"`
}
