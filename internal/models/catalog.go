package models

import (
	"fmt"
	"strings"
	"time"
)

// MediaType is the declared content type of an uploaded file
type MediaType string

const (
	MediaTypeCSV   MediaType = "text/csv"
	MediaTypeTSV   MediaType = "text/tab-separated-values"
	MediaTypeExcel MediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MediaTypeODS   MediaType = "application/vnd.oasis.opendocument.spreadsheet"
	MediaTypePNG   MediaType = "image/png"
	MediaTypeJPEG  MediaType = "image/jpeg"
	MediaTypeMP4   MediaType = "video/mp4"
)

// Prompt is a user's natural-language instruction
type Prompt struct {
	ID        string
	UserID    string `badgerhold:"index"`
	Text      string
	Hash      string
	CreatedAt time.Time
}

// Media is an uploaded dataset file
type Media struct {
	ID        string
	UserID    string `badgerhold:"index"`
	Filename  string
	Path      string
	MediaType MediaType
	Hash      string
	CreatedAt time.Time
}

// ProviderName identifies the upstream generation API of a model
type ProviderName string

const (
	ProviderGoogle    ProviderName = "google"
	ProviderAnthropic ProviderName = "anthropic"
)

// ParseProviderName accepts the catalog spellings of a provider
func ParseProviderName(s string) (ProviderName, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "google", "gemini":
		return ProviderGoogle, nil
	case "anthropic", "claude":
		return ProviderAnthropic, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Model is a catalog entry for one generation model and its limits.
// Costs are minor currency units per million tokens.
type Model struct {
	ID              string
	Name            string `badgerhold:"index"`
	Provider        ProviderName
	Encoder         string // model used for token counting, defaults to Name
	Temperature     float64
	TopP            float64
	CostPer1MInput  float64
	CostPer1MOutput float64
	Currency        string
	MaxInputTokens  int
	MaxOutputTokens int
	Active          bool
	Premium         bool
}

// TokenEncoder returns the model name used for token counting
func (m *Model) TokenEncoder() string {
	if m.Encoder != "" {
		return m.Encoder
	}
	return m.Name
}

// APIKey is a provider credential for a model. Ciphertext is sealed by the
// secret codec and never stored in the clear.
type APIKey struct {
	ID         string
	ModelID    string `badgerhold:"index"`
	Ciphertext string
	Active     bool
	UsageCount int64
	TokensUsed int64
	LastUsed   time.Time
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Usable reports whether the key is active and not expired at now
func (k *APIKey) Usable(now time.Time) bool {
	if !k.Active {
		return false
	}
	return k.ExpiresAt.IsZero() || now.Before(k.ExpiresAt)
}

// UserTier is a billing tier
type UserTier struct {
	Name                string
	PricePerJob         int64 // minor currency units
	CanUsePremiumModels bool
}

// User links an account to its billing tier
type User struct {
	ID        string
	Username  string
	Tier      string
	CreatedAt time.Time
}

// UserBilling is the snapshot the estimator needs to price a job
type UserBilling struct {
	UserID              string
	Tier                string
	PricePerJob         int64
	CanUsePremiumModels bool
}
