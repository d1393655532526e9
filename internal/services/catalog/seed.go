package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/models"
	"gopkg.in/yaml.v3"
)

// SeedFile is the catalog seed format, in TOML or YAML.
//
//	[[tiers]]
//	name = "free"
//	price_per_job = 0
//
//	[[models]]
//	id = "gemini-flash"
//	name = "gemini-2.5-flash"
//	provider = "google"
//	  [[models.api_keys]]
//	  key = "{GEMINI_API_KEY}"
type SeedFile struct {
	Tiers  []SeedTier  `toml:"tiers" yaml:"tiers" validate:"dive"`
	Users  []SeedUser  `toml:"users" yaml:"users" validate:"dive"`
	Models []SeedModel `toml:"models" yaml:"models" validate:"dive"`
}

type SeedTier struct {
	Name                string `toml:"name" yaml:"name" validate:"required"`
	PricePerJob         int64  `toml:"price_per_job" yaml:"price_per_job" validate:"gte=0"`
	CanUsePremiumModels bool   `toml:"can_use_premium_models" yaml:"can_use_premium_models"`
}

type SeedUser struct {
	ID       string `toml:"id" yaml:"id" validate:"required"`
	Username string `toml:"username" yaml:"username"`
	Tier     string `toml:"tier" yaml:"tier"`
}

type SeedModel struct {
	ID              string    `toml:"id" yaml:"id"`
	Name            string    `toml:"name" yaml:"name" validate:"required"`
	Provider        string    `toml:"provider" yaml:"provider" validate:"required"`
	Encoder         string    `toml:"encoder" yaml:"encoder"`
	Temperature     float64   `toml:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	TopP            float64   `toml:"top_p" yaml:"top_p" validate:"gte=0,lte=1"`
	CostPer1MInput  float64   `toml:"cost_per_1m_input" yaml:"cost_per_1m_input" validate:"gte=0"`
	CostPer1MOutput float64   `toml:"cost_per_1m_output" yaml:"cost_per_1m_output" validate:"gte=0"`
	Currency        string    `toml:"currency" yaml:"currency"`
	MaxInputTokens  int       `toml:"max_input_tokens" yaml:"max_input_tokens" validate:"gte=0"`
	MaxOutputTokens int       `toml:"max_output_tokens" yaml:"max_output_tokens" validate:"gte=0"`
	Inactive        bool      `toml:"inactive" yaml:"inactive"`
	Premium         bool      `toml:"premium" yaml:"premium"`
	APIKeys         []SeedKey `toml:"api_keys" yaml:"api_keys" validate:"dive"`
}

type SeedKey struct {
	ID        string `toml:"id" yaml:"id"`
	Key       string `toml:"key" yaml:"key" validate:"required"`
	Inactive  bool   `toml:"inactive" yaml:"inactive"`
	ExpiresAt string `toml:"expires_at" yaml:"expires_at"` // RFC 3339
}

// SeedSummary counts what a seed run stored
type SeedSummary struct {
	Tiers   int
	Users   int
	Models  int
	Keys    int
	Skipped int
}

// LoadSeedFile parses a .toml, .yaml or .yml seed file
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var seed SeedFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &seed)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &seed)
	default:
		return nil, common.Validationf("seed file %s must be .toml, .yaml or .yml", path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse seed file %s: %v", common.ErrValidation, path, err)
	}

	if err := validator.New().Struct(&seed); err != nil {
		return nil, fmt.Errorf("%w: invalid seed file %s: %v", common.ErrValidation, path, err)
	}
	return &seed, nil
}

// SeedFromFile loads path and applies it
func (s *Service) SeedFromFile(ctx context.Context, path string) (*SeedSummary, error) {
	seed, err := LoadSeedFile(path)
	if err != nil {
		return nil, err
	}
	return s.Seed(ctx, seed, common.EnvLookup)
}

// Seed upserts tiers, users, models and API keys. Key values have {NAME}
// references expanded through lookup and are sealed with the secret codec
// before they are stored. Keys with unresolved references are skipped.
// Reseeding keeps the usage counters of keys that already exist.
func (s *Service) Seed(ctx context.Context, seed *SeedFile, lookup common.LookupFunc) (*SeedSummary, error) {
	if err := common.ReplaceInStruct(seed, lookup, s.logger); err != nil {
		return nil, err
	}

	summary := &SeedSummary{}
	now := time.Now()

	for _, t := range seed.Tiers {
		if err := s.storage.SaveUserTier(ctx, &models.UserTier{
			Name:                t.Name,
			PricePerJob:         t.PricePerJob,
			CanUsePremiumModels: t.CanUsePremiumModels,
		}); err != nil {
			return nil, err
		}
		summary.Tiers++
	}

	for _, u := range seed.Users {
		if err := s.storage.SaveUser(ctx, &models.User{
			ID:        u.ID,
			Username:  u.Username,
			Tier:      u.Tier,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
		summary.Users++
	}

	for _, m := range seed.Models {
		model, err := toModel(m)
		if err != nil {
			return nil, err
		}
		if err := s.storage.SaveModel(ctx, model); err != nil {
			return nil, err
		}
		summary.Models++

		stored, skipped, err := s.seedKeys(ctx, model, m.APIKeys, now)
		if err != nil {
			return nil, err
		}
		summary.Keys += stored
		summary.Skipped += skipped
	}

	s.logger.Info().
		Int("tiers", summary.Tiers).
		Int("users", summary.Users).
		Int("models", summary.Models).
		Int("keys", summary.Keys).
		Int("skipped", summary.Skipped).
		Msg("Catalog seeded")
	return summary, nil
}

func (s *Service) seedKeys(ctx context.Context, model *models.Model, keys []SeedKey, now time.Time) (int, int, error) {
	if len(keys) == 0 {
		return 0, 0, nil
	}
	if s.codec == nil {
		return 0, 0, common.Validationf("a secrets key is required to seed API keys")
	}

	existing, err := s.storage.ListAPIKeys(ctx, model.ID)
	if err != nil {
		return 0, 0, err
	}
	byID := make(map[string]*models.APIKey, len(existing))
	for _, k := range existing {
		byID[k.ID] = k
	}

	stored, skipped := 0, 0
	for _, k := range keys {
		if common.HasUnresolvedReference(k.Key) {
			s.logger.Warn().Str("model", model.Name).Msg("Skipping API key with unresolved reference")
			skipped++
			continue
		}

		id := k.ID
		if id == "" {
			id = "key_" + common.HashText(model.ID + ":" + k.Key)[:16]
		}
		ciphertext, err := s.codec.Encrypt(k.Key)
		if err != nil {
			return stored, skipped, fmt.Errorf("failed to seal API key %s: %w", id, err)
		}

		key := &models.APIKey{
			ID:         id,
			ModelID:    model.ID,
			Ciphertext: ciphertext,
			Active:     !k.Inactive,
			CreatedAt:  now,
		}
		if k.ExpiresAt != "" {
			expires, err := time.Parse(time.RFC3339, k.ExpiresAt)
			if err != nil {
				return stored, skipped, common.Validationf("API key %s: invalid expires_at %q", id, k.ExpiresAt)
			}
			key.ExpiresAt = expires
		}
		if prev, ok := byID[id]; ok {
			key.UsageCount = prev.UsageCount
			key.TokensUsed = prev.TokensUsed
			key.LastUsed = prev.LastUsed
			key.CreatedAt = prev.CreatedAt
		}

		if err := s.storage.SaveAPIKey(ctx, key); err != nil {
			return stored, skipped, err
		}
		stored++
	}
	return stored, skipped, nil
}

func toModel(m SeedModel) (*models.Model, error) {
	provider, err := models.ParseProviderName(m.Provider)
	if err != nil {
		return nil, fmt.Errorf("%w: model %s: %v", common.ErrValidation, m.Name, err)
	}
	id := m.ID
	if id == "" {
		id = m.Name
	}
	currency := m.Currency
	if currency == "" {
		currency = "USD"
	}
	return &models.Model{
		ID:              id,
		Name:            m.Name,
		Provider:        provider,
		Encoder:         m.Encoder,
		Temperature:     m.Temperature,
		TopP:            m.TopP,
		CostPer1MInput:  m.CostPer1MInput,
		CostPer1MOutput: m.CostPer1MOutput,
		Currency:        currency,
		MaxInputTokens:  m.MaxInputTokens,
		MaxOutputTokens: m.MaxOutputTokens,
		Active:          !m.Inactive,
		Premium:         m.Premium,
	}, nil
}
