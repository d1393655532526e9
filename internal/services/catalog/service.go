// Package catalog answers prompt, media, model and billing lookups and
// registers the prompts and media a user submits.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/dataset"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// DefaultTier applies to users without a stored account
const DefaultTier = "free"

// Service wraps catalog storage with owner checks
type Service struct {
	storage interfaces.CatalogStorage
	codec   interfaces.SecretCodec
	logger  arbor.ILogger
}

func NewService(storage interfaces.CatalogStorage, codec interfaces.SecretCodec, logger arbor.ILogger) *Service {
	return &Service{storage: storage, codec: codec, logger: logger}
}

func (s *Service) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	return s.storage.GetPrompt(ctx, id)
}

// GetMedia returns media owned by owner. Media owned by anyone else is
// reported as not found.
func (s *Service) GetMedia(ctx context.Context, id, owner string) (*models.Media, error) {
	media, err := s.storage.GetMedia(ctx, id)
	if err != nil {
		return nil, err
	}
	if media.UserID != owner {
		return nil, common.NotFoundf("media %s", id)
	}
	return media, nil
}

// GetModel looks a model up by ID, then by name
func (s *Service) GetModel(ctx context.Context, idOrName string) (*models.Model, error) {
	model, err := s.storage.GetModel(ctx, idOrName)
	if err == nil {
		return model, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}
	return s.storage.GetModelByName(ctx, idOrName)
}

func (s *Service) ListModels(ctx context.Context) ([]*models.Model, error) {
	return s.storage.ListModels(ctx)
}

// GetUserBilling resolves the user's tier. Unknown users bill at DefaultTier.
func (s *Service) GetUserBilling(ctx context.Context, userID string) (*models.UserBilling, error) {
	tierName := DefaultTier
	user, err := s.storage.GetUser(ctx, userID)
	switch {
	case err == nil:
		if user.Tier != "" {
			tierName = user.Tier
		}
	case !errors.Is(err, common.ErrNotFound):
		return nil, err
	}

	tier, err := s.storage.GetUserTier(ctx, tierName)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) && tierName == DefaultTier {
			return &models.UserBilling{UserID: userID, Tier: tierName}, nil
		}
		return nil, err
	}
	return &models.UserBilling{
		UserID:              userID,
		Tier:                tier.Name,
		PricePerJob:         tier.PricePerJob,
		CanUsePremiumModels: tier.CanUsePremiumModels,
	}, nil
}

// RegisterPrompt stores text as the user's prompt. The ID is derived from
// the owner and text, so resubmitting the same instruction names the same
// prompt.
func (s *Service) RegisterPrompt(ctx context.Context, userID, text string) (*models.Prompt, error) {
	if userID == "" || text == "" {
		return nil, common.Validationf("user and prompt text are required")
	}
	hash := common.HashText(text)
	prompt := &models.Prompt{
		ID:        "prm_" + common.HashText(userID + ":" + hash)[:24],
		UserID:    userID,
		Text:      text,
		Hash:      hash,
		CreatedAt: time.Now(),
	}
	if existing, err := s.storage.GetPrompt(ctx, prompt.ID); err == nil {
		return existing, nil
	}
	if err := s.storage.SavePrompt(ctx, prompt); err != nil {
		return nil, err
	}
	return prompt, nil
}

// RegisterMedia records a dataset file for the user. The declared type
// defaults to the type implied by the extension. The ID is derived from the
// owner and file content.
func (s *Service) RegisterMedia(ctx context.Context, userID, path string, declared models.MediaType) (*models.Media, error) {
	if userID == "" || path == "" {
		return nil, common.Validationf("user and file path are required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NotFoundf("file %s", path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if declared == "" {
		declared = dataset.TypeFromFilename(path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	hash := common.HashText(string(content))
	media := &models.Media{
		ID:        "med_" + common.HashText(userID + ":" + hash)[:24],
		UserID:    userID,
		Filename:  filepath.Base(path),
		Path:      abs,
		MediaType: declared,
		Hash:      hash,
		CreatedAt: time.Now(),
	}
	if existing, err := s.storage.GetMedia(ctx, media.ID); err == nil && existing.UserID == userID {
		existing.Path = abs
		existing.MediaType = declared
		if err := s.storage.SaveMedia(ctx, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}
	if err := s.storage.SaveMedia(ctx, media); err != nil {
		return nil, err
	}
	return media, nil
}
