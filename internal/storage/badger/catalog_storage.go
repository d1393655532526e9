package badger

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CatalogStorage implements the CatalogStorage interface for Badger
type CatalogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCatalogStorage creates a new CatalogStorage instance
func NewCatalogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CatalogStorage {
	return &CatalogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CatalogStorage) upsert(kind, key string, value interface{}) error {
	if key == "" {
		return common.Validationf("%s key is required", kind)
	}
	if err := s.db.Store().Upsert(key, value); err != nil {
		return common.Persistence("save "+kind, err)
	}
	return nil
}

func (s *CatalogStorage) get(kind, key string, result interface{}) error {
	if err := s.db.Store().Get(key, result); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundf("%s %s", kind, key)
		}
		return common.Persistence("get "+kind, err)
	}
	return nil
}

func (s *CatalogStorage) SavePrompt(ctx context.Context, prompt *models.Prompt) error {
	return s.upsert("prompt", prompt.ID, prompt)
}

func (s *CatalogStorage) GetPrompt(ctx context.Context, id string) (*models.Prompt, error) {
	var prompt models.Prompt
	if err := s.get("prompt", id, &prompt); err != nil {
		return nil, err
	}
	return &prompt, nil
}

func (s *CatalogStorage) SaveMedia(ctx context.Context, media *models.Media) error {
	return s.upsert("media", media.ID, media)
}

func (s *CatalogStorage) GetMedia(ctx context.Context, id string) (*models.Media, error) {
	var media models.Media
	if err := s.get("media", id, &media); err != nil {
		return nil, err
	}
	return &media, nil
}

func (s *CatalogStorage) SaveModel(ctx context.Context, model *models.Model) error {
	return s.upsert("model", model.ID, model)
}

func (s *CatalogStorage) GetModel(ctx context.Context, id string) (*models.Model, error) {
	var model models.Model
	if err := s.get("model", id, &model); err != nil {
		return nil, err
	}
	return &model, nil
}

func (s *CatalogStorage) GetModelByName(ctx context.Context, name string) (*models.Model, error) {
	var found []models.Model
	if err := s.db.Store().Find(&found, badgerhold.Where("Name").Eq(name).Limit(1)); err != nil {
		return nil, common.Persistence("find model", err)
	}
	if len(found) == 0 {
		return nil, common.NotFoundf("model %s", name)
	}
	return &found[0], nil
}

func (s *CatalogStorage) ListModels(ctx context.Context) ([]*models.Model, error) {
	var found []models.Model
	if err := s.db.Store().Find(&found, badgerhold.Where("ID").Ne("").SortBy("Name")); err != nil {
		return nil, common.Persistence("list models", err)
	}
	result := make([]*models.Model, len(found))
	for i := range found {
		result[i] = &found[i]
	}
	return result, nil
}

func (s *CatalogStorage) SaveAPIKey(ctx context.Context, key *models.APIKey) error {
	return s.upsert("api key", key.ID, key)
}

func (s *CatalogStorage) ListAPIKeys(ctx context.Context, modelID string) ([]*models.APIKey, error) {
	var keys []models.APIKey
	if err := s.db.Store().Find(&keys, badgerhold.Where("ModelID").Eq(modelID).SortBy("CreatedAt")); err != nil {
		return nil, common.Persistence("list api keys", err)
	}
	result := make([]*models.APIKey, len(keys))
	for i := range keys {
		result[i] = &keys[i]
	}
	return result, nil
}

func (s *CatalogStorage) RecordKeyUsage(ctx context.Context, keyID string, requests, tokens int64, at time.Time) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			var key models.APIKey
			if err := s.db.Store().TxGet(tx, keyID, &key); err != nil {
				return err
			}
			key.UsageCount += requests
			key.TokensUsed += tokens
			if at.After(key.LastUsed) {
				key.LastUsed = at
			}
			return s.db.Store().TxUpsert(tx, key.ID, &key)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundf("api key %s", keyID)
		}
		return common.Persistence("record key usage", err)
	}
	return nil
}

func (s *CatalogStorage) SaveUserTier(ctx context.Context, tier *models.UserTier) error {
	return s.upsert("user tier", tier.Name, tier)
}

func (s *CatalogStorage) GetUserTier(ctx context.Context, name string) (*models.UserTier, error) {
	var tier models.UserTier
	if err := s.get("user tier", name, &tier); err != nil {
		return nil, err
	}
	return &tier, nil
}

func (s *CatalogStorage) SaveUser(ctx context.Context, user *models.User) error {
	return s.upsert("user", user.ID, user)
}

func (s *CatalogStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.get("user", id, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
