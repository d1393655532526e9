package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tablemind/internal/models"
)

// JobStorage - interface for Job persistence
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob loads a job without owner scoping. Worker side only.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// GetJobForUser loads a job owned by userID. A job owned by anyone else
	// is reported as common.ErrNotFound.
	GetJobForUser(ctx context.Context, userID, jobID string) (*models.Job, error)

	// FindJobByHash returns the user's job with the given dedup hash, or nil when none exists.
	FindJobByHash(ctx context.Context, userID, hash string) (*models.Job, error)

	ListJobsByUser(ctx context.Context, userID string) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// UpdateJob applies fn to the stored job inside one transaction and returns the result.
	UpdateJob(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error)

	// DeleteJob removes the job and every chunk bound to it.
	DeleteJob(ctx context.Context, jobID string) error
}

// ChunkStorage - interface for Chunk persistence
type ChunkStorage interface {
	// CommitChunkSet saves job and inserts chunks in a single transaction.
	// Either everything is written or nothing is.
	CommitChunkSet(ctx context.Context, job *models.Job, chunks []*models.Chunk) error

	SaveChunk(ctx context.Context, chunk *models.Chunk) error
	GetChunk(ctx context.Context, chunkID string) (*models.Chunk, error)

	// UpdateChunk applies fn to the stored chunk inside one transaction and
	// returns the result. An error from fn aborts the write and is returned.
	UpdateChunk(ctx context.Context, chunkID string, fn func(chunk *models.Chunk) error) (*models.Chunk, error)

	// ListChunks returns the chunks of one generation ordered by chunk index.
	ListChunks(ctx context.Context, jobID string, generation int) ([]*models.Chunk, error)

	// ChunkStats counts the chunks of one generation per status.
	ChunkStats(ctx context.Context, jobID string, generation int) (models.ChunkStats, error)

	// TransitionChunks moves chunks of one generation whose status is in from
	// to status to, recording reason. Returns the number of chunks moved.
	TransitionChunks(ctx context.Context, jobID string, generation int, from []models.ChunkStatus, to models.ChunkStatus, reason string) (int, error)
}

// CatalogStorage - interface for prompts, media, models, keys and billing
type CatalogStorage interface {
	SavePrompt(ctx context.Context, prompt *models.Prompt) error
	GetPrompt(ctx context.Context, id string) (*models.Prompt, error)

	SaveMedia(ctx context.Context, media *models.Media) error
	GetMedia(ctx context.Context, id string) (*models.Media, error)

	SaveModel(ctx context.Context, model *models.Model) error
	GetModel(ctx context.Context, id string) (*models.Model, error)
	GetModelByName(ctx context.Context, name string) (*models.Model, error)
	ListModels(ctx context.Context) ([]*models.Model, error)

	SaveAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, modelID string) ([]*models.APIKey, error)
	// RecordKeyUsage adds requests and tokens to a key's counters and stamps its last use.
	RecordKeyUsage(ctx context.Context, keyID string, requests, tokens int64, at time.Time) error

	SaveUserTier(ctx context.Context, tier *models.UserTier) error
	GetUserTier(ctx context.Context, name string) (*models.UserTier, error)
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	JobStorage() JobStorage
	ChunkStorage() ChunkStorage
	CatalogStorage() CatalogStorage
	DB() interface{}
	Close() error
}
