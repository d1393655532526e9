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

// ChunkStorage implements the ChunkStorage interface for Badger
type ChunkStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewChunkStorage creates a new ChunkStorage instance
func NewChunkStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ChunkStorage {
	return &ChunkStorage{
		db:     db,
		logger: logger,
	}
}

// CommitChunkSet writes the job and all of its chunks in one Badger
// transaction. Insert (not Upsert) is used for chunks so a reused ID or a
// repeated hash attempt fails the whole commit instead of overwriting.
func (s *ChunkStorage) CommitChunkSet(ctx context.Context, job *models.Job, chunks []*models.Chunk) error {
	if job == nil || job.ID == "" {
		return common.Validationf("job ID is required")
	}

	now := time.Now()
	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		job.UpdatedAt = now
		if err := s.db.Store().TxUpsert(tx, job.ID, job); err != nil {
			return err
		}

		for _, chunk := range chunks {
			if chunk.JobID != job.ID {
				return common.Validationf("chunk %s belongs to job %s, not %s", chunk.ID, chunk.JobID, job.ID)
			}
			chunk.UpdatedAt = now
			if err := s.db.Store().TxInsert(tx, chunk.ID, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrValidation) {
			return err
		}
		if errors.Is(err, badger.ErrTxnTooBig) {
			s.logger.Warn().
				Str("job_id", job.ID).
				Int("chunks", len(chunks)).
				Msg("Chunk set too large for a single transaction")
		}
		return common.Persistence("commit chunk set", err)
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Int("generation", job.Generation).
		Int("chunks", len(chunks)).
		Msg("Chunk set committed")
	return nil
}

func (s *ChunkStorage) SaveChunk(ctx context.Context, chunk *models.Chunk) error {
	if chunk.ID == "" {
		return common.Validationf("chunk ID is required")
	}
	chunk.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(chunk.ID, chunk); err != nil {
		return common.Persistence("save chunk", err)
	}
	return nil
}

func (s *ChunkStorage) GetChunk(ctx context.Context, chunkID string) (*models.Chunk, error) {
	var chunk models.Chunk
	if err := s.db.Store().Get(chunkID, &chunk); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundf("chunk %s", chunkID)
		}
		return nil, common.Persistence("get chunk", err)
	}
	return &chunk, nil
}

func (s *ChunkStorage) UpdateChunk(ctx context.Context, chunkID string, fn func(chunk *models.Chunk) error) (*models.Chunk, error) {
	var updated models.Chunk
	var fnErr error

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			var chunk models.Chunk
			if err := s.db.Store().TxGet(tx, chunkID, &chunk); err != nil {
				return err
			}
			if fnErr = fn(&chunk); fnErr != nil {
				return fnErr
			}
			chunk.UpdatedAt = time.Now()
			if err := s.db.Store().TxUpsert(tx, chunk.ID, &chunk); err != nil {
				return err
			}
			updated = chunk
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug().Str("chunk_id", chunkID).Int("attempt", attempt+1).Msg("Chunk update conflict, retrying")
	}

	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundf("chunk %s", chunkID)
		}
		return nil, common.Persistence("update chunk", err)
	}
	return &updated, nil
}

func (s *ChunkStorage) ListChunks(ctx context.Context, jobID string, generation int) ([]*models.Chunk, error) {
	var chunks []models.Chunk
	query := badgerhold.Where("JobID").Eq(jobID).And("Generation").Eq(generation).SortBy("Index")
	if err := s.db.Store().Find(&chunks, query); err != nil {
		return nil, common.Persistence("list chunks", err)
	}

	result := make([]*models.Chunk, len(chunks))
	for i := range chunks {
		result[i] = &chunks[i]
	}
	return result, nil
}

func (s *ChunkStorage) ChunkStats(ctx context.Context, jobID string, generation int) (models.ChunkStats, error) {
	var stats models.ChunkStats

	chunks, err := s.ListChunks(ctx, jobID, generation)
	if err != nil {
		return stats, err
	}
	for _, chunk := range chunks {
		stats.Add(chunk.Status)
	}
	return stats, nil
}

func (s *ChunkStorage) TransitionChunks(ctx context.Context, jobID string, generation int, from []models.ChunkStatus, to models.ChunkStatus, reason string) (int, error) {
	moved := 0
	now := time.Now()

	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		moved = 0
		var chunks []models.Chunk
		query := badgerhold.Where("JobID").Eq(jobID).And("Generation").Eq(generation)
		if err := s.db.Store().TxFind(tx, &chunks, query); err != nil {
			return err
		}

		for i := range chunks {
			chunk := &chunks[i]
			if !statusIn(chunk.Status, from) {
				continue
			}
			chunk.Status = to
			chunk.UpdatedAt = now
			if to.IsTerminal() {
				chunk.CompletedAt = now
			}
			if reason != "" {
				chunk.Error = reason
			}
			if err := s.db.Store().TxUpsert(tx, chunk.ID, chunk); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	if err != nil {
		return 0, common.Persistence("transition chunks", err)
	}
	return moved, nil
}

func statusIn(status models.ChunkStatus, set []models.ChunkStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
