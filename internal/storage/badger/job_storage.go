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

// maxConflictRetries bounds read-modify-write retries on badger.ErrConflict
const maxConflictRetries = 5

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return common.Validationf("job ID is required")
	}

	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return common.Persistence("save job", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundf("job %s", jobID)
		}
		return nil, common.Persistence("get job", err)
	}
	return &job, nil
}

func (s *JobStorage) GetJobForUser(ctx context.Context, userID, jobID string) (*models.Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	// Another user's job is reported exactly like a missing one
	if job.UserID != userID {
		return nil, common.NotFoundf("job %s", jobID)
	}
	return job, nil
}

func (s *JobStorage) FindJobByHash(ctx context.Context, userID, hash string) (*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("Hash").Eq(hash).And("UserID").Eq(userID).SortBy("CreatedAt")
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, common.Persistence("find job by hash", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (s *JobStorage) ListJobsByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("UserID").Eq(userID).SortBy("CreatedAt").Reverse()); err != nil {
		return nil, common.Persistence("list jobs", err)
	}
	return toJobPointers(jobs), nil
}

func (s *JobStorage) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, common.Persistence("list jobs by status", err)
	}
	return toJobPointers(jobs), nil
}

func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, fn func(job *models.Job) error) (*models.Job, error) {
	var updated models.Job
	var fnErr error

	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.db.Store().Badger().Update(func(tx *badger.Txn) error {
			var job models.Job
			if err := s.db.Store().TxGet(tx, jobID, &job); err != nil {
				return err
			}
			if fnErr = fn(&job); fnErr != nil {
				return fnErr
			}
			job.UpdatedAt = time.Now()
			if err := s.db.Store().TxUpsert(tx, job.ID, &job); err != nil {
				return err
			}
			updated = job
			return nil
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
		s.logger.Debug().Str("job_id", jobID).Int("attempt", attempt+1).Msg("Job update conflict, retrying")
	}

	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, common.NotFoundf("job %s", jobID)
		}
		return nil, common.Persistence("update job", err)
	}
	return &updated, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		if err := s.db.Store().TxDelete(tx, jobID, &models.Job{}); err != nil {
			return err
		}
		return s.db.Store().TxDeleteMatching(tx, &models.Chunk{}, badgerhold.Where("JobID").Eq(jobID))
	})
	if err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return common.NotFoundf("job %s", jobID)
		}
		return common.Persistence("delete job", err)
	}

	s.logger.Debug().Str("job_id", jobID).Msg("Job and chunks deleted")
	return nil
}

func toJobPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
