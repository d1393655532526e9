// Package ledger owns job identity, content-based dedup and the job state
// machine. Every read or write on behalf of a user is scoped to that user.
package ledger

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/services/chunker"
)

// CreateRequest carries everything needed to create or reuse a job
type CreateRequest struct {
	UserID      string
	Prompt      *models.Prompt
	Media       *models.Media
	Model       *models.Model
	Estimate    *models.EstimateResult
	Dataset     *models.Dataset
	Granularity models.Granularity
	FocusColumn string
	ChunkSize   int
	Verbosity   float64
}

// Service implements the job ledger
type Service struct {
	jobs    interfaces.JobStorage
	chunks  interfaces.ChunkStorage
	chunker *chunker.Service
	logger  arbor.ILogger
}

func NewService(jobs interfaces.JobStorage, chunks interfaces.ChunkStorage, chunkSvc *chunker.Service, logger arbor.ILogger) *Service {
	return &Service{
		jobs:    jobs,
		chunks:  chunks,
		chunker: chunkSvc,
		logger:  logger,
	}
}

// JobHash identifies a job by its prompt, media and model
func JobHash(promptID, mediaID, modelID string) string {
	return common.HashText(promptID + mediaID + modelID)
}

// CreateOrReuse returns the user's job for the (prompt, media, model) triple,
// creating it when absent. A reused job moves back to QUEUED with a fresh
// chunk set under the next generation. The returned bool reports reuse.
func (s *Service) CreateOrReuse(ctx context.Context, req *CreateRequest) (*models.Job, bool, error) {
	if req.UserID == "" || req.Prompt == nil || req.Media == nil || req.Model == nil || req.Dataset == nil {
		return nil, false, common.Validationf("user, prompt, media, model and dataset are required")
	}

	slices, err := chunker.Split(req.Dataset, req.ChunkSize)
	if err != nil {
		return nil, false, err
	}

	hash := JobHash(req.Prompt.ID, req.Media.ID, req.Model.ID)
	existing, err := s.jobs.FindJobByHash(ctx, req.UserID, hash)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	var job *models.Job
	reused := existing != nil
	if reused {
		if existing.Status == models.JobStatusRunning {
			return nil, false, common.Validationf("job %s is running, cancel it before resubmitting", existing.ID)
		}
		job = existing
		job.Generation++
		job.Status = models.JobStatusQueued
		job.Error = ""
		// TaskID is kept: a task that is still pending picks up the new
		// generation, and dispatch only enqueues when it is gone.
		job.ActualInputTokens = 0
		job.ActualOutputTokens = 0
		job.StartedAt = time.Time{}
		job.HeartbeatAt = time.Time{}
		job.CompletedAt = time.Time{}
	} else {
		job = &models.Job{
			ID:         common.NewJobID(),
			UserID:     req.UserID,
			PromptID:   req.Prompt.ID,
			MediaID:    req.Media.ID,
			ModelID:    req.Model.ID,
			Hash:       hash,
			Status:     models.JobStatusQueued,
			Generation: 1,
			CreatedAt:  now,
		}
	}

	job.Granularity = req.Granularity
	job.FocusColumn = req.FocusColumn
	job.ChunkSize = req.ChunkSize
	job.Verbosity = req.Verbosity
	if req.Estimate != nil {
		job.EstimatedInputTokens = req.Estimate.InputTokens
		job.EstimatedOutputTokens = req.Estimate.OutputTokens
		job.EstimatedCost = req.Estimate.Cost.Total
		job.Currency = req.Estimate.Cost.Currency
		job.RiskLevel = req.Estimate.Risk
	}

	if _, err := s.chunker.Store(ctx, job, slices); err != nil {
		return nil, false, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("user_id", job.UserID).
		Int("generation", job.Generation).
		Int("chunks", job.TotalChunks).
		Str("reused", boolText(reused)).
		Msg("Job ready")
	return job, reused, nil
}

// Get returns the user's job
func (s *Service) Get(ctx context.Context, userID, jobID string) (*models.Job, error) {
	return s.jobs.GetJobForUser(ctx, userID, jobID)
}

// ListByUser returns the user's jobs, newest first
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.jobs.ListJobsByUser(ctx, userID)
}

// UpdateStatus moves a job to status. Terminal statuses stamp CompletedAt.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, status models.JobStatus, reason string) (*models.Job, error) {
	return s.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		job.Status = status
		if reason != "" {
			job.Error = reason
		}
		now := time.Now()
		switch {
		case status == models.JobStatusRunning && job.StartedAt.IsZero():
			job.StartedAt = now
			job.HeartbeatAt = now
		case status.IsTerminal():
			job.CompletedAt = now
		}
		return nil
	})
}

// AttachTask records the queue handle on the job
func (s *Service) AttachTask(ctx context.Context, jobID, taskID string) (*models.Job, error) {
	return s.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		job.TaskID = taskID
		return nil
	})
}

// Cancel moves a QUEUED or RUNNING job to CANCELLED. Chunks not yet started
// are cancelled here; a running processor stops before its next chunk.
func (s *Service) Cancel(ctx context.Context, userID, jobID string) (*models.Job, error) {
	if _, err := s.Get(ctx, userID, jobID); err != nil {
		return nil, err
	}

	job, err := s.jobs.UpdateJob(ctx, jobID, func(job *models.Job) error {
		if job.Status.IsTerminal() {
			return common.Validationf("job %s is already %s", job.ID, job.Status)
		}
		job.Status = models.JobStatusCancelled
		job.Error = "cancelled by user"
		job.CompletedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	moved, err := s.chunks.TransitionChunks(ctx, job.ID, job.Generation,
		[]models.ChunkStatus{models.JobStatusQueued}, models.JobStatusCancelled, "cancelled by user")
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("chunks_cancelled", moved).
		Msg("Job cancelled")
	return job, nil
}

// Delete removes the user's job and all of its chunks
func (s *Service) Delete(ctx context.Context, userID, jobID string) error {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status == models.JobStatusRunning {
		return common.Validationf("job %s is running, cancel it before deleting", job.ID)
	}
	return s.jobs.DeleteJob(ctx, job.ID)
}

// ChunkStats counts the current generation's chunks per status
func (s *Service) ChunkStats(ctx context.Context, userID, jobID string) (models.ChunkStats, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return models.ChunkStats{}, err
	}
	return s.chunks.ChunkStats(ctx, job.ID, job.Generation)
}

// Chunks lists the current generation's chunks in index order
func (s *Service) Chunks(ctx context.Context, userID, jobID string) ([]*models.Chunk, error) {
	job, err := s.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	return s.chunks.ListChunks(ctx, job.ID, job.Generation)
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
