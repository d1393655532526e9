// -----------------------------------------------------------------------
// Job Service - estimate, submit and follow table processing jobs
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/services/catalog"
	"github.com/ternarybob/tablemind/internal/services/dispatch"
	"github.com/ternarybob/tablemind/internal/services/estimate"
	"github.com/ternarybob/tablemind/internal/services/ledger"
	"github.com/ternarybob/tablemind/internal/services/results"
)

// Request names what to run: the user's prompt and media against a model
type Request struct {
	UserID      string `validate:"required"`
	PromptID    string `validate:"required"`
	MediaID     string `validate:"required"`
	ModelID     string `validate:"required"`
	Granularity models.Granularity
	FocusColumn string
	Verbosity   float64
	ChunkSize   int `validate:"gte=0"`
	SampleSize  int `validate:"gte=0"`
}

// Submission is the outcome of Submit
type Submission struct {
	Job      *models.Job
	Estimate *models.EstimateResult
	TaskID   string
	Reused   bool
}

// Status is a job with its chunk statistics and queue task state
type Status struct {
	Job     *models.Job        `json:"job"`
	Stats   models.ChunkStats  `json:"stats"`
	Percent float64            `json:"percent_complete"`
	Task    *models.TaskStatus `json:"task,omitempty"`
}

// Service provides high-level job operations
type Service struct {
	catalog    *catalog.Service
	loader     interfaces.DatasetLoader
	estimator  *estimate.Service
	ledger     *ledger.Service
	dispatcher *dispatch.Dispatcher
	aggregator *results.Aggregator
	exporter   *results.Exporter

	defaultChunkSize int
	includeInput     bool
	validate         *validator.Validate
	logger           arbor.ILogger
}

// NewService creates the job service
func NewService(
	catalogSvc *catalog.Service,
	loader interfaces.DatasetLoader,
	estimator *estimate.Service,
	ledgerSvc *ledger.Service,
	dispatcher *dispatch.Dispatcher,
	aggregator *results.Aggregator,
	exporter *results.Exporter,
	config *common.Config,
	logger arbor.ILogger,
) *Service {
	return &Service{
		catalog:          catalogSvc,
		loader:           loader,
		estimator:        estimator,
		ledger:           ledgerSvc,
		dispatcher:       dispatcher,
		aggregator:       aggregator,
		exporter:         exporter,
		defaultChunkSize: config.Chunker.ChunkSize,
		includeInput:     config.Export.IncludeInput,
		validate:         validator.New(),
		logger:           logger,
	}
}

// prepared holds the resolved inputs of a request
type prepared struct {
	prompt  *models.Prompt
	media   *models.Media
	model   *models.Model
	billing *models.UserBilling
	dataset *models.Dataset
}

func (s *Service) prepare(ctx context.Context, req *Request) (*prepared, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, common.Validationf("invalid job request: %v", err)
	}

	prompt, err := s.catalog.GetPrompt(ctx, req.PromptID)
	if err != nil {
		return nil, err
	}
	if prompt.UserID != req.UserID {
		return nil, common.NotFoundf("prompt %s", req.PromptID)
	}
	media, err := s.catalog.GetMedia(ctx, req.MediaID, req.UserID)
	if err != nil {
		return nil, err
	}
	model, err := s.catalog.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	billing, err := s.catalog.GetUserBilling(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	ds, err := s.loader.Load(ctx, media.Path, media.MediaType)
	if err != nil {
		return nil, err
	}

	return &prepared{prompt: prompt, media: media, model: model, billing: billing, dataset: ds}, nil
}

func (s *Service) estimate(ctx context.Context, req *Request, p *prepared) (*models.EstimateResult, error) {
	return s.estimator.Estimate(ctx, &estimate.Request{
		Dataset:     p.dataset,
		Model:       p.model,
		PromptText:  p.prompt.Text,
		Granularity: req.Granularity,
		FocusColumn: req.FocusColumn,
		Verbosity:   req.Verbosity,
		SampleSize:  req.SampleSize,
		Billing:     p.billing,
	})
}

// Estimate projects tokens and cost without creating anything
func (s *Service) Estimate(ctx context.Context, req *Request) (*models.EstimateResult, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.estimate(ctx, req, p)
}

// Submit estimates, creates or reuses the job with a fresh chunk set and
// dispatches it. An estimate over quota blocks creation. A dataset with no
// rows finishes immediately without dispatch.
func (s *Service) Submit(ctx context.Context, req *Request) (*Submission, error) {
	p, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	est, err := s.estimate(ctx, req, p)
	if err != nil {
		return nil, err
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.defaultChunkSize
	}
	granularity := req.Granularity
	if granularity == "" {
		granularity = models.GranularityPerRow
	}

	job, reused, err := s.ledger.CreateOrReuse(ctx, &ledger.CreateRequest{
		UserID:      req.UserID,
		Prompt:      p.prompt,
		Media:       p.media,
		Model:       p.model,
		Estimate:    est,
		Dataset:     p.dataset,
		Granularity: granularity,
		FocusColumn: req.FocusColumn,
		ChunkSize:   chunkSize,
		Verbosity:   est.Verbosity,
	})
	if err != nil {
		return nil, err
	}
	sub := &Submission{Job: job, Estimate: est, Reused: reused}

	if job.TotalChunks == 0 {
		s.logger.Info().Str("job_id", job.ID).Msg("Dataset has no rows, nothing to dispatch")
		if sub.Job, err = s.ledger.UpdateStatus(ctx, job.ID, models.JobStatusFinished, ""); err != nil {
			return nil, err
		}
		return sub, nil
	}

	taskID, err := s.dispatcher.Enqueue(ctx, job.ID)
	if err != nil {
		if errors.Is(err, common.ErrQueueUnavailable) {
			if _, uErr := s.ledger.UpdateStatus(ctx, job.ID, models.JobStatusFailed, err.Error()); uErr != nil {
				s.logger.Warn().Err(uErr).Str("job_id", job.ID).Msg("Failed to mark undispatched job failed")
			}
		}
		return nil, err
	}
	sub.TaskID = taskID
	sub.Job.TaskID = taskID

	s.logger.Info().
		Str("job_id", job.ID).
		Str("task_id", taskID).
		Int("chunks", job.TotalChunks).
		Int64("estimated_cost", est.Cost.Total).
		Msg("Job submitted")
	return sub, nil
}

// Status reports the job, its chunk statistics and its task state
func (s *Service) Status(ctx context.Context, userID, jobID string) (*Status, error) {
	job, err := s.ledger.Get(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	stats, err := s.ledger.ChunkStats(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	status := &Status{Job: job, Stats: stats, Percent: stats.PercentComplete()}
	if job.TaskID != "" {
		task, err := s.dispatcher.PollStatus(ctx, job.TaskID)
		if err != nil {
			s.logger.Debug().Err(err).Str("task_id", job.TaskID).Msg("Task status unavailable")
		} else {
			status.Task = task
		}
	}
	return status, nil
}

// Results returns the rows of the job's finished chunks
func (s *Service) Results(ctx context.Context, userID, jobID string) (*results.ResultSet, error) {
	return s.aggregator.Collect(ctx, userID, jobID)
}

// Export writes the job's results to a file. An empty format follows the
// source media; nil includeInput uses the configured default.
func (s *Service) Export(ctx context.Context, userID, jobID, format string, includeInput *bool) (string, error) {
	set, err := s.aggregator.Collect(ctx, userID, jobID)
	if err != nil {
		return "", err
	}

	var f results.Format
	if format == "" {
		media, err := s.catalog.GetMedia(ctx, set.Job.MediaID, userID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve source media: %w", err)
		}
		f = results.DefaultFormat(media.MediaType)
	} else if f, err = results.ParseFormat(format); err != nil {
		return "", err
	}

	include := s.includeInput
	if includeInput != nil {
		include = *includeInput
	}
	return s.exporter.Export(set, f, include)
}

func (s *Service) Cancel(ctx context.Context, userID, jobID string) (*models.Job, error) {
	return s.ledger.Cancel(ctx, userID, jobID)
}

func (s *Service) Delete(ctx context.Context, userID, jobID string) error {
	return s.ledger.Delete(ctx, userID, jobID)
}

func (s *Service) List(ctx context.Context, userID string) ([]*models.Job, error) {
	return s.ledger.ListByUser(ctx, userID)
}

func (s *Service) Chunks(ctx context.Context, userID, jobID string) ([]*models.Chunk, error) {
	return s.ledger.Chunks(ctx, userID, jobID)
}
