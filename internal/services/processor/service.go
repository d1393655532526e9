// Package processor runs a job's chunks on the worker side.
//
// One queue task drives every chunk of one job, and only the task named on
// the job may drive it. Each chunk is claimed RUNNING before any provider
// call and settled with its outcome only if it is still RUNNING, so a crash
// leaves at most the in-flight chunks to reclaim on redelivery and a job
// failed elsewhere keeps its status.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/services/estimate"
	"golang.org/x/sync/errgroup"
)

var (
	// errSuperseded marks a task that is no longer the job's current task
	errSuperseded = errors.New("task superseded")
	// errRunLost cancels a run whose job was failed, reused or re-dispatched
	errRunLost = errors.New("job no longer owned by this task")

	errNotClaimable = errors.New("chunk is not queued")
	errChunkMoved   = errors.New("chunk is no longer running")
	errSkipBeat     = errors.New("heartbeat skipped")
)

// Service implements the chunk processor
type Service struct {
	jobs        interfaces.JobStorage
	chunks      interfaces.ChunkStorage
	catalog     interfaces.CatalogStorage
	resolver    interfaces.ProviderResolver
	credentials interfaces.CredentialProvider
	queue       interfaces.QueueManager

	concurrency     int
	maxOutputTokens int
	jobTimeout      time.Duration
	visibility      time.Duration
	heartbeatEvery  time.Duration
	logger          arbor.ILogger
}

// NewService creates the processor. queueMgr may be nil, in which case
// heartbeats do not extend the task's visibility.
func NewService(
	jobs interfaces.JobStorage,
	chunks interfaces.ChunkStorage,
	catalog interfaces.CatalogStorage,
	resolver interfaces.ProviderResolver,
	credentials interfaces.CredentialProvider,
	queueMgr interfaces.QueueManager,
	config *common.Config,
	logger arbor.ILogger,
) *Service {
	concurrency := config.Processor.ChunkConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	visibility := common.Duration(config.Queue.VisibilityTimeout, 10*time.Minute)
	heartbeat := common.Duration(config.Processor.HeartbeatInterval, time.Minute)
	if limit := visibility / 2; heartbeat > limit {
		heartbeat = limit
	}
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return &Service{
		jobs:            jobs,
		chunks:          chunks,
		catalog:         catalog,
		resolver:        resolver,
		credentials:     credentials,
		queue:           queueMgr,
		concurrency:     concurrency,
		maxOutputTokens: config.Processor.MaxOutputTokens,
		jobTimeout:      common.Duration(config.Processor.JobTimeout, 2*time.Hour),
		visibility:      visibility,
		heartbeatEvery:  heartbeat,
		logger:          logger,
	}
}

// Handle is the queue handler for process_job tasks
func (s *Service) Handle(ctx context.Context, msg *models.QueueMessage) error {
	if msg.JobID == "" {
		return common.Validationf("task %s has no job ID", msg.ID)
	}
	return s.Process(ctx, msg.JobID, msg.ID)
}

// plan is everything resolved before the first chunk runs
type plan struct {
	job      *models.Job
	prompt   *models.Prompt
	model    *models.Model
	provider interfaces.GenerationProvider
	cred     interfaces.Credential
}

// usage accumulates provider consumption across chunks
type usage struct {
	mu           sync.Mutex
	requests     int64
	inputTokens  int
	outputTokens int
}

func (u *usage) add(requests int64, in, out int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests += requests
	u.inputTokens += in
	u.outputTokens += out
}

// owns reports whether taskID may drive j at generation. An empty handle on
// either side places no constraint.
func owns(j *models.Job, generation int, taskID string) bool {
	return j.Generation == generation && (j.TaskID == "" || taskID == "" || j.TaskID == taskID)
}

// Process runs every pending chunk of jobID's current generation and rolls
// the outcome up into the job. A job that is no longer QUEUED or RUNNING, or
// that names a different task, is skipped.
func (s *Service) Process(ctx context.Context, jobID, taskID string) error {
	jobLogger := s.logger.WithCorrelationId(jobID)

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			jobLogger.Warn().Str("job_id", jobID).Msg("Job deleted before processing, skipping")
			return nil
		}
		return err
	}
	if job.Status != models.JobStatusQueued && job.Status != models.JobStatusRunning {
		jobLogger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job not runnable, skipping")
		return nil
	}
	if !owns(job, job.Generation, taskID) {
		jobLogger.Info().
			Str("job_id", job.ID).
			Str("task_id", taskID).
			Str("current_task_id", job.TaskID).
			Msg("Task superseded, skipping")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	p, err := s.preflight(ctx, job)
	if err != nil {
		jobLogger.Error().Err(err).Str("job_id", job.ID).Msg("Pre-flight failed")
		s.failJob(job, taskID, fmt.Sprintf("pre-flight failed: %v", err))
		return err
	}

	used := &usage{}
	defer func() {
		releaseCtx := context.WithoutCancel(ctx)
		if err := p.cred.Release(releaseCtx, interfaces.CredentialUsage{
			Requests: used.requests,
			Tokens:   int64(used.inputTokens + used.outputTokens),
		}); err != nil {
			jobLogger.Warn().Err(err).Msg("Failed to release credential")
		}
	}()

	job, err = s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return common.ErrCancelled
		}
		if !owns(j, job.Generation, taskID) {
			return errSuperseded
		}
		now := time.Now()
		j.Status = models.JobStatusRunning
		j.TaskID = taskID
		if j.StartedAt.IsZero() {
			j.StartedAt = now
		}
		j.HeartbeatAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrCancelled) || errors.Is(err, errSuperseded) {
			return nil
		}
		return err
	}
	p.job = job

	runCtx, lose := context.WithCancelCause(ctx)
	defer lose(nil)
	stopBeat := s.startHeartbeat(runCtx, lose, job, taskID, jobLogger)
	defer stopBeat()
	ctx = runCtx

	// Chunks left RUNNING by an interrupted delivery run again
	if reclaimed, err := s.chunks.TransitionChunks(ctx, job.ID, job.Generation,
		[]models.ChunkStatus{models.JobStatusRunning}, models.JobStatusQueued, ""); err != nil {
		return err
	} else if reclaimed > 0 {
		jobLogger.Info().Int("chunks", reclaimed).Msg("Reclaimed interrupted chunks")
	}

	chunks, err := s.chunks.ListChunks(ctx, job.ID, job.Generation)
	if err != nil {
		return err
	}

	jobLogger.Info().
		Str("job_id", job.ID).
		Int("generation", job.Generation).
		Int("chunks", len(chunks)).
		Str("model", p.model.Name).
		Str("key_id", p.cred.KeyID()).
		Msg("Processing job")

	token := cancelToken{jobs: s.jobs, jobID: job.ID}
	stopErr := s.runChunks(ctx, p, chunks, token, used, jobLogger)
	stopBeat()

	switch {
	case errors.Is(context.Cause(ctx), errRunLost):
		jobLogger.Warn().Str("job_id", job.ID).Str("task_id", taskID).Msg("Job taken from this task, processing stopped")
		return nil
	case errors.Is(stopErr, common.ErrCancelled):
		s.finishCancelled(job, used, jobLogger)
		return nil
	case errors.Is(stopErr, context.Canceled):
		// Worker shutdown. The unacked task is redelivered and resumes here.
		s.recordUsage(job.ID, used)
		return stopErr
	case errors.Is(stopErr, context.DeadlineExceeded):
		s.recordUsage(job.ID, used)
		s.failJob(job, taskID, "job timed out")
		return stopErr
	case stopErr != nil:
		s.recordUsage(job.ID, used)
		s.failJob(job, taskID, stopErr.Error())
		return stopErr
	}

	return s.rollup(ctx, job, taskID, used, jobLogger)
}

func (s *Service) preflight(ctx context.Context, job *models.Job) (*plan, error) {
	prompt, err := s.catalog.GetPrompt(ctx, job.PromptID)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", job.PromptID, err)
	}
	model, err := s.catalog.GetModel(ctx, job.ModelID)
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", job.ModelID, err)
	}
	if !model.Active {
		return nil, common.Validationf("model %s is not active", model.Name)
	}
	provider, err := s.resolver.ProviderFor(model)
	if err != nil {
		return nil, err
	}
	cred, err := s.credentials.Acquire(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("credential for %s: %w", model.Name, err)
	}
	return &plan{job: job, prompt: prompt, model: model, provider: provider, cred: cred}, nil
}

// runChunks processes QUEUED chunks in index order, at most s.concurrency at
// once. The cancel token is checked before each chunk starts.
func (s *Service) runChunks(ctx context.Context, p *plan, chunks []*models.Chunk, token cancelToken, used *usage, logger arbor.ILogger) error {
	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)

	var stopErr error
	for _, chunk := range chunks {
		if chunk.Status != models.JobStatusQueued {
			continue
		}
		if err := token.Err(ctx); err != nil {
			stopErr = err
			break
		}
		g.Go(func() error {
			return s.processChunk(ctx, p, chunk, used, logger)
		})
	}

	if err := g.Wait(); err != nil && stopErr == nil {
		stopErr = err
	}
	if stopErr == nil {
		stopErr = token.Err(ctx)
	}
	return stopErr
}

// processChunk runs one chunk. Row failures become error markers; a fatal
// provider error fails the chunk. Only interruption is returned as an error.
func (s *Service) processChunk(ctx context.Context, p *plan, chunk *models.Chunk, used *usage, logger arbor.ILogger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The claim re-checks the stored status so a cancel that landed after
	// listing is honoured
	claimed, err := s.chunks.UpdateChunk(ctx, chunk.ID, func(c *models.Chunk) error {
		if c.Status != models.JobStatusQueued {
			return errNotClaimable
		}
		c.Status = models.JobStatusRunning
		c.Error = ""
		c.Output = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, errNotClaimable) {
			return nil
		}
		return err
	}
	chunk = claimed

	start := time.Now()
	var requests int64
	var inTokens, outTokens, rowFailures int
	var fatal error

	output := make([]models.OutputRow, 0, len(chunk.Source))
	for _, row := range chunk.Source {
		if err := p.cred.Wait(ctx); err != nil {
			fatal = err
			break
		}

		requests++
		res, err := p.provider.Generate(ctx, p.cred.APIKey(), s.request(p, chunk, row))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, common.ErrProviderFatal) {
				fatal = err
				break
			}
			rowFailures++
			output = append(output, models.OutputRow{RowIndex: row.RowIndex, Input: row.Payload, Error: err.Error()})
			continue
		}

		inTokens += res.InputTokens
		outTokens += res.OutputTokens
		output = append(output, models.OutputRow{RowIndex: row.RowIndex, Input: row.Payload, Output: res.Text})
	}
	used.add(requests, inTokens, outTokens)

	// Interrupted chunks stay RUNNING and are reclaimed on redelivery
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status, reason := models.ChunkStatus(models.JobStatusFinished), ""
	if fatal != nil {
		status, reason = models.JobStatusFailed, fatal.Error()
	}
	completedAt := time.Now()
	settled, err := s.chunks.UpdateChunk(context.WithoutCancel(ctx), chunk.ID, func(c *models.Chunk) error {
		if c.Status != models.JobStatusRunning {
			return errChunkMoved
		}
		c.Output = output
		c.Status = status
		c.Error = reason
		c.CompletedAt = completedAt
		return nil
	})
	if err != nil {
		if errors.Is(err, errChunkMoved) {
			logger.Warn().Str("chunk_id", chunk.ID).Int("index", chunk.Index).Msg("Chunk settled elsewhere while running, result discarded")
			return nil
		}
		return err
	}
	chunk = settled

	logger.Info().
		Str("chunk_id", chunk.ID).
		Int("index", chunk.Index).
		Str("rows", chunk.RowRange).
		Str("status", string(chunk.Status)).
		Int("row_failures", rowFailures).
		Dur("duration", time.Since(start)).
		Msg("Chunk processed")
	return nil
}

func (s *Service) request(p *plan, chunk *models.Chunk, row models.SourceRow) *interfaces.GenerateRequest {
	maxTokens := s.maxOutputTokens
	if p.model.MaxOutputTokens > 0 && (maxTokens <= 0 || p.model.MaxOutputTokens < maxTokens) {
		maxTokens = p.model.MaxOutputTokens
	}
	return &interfaces.GenerateRequest{
		Model:           p.model.Name,
		Prompt:          p.prompt.Text,
		Data:            estimate.Serialize(row.Payload, chunk.Granularity, chunk.FocusColumn),
		Temperature:     p.job.Verbosity,
		TopP:            p.job.Verbosity,
		MaxOutputTokens: maxTokens,
	}
}

// startHeartbeat stamps the job and extends the task's visibility every
// s.heartbeatEvery until the returned stop func is called. A job that was
// failed, reused or handed to another task cancels ctx with errRunLost.
func (s *Service) startHeartbeat(ctx context.Context, lose context.CancelCauseFunc, job *models.Job, taskID string, logger arbor.ILogger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.beat(ctx, job, taskID, logger); errors.Is(err, errRunLost) {
					lose(errRunLost)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (s *Service) beat(ctx context.Context, job *models.Job, taskID string, logger arbor.ILogger) error {
	_, err := s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if !owns(j, job.Generation, taskID) {
			return errRunLost
		}
		switch j.Status {
		case models.JobStatusRunning:
			j.HeartbeatAt = time.Now()
			return nil
		case models.JobStatusCancelled:
			// The cancel token stops the run at the next chunk
			return errSkipBeat
		default:
			return errRunLost
		}
	})
	switch {
	case errors.Is(err, errRunLost), errors.Is(err, common.ErrNotFound):
		return errRunLost
	case errors.Is(err, errSkipBeat):
		return nil
	case err != nil:
		logger.Warn().Err(err).Msg("Failed to record heartbeat")
	}

	if s.queue != nil && taskID != "" {
		if err := s.queue.Extend(ctx, taskID, s.visibility); err != nil {
			logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to extend task visibility")
		}
	}
	return nil
}

// rollup sets the job FINISHED when no chunk failed, FAILED otherwise. A job
// that was settled elsewhere meanwhile keeps its status.
func (s *Service) rollup(ctx context.Context, job *models.Job, taskID string, used *usage, logger arbor.ILogger) error {
	stats, err := s.chunks.ChunkStats(ctx, job.ID, job.Generation)
	if err != nil {
		return err
	}

	updated, err := s.jobs.UpdateJob(context.WithoutCancel(ctx), job.ID, func(j *models.Job) error {
		if j.Generation != job.Generation {
			return errRunLost
		}
		j.ActualInputTokens += used.inputTokens
		j.ActualOutputTokens += used.outputTokens
		if j.Status != models.JobStatusRunning || !owns(j, job.Generation, taskID) {
			return nil
		}
		j.CompletedAt = time.Now()
		if stats.Failed > 0 {
			j.Status = models.JobStatusFailed
			j.Error = fmt.Sprintf("%d of %d chunks failed", stats.Failed, stats.Total)
		} else {
			j.Status = models.JobStatusFinished
			j.Error = ""
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errRunLost) {
			logger.Warn().Str("job_id", job.ID).Msg("Job was resubmitted while running, outcome dropped")
			return nil
		}
		return err
	}

	logger.Info().
		Str("job_id", updated.ID).
		Str("status", string(updated.Status)).
		Int("finished", stats.Finished).
		Int("failed", stats.Failed).
		Int("input_tokens", updated.ActualInputTokens).
		Int("output_tokens", updated.ActualOutputTokens).
		Msg("Job completed")
	return nil
}

func (s *Service) finishCancelled(job *models.Job, used *usage, logger arbor.ILogger) {
	ctx := context.Background()
	if _, err := s.chunks.TransitionChunks(ctx, job.ID, job.Generation,
		[]models.ChunkStatus{models.JobStatusQueued}, models.JobStatusCancelled, "cancelled by user"); err != nil {
		logger.Warn().Err(err).Msg("Failed to cancel remaining chunks")
	}
	s.recordUsage(job.ID, used)
	logger.Info().Str("job_id", job.ID).Msg("Job cancelled, processing stopped")
}

func (s *Service) recordUsage(jobID string, used *usage) {
	if used.inputTokens == 0 && used.outputTokens == 0 {
		return
	}
	if _, err := s.jobs.UpdateJob(context.Background(), jobID, func(j *models.Job) error {
		j.ActualInputTokens += used.inputTokens
		j.ActualOutputTokens += used.outputTokens
		return nil
	}); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record token usage")
	}
}

// failJob marks the job FAILED and fails every chunk that has not finished.
// A job already settled, or driven by another task, is left alone.
func (s *Service) failJob(job *models.Job, taskID, reason string) {
	ctx := context.Background()
	applied := false
	if _, err := s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		applied = false
		if j.Status.IsTerminal() || !owns(j, job.Generation, taskID) {
			return nil
		}
		applied = true
		j.Status = models.JobStatusFailed
		j.Error = reason
		j.CompletedAt = time.Now()
		return nil
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job failed")
		return
	}
	if !applied {
		return
	}
	if _, err := s.chunks.TransitionChunks(ctx, job.ID, job.Generation,
		[]models.ChunkStatus{models.JobStatusQueued, models.JobStatusRunning}, models.JobStatusFailed, reason); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail remaining chunks")
	}
}
