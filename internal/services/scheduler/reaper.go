package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// ReaperTaskName is the scheduler task that fails stale jobs
const ReaperTaskName = "stale_job_reaper"

// Reaper fails RUNNING jobs whose worker stopped sending heartbeats
type Reaper struct {
	jobs       interfaces.JobStorage
	chunks     interfaces.ChunkStorage
	staleAfter time.Duration
	now        func() time.Time
	logger     arbor.ILogger
}

func NewReaper(jobs interfaces.JobStorage, chunks interfaces.ChunkStorage, config common.SchedulerConfig, logger arbor.ILogger) *Reaper {
	return &Reaper{
		jobs:       jobs,
		chunks:     chunks,
		staleAfter: common.Duration(config.StaleAfter, 15*time.Minute),
		now:        time.Now,
		logger:     logger,
	}
}

// Register adds the reaper to the scheduler on the configured schedule
func (r *Reaper) Register(s interfaces.SchedulerService, schedule string) error {
	return s.RegisterTask(ReaperTaskName, schedule,
		fmt.Sprintf("Fail RUNNING jobs without a heartbeat for %s", r.staleAfter),
		func(ctx context.Context) error {
			_, err := r.ReapStale(ctx)
			return err
		})
}

// ReapStale fails every stale job along with its unfinished chunks and
// returns how many jobs it failed.
func (r *Reaper) ReapStale(ctx context.Context) (int, error) {
	running, err := r.jobs.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	cutoff := r.now().Add(-r.staleAfter)
	reason := fmt.Sprintf("job stale (no heartbeat for %s)", r.staleAfter)
	reaped := 0

	for _, candidate := range running {
		if !isStale(candidate, cutoff) {
			continue
		}

		var stale bool
		job, err := r.jobs.UpdateJob(ctx, candidate.ID, func(job *models.Job) error {
			// Re-check inside the transaction; a worker may have just beaten.
			stale = job.Status == models.JobStatusRunning && isStale(job, cutoff)
			if !stale {
				return nil
			}
			job.Status = models.JobStatusFailed
			job.Error = reason
			job.CompletedAt = r.now()
			return nil
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", candidate.ID).Msg("Failed to fail stale job")
			continue
		}
		if !stale {
			continue
		}

		n, err := r.chunks.TransitionChunks(ctx, job.ID, job.Generation,
			[]models.ChunkStatus{models.JobStatusQueued, models.JobStatusRunning}, models.JobStatusFailed, reason)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail chunks of stale job")
		}
		reaped++

		r.logger.Warn().
			Str("job_id", job.ID).
			Str("heartbeat_at", candidate.HeartbeatAt.Format(time.RFC3339)).
			Int("chunks_failed", n).
			Msg("Marked stale job as failed")
	}

	return reaped, nil
}

func isStale(job *models.Job, cutoff time.Time) bool {
	last := job.HeartbeatAt
	if last.IsZero() {
		last = job.StartedAt
	}
	if last.IsZero() {
		last = job.UpdatedAt
	}
	return last.Before(cutoff)
}
