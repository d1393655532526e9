// Package dispatch hands queued jobs to the worker pool, one task per job.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
	"github.com/ternarybob/tablemind/internal/queue"
)

// Dispatcher enqueues jobs and records the resulting task handle on the job
type Dispatcher struct {
	queue  interfaces.QueueManager
	jobs   interfaces.JobStorage
	logger arbor.ILogger
}

func NewDispatcher(queueMgr interfaces.QueueManager, jobs interfaces.JobStorage, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		queue:  queueMgr,
		jobs:   jobs,
		logger: logger,
	}
}

// errTaskChanged reports that another dispatch replaced the task handle first
var errTaskChanged = errors.New("task handle changed")

// Enqueue creates the processing task for jobID and stores its handle on
// the job. A job whose task is still pending keeps that task. A task that
// was received but never took the job over is superseded by the new one.
// Queue failures are returned wrapped in common.ErrQueueUnavailable.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID string) (string, error) {
	job, err := d.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobStatusQueued {
		return "", common.Validationf("job %s is %s, only QUEUED jobs can be dispatched", job.ID, job.Status)
	}

	if job.TaskID != "" {
		status, err := d.queue.Status(ctx, job.TaskID)
		if err == nil && status.State == models.TaskPending {
			d.logger.Debug().Str("job_id", job.ID).Str("task_id", job.TaskID).Msg("Job already has a pending task")
			return job.TaskID, nil
		}
	}

	// The handle is on the job before the message exists, so a worker never
	// receives a task the job does not name.
	taskID := common.NewTaskID()
	var current string
	if _, err := d.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if j.Status != models.JobStatusQueued {
			return common.Validationf("job %s is %s, only QUEUED jobs can be dispatched", j.ID, j.Status)
		}
		if j.TaskID != job.TaskID {
			current = j.TaskID
			return errTaskChanged
		}
		j.TaskID = taskID
		return nil
	}); err != nil {
		if errors.Is(err, errTaskChanged) {
			return current, nil
		}
		return "", err
	}

	if _, err := d.queue.Enqueue(ctx, models.QueueMessage{
		ID:    taskID,
		JobID: job.ID,
		Type:  queue.TaskProcessJob,
	}); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job")
		d.clearTask(job.ID, taskID)
		return "", fmt.Errorf("%w: enqueue job %s: %w", common.ErrQueueUnavailable, job.ID, err)
	}

	d.logger.Info().
		Str("job_id", job.ID).
		Str("task_id", taskID).
		Str("superseded", job.TaskID).
		Msg("Job dispatched")
	return taskID, nil
}

// clearTask drops a handle whose message was never stored
func (d *Dispatcher) clearTask(jobID, taskID string) {
	if _, err := d.jobs.UpdateJob(context.Background(), jobID, func(j *models.Job) error {
		if j.TaskID == taskID {
			j.TaskID = ""
		}
		return nil
	}); err != nil {
		d.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear undelivered task handle")
	}
}

// PollStatus reports the state of a task handle
func (d *Dispatcher) PollStatus(ctx context.Context, taskID string) (*models.TaskStatus, error) {
	if taskID == "" {
		return nil, common.Validationf("task ID is required")
	}
	status, err := d.queue.Status(ctx, taskID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: poll task %s: %w", common.ErrQueueUnavailable, taskID, err)
	}
	return status, nil
}
