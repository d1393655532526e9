package processor

import (
	"context"
	"errors"

	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// cancelToken is checked between chunks. A job is cancelled when its stored
// status is CANCELLED or when the worker context ends.
type cancelToken struct {
	jobs  interfaces.JobStorage
	jobID string
}

// Err returns common.ErrCancelled for a user cancellation, the context error
// on shutdown or timeout, and nil otherwise
func (t cancelToken) Err(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := t.jobs.GetJob(ctx, t.jobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrCancelled
		}
		// Storage hiccups do not cancel the job
		return nil
	}
	if job.Status == models.JobStatusCancelled {
		return common.ErrCancelled
	}
	return nil
}
