// Package results reassembles finished chunks into an ordered row set and
// exports it as a table.
package results

import (
	"context"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// ResultSet is a job's output rows sorted by row index
type ResultSet struct {
	Job   *models.Job        `json:"job"`
	Stats models.ChunkStats  `json:"stats"`
	Rows  []models.OutputRow `json:"rows"`
}

// Aggregator reads results for a job owner
type Aggregator struct {
	jobs   interfaces.JobStorage
	chunks interfaces.ChunkStorage
	logger arbor.ILogger
}

func NewAggregator(jobs interfaces.JobStorage, chunks interfaces.ChunkStorage, logger arbor.ILogger) *Aggregator {
	return &Aggregator{jobs: jobs, chunks: chunks, logger: logger}
}

// Collect flattens the output of the current generation's FINISHED chunks.
// Rows of failed, cancelled or pending chunks are absent; row failures
// inside a finished chunk are kept with their error marker.
func (a *Aggregator) Collect(ctx context.Context, userID, jobID string) (*ResultSet, error) {
	job, err := a.jobs.GetJobForUser(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	chunks, err := a.chunks.ListChunks(ctx, job.ID, job.Generation)
	if err != nil {
		return nil, err
	}

	set := &ResultSet{Job: job, Rows: []models.OutputRow{}}
	for _, chunk := range chunks {
		set.Stats.Add(chunk.Status)
		if chunk.Status != models.JobStatusFinished {
			continue
		}
		set.Rows = append(set.Rows, chunk.Output...)
	}
	sort.SliceStable(set.Rows, func(i, j int) bool {
		return set.Rows[i].RowIndex < set.Rows[j].RowIndex
	})

	a.logger.Debug().
		Str("job_id", job.ID).
		Int("rows", len(set.Rows)).
		Int("chunks_finished", set.Stats.Finished).
		Msg("Results collected")
	return set, nil
}
