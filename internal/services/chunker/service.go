// Package chunker partitions a dataset into ordered chunks and stores them
// as one atomic set.
package chunker

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

// Slice is a contiguous run of dataset rows. Start is the row index of Rows[0].
type Slice struct {
	Start int
	Rows  []models.Record
}

// End returns the closed upper row index
func (s Slice) End() int {
	return s.Start + len(s.Rows) - 1
}

// Split partitions ds into ceil(R/size) contiguous slices in row order.
// An empty dataset yields no slices.
func Split(ds *models.Dataset, size int) ([]Slice, error) {
	if size <= 0 {
		return nil, common.Validationf("chunk size must be positive, got %d", size)
	}
	total := ds.Len()
	slices := make([]Slice, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		slices = append(slices, Slice{Start: start, Rows: ds.Rows[start:end]})
	}
	return slices, nil
}

// Format converts a slice into source rows. PER_ROW keeps the whole record;
// PER_CELL keeps only the focus field, Null when the row lacks it.
func Format(slice Slice, granularity models.Granularity, focus string) ([]models.SourceRow, error) {
	if granularity == models.GranularityPerCell && focus == "" {
		return nil, common.Validationf("focus column is required for %s", models.GranularityPerCell)
	}

	rows := make([]models.SourceRow, len(slice.Rows))
	for i, record := range slice.Rows {
		payload := record
		if granularity == models.GranularityPerCell {
			v, ok := record.Get(focus)
			if !ok {
				v = models.NullValue()
			}
			payload = models.NewRecord([]string{focus}, []models.Value{v})
		}
		rows[i] = models.SourceRow{RowIndex: slice.Start + i, Payload: payload}
	}
	return rows, nil
}

// Service stores chunk sets
type Service struct {
	chunks interfaces.ChunkStorage
	logger arbor.ILogger
}

func NewService(chunks interfaces.ChunkStorage, logger arbor.ILogger) *Service {
	return &Service{chunks: chunks, logger: logger}
}

// Store builds one chunk per slice for job's current generation and commits
// the job together with every chunk. Nothing is written if any part fails.
func (s *Service) Store(ctx context.Context, job *models.Job, slices []Slice) ([]*models.Chunk, error) {
	now := time.Now()
	nonce := common.NewNonce()

	chunks := make([]*models.Chunk, 0, len(slices))
	totalRows := 0
	for i, slice := range slices {
		source, err := Format(slice, job.Granularity, job.FocusColumn)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, &models.Chunk{
			ID:          common.NewChunkID(),
			JobID:       job.ID,
			UserID:      job.UserID,
			Generation:  job.Generation,
			Index:       i,
			TotalRows:   len(source),
			RowRange:    models.FormatRowRange(slice.Start, slice.End()),
			Granularity: job.Granularity,
			FocusColumn: job.FocusColumn,
			Status:      models.JobStatusQueued,
			Source:      source,
			Hash:        common.HashText(fmt.Sprintf("%s:%d:%s", job.ID, i, nonce)),
			CreatedAt:   now,
		})
		totalRows += len(source)
	}

	job.TotalChunks = len(chunks)
	job.TotalRows = totalRows

	if err := s.chunks.CommitChunkSet(ctx, job, chunks); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("generation", job.Generation).
		Int("chunks", len(chunks)).
		Int("rows", totalRows).
		Msg("Chunk set stored")
	return chunks, nil
}
