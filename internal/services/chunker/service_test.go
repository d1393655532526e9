package chunker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
	"github.com/ternarybob/tablemind/internal/models"
)

func rows(n int) *models.Dataset {
	ds := &models.Dataset{Columns: []string{"id", "note"}}
	for i := 0; i < n; i++ {
		ds.AddRow([]models.Value{models.NumberValue(float64(i)), models.StringValue(fmt.Sprintf("row %d", i))})
	}
	return ds
}

func TestSplitPartitions(t *testing.T) {
	for _, r := range []int{0, 1, 2, 7, 10, 101} {
		for _, c := range []int{1, 2, 3, 10, 50} {
			slices, err := Split(rows(r), c)
			require.NoError(t, err)
			assert.Len(t, slices, (r+c-1)/c, "R=%d C=%d", r, c)

			next := 0
			for _, s := range slices {
				assert.Equal(t, next, s.Start, "slices are contiguous and disjoint")
				assert.LessOrEqual(t, len(s.Rows), c)
				assert.NotEmpty(t, s.Rows)
				next = s.End() + 1
			}
			assert.Equal(t, r, next, "union covers [0, R)")
		}
	}
}

func TestSplitRejectsNonPositiveSize(t *testing.T) {
	for _, c := range []int{0, -1} {
		_, err := Split(rows(3), c)
		assert.ErrorIs(t, err, common.ErrValidation)
	}
}

func TestFormatPerCellKeepsNulls(t *testing.T) {
	ds := &models.Dataset{Columns: []string{"a", "b"}}
	ds.AddRow([]models.Value{models.StringValue("x"), models.NullValue()})
	ds.AddRow([]models.Value{models.StringValue("y"), models.NumberValue(2)})

	slices, err := Split(ds, 10)
	require.NoError(t, err)

	src, err := Format(slices[0], models.GranularityPerCell, "b")
	require.NoError(t, err)
	require.Len(t, src, 2)
	assert.Equal(t, `{"b":null}`, src[0].Payload.String())
	assert.Equal(t, `{"b":2}`, src[1].Payload.String())
	assert.Equal(t, 1, src[1].RowIndex)

	full, err := Format(slices[0], models.GranularityPerRow, "")
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":null}`, full[0].Payload.String())

	_, err = Format(slices[0], models.GranularityPerCell, "")
	assert.ErrorIs(t, err, common.ErrValidation)
}

type recordingChunks struct {
	interfaces.ChunkStorage
	job    *models.Job
	chunks []*models.Chunk
	err    error
}

func (r *recordingChunks) CommitChunkSet(ctx context.Context, job *models.Job, chunks []*models.Chunk) error {
	if r.err != nil {
		return r.err
	}
	r.job, r.chunks = job, chunks
	return nil
}

func TestStoreThreeRowScenario(t *testing.T) {
	store := &recordingChunks{}
	svc := NewService(store, arbor.NewLogger())

	slices, err := Split(rows(3), 2)
	require.NoError(t, err)

	job := &models.Job{ID: "job-1", UserID: "u", Generation: 1, Granularity: models.GranularityPerRow}
	chunks, err := svc.Store(context.Background(), job, slices)
	require.NoError(t, err)
	require.Len(t, chunks, 2)

	var ranges []string
	var totals []int
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, models.JobStatusQueued, c.Status)
		assert.Equal(t, 1, c.Generation)
		ranges = append(ranges, c.RowRange)
		totals = append(totals, c.TotalRows)
	}
	assert.Equal(t, []string{"0-1", "2-2"}, ranges)
	assert.Equal(t, []int{2, 1}, totals)
	assert.NotEqual(t, chunks[0].Hash, chunks[1].Hash)

	assert.Equal(t, 2, job.TotalChunks)
	assert.Equal(t, 3, job.TotalRows)
	assert.Same(t, job, store.job)
}

func TestStoreHashesDifferPerCall(t *testing.T) {
	store := &recordingChunks{}
	svc := NewService(store, arbor.NewLogger())
	slices, _ := Split(rows(2), 2)

	job := &models.Job{ID: "job-1", Generation: 1, Granularity: models.GranularityPerRow}
	first, err := svc.Store(context.Background(), job, slices)
	require.NoError(t, err)
	second, err := svc.Store(context.Background(), job, slices)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].Hash, second[0].Hash)
}

func TestStorePropagatesCommitFailure(t *testing.T) {
	store := &recordingChunks{err: common.Persistence("commit chunk set", errors.New("disk full"))}
	svc := NewService(store, arbor.NewLogger())
	slices, _ := Split(rows(2), 1)

	_, err := svc.Store(context.Background(), &models.Job{ID: "j", Granularity: models.GranularityPerRow}, slices)
	assert.ErrorIs(t, err, common.ErrPersistence)
}
