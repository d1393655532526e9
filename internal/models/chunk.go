package models

import (
	"fmt"
	"time"
)

// SourceRow is one row of a chunk's input. Payload holds the full row for
// PER_ROW chunks or a single-field record with the focus column for PER_CELL.
type SourceRow struct {
	RowIndex int
	Payload  Record
}

// OutputRow is one row of a chunk's output. Error is set instead of Output
// when the provider call for that row failed.
type OutputRow struct {
	RowIndex int
	Input    Record
	Output   string
	Error    string
}

// Failed reports whether the row carries an error marker
func (o OutputRow) Failed() bool {
	return o.Error != ""
}

// Chunk is one durable unit of dataset rows bound to a job.
type Chunk struct {
	ID          string
	JobID       string `badgerhold:"index"`
	UserID      string
	Generation  int
	Index       int
	TotalRows   int
	RowRange    string // closed interval "first-last"
	Granularity Granularity
	FocusColumn string
	Status      ChunkStatus `badgerhold:"index"`
	Source      []SourceRow
	Output      []OutputRow
	Error       string
	Hash        string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
}

// FormatRowRange renders a closed row interval
func FormatRowRange(first, last int) string {
	return fmt.Sprintf("%d-%d", first, last)
}

// ChunkStats counts a job's chunks per status bucket
type ChunkStats struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Finished  int `json:"finished"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Add counts one chunk status
func (s *ChunkStats) Add(status ChunkStatus) {
	s.Total++
	switch status {
	case JobStatusQueued:
		s.Queued++
	case JobStatusRunning:
		s.Running++
	case JobStatusFinished:
		s.Finished++
	case JobStatusFailed:
		s.Failed++
	case JobStatusCancelled:
		s.Cancelled++
	}
}

// PercentComplete is the share of chunks in a terminal state
func (s ChunkStats) PercentComplete() float64 {
	if s.Total == 0 {
		return 0
	}
	done := s.Finished + s.Failed + s.Cancelled
	return float64(done) * 100 / float64(s.Total)
}

// PartialFailure reports that some chunks did not finish while others did
func (s ChunkStats) PartialFailure() bool {
	return s.Failed > 0 && s.Finished > 0
}
