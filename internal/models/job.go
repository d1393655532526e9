package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a job or chunk
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusFinished  JobStatus = "FINISHED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are expected
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusFinished || s == JobStatusFailed || s == JobStatusCancelled
}

// ChunkStatus shares the job state shape, scoped to one chunk
type ChunkStatus = JobStatus

// Granularity selects whole-row or single-column processing
type Granularity string

const (
	GranularityPerRow  Granularity = "PER_ROW"
	GranularityPerCell Granularity = "PER_CELL"
)

// ParseGranularity accepts the enum names case-insensitively
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(GranularityPerRow):
		return GranularityPerRow, nil
	case string(GranularityPerCell):
		return GranularityPerCell, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Verbosity presets. Verbosity multiplies the output token estimate and
// doubles as generation temperature.
var VerbosityPresets = map[string]float64{
	"MINIMAL":     0.2,
	"CONCISE":     0.45,
	"BALANCED":    0.75,
	"DESCRIPTIVE": 1.1,
	"VERBOSE":     1.5,
}

// ParseVerbosity accepts a preset name or a number. Empty means BALANCED.
// Range checks are left to the estimator.
func ParseVerbosity(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return VerbosityPresets["BALANCED"], nil
	}
	if v, ok := VerbosityPresets[strings.ToUpper(s)]; ok {
		return v, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown verbosity %q", s)
	}
	return v, nil
}

// Job identifies one estimate -> process -> export lifecycle.
type Job struct {
	ID       string
	UserID   string `badgerhold:"index"`
	ModelID  string
	PromptID string
	MediaID  string

	Status JobStatus `badgerhold:"index"`
	Hash   string    `badgerhold:"index"` // sha256 over prompt, media and model ids

	Granularity Granularity
	FocusColumn string
	ChunkSize   int
	Verbosity   float64

	EstimatedInputTokens  int
	EstimatedOutputTokens int
	ActualInputTokens     int
	ActualOutputTokens    int
	EstimatedCost         int64 // minor currency units
	Currency              string
	RiskLevel             RiskLevel

	// Generation increments each time a fresh chunk set is stored for the job.
	// Only chunks of the current generation are processed and aggregated.
	Generation  int
	TotalRows   int
	TotalChunks int

	TaskID string
	Error  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	HeartbeatAt time.Time
	CompletedAt time.Time
}
