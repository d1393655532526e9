package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = errors.New("no messages in queue")

// QueueMessage is the structure stored in the queue.
// Keep it simple - just enough to route the job.
type QueueMessage struct {
	ID      string          `json:"id"`      // Queue-assigned task handle
	JobID   string          `json:"job_id"`  // References jobs.id
	Type    string          `json:"type"`    // Task type for handler routing
	Payload json.RawMessage `json:"payload"` // Task-specific data (passed through)
}

// TaskState is the lifecycle of a queued task as seen through its handle
type TaskState string

const (
	TaskPending  TaskState = "PENDING"
	TaskReceived TaskState = "RECEIVED"
	TaskDone     TaskState = "DONE"
	TaskFailed   TaskState = "FAILED"
	TaskDropped  TaskState = "DROPPED" // exceeded max receives
)

// TaskStatus answers a poll on a task handle
type TaskStatus struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id"`
	State        TaskState `json:"state"`
	ReceiveCount int       `json:"receive_count"`
	Error        string    `json:"error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
