package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tablemind/internal/models"
)

// AckFunc settles a received message. A nil result marks the task done,
// anything else marks it failed. The message is removed either way.
type AckFunc func(result error) error

// QueueManager is the persistent task queue. It is constructed explicitly at
// startup and injected wherever tasks are enqueued or consumed.
type QueueManager interface {
	// Enqueue stores msg and returns its task handle. A non-empty msg.ID
	// is used as the handle.
	Enqueue(ctx context.Context, msg models.QueueMessage) (string, error)

	// Receive claims the next visible message. Returns models.ErrNoMessage when idle.
	Receive(ctx context.Context) (*models.QueueMessage, AckFunc, error)

	// Extend pushes a claimed message's visibility out by duration.
	Extend(ctx context.Context, messageID string, duration time.Duration) error

	// Status answers a poll on a task handle.
	Status(ctx context.Context, messageID string) (*models.TaskStatus, error)

	// Len returns the number of messages waiting or in flight.
	Len(ctx context.Context) (int, error)

	Close() error
}

// TaskHandler processes one message type
type TaskHandler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool manages concurrent task processing
type WorkerPool interface {
	RegisterHandler(taskType string, handler TaskHandler)
	Start()
	Stop()
}
