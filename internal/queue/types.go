package queue

import (
	"github.com/ternarybob/tablemind/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

// Message is an alias for models.QueueMessage within the queue package
type Message = models.QueueMessage

// TaskProcessJob is the task type that runs every chunk of one job
const TaskProcessJob = "process_job"
