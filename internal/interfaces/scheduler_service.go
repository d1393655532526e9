package interfaces

import (
	"context"
	"time"
)

// ScheduledTaskStatus represents the current status of a scheduled task
type ScheduledTaskStatus struct {
	Name        string
	Enabled     bool
	Schedule    string
	Description string
	LastRun     *time.Time
	NextRun     *time.Time
	IsRunning   bool
	LastError   string
}

// SchedulerService runs maintenance tasks on cron schedules
type SchedulerService interface {
	// Start begins firing registered tasks
	Start() error

	// Stop waits for running tasks and stops the scheduler
	Stop() error

	IsRunning() bool

	// RegisterTask adds a task. The schedule is a cron expression with a seconds field.
	RegisterTask(name, schedule, description string, handler func(ctx context.Context) error) error

	// TriggerTask runs a registered task now, outside its schedule
	TriggerTask(name string) error

	GetTaskStatus(name string) (*ScheduledTaskStatus, error)
	GetAllTaskStatuses() map[string]*ScheduledTaskStatus
}
