package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
)

// taskEntry represents a registered task with metadata
type taskEntry struct {
	name        string
	schedule    string
	description string
	handler     func(ctx context.Context) error
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
}

// Service implements SchedulerService on robfig/cron
type Service struct {
	cron     *cron.Cron
	parser   cron.Parser
	logger   arbor.ILogger
	ctx      context.Context
	cancel   context.CancelFunc
	taskMu   sync.Mutex // Protects tasks map
	globalMu sync.Mutex // Prevents concurrent task execution
	tasks    map[string]*taskEntry
	running  bool
}

var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates a scheduler whose schedules carry a seconds field
func NewService(logger arbor.ILogger) *Service {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cron:   cron.New(cron.WithParser(parser)),
		parser: parser,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*taskEntry),
	}
}

// Start begins firing registered tasks
func (s *Service) Start() error {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("tasks", len(s.tasks)).Msg("Scheduler started")
	return nil
}

// Stop cancels in-flight tasks and waits for them to return
func (s *Service) Stop() error {
	s.taskMu.Lock()
	if !s.running {
		s.taskMu.Unlock()
		return nil
	}
	s.running = false
	s.taskMu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Service) IsRunning() bool {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.running
}

// RegisterTask adds a task to the scheduler
func (s *Service) RegisterTask(name, schedule, description string, handler func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(schedule); err != nil {
		return common.Validationf("invalid schedule %q for task %s: %v", schedule, name, err)
	}

	s.taskMu.Lock()
	defer s.taskMu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %s already registered", name)
	}

	entry := &taskEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}
	cronID, err := s.cron.AddFunc(schedule, func() {
		s.executeTask(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add task to cron: %w", err)
	}
	entry.cronID = cronID
	s.tasks[name] = entry

	s.logger.Info().
		Str("task", name).
		Str("schedule", schedule).
		Msg("Task registered")
	return nil
}

// TriggerTask runs a task synchronously and returns its error
func (s *Service) TriggerTask(name string) error {
	s.taskMu.Lock()
	_, exists := s.tasks[name]
	s.taskMu.Unlock()
	if !exists {
		return common.NotFoundf("task %s", name)
	}
	return s.executeTask(name)
}

func (s *Service) GetTaskStatus(name string) (*interfaces.ScheduledTaskStatus, error) {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	entry, exists := s.tasks[name]
	if !exists {
		return nil, common.NotFoundf("task %s", name)
	}
	return s.statusOf(entry), nil
}

func (s *Service) GetAllTaskStatuses() map[string]*interfaces.ScheduledTaskStatus {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	out := make(map[string]*interfaces.ScheduledTaskStatus, len(s.tasks))
	for name, entry := range s.tasks {
		out[name] = s.statusOf(entry)
	}
	return out
}

// statusOf must be called with taskMu held
func (s *Service) statusOf(entry *taskEntry) *interfaces.ScheduledTaskStatus {
	status := &interfaces.ScheduledTaskStatus{
		Name:        entry.name,
		Enabled:     true,
		Schedule:    entry.schedule,
		Description: entry.description,
		LastRun:     entry.lastRun,
		IsRunning:   entry.isRunning,
		LastError:   entry.lastError,
	}
	if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
		status.NextRun = &next
	}
	return status
}

func (s *Service) executeTask(name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error().
				Str("task", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in scheduled task")
			s.finish(name, err)
		}
	}()

	s.globalMu.Lock()
	defer s.globalMu.Unlock()

	s.taskMu.Lock()
	entry, exists := s.tasks[name]
	if !exists {
		s.taskMu.Unlock()
		return common.NotFoundf("task %s", name)
	}
	entry.isRunning = true
	handler := entry.handler
	s.taskMu.Unlock()

	start := time.Now()
	err = handler(s.ctx)
	s.finish(name, err)

	if err != nil {
		s.logger.Error().Str("task", name).Err(err).Dur("duration", time.Since(start)).Msg("Scheduled task failed")
	} else {
		s.logger.Debug().Str("task", name).Dur("duration", time.Since(start)).Msg("Scheduled task completed")
	}
	return err
}

func (s *Service) finish(name string, err error) {
	now := time.Now()
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	entry, exists := s.tasks[name]
	if !exists {
		return
	}
	entry.isRunning = false
	entry.lastRun = &now
	entry.lastError = ""
	if err != nil {
		entry.lastError = err.Error()
	}
}
