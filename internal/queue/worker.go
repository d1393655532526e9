package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tablemind/internal/common"
	"github.com/ternarybob/tablemind/internal/interfaces"
)

// Backoff configuration for idle polling
const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// WorkerPool receives messages from the queue and routes them to the
// handler registered for the message type. Each worker goroutine handles
// one message at a time.
type WorkerPool struct {
	queueMgr    interfaces.QueueManager
	handlers    map[string]interfaces.TaskHandler
	logger      arbor.ILogger
	concurrency int
	maxIdle     time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

var _ interfaces.WorkerPool = (*WorkerPool)(nil)

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queueMgr interfaces.QueueManager, config Config, logger arbor.ILogger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	maxIdle := config.PollInterval
	if maxIdle <= 0 || maxIdle > maxBackoff {
		maxIdle = maxBackoff
	}

	return &WorkerPool{
		queueMgr:    queueMgr,
		handlers:    make(map[string]interfaces.TaskHandler),
		logger:      logger,
		concurrency: concurrency,
		maxIdle:     maxIdle,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterHandler registers a handler for a task type
func (wp *WorkerPool) RegisterHandler(taskType string, handler interfaces.TaskHandler) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	wp.handlers[taskType] = handler
	wp.logger.Debug().
		Str("task_type", taskType).
		Msg("Task handler registered")
}

// Start launches the worker goroutines. Call after all handlers are registered.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		wp.logger.Warn().Msg("Worker pool already running")
		return
	}
	wp.running = true

	wp.logger.Info().
		Int("concurrency", wp.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop cancels in-flight handlers and waits for the workers to exit
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.mu.Unlock()

	wp.logger.Info().Msg("Stopping worker pool...")
	wp.cancel()
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

func (wp *WorkerPool) worker(workerID int) {
	defer wp.wg.Done()

	wp.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	currentBackoff := minBackoff

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopping")
			return
		default:
		}

		if wp.processNext(workerID) {
			currentBackoff = minBackoff
			continue
		}

		select {
		case <-wp.ctx.Done():
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff *= 2
		if currentBackoff > wp.maxIdle {
			currentBackoff = wp.maxIdle
		}
	}
}

// processNext handles one message. Returns false when nothing was received.
func (wp *WorkerPool) processNext(workerID int) bool {
	msg, ack, err := wp.queueMgr.Receive(wp.ctx)
	if err != nil {
		if !errors.Is(err, ErrNoMessage) && !errors.Is(err, context.Canceled) {
			wp.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Msg("Failed to receive message")
		}
		return false
	}

	wp.mu.Lock()
	handler, exists := wp.handlers[msg.Type]
	wp.mu.Unlock()

	if !exists {
		wp.logger.Error().
			Str("type", msg.Type).
			Str("message_id", msg.ID).
			Msg("No handler registered for task type")
		if ackErr := ack(fmt.Errorf("no handler for task type: %s", msg.Type)); ackErr != nil {
			wp.logger.Warn().Err(ackErr).Str("message_id", msg.ID).Msg("Failed to settle unroutable message")
		}
		return true
	}

	wp.logger.Debug().
		Str("message_id", msg.ID).
		Str("job_id", msg.JobID).
		Str("type", msg.Type).
		Int("worker_id", workerID).
		Msg("Processing message")

	startTime := time.Now()
	handlerErr := common.CatchPanic(wp.logger, "task:"+msg.Type, func() error {
		return handler(wp.ctx, msg)
	})
	duration := time.Since(startTime)

	// Shutdown interrupted the handler: leave the message to reappear after
	// its visibility timeout instead of settling it as failed
	if wp.ctx.Err() != nil && handlerErr != nil {
		wp.logger.Info().
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Msg("Handler interrupted by shutdown, message left for redelivery")
		return true
	}

	if handlerErr != nil {
		wp.logger.Error().
			Err(handlerErr).
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Task handler failed")
	} else {
		wp.logger.Info().
			Str("message_id", msg.ID).
			Str("job_id", msg.JobID).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Task completed")
	}

	if err := ack(handlerErr); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("message_id", msg.ID).
			Msg("Failed to settle message")
	}
	return true
}
