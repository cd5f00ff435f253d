package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// TaskHandler executes one task. Errors are retried with backoff unless
// they are permanent.
type TaskHandler func(ctx context.Context, task *Task) error

// WorkerConfig holds configuration for the task worker.
type WorkerConfig struct {
	Queue   TaskQueue
	Logger  Logger
	Metrics Metrics
	Clock   Clock

	PollInterval time.Duration
	Concurrency  int
	MaxAttempts  int
	Backoff      Backoff

	// TaskTimeout bounds a single handler call.
	TaskTimeout time.Duration
}

// DefaultWorkerConfig returns sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		Concurrency:  2,
		MaxAttempts:  8,
		Backoff: Backoff{
			InitialInterval: 5 * time.Second,
			MaxInterval:     30 * time.Minute,
			Multiplier:      2,
			JitterFactor:    0.2,
		},
		TaskTimeout: 30 * time.Second,
	}
}

// Worker polls the queue and dispatches tasks to handlers by kind.
type Worker struct {
	config   WorkerConfig
	queue    TaskQueue
	logger   Logger
	metrics  Metrics
	clock    Clock
	handlers map[TaskKind]TaskHandler

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex
}

// NewWorker creates a worker. Handlers are registered with Handle.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("%w: task queue is required", ErrConfiguration)
	}
	def := DefaultWorkerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = def.Backoff
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = def.TaskTimeout
	}
	return &Worker{
		config:   config,
		queue:    config.Queue,
		logger:   orNoopLogger(config.Logger),
		metrics:  orNoopMetrics(config.Metrics),
		clock:    orSystemClock(config.Clock),
		handlers: make(map[TaskKind]TaskHandler),
		stopChan: make(chan struct{}),
	}, nil
}

// Handle registers the handler for kind, replacing any previous one.
func (w *Worker) Handle(kind TaskKind, h TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Start launches the polling goroutines.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.mu.Unlock()

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
	w.logger.Info("task worker started",
		F("concurrency", w.config.Concurrency),
		F("poll_interval", w.config.PollInterval.String()))
}

// Stop waits for in-flight tasks and stops polling.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("task worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			// Drain everything that is due before waiting again.
			for {
				ran, err := w.RunOnce(ctx)
				if err != nil {
					w.logger.Error("task queue poll failed", errField(err))
				}
				if !ran || err != nil {
					break
				}
			}
		}
	}
}

// RunOnce processes at most one due task. It reports whether a task ran.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	task, err := w.queue.Dequeue(ctx, w.clock.Now())
	if errors.Is(err, ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to dequeue task: %w", err)
	}

	w.mu.Lock()
	handler, ok := w.handlers[task.Kind]
	w.mu.Unlock()
	if !ok {
		cause := fmt.Errorf("%w: no handler for task kind %q", ErrConfiguration, task.Kind)
		return true, w.fail(ctx, task, cause)
	}

	task.Attempts++
	runCtx, cancel := context.WithTimeout(ctx, w.config.TaskTimeout)
	err = handler(runCtx, task)
	cancel()

	if err == nil {
		w.metrics.RecordTask(task.Kind, "completed")
		if cerr := w.queue.Complete(ctx, task); cerr != nil {
			return true, fmt.Errorf("failed to complete task %s: %w", task.ID, cerr)
		}
		return true, nil
	}

	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.config.MaxAttempts
	}
	if IsPermanent(err) || task.Attempts >= maxAttempts {
		return true, w.fail(ctx, task, err)
	}

	delay := w.config.Backoff.NextInterval(task.Attempts)
	w.metrics.RecordTask(task.Kind, "retried")
	w.logger.Warn("task failed, retrying",
		F("task_id", task.ID),
		F("kind", string(task.Kind)),
		F("attempt", task.Attempts),
		F("retry_in", delay.String()),
		errField(err))
	if rerr := w.queue.Retry(ctx, task, w.clock.Now().Add(delay), err); rerr != nil {
		return true, fmt.Errorf("failed to reschedule task %s: %w", task.ID, rerr)
	}
	return true, nil
}

func (w *Worker) fail(ctx context.Context, task *Task, cause error) error {
	w.metrics.RecordTask(task.Kind, "failed")
	w.logger.Error("task failed permanently",
		F("task_id", task.ID),
		F("kind", string(task.Kind)),
		F("key", task.Key),
		F("attempts", task.Attempts),
		errField(cause))
	if err := w.queue.Fail(ctx, task, cause); err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", task.ID, err)
	}
	return nil
}
