package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// SchedulerConfig controls the retry scheduler's cadence and housekeeping.
type SchedulerConfig struct {
	// TickInterval is how often due retries are picked up.
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// StuckAfter is how long a RUNNING workflow may sit untouched
	// before the sweep logs it as stuck.
	StuckAfter time.Duration `json:"stuck_after" yaml:"stuck_after"`

	// TerminalRetention is how long terminal workflows are kept before
	// the sweep deletes them. Zero disables purging.
	TerminalRetention time.Duration `json:"terminal_retention" yaml:"terminal_retention"`
}

// DefaultSchedulerConfig returns the standard scheduler settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:      30 * time.Second,
		StuckAfter:        10 * time.Minute,
		TerminalRetention: 30 * 24 * time.Hour,
	}
}

// consecutiveFailureLimit is how many failed retry drives a task gets
// before the scheduler escalates to a full workflow re-drive.
const consecutiveFailureLimit = 3

// RetryScheduler periodically resumes tasks whose retry backoff has
// elapsed, escalates tasks that repeatedly fail to resume, purges expired
// terminal workflows, and reports workflows that look stuck.
type RetryScheduler struct {
	config    SchedulerConfig
	store     storage.Store
	tasks     *TaskService
	workflows *WorkflowService
	engine    *Engine
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// failures counts consecutive failed resume attempts per task
	// execution id.
	failuresMu sync.Mutex
	failures   map[string]int

	ticksPerformed  atomic.Int64
	tasksResumed    atomic.Int64
	workflowsPurged atomic.Int64
	workflowsStuck  atomic.Int64
}

// NewRetryScheduler wires the scheduler.
func NewRetryScheduler(config SchedulerConfig, store storage.Store, tasks *TaskService, workflows *WorkflowService, engine *Engine, logger *slog.Logger) *RetryScheduler {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultSchedulerConfig().TickInterval
	}
	return &RetryScheduler{
		config:    config,
		store:     store,
		tasks:     tasks,
		workflows: workflows,
		engine:    engine,
		failures:  make(map[string]int),
		logger:    logger.With("component", "retry-scheduler"),
	}
}

// Start begins the tick loop.
func (s *RetryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.tickLoop(runCtx)
	s.logger.Info("retry scheduler started", "tick_interval", s.config.TickInterval)
	return nil
}

// Stop halts the tick loop, waiting up to timeout for it to exit.
func (s *RetryScheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("scheduler did not stop within %s", timeout)
	}
}

// Stats returns tick, resume, and purge counters.
func (s *RetryScheduler) Stats() (ticks, resumed, purged int64) {
	return s.ticksPerformed.Load(), s.tasksResumed.Load(), s.workflowsPurged.Load()
}

// StuckObserved returns how many stuck-workflow warnings the sweep has
// raised since start.
func (s *RetryScheduler) StuckObserved() int64 {
	return s.workflowsStuck.Load()
}

func (s *RetryScheduler) tickLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick is one scheduler pass: resume due retries, then housekeeping.
func (s *RetryScheduler) tick(ctx context.Context) {
	s.ticksPerformed.Add(1)

	due, err := s.tasks.TasksToRetry(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("query due retries", "error", err)
	} else {
		for _, task := range due {
			s.resume(ctx, task)
		}
	}

	s.sweepStuck(ctx)
	s.purgeExpired(ctx)
}

// resume returns one due task to PENDING and re-drives its workflow.
// Three consecutive failed attempts escalate to a fresh full re-drive.
func (s *RetryScheduler) resume(ctx context.Context, task *workflow.TaskExecution) {
	task.Status = workflow.TaskPending
	task.NextRetryAt = nil
	task.StartedAt = nil
	task.CompletedAt = nil
	if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
		s.logger.Error("reset task for retry",
			"task_execution_id", task.ID, "error", err)
		s.recordFailure(ctx, task)
		return
	}

	s.logger.Info("resuming task after backoff",
		"task_execution_id", task.ID,
		"task", task.TaskName,
		"attempt", task.RetryCount)

	if _, err := s.engine.ExecuteWorkflowSync(ctx, task.WorkflowExecutionID); err != nil {
		s.logger.Warn("retry drive failed",
			"task_execution_id", task.ID, "error", err)
		s.recordFailure(ctx, task)
		return
	}

	s.tasksResumed.Add(1)
	s.clearFailures(task.ID)
}

func (s *RetryScheduler) recordFailure(ctx context.Context, task *workflow.TaskExecution) {
	s.failuresMu.Lock()
	s.failures[task.ID]++
	count := s.failures[task.ID]
	if count >= consecutiveFailureLimit {
		delete(s.failures, task.ID)
	}
	s.failuresMu.Unlock()

	if count < consecutiveFailureLimit {
		return
	}
	s.logger.Error("task repeatedly failed to resume, re-driving workflow",
		"task_execution_id", task.ID,
		"workflow_execution_id", task.WorkflowExecutionID,
		"attempts", count)
	if _, err := s.engine.ExecuteWorkflowSync(ctx, task.WorkflowExecutionID); err != nil {
		s.logger.Error("escalation drive failed",
			"workflow_execution_id", task.WorkflowExecutionID, "error", err)
	}
}

func (s *RetryScheduler) clearFailures(taskID string) {
	s.failuresMu.Lock()
	delete(s.failures, taskID)
	s.failuresMu.Unlock()
}

// sweptStatuses are the non-terminal states the sweep watches. A run in
// any of them that sits untouched past StuckAfter needs an operator:
// RUNNING means a lost drive, PAUSED and AWAITING_USER_REVIEW mean a
// human forgot about it.
var sweptStatuses = []workflow.WorkflowStatus{
	workflow.WorkflowRunning,
	workflow.WorkflowPaused,
	workflow.WorkflowAwaitingUserReview,
}

// sweepStuck logs in-flight workflows that have not been touched recently.
func (s *RetryScheduler) sweepStuck(ctx context.Context) {
	if s.config.StuckAfter <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.StuckAfter)
	for _, status := range sweptStatuses {
		list, err := s.store.ListWorkflowExecutionsByStatus(ctx, status)
		if err != nil {
			s.logger.Error("query workflows for sweep", "status", status, "error", err)
			continue
		}
		for _, wf := range list {
			if !wf.UpdatedAt.Before(cutoff) {
				continue
			}
			s.workflowsStuck.Add(1)
			s.logger.Warn("workflow appears stuck",
				"workflow_execution_id", wf.ID,
				"status", wf.Status,
				"correlation_id", wf.CorrelationID,
				"idle_since", wf.UpdatedAt)
		}
	}
}

// purgeExpired deletes workflows that settled before the retention window.
func (s *RetryScheduler) purgeExpired(ctx context.Context) {
	if s.config.TerminalRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.TerminalRetention)
	old, err := s.store.ListWorkflowExecutionsCompletedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("query expired workflows", "error", err)
		return
	}
	for _, wf := range old {
		if err := s.workflows.Delete(ctx, wf.ID); err != nil {
			s.logger.Error("purge workflow",
				"workflow_execution_id", wf.ID, "error", err)
			continue
		}
		s.workflowsPurged.Add(1)
		s.logger.Info("purged expired workflow",
			"workflow_execution_id", wf.ID,
			"status", wf.Status)
	}
}
