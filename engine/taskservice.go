// Package engine drives workflow executions: task lifecycle, scheduling
// strategies, the workflow state machine, user review gates, and the
// retry scheduler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/executor"
	"github.com/flowstack-io/flowstack/queue"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// TaskDispatcher publishes queued task work. Satisfied by queue.Dispatcher.
type TaskDispatcher interface {
	Dispatch(ctx context.Context, msg queue.TaskMessage) error
}

// TaskService owns the task execution state machine. All task settlement,
// whether from local execution, queued results, or review decisions, goes
// through Complete, Fail, and Skip so invariants hold on every path.
type TaskService struct {
	store      storage.Store
	registry   *executor.Registry
	bus        *event.Bus
	policy     workflow.RetryPolicy
	dispatcher TaskDispatcher
	logger     *slog.Logger
}

// NewTaskService wires the task service. dispatcher may be nil when no
// queue transport is configured; queued tasks then fail terminally.
func NewTaskService(store storage.Store, registry *executor.Registry, bus *event.Bus, policy workflow.RetryPolicy, dispatcher TaskDispatcher, logger *slog.Logger) *TaskService {
	return &TaskService{
		store:      store,
		registry:   registry,
		bus:        bus,
		policy:     policy,
		dispatcher: dispatcher,
		logger:     logger.With("component", "task-service"),
	}
}

// Create stores a PENDING task execution for a task definition.
func (s *TaskService) Create(ctx context.Context, wf *workflow.WorkflowExecution, def workflow.TaskDefinition) (*workflow.TaskExecution, error) {
	task := workflow.NewTaskExecution(wf.ID, def)
	task.Inputs = def.Configuration
	if err := s.store.CreateTaskExecution(ctx, task); err != nil {
		return nil, fmt.Errorf("create task execution: %w", err)
	}
	s.bus.Publish(event.New(event.TaskCreated, wf.ID, wf.CorrelationID).WithTask(def.Name))
	return task, nil
}

// Execute runs a task. LOCAL tasks run inline through the registry and
// settle before Execute returns. QUEUED tasks are published to the work
// queue and stay RUNNING until the result ingress settles them.
func (s *TaskService) Execute(ctx context.Context, task *workflow.TaskExecution, def workflow.TaskDefinition, ec *workflow.Context) error {
	now := time.Now().UTC()
	task.Status = workflow.TaskRunning
	task.StartedAt = &now
	if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	s.bus.Publish(event.New(event.TaskStarted, task.WorkflowExecutionID, ec.CorrelationID).WithTask(task.TaskName))

	if def.ExecutionMode == workflow.ModeQueued {
		return s.dispatch(ctx, task, def, ec)
	}

	exec, err := s.registry.Get(def.Type)
	if err != nil {
		// No executor is a definition problem; retrying cannot help.
		_, failErr := s.FailTerminal(ctx, task.ID, err.Error())
		return failErr
	}

	runCtx := ctx
	if def.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(def.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	outputs, execErr := exec.Execute(runCtx, def, ec)
	if execErr != nil {
		if !workflow.IsRetriable(execErr) {
			_, failErr := s.FailTerminal(ctx, task.ID, execErr.Error())
			return failErr
		}
		_, failErr := s.Fail(ctx, task.ID, execErr.Error())
		return failErr
	}
	_, err = s.Complete(ctx, task.ID, outputs)
	return err
}

func (s *TaskService) dispatch(ctx context.Context, task *workflow.TaskExecution, def workflow.TaskDefinition, ec *workflow.Context) error {
	if s.dispatcher == nil {
		_, err := s.FailTerminal(ctx, task.ID, fmt.Sprintf("task %s is QUEUED but no queue transport is configured", task.TaskName))
		return err
	}
	msg := queue.TaskMessage{
		TaskExecutionID:     task.ID,
		WorkflowExecutionID: task.WorkflowExecutionID,
		TaskName:            task.TaskName,
		TaskType:            task.TaskType,
		Configuration:       ec.SubstituteMap(def.Configuration),
		Variables:           ec.Variables,
	}
	if err := s.dispatcher.Dispatch(ctx, msg); err != nil {
		// Transport trouble is transient; let the retry machinery drive it.
		_, failErr := s.Fail(ctx, task.ID, err.Error())
		return failErr
	}
	s.logger.Debug("task queued", "task", task.TaskName, "task_execution_id", task.ID)
	return nil
}

// Complete settles a task successfully and merges its string outputs into
// the workflow variables. Completing an already settled task is a no-op:
// queued results are delivered at least once. Results arriving after the
// workflow was cancelled are discarded.
func (s *TaskService) Complete(ctx context.Context, taskID string, outputs map[string]any) (*workflow.TaskExecution, error) {
	task, err := s.store.GetTaskExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}
	wf, err := s.store.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return nil, err
	}
	if wf.Status == workflow.WorkflowCancelled {
		s.logger.Debug("discarding result for cancelled workflow",
			"task_execution_id", task.ID, "workflow_execution_id", wf.ID)
		return task, nil
	}

	now := time.Now().UTC()
	task.Status = workflow.TaskCompleted
	task.CompletedAt = &now
	task.NextRetryAt = nil
	task.Outputs = outputs
	if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
		return nil, fmt.Errorf("complete task execution: %w", err)
	}

	merged := false
	for k, v := range outputs {
		if str, ok := v.(string); ok {
			wf.SetVariable(k, str)
			merged = true
		}
	}
	if merged {
		if err := s.store.UpdateWorkflowExecution(ctx, wf); err != nil {
			return nil, fmt.Errorf("merge task outputs: %w", err)
		}
	}

	s.bus.Publish(event.New(event.TaskCompleted, wf.ID, wf.CorrelationID).WithTask(task.TaskName))
	return task, nil
}

// Fail records a failed attempt. While retries remain the task moves to
// AWAITING_RETRY with a backoff deadline; once exhausted it is FAILED.
// Failing a settled task is a no-op, and results for cancelled workflows
// are discarded.
func (s *TaskService) Fail(ctx context.Context, taskID, errMsg string) (*workflow.TaskExecution, error) {
	return s.fail(ctx, taskID, errMsg, false)
}

// FailTerminal fails a task without consulting the retry policy. For
// validation failures and other unrecoverable outcomes.
func (s *TaskService) FailTerminal(ctx context.Context, taskID, errMsg string) (*workflow.TaskExecution, error) {
	return s.fail(ctx, taskID, errMsg, true)
}

func (s *TaskService) fail(ctx context.Context, taskID, errMsg string, terminal bool) (*workflow.TaskExecution, error) {
	task, err := s.store.GetTaskExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}
	wf, err := s.store.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return nil, err
	}
	if wf.Status == workflow.WorkflowCancelled {
		s.logger.Debug("discarding failure for cancelled workflow",
			"task_execution_id", task.ID, "workflow_execution_id", wf.ID)
		return task, nil
	}

	retryLimit := 0
	if def, err := s.store.GetDefinition(ctx, wf.DefinitionID); err == nil {
		if td := def.TaskByName(task.TaskName); td != nil {
			retryLimit = td.RetryLimit
		}
	}

	now := time.Now().UTC()
	task.ErrorMessage = errMsg

	if !terminal && !s.policy.Exhausted(task.RetryCount, retryLimit) {
		delay := s.policy.NextDelay(task.RetryCount)
		next := now.Add(delay)
		task.Status = workflow.TaskAwaitingRetry
		task.RetryCount++
		task.NextRetryAt = &next
		if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
			return nil, fmt.Errorf("schedule task retry: %w", err)
		}
		s.logger.Info("task retry scheduled",
			"task", task.TaskName,
			"attempt", task.RetryCount,
			"next_retry_at", next)
		s.bus.Publish(event.New(event.TaskRetryScheduled, wf.ID, wf.CorrelationID).
			WithTask(task.TaskName).
			WithMessage(errMsg).
			WithData("attempt", fmt.Sprintf("%d", task.RetryCount)))
		return task, nil
	}

	task.Status = workflow.TaskFailed
	task.CompletedAt = &now
	task.NextRetryAt = nil
	if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
		return nil, fmt.Errorf("fail task execution: %w", err)
	}
	s.bus.Publish(event.New(event.TaskFailed, wf.ID, wf.CorrelationID).
		WithTask(task.TaskName).
		WithMessage(errMsg))
	return task, nil
}

// Skip settles a task as bypassed.
func (s *TaskService) Skip(ctx context.Context, taskID, reason string) (*workflow.TaskExecution, error) {
	task, err := s.store.GetTaskExecution(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}
	now := time.Now().UTC()
	task.Status = workflow.TaskSkipped
	task.CompletedAt = &now
	if reason != "" {
		task.ErrorMessage = ""
		if task.Outputs == nil {
			task.Outputs = make(map[string]any)
		}
		task.Outputs["skipReason"] = reason
	}
	if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
		return nil, fmt.Errorf("skip task execution: %w", err)
	}
	wf, err := s.store.GetWorkflowExecution(ctx, task.WorkflowExecutionID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(event.New(event.TaskSkipped, wf.ID, wf.CorrelationID).
		WithTask(task.TaskName).
		WithMessage(reason))
	return task, nil
}

// TasksToRetry returns AWAITING_RETRY tasks due at now.
func (s *TaskService) TasksToRetry(ctx context.Context, now time.Time) ([]*workflow.TaskExecution, error) {
	return s.store.TasksToRetry(ctx, now)
}
