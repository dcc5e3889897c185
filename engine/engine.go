package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/queue"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// Engine coordinates workflow runs: it gates entry, resolves the
// scheduling strategy, applies the resulting status, and turns uncaught
// errors into failed workflows. Runs execute on their own goroutines;
// Wait blocks until in-flight runs drain.
type Engine struct {
	store     storage.Store
	tasks     *TaskService
	workflows *WorkflowService
	bus       *event.Bus
	set       *strategySet
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewEngine wires the engine. maxParallel bounds the parallel strategy's
// worker pool; zero means the default.
func NewEngine(store storage.Store, tasks *TaskService, workflows *WorkflowService, bus *event.Bus, maxParallel int, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		tasks:     tasks,
		workflows: workflows,
		bus:       bus,
		set:       newStrategySet(store, tasks, workflows, bus, maxParallel, logger),
		logger:    logger.With("component", "engine"),
	}
}

// ExecuteWorkflow starts or re-drives a run asynchronously. Only CREATED
// and RUNNING workflows are eligible; everything else is a state error.
// Gating and the CREATED to RUNNING move happen before return, so callers
// see precondition failures synchronously.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string) error {
	if err := e.admit(ctx, id); err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(context.WithoutCancel(ctx), id)
	}()
	return nil
}

// ExecuteWorkflowSync runs a workflow on the caller's goroutine and
// returns the status the run settled into. Used by the scheduler and by
// callers that need the outcome.
func (e *Engine) ExecuteWorkflowSync(ctx context.Context, id string) (workflow.WorkflowStatus, error) {
	if err := e.admit(ctx, id); err != nil {
		return "", err
	}
	return e.drive(ctx, id), nil
}

func (e *Engine) admit(ctx context.Context, id string) error {
	wf, err := e.workflows.Get(ctx, id)
	if err != nil {
		return err
	}
	switch wf.Status {
	case workflow.WorkflowCreated:
		if _, err := e.workflows.Start(ctx, id); err != nil {
			return err
		}
	case workflow.WorkflowRunning:
	default:
		return workflow.NewStateError("workflow %s is %s, only CREATED or RUNNING workflows execute", id, wf.Status)
	}
	return nil
}

// drive runs the strategy and applies its verdict. All errors end here:
// a run never leaves a workflow silently stuck.
func (e *Engine) drive(ctx context.Context, id string) workflow.WorkflowStatus {
	wf, err := e.workflows.Get(ctx, id)
	if err != nil {
		e.logger.Error("load workflow for run", "workflow_execution_id", id, "error", err)
		return ""
	}
	def, err := e.store.GetDefinition(ctx, wf.DefinitionID)
	if err != nil {
		e.failRun(ctx, id, "definition "+wf.DefinitionID+" unavailable: "+err.Error())
		return workflow.WorkflowFailed
	}

	strategy := e.set.resolve(def.StrategyType)
	status, err := strategy.Execute(ctx, wf, def)
	if err != nil {
		e.failRun(ctx, id, err.Error())
		return workflow.WorkflowFailed
	}
	return e.apply(ctx, wf, status)
}

// apply persists the status a strategy returned.
func (e *Engine) apply(ctx context.Context, wf *workflow.WorkflowExecution, status workflow.WorkflowStatus) workflow.WorkflowStatus {
	switch status {
	case workflow.WorkflowCompleted:
		if _, err := e.workflows.Complete(ctx, wf.ID); err != nil {
			e.logger.Error("complete workflow", "workflow_execution_id", wf.ID, "error", err)
		}
	case workflow.WorkflowFailed:
		e.failRun(ctx, wf.ID, wf.ErrorMessage)
	default:
		// RUNNING, AWAITING_USER_REVIEW, PAUSED, CANCELLED: the strategy
		// or an operator already put the workflow where it belongs.
	}
	return status
}

func (e *Engine) failRun(ctx context.Context, id, errMsg string) {
	if errMsg == "" {
		errMsg = "workflow run failed"
	}
	if _, err := e.workflows.FailWorkflow(ctx, id, errMsg); err != nil {
		e.logger.Error("fail workflow", "workflow_execution_id", id, "error", err)
	}
}

// RestartTask resets one task to a clean PENDING state, points the cursor
// at it, and re-drives the workflow.
func (e *Engine) RestartTask(ctx context.Context, workflowExecutionID, taskName string) error {
	wf, err := e.workflows.Get(ctx, workflowExecutionID)
	if err != nil {
		return err
	}
	def, err := e.store.GetDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return err
	}
	idx := def.TaskIndex(taskName)
	if idx < 0 {
		return workflow.NewValidationError("task %q not in definition %s", taskName, def.Name)
	}

	executions, err := e.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	if task := latestTask(executions, taskName); task != nil {
		task.ResetForRestart()
		if err := e.store.UpdateTaskExecution(ctx, task); err != nil {
			return err
		}
	}

	wf.CurrentTaskIndex = idx
	wf.ErrorMessage = ""
	if wf.Status != workflow.WorkflowRunning {
		if err := e.workflows.transition(ctx, wf, workflow.WorkflowRunning, event.WorkflowResumed, "task restart"); err != nil {
			return err
		}
	} else if err := e.store.UpdateWorkflowExecution(ctx, wf); err != nil {
		return err
	}

	e.logger.Info("task restarted",
		"workflow_execution_id", wf.ID, "task", taskName)
	return e.ExecuteWorkflow(ctx, wf.ID)
}

// ExecuteTaskSubset re-runs only the named tasks under the workflow's
// strategy, ignoring review gates, and applies the aggregate outcome.
func (e *Engine) ExecuteTaskSubset(ctx context.Context, workflowExecutionID string, taskNames []string) (workflow.WorkflowStatus, error) {
	if len(taskNames) == 0 {
		return "", workflow.NewValidationError("subset requires at least one task name")
	}
	wf, err := e.workflows.Get(ctx, workflowExecutionID)
	if err != nil {
		return "", err
	}
	def, err := e.store.GetDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return "", err
	}
	strategy := e.set.resolve(def.StrategyType)
	status, err := strategy.ExecuteSubset(ctx, wf, def, taskNames)
	if err != nil {
		return "", err
	}
	return e.apply(ctx, wf, status), nil
}

// RetrySubset re-runs the named tasks of a FAILED or PAUSED workflow.
// The workflow retry counter increments; task attempt counters do not.
func (e *Engine) RetrySubset(ctx context.Context, workflowExecutionID string, taskNames []string) (workflow.WorkflowStatus, error) {
	if len(taskNames) == 0 {
		return "", workflow.NewValidationError("subset retry requires at least one task name")
	}
	if _, err := e.workflows.PrepareSubsetRetry(ctx, workflowExecutionID); err != nil {
		return "", err
	}
	return e.ExecuteTaskSubset(ctx, workflowExecutionID, taskNames)
}

// OnTaskResult settles a queued task from a worker result and re-drives
// its workflow. It is the queue ingress handler.
func (e *Engine) OnTaskResult(ctx context.Context, msg queue.TaskResultMessage) error {
	task, err := e.store.GetTaskExecution(ctx, msg.TaskExecutionID)
	if err != nil {
		return err
	}

	if msg.ErrorMessage != "" {
		_, err = e.tasks.Fail(ctx, task.ID, msg.ErrorMessage)
	} else {
		_, err = e.tasks.Complete(ctx, task.ID, msg.Outputs)
	}
	if err != nil {
		return err
	}

	wf, err := e.workflows.Get(ctx, task.WorkflowExecutionID)
	if err != nil {
		return err
	}
	if wf.Status != workflow.WorkflowRunning {
		return nil
	}
	return e.ExecuteWorkflow(ctx, wf.ID)
}

// Resume re-drives a workflow after an operator resume.
func (e *Engine) Resume(ctx context.Context, id string) error {
	if _, err := e.workflows.Resume(ctx, id); err != nil {
		return err
	}
	return e.ExecuteWorkflow(ctx, id)
}

// Retry re-drives a FAILED workflow from its current task index. Each
// task whose latest execution is FAILED gets a fresh attempt record so
// the strategy re-runs it instead of settling on the old failure.
func (e *Engine) Retry(ctx context.Context, id string) error {
	wf, err := e.workflows.Retry(ctx, id)
	if err != nil {
		return err
	}
	def, err := e.store.GetDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return err
	}
	executions, err := e.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	for _, td := range def.Tasks {
		latest := latestTask(executions, td.Name)
		if latest == nil || latest.Status != workflow.TaskFailed {
			continue
		}
		if _, err := e.tasks.Create(ctx, wf, td); err != nil {
			return err
		}
	}
	return e.ExecuteWorkflow(ctx, wf.ID)
}

// Wait blocks until all asynchronous runs have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}
