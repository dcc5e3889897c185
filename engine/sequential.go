package engine

import (
	"context"
	"log/slog"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// walker implements the sequential and conditional strategies: a single
// cursor over the definition's execution order with review gates, routing
// jumps, and optional condition evaluation. The cursor and all task state
// live in the store, so a suspended walk resumes wherever the last call
// left off.
type walker struct {
	store      storage.Store
	tasks      *TaskService
	ws         *WorkflowService
	bus        *event.Bus
	conditions bool
	logger     *slog.Logger
}

func newWalker(store storage.Store, tasks *TaskService, ws *WorkflowService, bus *event.Bus, conditions bool, logger *slog.Logger) *walker {
	name := "sequential"
	if conditions {
		name = "conditional"
	}
	return &walker{
		store:      store,
		tasks:      tasks,
		ws:         ws,
		bus:        bus,
		conditions: conditions,
		logger:     logger.With("strategy", name),
	}
}

// Execute walks tasks from the workflow's current index until the run
// settles or suspends.
func (w *walker) Execute(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition) (workflow.WorkflowStatus, error) {
	ordered := def.OrderedTasks()

	// fresh names a task to re-execute after a routing jump even though
	// an earlier execution of it has settled.
	fresh := ""

	for {
		cur, err := w.store.GetWorkflowExecution(ctx, wf.ID)
		if err != nil {
			return "", err
		}
		*wf = *cur

		switch wf.Status {
		case workflow.WorkflowCancelled, workflow.WorkflowPaused:
			return wf.Status, nil
		}
		if wf.CurrentTaskIndex >= len(ordered) {
			return workflow.WorkflowCompleted, nil
		}

		td := ordered[wf.CurrentTaskIndex]
		executions, err := w.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
		if err != nil {
			return "", err
		}
		latest := latestTask(executions, td.Name)

		needsRun := latest == nil ||
			latest.Status == workflow.TaskPending ||
			(latest.Status.IsTerminal() && fresh == td.Name)

		if !needsRun {
			switch latest.Status {
			case workflow.TaskRunning, workflow.TaskAwaitingRetry:
				// Queued work or a backoff in flight; the ingress or
				// scheduler re-enters the walk later.
				return workflow.WorkflowRunning, nil
			}
			status, advanced, err := w.settle(ctx, wf, def, td, latest, &fresh)
			if err != nil {
				return "", err
			}
			if !advanced {
				return status, nil
			}
			continue
		}

		latest, suspended, err := w.run(ctx, wf, def, td, latest, fresh == td.Name)
		if err != nil {
			return "", err
		}
		if suspended {
			return workflow.WorkflowAwaitingUserReview, nil
		}
		fresh = ""
		if latest.Status == workflow.TaskRunning {
			return workflow.WorkflowRunning, nil
		}
		status, advanced, err := w.settle(ctx, wf, def, td, latest, &fresh)
		if err != nil {
			return "", err
		}
		if !advanced {
			return status, nil
		}
	}
}

// run executes one task, creating its execution record if needed.
// Returns suspended=true when the task gated on user review.
func (w *walker) run(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, td workflow.TaskDefinition, existing *workflow.TaskExecution, forceFresh bool) (*workflow.TaskExecution, bool, error) {
	ec := workflow.NewContext(wf, def)

	if w.conditions && td.ConditionalExpression != "" {
		shouldRun, evalErr := workflow.EvaluateCondition(td.ConditionalExpression, ec)
		if evalErr != nil || !shouldRun {
			task := existing
			if task == nil || (task.Status.IsTerminal() && forceFresh) {
				created, err := w.tasks.Create(ctx, wf, td)
				if err != nil {
					return nil, false, err
				}
				task = created
			}
			if evalErr != nil {
				failed, err := w.tasks.FailTerminal(ctx, task.ID, evalErr.Error())
				return failed, false, err
			}
			skipped, err := w.tasks.Skip(ctx, task.ID, "condition evaluated to false")
			return skipped, false, err
		}
	}

	if td.RequireUserReview && !wf.CompletedReview(td.Name) {
		if err := w.suspendForReview(ctx, wf, td); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	task := existing
	if task == nil || task.Status.IsTerminal() {
		created, err := w.tasks.Create(ctx, wf, td)
		if err != nil {
			return nil, false, err
		}
		task = created
	}
	if err := w.tasks.Execute(ctx, task, td, ec); err != nil {
		return nil, false, err
	}
	task, err := w.store.GetTaskExecution(ctx, task.ID)
	if err != nil {
		return nil, false, err
	}
	return task, false, nil
}

// settle reacts to a settled task: advance the cursor, follow a routing
// jump, or stop the run. advanced=false means the walk is over and status
// is the result.
func (w *walker) settle(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, td workflow.TaskDefinition, task *workflow.TaskExecution, fresh *string) (workflow.WorkflowStatus, bool, error) {
	switch task.Status {
	case workflow.TaskCompleted:
		if td.NextTaskOnSuccess != "" {
			return w.jump(ctx, wf, def, td.NextTaskOnSuccess, fresh)
		}
		return w.advance(ctx, wf)

	case workflow.TaskSkipped:
		return w.advance(ctx, wf)

	case workflow.TaskFailed:
		if td.NextTaskOnFailure != "" {
			// A routed failure is a handled outcome; the workflow
			// stays on its feet but keeps the error on record.
			w.logger.Info("task failed, following failure route",
				"task", td.Name, "next", td.NextTaskOnFailure)
			return w.jumpFailed(ctx, wf, def, td.NextTaskOnFailure, task.ErrorMessage, fresh)
		}
		if err := persistExecution(ctx, w.store, wf, func(cur *workflow.WorkflowExecution) {
			cur.ErrorMessage = task.ErrorMessage
		}); err != nil {
			return "", false, err
		}
		return workflow.WorkflowFailed, false, nil

	case workflow.TaskCancelled:
		return workflow.WorkflowCancelled, false, nil

	default:
		return workflow.WorkflowRunning, false, nil
	}
}

// advance and jump never write the walk's snapshot back: the settled
// task has just merged its outputs into the stored execution, so cursor
// changes go through persistExecution on a fresh copy.
func (w *walker) advance(ctx context.Context, wf *workflow.WorkflowExecution) (workflow.WorkflowStatus, bool, error) {
	if err := persistExecution(ctx, w.store, wf, func(cur *workflow.WorkflowExecution) {
		cur.CurrentTaskIndex++
	}); err != nil {
		return "", false, err
	}
	return "", true, nil
}

func (w *walker) jump(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, target string, fresh *string) (workflow.WorkflowStatus, bool, error) {
	return w.jumpFailed(ctx, wf, def, target, "", fresh)
}

// jumpFailed moves the cursor to target, recording errMsg on the
// execution when the jump follows a failure route.
func (w *walker) jumpFailed(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, target, errMsg string, fresh *string) (workflow.WorkflowStatus, bool, error) {
	idx := def.TaskIndex(target)
	if idx < 0 {
		return "", false, workflow.NewValidationError("route target %q not in definition", target)
	}
	if err := persistExecution(ctx, w.store, wf, func(cur *workflow.WorkflowExecution) {
		cur.CurrentTaskIndex = idx
		if errMsg != "" {
			cur.ErrorMessage = errMsg
		}
	}); err != nil {
		return "", false, err
	}
	*fresh = target
	return "", true, nil
}

// persistExecution applies mutate to a freshly loaded copy of the
// execution, stores it, and refreshes wf from the stored copy.
func persistExecution(ctx context.Context, store storage.Store, wf *workflow.WorkflowExecution, mutate func(*workflow.WorkflowExecution)) error {
	cur, err := store.GetWorkflowExecution(ctx, wf.ID)
	if err != nil {
		return err
	}
	mutate(cur)
	if err := store.UpdateWorkflowExecution(ctx, cur); err != nil {
		return err
	}
	*wf = *cur
	return nil
}

func (w *walker) suspendForReview(ctx context.Context, wf *workflow.WorkflowExecution, td workflow.TaskDefinition) error {
	if wf.OpenReviewPoint(td.Name) == nil {
		wf.ReviewPoints = append(wf.ReviewPoints, workflow.NewUserReviewPoint(td.Name))
	}
	if err := w.ws.transition(ctx, wf, workflow.WorkflowAwaitingUserReview, event.UserReviewRequested, td.Name); err != nil {
		return err
	}
	w.logger.Info("workflow suspended for user review",
		"workflow_execution_id", wf.ID, "task", td.Name)
	return nil
}

// ExecuteSubset re-runs only the named tasks, in definition order, with
// fresh execution records. Review gates are not applied; conditions are
// honored under the conditional strategy.
func (w *walker) ExecuteSubset(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, taskNames []string) (workflow.WorkflowStatus, error) {
	return runSubset(ctx, subsetDeps{
		store:      w.store,
		tasks:      w.tasks,
		conditions: w.conditions,
	}, wf, def, taskNames)
}

type subsetDeps struct {
	store      storage.Store
	tasks      *TaskService
	conditions bool
}

// runSubset is the shared subset runner for the cursor strategies.
func runSubset(ctx context.Context, deps subsetDeps, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, taskNames []string) (workflow.WorkflowStatus, error) {
	wanted := make(map[string]struct{}, len(taskNames))
	for _, name := range taskNames {
		if def.TaskByName(name) == nil {
			return "", workflow.NewValidationError("task %q not in definition %s", name, def.Name)
		}
		wanted[name] = struct{}{}
	}

	anyRunning := false
	for _, td := range def.OrderedTasks() {
		if _, ok := wanted[td.Name]; !ok {
			continue
		}
		cur, err := deps.store.GetWorkflowExecution(ctx, wf.ID)
		if err != nil {
			return "", err
		}
		*wf = *cur
		if wf.Status == workflow.WorkflowCancelled {
			return workflow.WorkflowCancelled, nil
		}
		ec := workflow.NewContext(wf, def)

		task, err := deps.tasks.Create(ctx, wf, td)
		if err != nil {
			return "", err
		}

		if deps.conditions && td.ConditionalExpression != "" {
			shouldRun, evalErr := workflow.EvaluateCondition(td.ConditionalExpression, ec)
			if evalErr != nil {
				task, err = deps.tasks.FailTerminal(ctx, task.ID, evalErr.Error())
				if err != nil {
					return "", err
				}
				_ = persistExecution(ctx, deps.store, wf, func(cur *workflow.WorkflowExecution) {
					cur.ErrorMessage = task.ErrorMessage
				})
				return workflow.WorkflowFailed, nil
			}
			if !shouldRun {
				if _, err := deps.tasks.Skip(ctx, task.ID, "condition evaluated to false"); err != nil {
					return "", err
				}
				continue
			}
		}

		if err := deps.tasks.Execute(ctx, task, td, ec); err != nil {
			return "", err
		}
		task, err = deps.store.GetTaskExecution(ctx, task.ID)
		if err != nil {
			return "", err
		}
		switch task.Status {
		case workflow.TaskFailed:
			if err := persistExecution(ctx, deps.store, wf, func(cur *workflow.WorkflowExecution) {
				cur.ErrorMessage = task.ErrorMessage
			}); err != nil {
				return "", err
			}
			return workflow.WorkflowFailed, nil
		case workflow.TaskRunning, workflow.TaskAwaitingRetry:
			anyRunning = true
		}
	}

	if anyRunning {
		return workflow.WorkflowRunning, nil
	}
	return workflow.WorkflowCompleted, nil
}
