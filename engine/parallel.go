package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

const defaultMaxParallel = 10

// parallel runs every task concurrently through a bounded worker pool and
// aggregates the outcomes. Review gates, conditions, and routing fields
// are sequential concepts and are ignored here.
type parallel struct {
	store         storage.Store
	tasks         *TaskService
	maxConcurrent int
	logger        *slog.Logger

	warned sync.Map // definition id -> struct{}
}

func newParallel(store storage.Store, tasks *TaskService, maxConcurrent int, logger *slog.Logger) *parallel {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxParallel
	}
	return &parallel{
		store:         store,
		tasks:         tasks,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("strategy", "parallel"),
	}
}

// Execute runs all unsettled tasks concurrently and aggregates. A re-drive
// is safe: settled tasks are left alone, missing executions are created,
// and the aggregate is recomputed from the store.
func (p *parallel) Execute(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition) (workflow.WorkflowStatus, error) {
	p.warnOnSequentialFields(def)
	return p.runPool(ctx, wf, def, def.OrderedTasks())
}

// ExecuteSubset runs only the named tasks, each with a fresh execution.
func (p *parallel) ExecuteSubset(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, taskNames []string) (workflow.WorkflowStatus, error) {
	subset := make([]workflow.TaskDefinition, 0, len(taskNames))
	for _, name := range taskNames {
		td := def.TaskByName(name)
		if td == nil {
			return "", workflow.NewValidationError("task %q not in definition %s", name, def.Name)
		}
		subset = append(subset, *td)
	}

	// Fresh executions so settled tasks re-run.
	for _, td := range subset {
		if _, err := p.tasks.Create(ctx, wf, td); err != nil {
			return "", err
		}
	}
	return p.runPool(ctx, wf, def, subset)
}

func (p *parallel) runPool(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, tds []workflow.TaskDefinition) (workflow.WorkflowStatus, error) {
	executions, err := p.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
	if err != nil {
		return "", err
	}

	type unit struct {
		td   workflow.TaskDefinition
		task *workflow.TaskExecution
	}
	var runnable []unit
	for _, td := range tds {
		latest := latestTask(executions, td.Name)
		if latest == nil {
			latest, err = p.tasks.Create(ctx, wf, td)
			if err != nil {
				return "", err
			}
		}
		if latest.Status == workflow.TaskPending {
			runnable = append(runnable, unit{td: td, task: latest})
		}
	}

	ec := workflow.NewContext(wf, def)
	sem := make(chan struct{}, p.maxConcurrent)
	var wg sync.WaitGroup
	for _, u := range runnable {
		wg.Add(1)
		go func(u unit) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := p.tasks.Execute(ctx, u.task, u.td, ec); err != nil {
				p.logger.Error("parallel task execution",
					"task", u.td.Name, "error", err)
			}
		}(u)
	}
	wg.Wait()

	return p.aggregate(ctx, wf, tds)
}

// aggregate reads the final state of the given tasks: any FAILED fails the
// workflow with the first error, any still in flight keeps it RUNNING,
// otherwise it is COMPLETED.
func (p *parallel) aggregate(ctx context.Context, wf *workflow.WorkflowExecution, tds []workflow.TaskDefinition) (workflow.WorkflowStatus, error) {
	executions, err := p.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	cur, err := p.store.GetWorkflowExecution(ctx, wf.ID)
	if err != nil {
		return "", err
	}
	*wf = *cur
	if wf.Status == workflow.WorkflowCancelled {
		return workflow.WorkflowCancelled, nil
	}

	anyRunning := false
	for _, td := range tds {
		latest := latestTask(executions, td.Name)
		if latest == nil {
			anyRunning = true
			continue
		}
		switch latest.Status {
		case workflow.TaskFailed:
			wf.ErrorMessage = latest.ErrorMessage
			if err := p.store.UpdateWorkflowExecution(ctx, wf); err != nil {
				return "", err
			}
			return workflow.WorkflowFailed, nil
		case workflow.TaskRunning, workflow.TaskAwaitingRetry, workflow.TaskPending:
			anyRunning = true
		}
	}
	if anyRunning {
		return workflow.WorkflowRunning, nil
	}
	return workflow.WorkflowCompleted, nil
}

func (p *parallel) warnOnSequentialFields(def *workflow.WorkflowDefinition) {
	if _, done := p.warned.LoadOrStore(def.ID, struct{}{}); done {
		return
	}
	for _, td := range def.Tasks {
		if td.RequireUserReview || td.ConditionalExpression != "" ||
			td.NextTaskOnSuccess != "" || td.NextTaskOnFailure != "" {
			p.logger.Warn("parallel strategy ignores review, condition, and routing fields",
				"definition", def.Name, "task", td.Name)
		}
	}
}
