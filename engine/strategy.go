package engine

import (
	"log/slog"

	"context"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// Strategy schedules a workflow's tasks. Execute drives the whole run from
// the workflow's current task index; ExecuteSubset re-runs only the named
// tasks. Both return the status the run settled into: COMPLETED, FAILED,
// AWAITING_USER_REVIEW, or RUNNING when the run is suspended on queued
// work or a retry backoff.
type Strategy interface {
	Execute(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition) (workflow.WorkflowStatus, error)
	ExecuteSubset(ctx context.Context, wf *workflow.WorkflowExecution, def *workflow.WorkflowDefinition, taskNames []string) (workflow.WorkflowStatus, error)
}

// strategySet resolves a definition's strategy, falling back to sequential
// for unknown types.
type strategySet struct {
	sequential  Strategy
	parallel    Strategy
	conditional Strategy
	logger      *slog.Logger
}

func newStrategySet(store storage.Store, tasks *TaskService, ws *WorkflowService, bus *event.Bus, maxParallel int, logger *slog.Logger) *strategySet {
	return &strategySet{
		sequential:  newWalker(store, tasks, ws, bus, false, logger),
		conditional: newWalker(store, tasks, ws, bus, true, logger),
		parallel:    newParallel(store, tasks, maxParallel, logger),
		logger:      logger,
	}
}

func (s *strategySet) resolve(t workflow.StrategyType) Strategy {
	switch t {
	case workflow.StrategySequential:
		return s.sequential
	case workflow.StrategyParallel:
		return s.parallel
	case workflow.StrategyConditional:
		return s.conditional
	default:
		s.logger.Warn("unknown strategy type, falling back to sequential", "strategy", t)
		return s.sequential
	}
}

// latestTask returns the most recently created execution of a task, or nil.
func latestTask(tasks []*workflow.TaskExecution, name string) *workflow.TaskExecution {
	var latest *workflow.TaskExecution
	for _, t := range tasks {
		if t.TaskName != name {
			continue
		}
		if latest == nil || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
		}
	}
	return latest
}
