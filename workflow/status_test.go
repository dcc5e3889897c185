package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkflowStatusTransitions(t *testing.T) {
	t.Run("created can start or cancel", func(t *testing.T) {
		assert.True(t, WorkflowCreated.CanTransitionTo(WorkflowRunning))
		assert.True(t, WorkflowCreated.CanTransitionTo(WorkflowCancelled))
		assert.False(t, WorkflowCreated.CanTransitionTo(WorkflowCompleted))
		assert.False(t, WorkflowCreated.CanTransitionTo(WorkflowPaused))
	})

	t.Run("running fans out", func(t *testing.T) {
		for _, target := range []WorkflowStatus{
			WorkflowPaused, WorkflowAwaitingUserReview,
			WorkflowCompleted, WorkflowFailed, WorkflowCancelled,
		} {
			assert.True(t, WorkflowRunning.CanTransitionTo(target), "running -> %s", target)
		}
		assert.False(t, WorkflowRunning.CanTransitionTo(WorkflowCreated))
	})

	t.Run("failed admits only retry", func(t *testing.T) {
		assert.True(t, WorkflowFailed.CanTransitionTo(WorkflowRunning))
		assert.False(t, WorkflowFailed.CanTransitionTo(WorkflowCompleted))
		assert.False(t, WorkflowFailed.CanTransitionTo(WorkflowCancelled))
	})

	t.Run("completed and cancelled are dead ends", func(t *testing.T) {
		for _, s := range []WorkflowStatus{WorkflowCompleted, WorkflowCancelled} {
			for _, target := range []WorkflowStatus{
				WorkflowCreated, WorkflowRunning, WorkflowPaused,
				WorkflowAwaitingUserReview, WorkflowCompleted,
				WorkflowFailed, WorkflowCancelled,
			} {
				assert.False(t, s.CanTransitionTo(target), "%s -> %s", s, target)
			}
		}
	})

	t.Run("review gate resumes or fails", func(t *testing.T) {
		assert.True(t, WorkflowAwaitingUserReview.CanTransitionTo(WorkflowRunning))
		assert.True(t, WorkflowAwaitingUserReview.CanTransitionTo(WorkflowFailed))
		assert.True(t, WorkflowAwaitingUserReview.CanTransitionTo(WorkflowCancelled))
		assert.False(t, WorkflowAwaitingUserReview.CanTransitionTo(WorkflowPaused))
	})

	t.Run("terminal set", func(t *testing.T) {
		assert.True(t, WorkflowCompleted.IsTerminal())
		assert.True(t, WorkflowFailed.IsTerminal())
		assert.True(t, WorkflowCancelled.IsTerminal())
		assert.False(t, WorkflowRunning.IsTerminal())
		assert.False(t, WorkflowPaused.IsTerminal())
	})

	t.Run("validity", func(t *testing.T) {
		assert.True(t, WorkflowRunning.IsValid())
		assert.False(t, WorkflowStatus("EXPLODED").IsValid())
	})
}

func TestTaskStatusTransitions(t *testing.T) {
	t.Run("pending settles directly for review decisions", func(t *testing.T) {
		assert.True(t, TaskPending.CanTransitionTo(TaskCompleted))
		assert.True(t, TaskPending.CanTransitionTo(TaskFailed))
		assert.True(t, TaskPending.CanTransitionTo(TaskRunning))
		assert.True(t, TaskPending.CanTransitionTo(TaskSkipped))
		assert.False(t, TaskPending.CanTransitionTo(TaskAwaitingRetry))
	})

	t.Run("running outcomes", func(t *testing.T) {
		assert.True(t, TaskRunning.CanTransitionTo(TaskCompleted))
		assert.True(t, TaskRunning.CanTransitionTo(TaskFailed))
		assert.True(t, TaskRunning.CanTransitionTo(TaskAwaitingRetry))
		assert.True(t, TaskRunning.CanTransitionTo(TaskCancelled))
		assert.False(t, TaskRunning.CanTransitionTo(TaskSkipped))
	})

	t.Run("awaiting retry loops back or gives up", func(t *testing.T) {
		assert.True(t, TaskAwaitingRetry.CanTransitionTo(TaskPending))
		assert.True(t, TaskAwaitingRetry.CanTransitionTo(TaskFailed))
		assert.True(t, TaskAwaitingRetry.CanTransitionTo(TaskCancelled))
		assert.False(t, TaskAwaitingRetry.CanTransitionTo(TaskRunning))
	})

	t.Run("settled tasks admit nothing", func(t *testing.T) {
		for _, s := range []TaskStatus{TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled} {
			assert.True(t, s.IsTerminal())
			assert.False(t, s.CanTransitionTo(TaskPending), "%s must not reopen", s)
			assert.False(t, s.CanTransitionTo(TaskRunning))
		}
	})
}

func TestReviewDecisionValidity(t *testing.T) {
	assert.True(t, DecisionApprove.IsValid())
	assert.True(t, DecisionReject.IsValid())
	assert.True(t, DecisionRestart.IsValid())
	assert.False(t, ReviewDecision("MAYBE").IsValid())
}
