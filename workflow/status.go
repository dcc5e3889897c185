package workflow

// WorkflowStatus represents the current state of a workflow execution.
type WorkflowStatus string

const (
	// WorkflowCreated indicates the execution exists but has not started.
	WorkflowCreated WorkflowStatus = "CREATED"
	// WorkflowRunning indicates tasks are actively executing.
	WorkflowRunning WorkflowStatus = "RUNNING"
	// WorkflowPaused indicates execution is suspended by an operator.
	WorkflowPaused WorkflowStatus = "PAUSED"
	// WorkflowAwaitingUserReview indicates execution is suspended at a review gate.
	WorkflowAwaitingUserReview WorkflowStatus = "AWAITING_USER_REVIEW"
	// WorkflowCompleted indicates all tasks finished successfully.
	WorkflowCompleted WorkflowStatus = "COMPLETED"
	// WorkflowFailed indicates execution stopped on an unrecoverable failure.
	WorkflowFailed WorkflowStatus = "FAILED"
	// WorkflowCancelled indicates execution was cancelled by an operator.
	WorkflowCancelled WorkflowStatus = "CANCELLED"
)

// String returns the string representation of the status.
func (s WorkflowStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known workflow status.
func (s WorkflowStatus) IsValid() bool {
	switch s {
	case WorkflowCreated, WorkflowRunning, WorkflowPaused,
		WorkflowAwaitingUserReview, WorkflowCompleted,
		WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are possible,
// except the FAILED → RUNNING retry edge.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	switch s {
	case WorkflowCreated:
		return target == WorkflowRunning || target == WorkflowCancelled
	case WorkflowRunning:
		return target == WorkflowPaused || target == WorkflowAwaitingUserReview ||
			target == WorkflowCompleted || target == WorkflowFailed ||
			target == WorkflowCancelled
	case WorkflowPaused:
		return target == WorkflowRunning || target == WorkflowCancelled
	case WorkflowAwaitingUserReview:
		return target == WorkflowRunning || target == WorkflowFailed ||
			target == WorkflowCancelled
	case WorkflowFailed:
		// Retry re-enters the run loop.
		return target == WorkflowRunning
	default:
		// COMPLETED and CANCELLED admit nothing.
		return false
	}
}

// TaskStatus represents the current state of a task execution.
type TaskStatus string

const (
	// TaskPending indicates the task has been created but not started.
	TaskPending TaskStatus = "PENDING"
	// TaskRunning indicates the task is executing.
	TaskRunning TaskStatus = "RUNNING"
	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "COMPLETED"
	// TaskFailed indicates the task failed with no retries remaining.
	TaskFailed TaskStatus = "FAILED"
	// TaskSkipped indicates the task was bypassed by a conditional gate.
	TaskSkipped TaskStatus = "SKIPPED"
	// TaskCancelled indicates the task was cancelled with its workflow.
	TaskCancelled TaskStatus = "CANCELLED"
	// TaskAwaitingRetry indicates the task failed and is scheduled for retry.
	TaskAwaitingRetry TaskStatus = "AWAITING_RETRY"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a known task status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed,
		TaskSkipped, TaskCancelled, TaskAwaitingRetry:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if the task has settled and admits no transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
// PENDING admits COMPLETED and FAILED directly so that review decisions can
// settle a task that never ran.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	switch s {
	case TaskPending:
		return target == TaskRunning || target == TaskSkipped ||
			target == TaskCancelled || target == TaskCompleted ||
			target == TaskFailed
	case TaskRunning:
		return target == TaskCompleted || target == TaskFailed ||
			target == TaskAwaitingRetry || target == TaskCancelled
	case TaskAwaitingRetry:
		return target == TaskPending || target == TaskCancelled ||
			target == TaskFailed
	default:
		return false
	}
}

// StrategyType selects how a workflow's tasks are scheduled.
type StrategyType string

const (
	// StrategySequential runs tasks one at a time in execution order.
	StrategySequential StrategyType = "SEQUENTIAL"
	// StrategyParallel runs all tasks concurrently in a bounded pool.
	StrategyParallel StrategyType = "PARALLEL"
	// StrategyConditional runs sequentially, gating tasks on expressions.
	StrategyConditional StrategyType = "CONDITIONAL"
)

// IsValid returns true if the strategy type is known.
func (s StrategyType) IsValid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyConditional:
		return true
	default:
		return false
	}
}

// ExecutionMode selects where a task runs.
type ExecutionMode string

const (
	// ModeLocal runs the task in-process through the executor registry.
	ModeLocal ExecutionMode = "LOCAL"
	// ModeQueued publishes the task to the work queue for external workers.
	ModeQueued ExecutionMode = "QUEUED"
)

// ReviewDecision is the outcome an operator records at a review gate.
type ReviewDecision string

const (
	// DecisionApprove completes the gated task and resumes the workflow.
	DecisionApprove ReviewDecision = "APPROVE"
	// DecisionReject fails the gated task and the workflow.
	DecisionReject ReviewDecision = "REJECT"
	// DecisionRestart resets the gated task and re-runs it.
	DecisionRestart ReviewDecision = "RESTART"
)

// IsValid returns true if the decision is one of the three allowed values.
func (d ReviewDecision) IsValid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionRestart:
		return true
	default:
		return false
	}
}
