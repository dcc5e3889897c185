package workflow

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowExecution is a single run of a workflow definition.
type WorkflowExecution struct {
	ID           string `json:"id"`
	DefinitionID string `json:"definition_id"`

	// CorrelationID ties the run to an external business key. Unique
	// across executions.
	CorrelationID string `json:"correlation_id"`

	Status      WorkflowStatus `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`

	// CurrentTaskIndex is the cursor into the definition's execution
	// order. Routing jumps move it in either direction.
	CurrentTaskIndex int `json:"current_task_index"`

	// RetryCount counts workflow-level retry requests, not task attempts.
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`

	Variables    map[string]string `json:"variables,omitempty"`
	ReviewPoints []UserReviewPoint `json:"review_points,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWorkflowExecution builds a CREATED execution for a definition.
func NewWorkflowExecution(definitionID, correlationID string, variables map[string]string) *WorkflowExecution {
	now := time.Now().UTC()
	vars := make(map[string]string, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &WorkflowExecution{
		ID:            uuid.New().String(),
		DefinitionID:  definitionID,
		CorrelationID: correlationID,
		Status:        WorkflowCreated,
		Variables:     vars,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// SetVariable stores a workflow variable, allocating the map on first use.
func (w *WorkflowExecution) SetVariable(key, value string) {
	if w.Variables == nil {
		w.Variables = make(map[string]string)
	}
	w.Variables[key] = value
}

// OpenReviewPoint returns the unresolved review point for a task, or nil.
func (w *WorkflowExecution) OpenReviewPoint(taskName string) *UserReviewPoint {
	for i := range w.ReviewPoints {
		rp := &w.ReviewPoints[i]
		if rp.TaskName == taskName && !rp.Completed {
			return rp
		}
	}
	return nil
}

// CompletedReview reports whether the task has a resolved review on record.
// A RESTART counts: the gate was answered, so the re-run proceeds without
// suspending again. Rejections fail the workflow and never re-gate.
func (w *WorkflowExecution) CompletedReview(taskName string) bool {
	for i := range w.ReviewPoints {
		rp := &w.ReviewPoints[i]
		if rp.TaskName == taskName && rp.Completed {
			return true
		}
	}
	return false
}

// ReviewPointByID returns the review point with the given id, or nil.
func (w *WorkflowExecution) ReviewPointByID(id string) *UserReviewPoint {
	for i := range w.ReviewPoints {
		if w.ReviewPoints[i].ID == id {
			return &w.ReviewPoints[i]
		}
	}
	return nil
}

// TaskExecution is a single attempt series of one task within a workflow run.
type TaskExecution struct {
	ID                  string `json:"id"`
	WorkflowExecutionID string `json:"workflow_execution_id"`
	TaskName            string `json:"task_name"`
	TaskType            string `json:"task_type"`

	Status     TaskStatus `json:"status"`
	RetryCount int        `json:"retry_count"`

	// NextRetryAt is set while AWAITING_RETRY; the scheduler picks the
	// task up once it passes.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Inputs  map[string]string `json:"inputs,omitempty"`
	Outputs map[string]any    `json:"outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewTaskExecution builds a PENDING task execution from its definition.
func NewTaskExecution(workflowExecutionID string, def TaskDefinition) *TaskExecution {
	now := time.Now().UTC()
	return &TaskExecution{
		ID:                  uuid.New().String(),
		WorkflowExecutionID: workflowExecutionID,
		TaskName:            def.Name,
		TaskType:            def.Type,
		Status:              TaskPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// ResetForRestart returns the task to a clean PENDING state, discarding
// attempt history. Used by restart operations and review RESTART decisions.
func (t *TaskExecution) ResetForRestart() {
	t.Status = TaskPending
	t.RetryCount = 0
	t.NextRetryAt = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.ErrorMessage = ""
	t.Outputs = nil
	t.UpdatedAt = time.Now().UTC()
}

// UserReviewPoint records a manual gate on a task and its eventual decision.
type UserReviewPoint struct {
	ID         string         `json:"id"`
	TaskName   string         `json:"task_name"`
	CreatedAt  time.Time      `json:"created_at"`
	ReviewedAt *time.Time     `json:"reviewed_at,omitempty"`
	Reviewer   string         `json:"reviewer,omitempty"`
	Decision   ReviewDecision `json:"decision,omitempty"`
	Comment    string         `json:"comment,omitempty"`
	Completed  bool           `json:"completed"`
}

// NewUserReviewPoint opens a review gate for a task.
func NewUserReviewPoint(taskName string) UserReviewPoint {
	return UserReviewPoint{
		ID:        uuid.New().String(),
		TaskName:  taskName,
		CreatedAt: time.Now().UTC(),
	}
}
