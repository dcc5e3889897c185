// Package workflow defines the orchestrator domain model: workflow and task
// definitions, execution records, status machines, the execution context,
// and the retry policy.
package workflow

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition is an immutable, versioned template describing a
// workflow's tasks and scheduling strategy. Changing a stored definition
// requires publishing a new version.
type WorkflowDefinition struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	Description  string           `json:"description,omitempty"`
	StrategyType StrategyType     `json:"strategy_type"`
	Tasks        []TaskDefinition `json:"tasks"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// TaskDefinition describes a single unit of work within a workflow.
type TaskDefinition struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Type           string `json:"type"`
	ExecutionOrder int    `json:"execution_order"`

	// RetryLimit bounds retry attempts for this task. Zero defers to the
	// engine-wide retry policy's max attempts.
	RetryLimit     int `json:"retry_limit,omitempty"`
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`

	ExecutionMode     ExecutionMode `json:"execution_mode"`
	RequireUserReview bool          `json:"require_user_review,omitempty"`

	// ConditionalExpression gates execution under the conditional strategy.
	// Empty means always run.
	ConditionalExpression string `json:"conditional_expression,omitempty"`

	// NextTaskOnSuccess and NextTaskOnFailure name tasks to jump to after
	// this task settles, overriding positional order. A failure with a
	// failure route is a handled outcome and does not fail the workflow.
	NextTaskOnSuccess string `json:"next_task_on_success,omitempty"`
	NextTaskOnFailure string `json:"next_task_on_failure,omitempty"`

	// Configuration holds executor parameters. Values may reference
	// workflow variables as ${name}; resolution happens at execution time.
	Configuration map[string]string `json:"configuration,omitempty"`
}

// NewWorkflowDefinition builds a definition with a fresh ID and timestamps.
func NewWorkflowDefinition(name, version string, strategy StrategyType, tasks []TaskDefinition) *WorkflowDefinition {
	now := time.Now().UTC()
	def := &WorkflowDefinition{
		ID:           uuid.New().String(),
		Name:         name,
		Version:      version,
		StrategyType: strategy,
		Tasks:        tasks,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i := range def.Tasks {
		if def.Tasks[i].ID == "" {
			def.Tasks[i].ID = uuid.New().String()
		}
		if def.Tasks[i].ExecutionMode == "" {
			def.Tasks[i].ExecutionMode = ModeLocal
		}
	}
	return def
}

// Validate checks structural invariants before a definition is stored.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return NewValidationError("definition name is required")
	}
	if d.Version == "" {
		return NewValidationError("definition version is required")
	}
	if !d.StrategyType.IsValid() {
		return NewValidationError("unknown strategy type %q", d.StrategyType)
	}
	if len(d.Tasks) == 0 {
		return NewValidationError("definition %s must declare at least one task", d.Name)
	}
	names := make(map[string]struct{}, len(d.Tasks))
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.Name == "" {
			return NewValidationError("task %d has no name", i)
		}
		if t.Type == "" {
			return NewValidationError("task %s has no type", t.Name)
		}
		if _, dup := names[t.Name]; dup {
			return NewValidationError("duplicate task name %s", t.Name)
		}
		names[t.Name] = struct{}{}
		if t.ExecutionMode != "" && t.ExecutionMode != ModeLocal && t.ExecutionMode != ModeQueued {
			return NewValidationError("task %s has unknown execution mode %q", t.Name, t.ExecutionMode)
		}
		if t.RetryLimit < 0 {
			return NewValidationError("task %s has negative retry limit", t.Name)
		}
		if t.TimeoutSeconds < 0 {
			return NewValidationError("task %s has negative timeout", t.Name)
		}
	}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.NextTaskOnSuccess != "" {
			if _, ok := names[t.NextTaskOnSuccess]; !ok {
				return NewValidationError("task %s routes success to unknown task %s", t.Name, t.NextTaskOnSuccess)
			}
		}
		if t.NextTaskOnFailure != "" {
			if _, ok := names[t.NextTaskOnFailure]; !ok {
				return NewValidationError("task %s routes failure to unknown task %s", t.Name, t.NextTaskOnFailure)
			}
		}
	}
	return nil
}

// OrderedTasks returns the tasks sorted by ExecutionOrder, stable for equal
// orders. The stored slice is not modified.
func (d *WorkflowDefinition) OrderedTasks() []TaskDefinition {
	out := make([]TaskDefinition, len(d.Tasks))
	copy(out, d.Tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutionOrder < out[j].ExecutionOrder
	})
	return out
}

// TaskIndex returns the position of the named task in execution order,
// or -1 when absent.
func (d *WorkflowDefinition) TaskIndex(name string) int {
	for i, t := range d.OrderedTasks() {
		if t.Name == name {
			return i
		}
	}
	return -1
}

// TaskByName returns the named task definition, or nil when absent.
func (d *WorkflowDefinition) TaskByName(name string) *TaskDefinition {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i]
		}
	}
	return nil
}
