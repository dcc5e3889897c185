// Package event carries workflow lifecycle notifications to in-process
// subscribers and, optionally, onto NATS subjects for external consumers.
package event

import (
	"time"
)

// Type identifies a lifecycle event.
type Type string

// Workflow lifecycle events.
const (
	WorkflowCreated       Type = "WORKFLOW_CREATED"
	WorkflowStarted       Type = "WORKFLOW_STARTED"
	WorkflowCompleted     Type = "WORKFLOW_COMPLETED"
	WorkflowFailed        Type = "WORKFLOW_FAILED"
	WorkflowPaused        Type = "WORKFLOW_PAUSED"
	WorkflowResumed       Type = "WORKFLOW_RESUMED"
	WorkflowCancelled     Type = "WORKFLOW_CANCELLED"
	WorkflowRetry         Type = "WORKFLOW_RETRY"
	WorkflowStatusChanged Type = "WORKFLOW_STATUS_CHANGED"
)

// Task lifecycle events.
const (
	TaskCreated        Type = "TASK_CREATED"
	TaskStarted        Type = "TASK_STARTED"
	TaskCompleted      Type = "TASK_COMPLETED"
	TaskFailed         Type = "TASK_FAILED"
	TaskSkipped        Type = "TASK_SKIPPED"
	TaskRetryScheduled Type = "TASK_RETRY_SCHEDULED"
)

// User review events.
const (
	UserReviewRequested Type = "USER_REVIEW_REQUESTED"
	UserReviewCompleted Type = "USER_REVIEW_COMPLETED"
)

// Event is a single lifecycle notification.
type Event struct {
	Type                Type              `json:"type"`
	WorkflowExecutionID string            `json:"workflow_execution_id"`
	CorrelationID       string            `json:"correlation_id,omitempty"`
	TaskName            string            `json:"task_name,omitempty"`
	Message             string            `json:"message,omitempty"`
	Timestamp           time.Time         `json:"timestamp"`
	Data                map[string]string `json:"data,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, workflowExecutionID, correlationID string) Event {
	return Event{
		Type:                t,
		WorkflowExecutionID: workflowExecutionID,
		CorrelationID:       correlationID,
		Timestamp:           time.Now().UTC(),
	}
}

// WithTask attaches a task name.
func (e Event) WithTask(name string) Event {
	e.TaskName = name
	return e
}

// WithMessage attaches a human-readable message.
func (e Event) WithMessage(msg string) Event {
	e.Message = msg
	return e
}

// WithData attaches a key to the event's data map.
func (e Event) WithData(key, value string) Event {
	if e.Data == nil {
		e.Data = make(map[string]string)
	}
	e.Data[key] = value
	return e
}

// Subject returns the NATS subject for an event type, following the
// workflow.events.<domain>.<action> convention.
func (e Event) Subject() string {
	switch e.Type {
	case WorkflowCreated:
		return "workflow.events.run.created"
	case WorkflowStarted:
		return "workflow.events.run.started"
	case WorkflowCompleted:
		return "workflow.events.run.completed"
	case WorkflowFailed:
		return "workflow.events.run.failed"
	case WorkflowPaused:
		return "workflow.events.run.paused"
	case WorkflowResumed:
		return "workflow.events.run.resumed"
	case WorkflowCancelled:
		return "workflow.events.run.cancelled"
	case WorkflowRetry:
		return "workflow.events.run.retry"
	case WorkflowStatusChanged:
		return "workflow.events.run.status_changed"
	case TaskCreated:
		return "workflow.events.task.created"
	case TaskStarted:
		return "workflow.events.task.started"
	case TaskCompleted:
		return "workflow.events.task.completed"
	case TaskFailed:
		return "workflow.events.task.failed"
	case TaskSkipped:
		return "workflow.events.task.skipped"
	case TaskRetryScheduled:
		return "workflow.events.task.retry_scheduled"
	case UserReviewRequested:
		return "workflow.events.review.requested"
	case UserReviewCompleted:
		return "workflow.events.review.completed"
	default:
		return "workflow.events.unknown"
	}
}
