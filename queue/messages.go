// Package queue moves queued task work and results over NATS JetStream.
// Tasks with execution mode QUEUED are published for external workers;
// the result ingress consumes their completion messages and hands them
// back to the engine.
package queue

// Stream and subject layout.
const (
	StreamName = "FLOWSTACK"

	// TaskSubjectPrefix is followed by the task type, so workers can
	// filter on workflow.tasks.dispatch.<type>.
	TaskSubjectPrefix = "workflow.tasks.dispatch."

	// ResultSubject receives TaskResultMessage from workers.
	ResultSubject = "workflow.tasks.result"
)

// TaskMessage is the unit of work published for external workers.
type TaskMessage struct {
	TaskExecutionID     string            `json:"task_execution_id"`
	WorkflowExecutionID string            `json:"workflow_execution_id"`
	TaskName            string            `json:"task_name"`
	TaskType            string            `json:"task_type"`
	Configuration       map[string]string `json:"configuration,omitempty"`
	Variables           map[string]string `json:"variables,omitempty"`
}

// TaskResultMessage reports the outcome of a queued task. An empty
// ErrorMessage means success; outputs are merged like a local completion.
type TaskResultMessage struct {
	TaskExecutionID string         `json:"task_execution_id"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}
