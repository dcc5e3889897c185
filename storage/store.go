// Package storage persists workflow definitions and execution state.
// Two implementations are provided: an in-memory store for tests and
// embedded use, and a NATS JetStream KV store for durable deployments.
package storage

import (
	"context"
	"time"

	"github.com/flowstack-io/flowstack/workflow"
)

// Store is the persistence boundary for the orchestrator.
//
// Uniqueness invariants enforced by implementations:
//   - workflow definitions are unique by (name, version)
//   - workflow executions are unique by correlation id
//
// Terminal-only deletion is a service-layer rule, not a store rule;
// DeleteWorkflowExecution removes whatever it is given, cascading the
// run's task executions.
type Store interface {
	// Definitions. Stored definitions are immutable.
	CreateDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error)
	GetDefinitionByNameVersion(ctx context.Context, name, version string) (*workflow.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error)

	// Workflow executions.
	CreateWorkflowExecution(ctx context.Context, wf *workflow.WorkflowExecution) error
	UpdateWorkflowExecution(ctx context.Context, wf *workflow.WorkflowExecution) error
	GetWorkflowExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error)
	GetWorkflowExecutionByCorrelationID(ctx context.Context, correlationID string) (*workflow.WorkflowExecution, error)
	ListWorkflowExecutionsByStatus(ctx context.Context, status workflow.WorkflowStatus) ([]*workflow.WorkflowExecution, error)
	ListWorkflowExecutionsCompletedBefore(ctx context.Context, cutoff time.Time) ([]*workflow.WorkflowExecution, error)
	DeleteWorkflowExecution(ctx context.Context, id string) error

	// Task executions.
	CreateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error
	UpdateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error
	GetTaskExecution(ctx context.Context, id string) (*workflow.TaskExecution, error)
	ListTaskExecutionsByWorkflow(ctx context.Context, workflowExecutionID string) ([]*workflow.TaskExecution, error)

	// TasksToRetry returns AWAITING_RETRY tasks whose NextRetryAt has
	// passed, oldest first.
	TasksToRetry(ctx context.Context, now time.Time) ([]*workflow.TaskExecution, error)
}
