package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// WorkflowService owns the workflow execution state machine and its
// queries. Every status change flows through transition so the legal
// transition table is enforced on one path.
type WorkflowService struct {
	store  storage.Store
	bus    *event.Bus
	logger *slog.Logger
}

// NewWorkflowService wires the workflow service.
func NewWorkflowService(store storage.Store, bus *event.Bus, logger *slog.Logger) *WorkflowService {
	return &WorkflowService{
		store:  store,
		bus:    bus,
		logger: logger.With("component", "workflow-service"),
	}
}

// Create starts a new CREATED execution of a stored definition. The
// correlation id must be unique across executions.
func (s *WorkflowService) Create(ctx context.Context, definitionID, correlationID string, variables map[string]string) (*workflow.WorkflowExecution, error) {
	if correlationID == "" {
		return nil, workflow.NewValidationError("correlation id is required")
	}
	if _, err := s.store.GetDefinition(ctx, definitionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, workflow.NewNotFoundError("definition %s", definitionID)
		}
		return nil, err
	}
	wf := workflow.NewWorkflowExecution(definitionID, correlationID, variables)
	if err := s.store.CreateWorkflowExecution(ctx, wf); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return nil, workflow.NewValidationError("correlation id %q already in use", correlationID)
		}
		return nil, err
	}
	s.bus.Publish(event.New(event.WorkflowCreated, wf.ID, wf.CorrelationID))
	s.logger.Info("workflow execution created",
		"workflow_execution_id", wf.ID,
		"correlation_id", correlationID)
	return wf, nil
}

// transition applies a guarded status change, maintains timestamps, and
// publishes the primary event plus a status-changed event.
func (s *WorkflowService) transition(ctx context.Context, wf *workflow.WorkflowExecution, next workflow.WorkflowStatus, primary event.Type, msg string) error {
	if !wf.Status.CanTransitionTo(next) {
		return workflow.NewStateError("workflow %s cannot move from %s to %s", wf.ID, wf.Status, next)
	}
	prev := wf.Status
	now := time.Now().UTC()
	wf.Status = next
	if next == workflow.WorkflowRunning && wf.StartedAt == nil {
		wf.StartedAt = &now
	}
	if next.IsTerminal() {
		wf.CompletedAt = &now
	}
	if err := s.store.UpdateWorkflowExecution(ctx, wf); err != nil {
		return fmt.Errorf("update workflow execution: %w", err)
	}

	s.bus.Publish(event.New(primary, wf.ID, wf.CorrelationID).WithMessage(msg))
	s.bus.Publish(event.New(event.WorkflowStatusChanged, wf.ID, wf.CorrelationID).
		WithData("from", prev.String()).
		WithData("to", next.String()))
	s.logger.Info("workflow status changed",
		"workflow_execution_id", wf.ID,
		"from", prev, "to", next)
	return nil
}

// Start moves a CREATED execution to RUNNING.
func (s *WorkflowService) Start(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, wf, workflow.WorkflowRunning, event.WorkflowStarted, ""); err != nil {
		return nil, err
	}
	return wf, nil
}

// Complete settles an execution successfully. A recorded error message
// survives completion: a run that finished through a failure route keeps
// the failure on record.
func (s *WorkflowService) Complete(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, wf, workflow.WorkflowCompleted, event.WorkflowCompleted, ""); err != nil {
		return nil, err
	}
	return wf, nil
}

// FailWorkflow settles an execution with an error message.
func (s *WorkflowService) FailWorkflow(ctx context.Context, id, errMsg string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.ErrorMessage = errMsg
	if err := s.transition(ctx, wf, workflow.WorkflowFailed, event.WorkflowFailed, errMsg); err != nil {
		return nil, err
	}
	return wf, nil
}

// Pause suspends a RUNNING execution.
func (s *WorkflowService) Pause(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, wf, workflow.WorkflowPaused, event.WorkflowPaused, ""); err != nil {
		return nil, err
	}
	return wf, nil
}

// Resume returns a PAUSED execution to RUNNING. The caller re-drives it.
func (s *WorkflowService) Resume(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != workflow.WorkflowPaused {
		return nil, workflow.NewStateError("workflow %s is %s, only PAUSED workflows resume", id, wf.Status)
	}
	if err := s.transition(ctx, wf, workflow.WorkflowRunning, event.WorkflowResumed, ""); err != nil {
		return nil, err
	}
	return wf, nil
}

// Cancel terminates an execution and cancels its unsettled tasks.
func (s *WorkflowService) Cancel(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, wf, workflow.WorkflowCancelled, event.WorkflowCancelled, ""); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTaskExecutionsByWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, task := range tasks {
		if task.Status.IsTerminal() {
			continue
		}
		task.Status = workflow.TaskCancelled
		task.CompletedAt = &now
		task.NextRetryAt = nil
		if err := s.store.UpdateTaskExecution(ctx, task); err != nil {
			s.logger.Warn("cancel task execution", "task_execution_id", task.ID, "error", err)
		}
	}
	return wf, nil
}

// Retry returns a FAILED execution to RUNNING for a re-drive from its
// current task index. Task attempt counters are untouched; the workflow
// retry counter increments.
func (s *WorkflowService) Retry(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != workflow.WorkflowFailed {
		return nil, workflow.NewStateError("workflow %s is %s, only FAILED workflows retry", id, wf.Status)
	}
	wf.RetryCount++
	wf.ErrorMessage = ""
	if err := s.transition(ctx, wf, workflow.WorkflowRunning, event.WorkflowRetry, ""); err != nil {
		return nil, err
	}
	return wf, nil
}

// PrepareSubsetRetry validates and marks an execution for a subset re-run.
// Allowed from FAILED or PAUSED.
func (s *WorkflowService) PrepareSubsetRetry(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status != workflow.WorkflowFailed && wf.Status != workflow.WorkflowPaused {
		return nil, workflow.NewStateError("workflow %s is %s, subset retry needs FAILED or PAUSED", id, wf.Status)
	}
	wf.RetryCount++
	wf.ErrorMessage = ""
	if err := s.transition(ctx, wf, workflow.WorkflowRunning, event.WorkflowRetry, "subset retry"); err != nil {
		return nil, err
	}
	return wf, nil
}

// Get returns an execution by id.
func (s *WorkflowService) Get(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflowExecution(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, workflow.NewNotFoundError("workflow execution %s", id)
		}
		return nil, err
	}
	return wf, nil
}

// GetByCorrelationID returns an execution by its correlation id.
func (s *WorkflowService) GetByCorrelationID(ctx context.Context, correlationID string) (*workflow.WorkflowExecution, error) {
	wf, err := s.store.GetWorkflowExecutionByCorrelationID(ctx, correlationID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, workflow.NewNotFoundError("workflow execution with correlation id %s", correlationID)
		}
		return nil, err
	}
	return wf, nil
}

// ListByStatus returns executions in a given status.
func (s *WorkflowService) ListByStatus(ctx context.Context, status workflow.WorkflowStatus) ([]*workflow.WorkflowExecution, error) {
	if !status.IsValid() {
		return nil, workflow.NewValidationError("unknown workflow status %q", status)
	}
	return s.store.ListWorkflowExecutionsByStatus(ctx, status)
}

// ListCompletedBefore returns terminal executions that settled before
// the cutoff.
func (s *WorkflowService) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*workflow.WorkflowExecution, error) {
	return s.store.ListWorkflowExecutionsCompletedBefore(ctx, cutoff)
}

// Delete removes a terminal execution and its task executions. Deleting a
// live execution is a state error.
func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	wf, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !wf.Status.IsTerminal() {
		return workflow.NewStateError("workflow %s is %s, only terminal workflows can be deleted", id, wf.Status)
	}
	return s.store.DeleteWorkflowExecution(ctx, id)
}
