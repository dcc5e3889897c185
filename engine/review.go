package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// ReviewService manages user review gates: opening review points,
// recording decisions, and pushing the workflow forward afterwards.
type ReviewService struct {
	store  storage.Store
	tasks  *TaskService
	engine *Engine
	bus    *event.Bus
	logger *slog.Logger
}

// NewReviewService wires the review service.
func NewReviewService(store storage.Store, tasks *TaskService, engine *Engine, bus *event.Bus, logger *slog.Logger) *ReviewService {
	return &ReviewService{
		store:  store,
		tasks:  tasks,
		engine: engine,
		bus:    bus,
		logger: logger.With("component", "review-service"),
	}
}

// CreateReviewPoint opens a review gate for a task. Idempotent: an open
// point for the same task is returned as is.
func (s *ReviewService) CreateReviewPoint(ctx context.Context, workflowExecutionID, taskName string) (*workflow.UserReviewPoint, error) {
	wf, err := s.engine.workflows.Get(ctx, workflowExecutionID)
	if err != nil {
		return nil, err
	}
	if open := wf.OpenReviewPoint(taskName); open != nil {
		return open, nil
	}
	rp := workflow.NewUserReviewPoint(taskName)
	wf.ReviewPoints = append(wf.ReviewPoints, rp)
	if err := s.store.UpdateWorkflowExecution(ctx, wf); err != nil {
		return nil, err
	}
	s.bus.Publish(event.New(event.UserReviewRequested, wf.ID, wf.CorrelationID).WithTask(taskName))
	return &rp, nil
}

// PendingReviews returns the open review points of a workflow.
func (s *ReviewService) PendingReviews(ctx context.Context, workflowExecutionID string) ([]workflow.UserReviewPoint, error) {
	wf, err := s.engine.workflows.Get(ctx, workflowExecutionID)
	if err != nil {
		return nil, err
	}
	var open []workflow.UserReviewPoint
	for _, rp := range wf.ReviewPoints {
		if !rp.Completed {
			open = append(open, rp)
		}
	}
	return open, nil
}

// SubmitReview records a decision on an open review point and acts on it:
// APPROVE completes the gated task and resumes the run, REJECT fails the
// gated task and resumes so failure routing applies, RESTART resets the
// task and re-runs it.
func (s *ReviewService) SubmitReview(ctx context.Context, workflowExecutionID, reviewPointID, reviewer string, decision workflow.ReviewDecision, comment string) error {
	if !decision.IsValid() {
		return workflow.NewValidationError("unknown review decision %q", decision)
	}
	wf, err := s.engine.workflows.Get(ctx, workflowExecutionID)
	if err != nil {
		return err
	}
	rp := wf.ReviewPointByID(reviewPointID)
	if rp == nil {
		return workflow.NewNotFoundError("review point %s on workflow %s", reviewPointID, workflowExecutionID)
	}
	if rp.Completed {
		return workflow.NewStateError("review point %s already decided", reviewPointID)
	}

	now := time.Now().UTC()
	rp.Completed = true
	rp.Reviewer = reviewer
	rp.Decision = decision
	rp.Comment = comment
	rp.ReviewedAt = &now
	if err := s.store.UpdateWorkflowExecution(ctx, wf); err != nil {
		return err
	}
	s.bus.Publish(event.New(event.UserReviewCompleted, wf.ID, wf.CorrelationID).
		WithTask(rp.TaskName).
		WithData("decision", string(decision)).
		WithData("reviewer", reviewer))
	s.logger.Info("review decided",
		"workflow_execution_id", wf.ID,
		"task", rp.TaskName,
		"decision", decision,
		"reviewer", reviewer)

	switch decision {
	case workflow.DecisionApprove:
		return s.approve(ctx, wf, rp.TaskName, reviewer, now)
	case workflow.DecisionReject:
		return s.reject(ctx, wf, rp.TaskName, reviewer)
	default:
		return s.restart(ctx, wf, rp.TaskName)
	}
}

func (s *ReviewService) approve(ctx context.Context, wf *workflow.WorkflowExecution, taskName, reviewer string, at time.Time) error {
	task, err := s.gatedTask(ctx, wf, taskName)
	if err != nil {
		return err
	}
	outputs := map[string]any{
		"approvedBy": reviewer,
		"approvedAt": at.Format(time.RFC3339),
	}
	if _, err := s.tasks.Complete(ctx, task.ID, outputs); err != nil {
		return err
	}
	cur, err := s.engine.workflows.Get(ctx, wf.ID)
	if err != nil {
		return err
	}
	if err := s.engine.workflows.transition(ctx, cur, workflow.WorkflowRunning, event.WorkflowResumed, "review approved"); err != nil {
		return err
	}
	return s.engine.ExecuteWorkflow(ctx, wf.ID)
}

// reject fails the gated task and puts the workflow back in motion. The
// engine then treats the rejection like any task failure: a failure
// route on the gated task carries it onward, a task without one fails
// the run.
func (s *ReviewService) reject(ctx context.Context, wf *workflow.WorkflowExecution, taskName, reviewer string) error {
	task, err := s.gatedTask(ctx, wf, taskName)
	if err != nil {
		return err
	}
	msg := "Rejected by user: " + reviewer
	if _, err := s.tasks.FailTerminal(ctx, task.ID, msg); err != nil {
		return err
	}
	cur, err := s.engine.workflows.Get(ctx, wf.ID)
	if err != nil {
		return err
	}
	if err := s.engine.workflows.transition(ctx, cur, workflow.WorkflowRunning, event.WorkflowResumed, "review rejected"); err != nil {
		return err
	}
	return s.engine.ExecuteWorkflow(ctx, wf.ID)
}

func (s *ReviewService) restart(ctx context.Context, wf *workflow.WorkflowExecution, taskName string) error {
	// RestartTask moves the workflow back to RUNNING itself.
	return s.engine.RestartTask(ctx, wf.ID, taskName)
}

// gatedTask returns the latest execution of the gated task, creating a
// PENDING one when the gate suspended the run before the task ever ran.
func (s *ReviewService) gatedTask(ctx context.Context, wf *workflow.WorkflowExecution, taskName string) (*workflow.TaskExecution, error) {
	executions, err := s.store.ListTaskExecutionsByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	if task := latestTask(executions, taskName); task != nil && !task.Status.IsTerminal() {
		return task, nil
	}
	def, err := s.store.GetDefinition(ctx, wf.DefinitionID)
	if err != nil {
		return nil, err
	}
	td := def.TaskByName(taskName)
	if td == nil {
		return nil, workflow.NewValidationError("task %q not in definition %s", taskName, def.Name)
	}
	return s.tasks.Create(ctx, wf, *td)
}
