package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/executor"
	"github.com/flowstack-io/flowstack/queue"
	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// stubExecutor runs a test-provided function for a task type.
type stubExecutor struct {
	typ string
	fn  func(def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error)
}

func (s *stubExecutor) TaskType() string { return s.typ }

func (s *stubExecutor) Execute(_ context.Context, def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error) {
	return s.fn(def, ec)
}

// recordingDispatcher captures queued task messages instead of publishing.
type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []queue.TaskMessage
}

func (d *recordingDispatcher) Dispatch(_ context.Context, msg queue.TaskMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return nil
}

func (d *recordingDispatcher) messages() []queue.TaskMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]queue.TaskMessage, len(d.msgs))
	copy(out, d.msgs)
	return out
}

// env is the wired orchestrator under test: in-memory store, real bus,
// stub executors, and a fast retry policy.
type env struct {
	ctx        context.Context
	store      *storage.Memory
	bus        *event.Bus
	registry   *executor.Registry
	tasks      *TaskService
	workflows  *WorkflowService
	engine     *Engine
	scheduler  *RetryScheduler
	reviews    *ReviewService
	dispatcher *recordingDispatcher

	eventsMu sync.Mutex
	events   []event.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		ctx:        context.Background(),
		store:      storage.NewMemory(),
		registry:   executor.NewRegistry(),
		dispatcher: &recordingDispatcher{},
	}
	e.bus = event.NewBus(event.DefaultBusConfig(), logger, nil)
	t.Cleanup(e.bus.Close)
	e.bus.Subscribe(func(ev event.Event) {
		e.eventsMu.Lock()
		e.events = append(e.events, ev)
		e.eventsMu.Unlock()
	})

	policy := workflow.DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 2 * time.Millisecond

	e.tasks = NewTaskService(e.store, e.registry, e.bus, policy, e.dispatcher, logger)
	e.workflows = NewWorkflowService(e.store, e.bus, logger)
	e.engine = NewEngine(e.store, e.tasks, e.workflows, e.bus, 4, logger)
	e.reviews = NewReviewService(e.store, e.tasks, e.engine, e.bus, logger)

	cfg := DefaultSchedulerConfig()
	cfg.TickInterval = time.Hour // ticks are driven manually in tests
	e.scheduler = NewRetryScheduler(cfg, e.store, e.tasks, e.workflows, e.engine, logger)
	return e
}

func (e *env) register(t *testing.T, typ string, fn func(def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error)) {
	t.Helper()
	require.NoError(t, e.registry.Register(&stubExecutor{typ: typ, fn: fn}))
}

// succeedWith registers an executor that returns fixed string outputs.
func (e *env) succeedWith(t *testing.T, typ string, outputs map[string]any) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	e.register(t, typ, func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		calls.Add(1)
		return outputs, nil
	})
	return &calls
}

func (e *env) createRun(t *testing.T, def *workflow.WorkflowDefinition, correlationID string) *workflow.WorkflowExecution {
	t.Helper()
	require.NoError(t, def.Validate())
	require.NoError(t, e.store.CreateDefinition(e.ctx, def))
	wf, err := e.workflows.Create(e.ctx, def.ID, correlationID, nil)
	require.NoError(t, err)
	return wf
}

// pump drives scheduler ticks until the workflow leaves RUNNING.
func (e *env) pump(t *testing.T, wfID string) *workflow.WorkflowExecution {
	t.Helper()
	for i := 0; i < 100; i++ {
		wf, err := e.workflows.Get(e.ctx, wfID)
		require.NoError(t, err)
		if wf.Status != workflow.WorkflowRunning {
			return wf
		}
		time.Sleep(3 * time.Millisecond)
		e.scheduler.tick(e.ctx)
	}
	t.Fatal("workflow did not settle")
	return nil
}

func (e *env) taskByName(t *testing.T, wfID, name string) *workflow.TaskExecution {
	t.Helper()
	tasks, err := e.store.ListTaskExecutionsByWorkflow(e.ctx, wfID)
	require.NoError(t, err)
	task := latestTask(tasks, name)
	require.NotNil(t, task, "no execution for task %s", name)
	return task
}

func (e *env) eventTypes() []event.Type {
	e.bus.WaitIdle(time.Second)
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	types := make([]event.Type, len(e.events))
	for i, ev := range e.events {
		types[i] = ev.Type
	}
	return types
}

func sequentialDef(taskTypes ...string) *workflow.WorkflowDefinition {
	tasks := make([]workflow.TaskDefinition, len(taskTypes))
	for i, typ := range taskTypes {
		tasks[i] = workflow.TaskDefinition{
			Name:           fmt.Sprintf("step-%d", i+1),
			Type:           typ,
			ExecutionOrder: i + 1,
		}
	}
	return workflow.NewWorkflowDefinition("pipeline", "1.0", workflow.StrategySequential, tasks)
}

func TestSequentialHappyPath(t *testing.T) {
	e := newEnv(t)
	var order []string
	var mu sync.Mutex
	for i := 1; i <= 3; i++ {
		typ := fmt.Sprintf("work%d", i)
		key := fmt.Sprintf("out%d", i)
		e.register(t, typ, func(def workflow.TaskDefinition, _ *workflow.Context) (map[string]any, error) {
			mu.Lock()
			order = append(order, def.Name)
			mu.Unlock()
			return map[string]any{key: "done"}, nil
		})
	}

	wf := e.createRun(t, sequentialDef("work1", "work2", "work3"), "corr-happy")
	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, status)

	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	assert.NotNil(t, final.CompletedAt)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, order)

	// Outputs accumulate as variables across tasks.
	assert.Equal(t, "done", final.Variables["out1"])
	assert.Equal(t, "done", final.Variables["out2"])
	assert.Equal(t, "done", final.Variables["out3"])

	for _, name := range []string{"step-1", "step-2", "step-3"} {
		task := e.taskByName(t, wf.ID, name)
		assert.Equal(t, workflow.TaskCompleted, task.Status)
		assert.Zero(t, task.RetryCount)
	}

	types := e.eventTypes()
	assert.Contains(t, types, event.WorkflowCreated)
	assert.Contains(t, types, event.WorkflowStarted)
	assert.Contains(t, types, event.WorkflowCompleted)
	started := indexOf(types, event.WorkflowStarted)
	completed := indexOf(types, event.WorkflowCompleted)
	assert.Less(t, started, completed)
}

// Outputs merged by one task must reach the tasks after it, both as raw
// variables and through ${var} substitution in their configuration.
func TestOutputsFlowIntoLaterTasks(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "producer", map[string]any{"region": "eu-central"})
	var seenVar, seenSubst string
	e.register(t, "consumer", func(def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error) {
		seenVar = ec.Variables["region"]
		seenSubst = ec.Substitute(def.Configuration["target"])
		return nil, nil
	})

	def := sequentialDef("producer", "consumer")
	def.Tasks[1].Configuration = map[string]string{"target": "${region}"}
	wf := e.createRun(t, def, "corr-flow")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, status)
	assert.Equal(t, "eu-central", seenVar)
	assert.Equal(t, "eu-central", seenSubst)

	// Advancing the cursor must not clobber the merged variables.
	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, "eu-central", final.Variables["region"])
}

func indexOf(types []event.Type, target event.Type) int {
	for i, typ := range types {
		if typ == target {
			return i
		}
	}
	return -1
}

func TestRetryToSuccess(t *testing.T) {
	e := newEnv(t)
	var attempts atomic.Int32
	e.register(t, "flaky", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("transient downstream error")
		}
		return map[string]any{"result": "ok"}, nil
	})

	wf := e.createRun(t, sequentialDef("flaky"), "corr-retry")
	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowRunning, status, "first failure leaves the run suspended on backoff")

	final := e.pump(t, wf.ID)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)

	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskCompleted, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, "ok", final.Variables["result"])
}

func TestRetryExhaustion(t *testing.T) {
	e := newEnv(t)
	e.register(t, "doomed", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		return nil, errors.New("permanent downstream outage")
	})

	def := sequentialDef("doomed")
	def.Tasks[0].RetryLimit = 2
	wf := e.createRun(t, def, "corr-exhaust")

	_, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	final := e.pump(t, wf.ID)

	assert.Equal(t, workflow.WorkflowFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "permanent downstream outage")

	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskFailed, task.Status)
	assert.Equal(t, 2, task.RetryCount)
	assert.Nil(t, task.NextRetryAt)
	assert.Contains(t, e.eventTypes(), event.WorkflowFailed)
}

// Error kinds that retrying cannot fix settle the task on the first
// attempt; transient kinds go through the backoff machinery.
func TestErrorKindGovernsRetry(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	e.register(t, "misconfigured", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		calls.Add(1)
		return nil, workflow.NewConfigurationError("no credentials for target")
	})

	wf := e.createRun(t, sequentialDef("misconfigured"), "corr-kinds")
	_, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	final := e.pump(t, wf.ID)

	assert.Equal(t, workflow.WorkflowFailed, final.Status)
	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskFailed, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Equal(t, int32(1), calls.Load(), "permanent failures are not retried")
}

func TestReviewApprove(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "work", map[string]any{"done": "yes"})
	gateCalls := e.succeedWith(t, "gated", map[string]any{"deployed": "yes"})

	def := sequentialDef("work", "gated")
	def.Tasks[1].RequireUserReview = true
	wf := e.createRun(t, def, "corr-approve")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowAwaitingUserReview, status)

	pending, err := e.reviews.PendingReviews(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "step-2", pending[0].TaskName)

	require.NoError(t, e.reviews.SubmitReview(e.ctx, wf.ID, pending[0].ID, "casey", workflow.DecisionApprove, "looks good"))
	e.engine.Wait()

	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)

	// Approval settles the gated task without running its executor.
	task := e.taskByName(t, wf.ID, "step-2")
	assert.Equal(t, workflow.TaskCompleted, task.Status)
	assert.Equal(t, "casey", task.Outputs["approvedBy"])
	assert.Zero(t, gateCalls.Load())

	rp := final.ReviewPointByID(pending[0].ID)
	require.NotNil(t, rp)
	assert.True(t, rp.Completed)
	assert.Equal(t, workflow.DecisionApprove, rp.Decision)
	assert.NotNil(t, rp.ReviewedAt)
}

func TestReviewReject(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "work", nil)

	def := sequentialDef("work")
	def.Tasks[0].RequireUserReview = true
	wf := e.createRun(t, def, "corr-reject")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowAwaitingUserReview, status)

	pending, _ := e.reviews.PendingReviews(e.ctx, wf.ID)
	require.Len(t, pending, 1)
	require.NoError(t, e.reviews.SubmitReview(e.ctx, wf.ID, pending[0].ID, "dana", workflow.DecisionReject, "not safe"))
	e.engine.Wait()

	// No failure route on the gated task, so the rejection fails the run.
	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowFailed, final.Status)
	assert.Equal(t, "Rejected by user: dana", final.ErrorMessage)

	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskFailed, task.Status)
	assert.Equal(t, "Rejected by user: dana", task.ErrorMessage)
}

func TestReviewRejectFollowsFailureRoute(t *testing.T) {
	e := newEnv(t)
	gateCalls := e.succeedWith(t, "gated", nil)
	rollbackCalls := e.succeedWith(t, "rollback", map[string]any{"rolledBack": "yes"})

	def := workflow.NewWorkflowDefinition("gated-route", "1.0", workflow.StrategySequential, []workflow.TaskDefinition{
		{Name: "deploy", Type: "gated", ExecutionOrder: 1, RequireUserReview: true, NextTaskOnFailure: "rollback"},
		{Name: "rollback", Type: "rollback", ExecutionOrder: 2},
	})
	wf := e.createRun(t, def, "corr-reject-route")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowAwaitingUserReview, status)

	pending, _ := e.reviews.PendingReviews(e.ctx, wf.ID)
	require.Len(t, pending, 1)
	require.NoError(t, e.reviews.SubmitReview(e.ctx, wf.ID, pending[0].ID, "dana", workflow.DecisionReject, "roll it back"))
	e.engine.Wait()

	// The rejection is a task failure, so the failure route carries it
	// into the rollback and the run completes.
	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	assert.Equal(t, "Rejected by user: dana", final.ErrorMessage)

	deploy := e.taskByName(t, wf.ID, "deploy")
	assert.Equal(t, workflow.TaskFailed, deploy.Status)
	assert.Zero(t, gateCalls.Load(), "rejected task never runs its executor")
	assert.Equal(t, int32(1), rollbackCalls.Load())
	assert.Equal(t, workflow.TaskCompleted, e.taskByName(t, wf.ID, "rollback").Status)
}

func TestReviewRestart(t *testing.T) {
	e := newEnv(t)
	calls := e.succeedWith(t, "gated", map[string]any{"ran": "yes"})

	def := sequentialDef("gated")
	def.Tasks[0].RequireUserReview = true
	wf := e.createRun(t, def, "corr-restart")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowAwaitingUserReview, status)

	pending, _ := e.reviews.PendingReviews(e.ctx, wf.ID)
	require.Len(t, pending, 1)
	require.NoError(t, e.reviews.SubmitReview(e.ctx, wf.ID, pending[0].ID, "erin", workflow.DecisionRestart, "run it"))
	e.engine.Wait()

	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)

	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskCompleted, task.Status)
	assert.Zero(t, task.RetryCount)
	assert.Equal(t, int32(1), calls.Load(), "restart runs the task exactly once")
}

func TestFailureRouting(t *testing.T) {
	e := newEnv(t)
	e.register(t, "fragile", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		return nil, errors.New("reservation rejected")
	})
	bCalls := e.succeedWith(t, "normal", nil)
	cCalls := e.succeedWith(t, "compensate", map[string]any{"compensated": "yes"})

	def := workflow.NewWorkflowDefinition("routed", "1.0", workflow.StrategySequential, []workflow.TaskDefinition{
		{Name: "reserve", Type: "fragile", ExecutionOrder: 1, RetryLimit: 1, NextTaskOnFailure: "refund"},
		{Name: "charge", Type: "normal", ExecutionOrder: 2},
		{Name: "refund", Type: "compensate", ExecutionOrder: 3},
	})
	wf := e.createRun(t, def, "corr-route")

	_, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	final := e.pump(t, wf.ID)

	// A routed failure is handled: the workflow completes but the
	// failure stays on record.
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	assert.Contains(t, final.ErrorMessage, "reservation rejected")

	reserve := e.taskByName(t, wf.ID, "reserve")
	assert.Equal(t, workflow.TaskFailed, reserve.Status)
	assert.Contains(t, reserve.ErrorMessage, "reservation rejected")

	assert.Zero(t, bCalls.Load(), "charge is bypassed by the failure route")
	assert.Equal(t, int32(1), cCalls.Load())
	assert.Equal(t, workflow.TaskCompleted, e.taskByName(t, wf.ID, "refund").Status)
}

func TestSuccessRoutingSkipsAhead(t *testing.T) {
	e := newEnv(t)
	aCalls := e.succeedWith(t, "a", nil)
	bCalls := e.succeedWith(t, "b", nil)
	cCalls := e.succeedWith(t, "c", nil)

	def := workflow.NewWorkflowDefinition("skip-ahead", "1.0", workflow.StrategySequential, []workflow.TaskDefinition{
		{Name: "first", Type: "a", ExecutionOrder: 1, NextTaskOnSuccess: "third"},
		{Name: "second", Type: "b", ExecutionOrder: 2},
		{Name: "third", Type: "c", ExecutionOrder: 3},
	})
	wf := e.createRun(t, def, "corr-skip")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, status)
	assert.Equal(t, int32(1), aCalls.Load())
	assert.Zero(t, bCalls.Load())
	assert.Equal(t, int32(1), cCalls.Load())
}

func TestConditionalStrategy(t *testing.T) {
	e := newEnv(t)
	premiumCalls := e.succeedWith(t, "premium-only", nil)
	alwaysCalls := e.succeedWith(t, "always", nil)

	def := workflow.NewWorkflowDefinition("tiered", "1.0", workflow.StrategyConditional, []workflow.TaskDefinition{
		{Name: "perk", Type: "premium-only", ExecutionOrder: 1, ConditionalExpression: `tier == "premium"`},
		{Name: "receipt", Type: "always", ExecutionOrder: 2},
	})
	require.NoError(t, def.Validate())
	require.NoError(t, e.store.CreateDefinition(e.ctx, def))

	t.Run("false condition skips", func(t *testing.T) {
		wf, err := e.workflows.Create(e.ctx, def.ID, "corr-basic", map[string]string{"tier": "basic"})
		require.NoError(t, err)
		status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, status)
		assert.Zero(t, premiumCalls.Load())
		assert.Equal(t, int32(1), alwaysCalls.Load())
		assert.Equal(t, workflow.TaskSkipped, e.taskByName(t, wf.ID, "perk").Status)
	})

	t.Run("true condition runs", func(t *testing.T) {
		wf, err := e.workflows.Create(e.ctx, def.ID, "corr-premium", map[string]string{"tier": "premium"})
		require.NoError(t, err)
		status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, status)
		assert.Equal(t, int32(1), premiumCalls.Load())
	})

	t.Run("malformed condition fails the task and workflow", func(t *testing.T) {
		bad := workflow.NewWorkflowDefinition("tiered-bad", "1.0", workflow.StrategyConditional, []workflow.TaskDefinition{
			{Name: "broken", Type: "always", ExecutionOrder: 1, ConditionalExpression: `tier ==`},
		})
		wf := e.createRun(t, bad, "corr-badexpr")
		status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowFailed, status)
		task := e.taskByName(t, wf.ID, "broken")
		assert.Equal(t, workflow.TaskFailed, task.Status)
		assert.Zero(t, task.RetryCount, "validation failures are not retried")
	})
}

func TestParallelStrategy(t *testing.T) {
	e := newEnv(t)

	t.Run("all complete", func(t *testing.T) {
		var running, peak atomic.Int32
		e.register(t, "par", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
			cur := running.Add(1)
			for {
				p := peak.Load()
				if cur <= p || peak.CompareAndSwap(p, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil, nil
		})

		def := workflow.NewWorkflowDefinition("fanout", "1.0", workflow.StrategyParallel, []workflow.TaskDefinition{
			{Name: "p1", Type: "par", ExecutionOrder: 1},
			{Name: "p2", Type: "par", ExecutionOrder: 2},
			{Name: "p3", Type: "par", ExecutionOrder: 3},
		})
		wf := e.createRun(t, def, "corr-fanout")

		status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowCompleted, status)
		assert.LessOrEqual(t, peak.Load(), int32(4), "pool bound respected")
		for _, name := range []string{"p1", "p2", "p3"} {
			assert.Equal(t, workflow.TaskCompleted, e.taskByName(t, wf.ID, name).Status)
		}
	})

	t.Run("one failure fails the aggregate", func(t *testing.T) {
		e.succeedWith(t, "fine", nil)
		e.register(t, "broken", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
			return nil, workflow.NewValidationError("bad input")
		})

		def := workflow.NewWorkflowDefinition("fanout-fail", "1.0", workflow.StrategyParallel, []workflow.TaskDefinition{
			{Name: "ok", Type: "fine", ExecutionOrder: 1},
			{Name: "bad", Type: "broken", ExecutionOrder: 2},
		})
		wf := e.createRun(t, def, "corr-fanout-fail")

		status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.WorkflowFailed, status)
		final, _ := e.workflows.Get(e.ctx, wf.ID)
		assert.Contains(t, final.ErrorMessage, "bad input")
	})
}

func TestQueuedTaskRoundTrip(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "local", nil)

	def := workflow.NewWorkflowDefinition("queued", "1.0", workflow.StrategySequential, []workflow.TaskDefinition{
		{Name: "remote", Type: "external", ExecutionOrder: 1, ExecutionMode: workflow.ModeQueued,
			Configuration: map[string]string{"target": "${region}"}},
		{Name: "wrap-up", Type: "local", ExecutionOrder: 2},
	})
	require.NoError(t, def.Validate())
	require.NoError(t, e.store.CreateDefinition(e.ctx, def))
	wf, err := e.workflows.Create(e.ctx, def.ID, "corr-queued", map[string]string{"region": "eu-west"})
	require.NoError(t, err)

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowRunning, status, "queued task suspends the walk")

	msgs := e.dispatcher.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "remote", msgs[0].TaskName)
	assert.Equal(t, "eu-west", msgs[0].Configuration["target"], "config is substituted before dispatch")

	remote := e.taskByName(t, wf.ID, "remote")
	assert.Equal(t, workflow.TaskRunning, remote.Status)

	// Worker result arrives.
	require.NoError(t, e.engine.OnTaskResult(e.ctx, queue.TaskResultMessage{
		TaskExecutionID: msgs[0].TaskExecutionID,
		Outputs:         map[string]any{"remoteResult": "done"},
	}))
	e.engine.Wait()

	final, err := e.workflows.Get(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	assert.Equal(t, "done", final.Variables["remoteResult"])
	assert.Equal(t, workflow.TaskCompleted, e.taskByName(t, wf.ID, "wrap-up").Status)

	t.Run("duplicate result is a no-op", func(t *testing.T) {
		require.NoError(t, e.engine.OnTaskResult(e.ctx, queue.TaskResultMessage{
			TaskExecutionID: msgs[0].TaskExecutionID,
			ErrorMessage:    "late duplicate failure",
		}))
		task := e.taskByName(t, wf.ID, "remote")
		assert.Equal(t, workflow.TaskCompleted, task.Status)
	})

	t.Run("unknown task execution id", func(t *testing.T) {
		err := e.engine.OnTaskResult(e.ctx, queue.TaskResultMessage{TaskExecutionID: "no-such-task"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestPauseResumeCancel(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "work", nil)

	t.Run("pause and resume", func(t *testing.T) {
		wf := e.createRun(t, sequentialDef("work"), "corr-pause")
		_, err := e.workflows.Start(e.ctx, wf.ID)
		require.NoError(t, err)
		_, err = e.workflows.Pause(e.ctx, wf.ID)
		require.NoError(t, err)

		// Paused workflows do not execute.
		err = e.engine.ExecuteWorkflow(e.ctx, wf.ID)
		require.Error(t, err)
		assert.Equal(t, workflow.KindState, workflow.KindOf(err))

		require.NoError(t, e.engine.Resume(e.ctx, wf.ID))
		e.engine.Wait()
		final, _ := e.workflows.Get(e.ctx, wf.ID)
		assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	})

	t.Run("cancel cancels open tasks", func(t *testing.T) {
		def := sequentialDef("work")
		def.Name = "cancellable"
		wf := e.createRun(t, def, "corr-cancel")
		_, err := e.workflows.Start(e.ctx, wf.ID)
		require.NoError(t, err)
		task, err := e.tasks.Create(e.ctx, wf, def.Tasks[0])
		require.NoError(t, err)

		_, err = e.workflows.Cancel(e.ctx, wf.ID)
		require.NoError(t, err)

		got, err := e.store.GetTaskExecution(e.ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskCancelled, got.Status)

		// Terminal: no further transitions.
		_, err = e.workflows.Start(e.ctx, wf.ID)
		assert.Error(t, err)
	})
}

func TestWorkflowRetryAndSubset(t *testing.T) {
	e := newEnv(t)
	var failFirst atomic.Bool
	failFirst.Store(true)
	e.register(t, "once-bad", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		if failFirst.Load() {
			return nil, workflow.NewValidationError("bad config on first pass")
		}
		return map[string]any{"fixed": "yes"}, nil
	})

	def := sequentialDef("once-bad")
	wf := e.createRun(t, def, "corr-wf-retry")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowFailed, status)

	t.Run("retry re-drives from the failed task", func(t *testing.T) {
		failFirst.Store(false)
		require.NoError(t, e.engine.Retry(e.ctx, wf.ID))
		e.engine.Wait()
		final, _ := e.workflows.Get(e.ctx, wf.ID)
		assert.Equal(t, workflow.WorkflowCompleted, final.Status)
		assert.Equal(t, 1, final.RetryCount)
		assert.Empty(t, final.ErrorMessage)
	})

	t.Run("subset retry needs FAILED or PAUSED", func(t *testing.T) {
		_, err := e.engine.RetrySubset(e.ctx, wf.ID, []string{"step-1"})
		require.Error(t, err)
		assert.Equal(t, workflow.KindState, workflow.KindOf(err))
	})
}

func TestRetrySubsetRunsOnlyNamedTasks(t *testing.T) {
	e := newEnv(t)
	aCalls := e.succeedWith(t, "ok-a", nil)
	var bad atomic.Bool
	bad.Store(true)
	e.register(t, "flippable", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		if bad.Load() {
			return nil, workflow.NewValidationError("broken")
		}
		return nil, nil
	})

	def := workflow.NewWorkflowDefinition("subset", "1.0", workflow.StrategySequential, []workflow.TaskDefinition{
		{Name: "prep", Type: "ok-a", ExecutionOrder: 1},
		{Name: "load", Type: "flippable", ExecutionOrder: 2},
	})
	wf := e.createRun(t, def, "corr-subset")

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.WorkflowFailed, status)
	require.Equal(t, int32(1), aCalls.Load())

	bad.Store(false)
	status, err = e.engine.RetrySubset(e.ctx, wf.ID, []string{"load"})
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, status)
	assert.Equal(t, int32(1), aCalls.Load(), "subset does not re-run unlisted tasks")

	final, _ := e.workflows.Get(e.ctx, wf.ID)
	assert.Equal(t, 1, final.RetryCount)
	assert.Equal(t, workflow.TaskCompleted, e.taskByName(t, wf.ID, "load").Status)
}

func TestRestartTaskResetsCounters(t *testing.T) {
	e := newEnv(t)
	var failing atomic.Bool
	failing.Store(true)
	e.register(t, "resettable", func(workflow.TaskDefinition, *workflow.Context) (map[string]any, error) {
		if failing.Load() {
			return nil, errors.New("still broken")
		}
		return nil, nil
	})

	def := sequentialDef("resettable")
	def.Tasks[0].RetryLimit = 1
	wf := e.createRun(t, def, "corr-restart-task")

	_, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	final := e.pump(t, wf.ID)
	require.Equal(t, workflow.WorkflowFailed, final.Status)
	require.Equal(t, 1, e.taskByName(t, wf.ID, "step-1").RetryCount)

	failing.Store(false)
	require.NoError(t, e.engine.RestartTask(e.ctx, wf.ID, "step-1"))
	e.engine.Wait()

	final, _ = e.workflows.Get(e.ctx, wf.ID)
	assert.Equal(t, workflow.WorkflowCompleted, final.Status)
	task := e.taskByName(t, wf.ID, "step-1")
	assert.Equal(t, workflow.TaskCompleted, task.Status)
	assert.Zero(t, task.RetryCount, "restart wipes attempt history")
}

func TestDeleteTerminalOnly(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "work", nil)

	wf := e.createRun(t, sequentialDef("work"), "corr-delete")
	err := e.workflows.Delete(e.ctx, wf.ID)
	require.Error(t, err, "CREATED workflows cannot be deleted")
	assert.Equal(t, workflow.KindState, workflow.KindOf(err))

	_, err = e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	require.NoError(t, e.workflows.Delete(e.ctx, wf.ID))

	_, err = e.workflows.Get(e.ctx, wf.ID)
	require.Error(t, err)
	assert.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}

func TestUnknownStrategyFallsBackToSequential(t *testing.T) {
	e := newEnv(t)
	calls := e.succeedWith(t, "work", nil)

	def := sequentialDef("work")
	require.NoError(t, def.Validate())
	def.StrategyType = "MYSTERY" // stored value from a newer writer
	require.NoError(t, e.store.CreateDefinition(e.ctx, def))
	wf, err := e.workflows.Create(e.ctx, def.ID, "corr-mystery", nil)
	require.NoError(t, err)

	status, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.WorkflowCompleted, status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecuteGating(t *testing.T) {
	e := newEnv(t)
	e.succeedWith(t, "work", nil)
	wf := e.createRun(t, sequentialDef("work"), "corr-gate")

	_, err := e.engine.ExecuteWorkflowSync(e.ctx, wf.ID)
	require.NoError(t, err)

	// COMPLETED workflows are not re-executable.
	err = e.engine.ExecuteWorkflow(e.ctx, wf.ID)
	require.Error(t, err)
	assert.Equal(t, workflow.KindState, workflow.KindOf(err))

	_, err = e.engine.ExecuteWorkflowSync(e.ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, workflow.KindNotFound, workflow.KindOf(err))
}
