package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowstack-io/flowstack/workflow"
)

// Bucket names for each entity type.
const (
	BucketDefinitions = "FLOWSTACK_DEFINITIONS"
	BucketExecutions  = "FLOWSTACK_EXECUTIONS"
	BucketTasks       = "FLOWSTACK_TASKS"

	// Index buckets. Atomic Create on these enforces uniqueness.
	BucketDefinitionIndex  = "FLOWSTACK_DEFINITION_INDEX"
	BucketCorrelationIndex = "FLOWSTACK_CORRELATION_INDEX"
)

// NATSKV is a Store backed by NATS JetStream key-value buckets.
// Entities are stored as JSON documents keyed by id; secondary lookups
// (definition name+version, correlation id) go through index buckets
// whose values are the primary key.
type NATSKV struct {
	definitions jetstream.KeyValue
	executions  jetstream.KeyValue
	tasks       jetstream.KeyValue
	defIndex    jetstream.KeyValue
	corrIndex   jetstream.KeyValue
}

// NewNATSKV creates the store, provisioning KV buckets as needed.
func NewNATSKV(ctx context.Context, js jetstream.JetStream) (*NATSKV, error) {
	s := &NATSKV{}
	for _, b := range []struct {
		name string
		dst  *jetstream.KeyValue
	}{
		{BucketDefinitions, &s.definitions},
		{BucketExecutions, &s.executions},
		{BucketTasks, &s.tasks},
		{BucketDefinitionIndex, &s.defIndex},
		{BucketCorrelationIndex, &s.corrIndex},
	} {
		kv, err := getOrCreateBucket(ctx, js, b.name)
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", b.name, err)
		}
		*b.dst = kv
	}
	return s, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Flowstack %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// defIndexKey builds the (name, version) index key. KV keys cannot contain
// spaces or slashes, so components are dot-joined.
func defIndexKey(name, version string) string {
	return fmt.Sprintf("%s.%s", name, version)
}

// CreateDefinition stores an immutable definition, enforcing (name, version)
// uniqueness through the index bucket.
func (s *NATSKV) CreateDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if _, err := s.defIndex.Create(ctx, defIndexKey(def.Name, def.Version), []byte(def.ID)); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("index definition: %w", err)
	}
	if _, err := s.definitions.Create(ctx, def.ID, data); err != nil {
		return fmt.Errorf("store definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *NATSKV) GetDefinition(ctx context.Context, id string) (*workflow.WorkflowDefinition, error) {
	entry, err := s.definitions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(entry.Value(), &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

// GetDefinitionByNameVersion resolves a definition through the index bucket.
func (s *NATSKV) GetDefinitionByNameVersion(ctx context.Context, name, version string) (*workflow.WorkflowDefinition, error) {
	entry, err := s.defIndex.Get(ctx, defIndexKey(name, version))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get definition index: %w", err)
	}
	return s.GetDefinition(ctx, string(entry.Value()))
}

// ListDefinitions returns all stored definitions.
func (s *NATSKV) ListDefinitions(ctx context.Context) ([]*workflow.WorkflowDefinition, error) {
	keys, err := s.definitions.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list definition keys: %w", err)
	}
	defs := make([]*workflow.WorkflowDefinition, 0, len(keys))
	for _, key := range keys {
		entry, err := s.definitions.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var def workflow.WorkflowDefinition
		if err := json.Unmarshal(entry.Value(), &def); err != nil {
			continue
		}
		defs = append(defs, &def)
	}
	return defs, nil
}

// CreateWorkflowExecution stores a new execution, enforcing correlation id
// uniqueness through the index bucket.
func (s *NATSKV) CreateWorkflowExecution(ctx context.Context, wf *workflow.WorkflowExecution) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.corrIndex.Create(ctx, wf.CorrelationID, []byte(wf.ID)); err != nil {
		if isKeyExists(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("index correlation id: %w", err)
	}
	if _, err := s.executions.Create(ctx, wf.ID, data); err != nil {
		return fmt.Errorf("store execution: %w", err)
	}
	return nil
}

// UpdateWorkflowExecution overwrites the stored execution document.
func (s *NATSKV) UpdateWorkflowExecution(ctx context.Context, wf *workflow.WorkflowExecution) error {
	wf.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	if _, err := s.executions.Put(ctx, wf.ID, data); err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// GetWorkflowExecution retrieves an execution by ID.
func (s *NATSKV) GetWorkflowExecution(ctx context.Context, id string) (*workflow.WorkflowExecution, error) {
	entry, err := s.executions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get execution: %w", err)
	}
	var wf workflow.WorkflowExecution
	if err := json.Unmarshal(entry.Value(), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal execution: %w", err)
	}
	return &wf, nil
}

// GetWorkflowExecutionByCorrelationID resolves an execution through the
// correlation index.
func (s *NATSKV) GetWorkflowExecutionByCorrelationID(ctx context.Context, correlationID string) (*workflow.WorkflowExecution, error) {
	entry, err := s.corrIndex.Get(ctx, correlationID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get correlation index: %w", err)
	}
	return s.GetWorkflowExecution(ctx, string(entry.Value()))
}

// ListWorkflowExecutionsByStatus scans all executions for a status match.
func (s *NATSKV) ListWorkflowExecutionsByStatus(ctx context.Context, status workflow.WorkflowStatus) ([]*workflow.WorkflowExecution, error) {
	return s.scanExecutions(ctx, func(wf *workflow.WorkflowExecution) bool {
		return wf.Status == status
	})
}

// ListWorkflowExecutionsCompletedBefore returns terminal executions
// that settled before cutoff.
func (s *NATSKV) ListWorkflowExecutionsCompletedBefore(ctx context.Context, cutoff time.Time) ([]*workflow.WorkflowExecution, error) {
	return s.scanExecutions(ctx, func(wf *workflow.WorkflowExecution) bool {
		return wf.Status.IsTerminal() && wf.CompletedAt != nil && wf.CompletedAt.Before(cutoff)
	})
}

func (s *NATSKV) scanExecutions(ctx context.Context, match func(*workflow.WorkflowExecution) bool) ([]*workflow.WorkflowExecution, error) {
	keys, err := s.executions.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list execution keys: %w", err)
	}
	out := make([]*workflow.WorkflowExecution, 0)
	for _, key := range keys {
		entry, err := s.executions.Get(ctx, key)
		if err != nil {
			continue
		}
		var wf workflow.WorkflowExecution
		if err := json.Unmarshal(entry.Value(), &wf); err != nil {
			continue
		}
		if match(&wf) {
			out = append(out, &wf)
		}
	}
	return out, nil
}

// DeleteWorkflowExecution removes an execution, its correlation index entry,
// and all of its task executions.
func (s *NATSKV) DeleteWorkflowExecution(ctx context.Context, id string) error {
	wf, err := s.GetWorkflowExecution(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := s.ListTaskExecutionsByWorkflow(ctx, id)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := s.tasks.Delete(ctx, task.ID); err != nil && !isNotFound(err) {
			return fmt.Errorf("delete task execution %s: %w", task.ID, err)
		}
	}
	if err := s.corrIndex.Delete(ctx, wf.CorrelationID); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete correlation index: %w", err)
	}
	if err := s.executions.Delete(ctx, id); err != nil && !isNotFound(err) {
		return fmt.Errorf("delete execution: %w", err)
	}
	return nil
}

// CreateTaskExecution stores a new task execution.
func (s *NATSKV) CreateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task execution: %w", err)
	}
	if _, err := s.tasks.Create(ctx, task.ID, data); err != nil {
		return fmt.Errorf("store task execution: %w", err)
	}
	return nil
}

// UpdateTaskExecution overwrites the stored task execution document.
func (s *NATSKV) UpdateTaskExecution(ctx context.Context, task *workflow.TaskExecution) error {
	task.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task execution: %w", err)
	}
	if _, err := s.tasks.Put(ctx, task.ID, data); err != nil {
		return fmt.Errorf("update task execution: %w", err)
	}
	return nil
}

// GetTaskExecution retrieves a task execution by ID.
func (s *NATSKV) GetTaskExecution(ctx context.Context, id string) (*workflow.TaskExecution, error) {
	entry, err := s.tasks.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task execution: %w", err)
	}
	var task workflow.TaskExecution
	if err := json.Unmarshal(entry.Value(), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task execution: %w", err)
	}
	return &task, nil
}

// ListTaskExecutionsByWorkflow returns all task executions for a run.
func (s *NATSKV) ListTaskExecutionsByWorkflow(ctx context.Context, workflowExecutionID string) ([]*workflow.TaskExecution, error) {
	return s.scanTasks(ctx, func(t *workflow.TaskExecution) bool {
		return t.WorkflowExecutionID == workflowExecutionID
	})
}

// TasksToRetry returns AWAITING_RETRY tasks whose NextRetryAt has passed,
// oldest first.
func (s *NATSKV) TasksToRetry(ctx context.Context, now time.Time) ([]*workflow.TaskExecution, error) {
	due, err := s.scanTasks(ctx, func(t *workflow.TaskExecution) bool {
		return t.Status == workflow.TaskAwaitingRetry &&
			t.NextRetryAt != nil && !t.NextRetryAt.After(now)
	})
	if err != nil {
		return nil, err
	}
	sortTasksByRetryTime(due)
	return due, nil
}

func (s *NATSKV) scanTasks(ctx context.Context, match func(*workflow.TaskExecution) bool) ([]*workflow.TaskExecution, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}
	out := make([]*workflow.TaskExecution, 0)
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue
		}
		var task workflow.TaskExecution
		if err := json.Unmarshal(entry.Value(), &task); err != nil {
			continue
		}
		if match(&task) {
			out = append(out, &task)
		}
	}
	return out, nil
}
