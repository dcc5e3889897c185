package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/flowstack-io/flowstack/workflow"
)

// Memory is an in-process Store used by tests and the embedded runtime.
// Documents are deep-copied through JSON on the way in and out so callers
// never share state with the store.
type Memory struct {
	mu          sync.RWMutex
	definitions map[string]*workflow.WorkflowDefinition
	executions  map[string]*workflow.WorkflowExecution
	tasks       map[string]*workflow.TaskExecution
	defIndex    map[string]string // name.version -> definition id
	corrIndex   map[string]string // correlation id -> execution id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		definitions: make(map[string]*workflow.WorkflowDefinition),
		executions:  make(map[string]*workflow.WorkflowExecution),
		tasks:       make(map[string]*workflow.TaskExecution),
		defIndex:    make(map[string]string),
		corrIndex:   make(map[string]string),
	}
}

func deepCopy[T any](src *T) *T {
	data, err := json.Marshal(src)
	if err != nil {
		panic(err)
	}
	dst := new(T)
	if err := json.Unmarshal(data, dst); err != nil {
		panic(err)
	}
	return dst
}

// CreateDefinition stores a definition, enforcing (name, version) uniqueness.
func (m *Memory) CreateDefinition(_ context.Context, def *workflow.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := defIndexKey(def.Name, def.Version)
	if _, exists := m.defIndex[key]; exists {
		return ErrAlreadyExists
	}
	m.defIndex[key] = def.ID
	m.definitions[def.ID] = deepCopy(def)
	return nil
}

// GetDefinition retrieves a definition by ID.
func (m *Memory) GetDefinition(_ context.Context, id string) (*workflow.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(def), nil
}

// GetDefinitionByNameVersion resolves a definition by its unique key.
func (m *Memory) GetDefinitionByNameVersion(_ context.Context, name, version string) (*workflow.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.defIndex[defIndexKey(name, version)]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(m.definitions[id]), nil
}

// ListDefinitions returns all stored definitions.
func (m *Memory) ListDefinitions(_ context.Context) ([]*workflow.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.WorkflowDefinition, 0, len(m.definitions))
	for _, def := range m.definitions {
		out = append(out, deepCopy(def))
	}
	return out, nil
}

// CreateWorkflowExecution stores an execution, enforcing correlation id
// uniqueness.
func (m *Memory) CreateWorkflowExecution(_ context.Context, wf *workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.corrIndex[wf.CorrelationID]; exists {
		return ErrAlreadyExists
	}
	m.corrIndex[wf.CorrelationID] = wf.ID
	m.executions[wf.ID] = deepCopy(wf)
	return nil
}

// UpdateWorkflowExecution overwrites the stored execution.
func (m *Memory) UpdateWorkflowExecution(_ context.Context, wf *workflow.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[wf.ID]; !ok {
		return ErrNotFound
	}
	wf.UpdatedAt = time.Now().UTC()
	m.executions[wf.ID] = deepCopy(wf)
	return nil
}

// GetWorkflowExecution retrieves an execution by ID.
func (m *Memory) GetWorkflowExecution(_ context.Context, id string) (*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(wf), nil
}

// GetWorkflowExecutionByCorrelationID resolves an execution by its
// correlation id.
func (m *Memory) GetWorkflowExecutionByCorrelationID(_ context.Context, correlationID string) (*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.corrIndex[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(m.executions[id]), nil
}

// ListWorkflowExecutionsByStatus returns executions matching a status.
func (m *Memory) ListWorkflowExecutionsByStatus(_ context.Context, status workflow.WorkflowStatus) ([]*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.WorkflowExecution, 0)
	for _, wf := range m.executions {
		if wf.Status == status {
			out = append(out, deepCopy(wf))
		}
	}
	return out, nil
}

// ListWorkflowExecutionsCompletedBefore returns terminal executions
// that settled before cutoff. Retention is measured from completion,
// not creation: a long-lived run that just finished is not expired.
func (m *Memory) ListWorkflowExecutionsCompletedBefore(_ context.Context, cutoff time.Time) ([]*workflow.WorkflowExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.WorkflowExecution, 0)
	for _, wf := range m.executions {
		if wf.Status.IsTerminal() && wf.CompletedAt != nil && wf.CompletedAt.Before(cutoff) {
			out = append(out, deepCopy(wf))
		}
	}
	return out, nil
}

// DeleteWorkflowExecution removes an execution and cascades its tasks.
func (m *Memory) DeleteWorkflowExecution(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	for taskID, task := range m.tasks {
		if task.WorkflowExecutionID == id {
			delete(m.tasks, taskID)
		}
	}
	delete(m.corrIndex, wf.CorrelationID)
	delete(m.executions, id)
	return nil
}

// CreateTaskExecution stores a new task execution.
func (m *Memory) CreateTaskExecution(_ context.Context, task *workflow.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = deepCopy(task)
	return nil
}

// UpdateTaskExecution overwrites the stored task execution.
func (m *Memory) UpdateTaskExecution(_ context.Context, task *workflow.TaskExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	task.UpdatedAt = time.Now().UTC()
	m.tasks[task.ID] = deepCopy(task)
	return nil
}

// GetTaskExecution retrieves a task execution by ID.
func (m *Memory) GetTaskExecution(_ context.Context, id string) (*workflow.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopy(task), nil
}

// ListTaskExecutionsByWorkflow returns all task executions for a run,
// oldest first.
func (m *Memory) ListTaskExecutionsByWorkflow(_ context.Context, workflowExecutionID string) ([]*workflow.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.TaskExecution, 0)
	for _, task := range m.tasks {
		if task.WorkflowExecutionID == workflowExecutionID {
			out = append(out, deepCopy(task))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// TasksToRetry returns due AWAITING_RETRY tasks, oldest first.
func (m *Memory) TasksToRetry(_ context.Context, now time.Time) ([]*workflow.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*workflow.TaskExecution, 0)
	for _, task := range m.tasks {
		if task.Status == workflow.TaskAwaitingRetry &&
			task.NextRetryAt != nil && !task.NextRetryAt.After(now) {
			out = append(out, deepCopy(task))
		}
	}
	sortTasksByRetryTime(out)
	return out, nil
}

func sortTasksByRetryTime(tasks []*workflow.TaskExecution) {
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].NextRetryAt.Before(*tasks[j].NextRetryAt)
	})
}
