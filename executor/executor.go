// Package executor defines the task executor contract and the built-in
// executors. Executors are registered by task type and invoked by the
// engine with the task's definition and the run's execution context.
package executor

import (
	"context"
	"sort"
	"sync"

	"github.com/flowstack-io/flowstack/workflow"
)

// TaskExecutor runs one task type. Execute returns the task's outputs;
// string-valued outputs are merged into workflow variables afterwards.
//
// Errors returned from Execute are retried per policy when classified as
// executor or transport failures. Domain outcomes that are not faults,
// such as a non-2xx HTTP response, belong in the outputs, not the error.
type TaskExecutor interface {
	TaskType() string
	Execute(ctx context.Context, def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error)
}

// Registry resolves executors by task type.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]TaskExecutor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]TaskExecutor)}
}

// Register adds an executor. Registering a type twice is a configuration
// error: silent replacement would mask deployment mistakes.
func (r *Registry) Register(e TaskExecutor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.TaskType()]; exists {
		return workflow.NewConfigurationError("executor for type %q already registered", e.TaskType())
	}
	r.executors[e.TaskType()] = e
	return nil
}

// MustRegister registers an executor, panicking on conflict. For wiring
// built-ins at startup.
func (r *Registry) MustRegister(e TaskExecutor) {
	if err := r.Register(e); err != nil {
		panic(err)
	}
}

// Get returns the executor for a task type.
func (r *Registry) Get(taskType string) (TaskExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[taskType]
	if !ok {
		return nil, workflow.NewValidationError("no executor registered for task type %q", taskType)
	}
	return e, nil
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
