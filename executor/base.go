package executor

import (
	"time"

	"github.com/flowstack-io/flowstack/workflow"
)

// Base provides the shared plumbing executors embed: configuration
// validation, variable substitution, and output finalization.
type Base struct{}

// RequireConfig checks that the listed keys are present and non-empty
// in the task's configuration.
func (Base) RequireConfig(def workflow.TaskDefinition, keys ...string) error {
	for _, key := range keys {
		if def.Configuration[key] == "" {
			return workflow.NewValidationError("task %s missing required configuration %q", def.Name, key)
		}
	}
	return nil
}

// ResolveConfig returns the task configuration with ${var} references
// expanded from workflow variables.
func (Base) ResolveConfig(def workflow.TaskDefinition, ec *workflow.Context) map[string]string {
	return ec.SubstituteMap(def.Configuration)
}

// Finalize stamps the outputs with the execution timestamp. Call on every
// successful return.
func (Base) Finalize(outputs map[string]any) map[string]any {
	if outputs == nil {
		outputs = make(map[string]any)
	}
	outputs["executionTimestamp"] = time.Now().UTC().Format(time.RFC3339)
	return outputs
}
