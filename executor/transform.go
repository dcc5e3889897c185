package executor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/flowstack-io/flowstack/workflow"
)

// TransformExecutor derives new workflow variables from existing ones
// without leaving the process. Its configuration is the output mapping
// itself: every key except the reserved "mappings" JSON form becomes an
// output whose value is the substituted configuration value.
//
// Either style works:
//
//	configuration: {"invoiceRef": "INV-${orderId}"}
//	configuration: {"mappings": `{"invoiceRef": "INV-${orderId}"}`}
type TransformExecutor struct {
	Base
	logger *slog.Logger
}

// NewTransformExecutor creates the executor.
func NewTransformExecutor(logger *slog.Logger) *TransformExecutor {
	return &TransformExecutor{logger: logger.With("executor", "transform")}
}

// TaskType returns "transform".
func (e *TransformExecutor) TaskType() string {
	return "transform"
}

// Execute materializes the configured mappings as outputs.
func (e *TransformExecutor) Execute(_ context.Context, def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error) {
	cfg := e.ResolveConfig(def, ec)

	outputs := make(map[string]any)
	if raw, ok := cfg["mappings"]; ok {
		var mappings map[string]string
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			return nil, workflow.NewValidationError("task %s has malformed mappings: %v", def.Name, err)
		}
		for k, v := range mappings {
			outputs[k] = ec.Substitute(v)
		}
	} else {
		for k, v := range cfg {
			outputs[k] = v
		}
	}

	e.logger.Debug("transform applied", "task", def.Name, "outputs", len(outputs))
	return e.Finalize(outputs), nil
}
