package workflow

import (
	"github.com/expr-lang/expr"
)

// EvaluateCondition decides whether a conditionally gated task should run.
// The expression sees workflow variables both as top-level identifiers and
// under `vars` for names that are not valid identifiers. An empty
// expression always runs. Compile or evaluation failures, and non-boolean
// results, are validation errors: a malformed gate should fail loudly, not
// silently skip work.
func EvaluateCondition(expression string, ec *Context) (bool, error) {
	if expression == "" {
		return true, nil
	}

	env := map[string]any{
		"vars":           ec.Variables,
		"correlation_id": ec.CorrelationID,
	}
	for k, v := range ec.Variables {
		if _, taken := env[k]; !taken {
			env[k] = v
		}
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, NewValidationError("condition %q does not compile: %v", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, NewValidationError("condition %q failed to evaluate: %v", expression, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, NewValidationError("condition %q is not boolean", expression)
	}
	return result, nil
}
