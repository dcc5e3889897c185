package workflow

import "regexp"

var varRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context carries the data a task needs at execution time: identity of the
// run and a snapshot of the workflow variables for substitution.
type Context struct {
	WorkflowExecutionID string
	CorrelationID       string
	Definition          *WorkflowDefinition
	Variables           map[string]string
}

// NewContext snapshots an execution for task-side use. The variable map is
// copied so executors cannot mutate orchestrator state.
func NewContext(wf *WorkflowExecution, def *WorkflowDefinition) *Context {
	vars := make(map[string]string, len(wf.Variables))
	for k, v := range wf.Variables {
		vars[k] = v
	}
	return &Context{
		WorkflowExecutionID: wf.ID,
		CorrelationID:       wf.CorrelationID,
		Definition:          def,
		Variables:           vars,
	}
}

// Substitute expands ${name} references from workflow variables.
// Unresolved references are left verbatim so misconfigurations stay visible.
func (c *Context) Substitute(s string) string {
	return varRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if v, ok := c.Variables[name]; ok {
			return v
		}
		return ref
	})
}

// SubstituteMap expands every value of a configuration map.
func (c *Context) SubstituteMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = c.Substitute(v)
	}
	return out
}
