package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(vars map[string]string) *Context {
	wf := NewWorkflowExecution("def-1", "corr-1", vars)
	return NewContext(wf, nil)
}

func TestSubstitute(t *testing.T) {
	ec := testContext(map[string]string{
		"orderId": "ORD-42",
		"region":  "eu-west",
	})

	t.Run("expands known variables", func(t *testing.T) {
		assert.Equal(t, "https://api/orders/ORD-42", ec.Substitute("https://api/orders/${orderId}"))
	})

	t.Run("multiple references", func(t *testing.T) {
		assert.Equal(t, "eu-west/ORD-42", ec.Substitute("${region}/${orderId}"))
	})

	t.Run("unknown references stay verbatim", func(t *testing.T) {
		assert.Equal(t, "x-${nope}-y", ec.Substitute("x-${nope}-y"))
	})

	t.Run("no references", func(t *testing.T) {
		assert.Equal(t, "plain", ec.Substitute("plain"))
	})
}

func TestSubstituteMap(t *testing.T) {
	ec := testContext(map[string]string{"host": "db1"})

	out := ec.SubstituteMap(map[string]string{
		"url":   "postgres://${host}:5432",
		"plain": "value",
	})
	assert.Equal(t, "postgres://db1:5432", out["url"])
	assert.Equal(t, "value", out["plain"])

	assert.Nil(t, ec.SubstituteMap(nil))
}

func TestContextSnapshotIsolation(t *testing.T) {
	wf := NewWorkflowExecution("def-1", "corr-1", map[string]string{"k": "v"})
	ec := NewContext(wf, nil)

	ec.Variables["k"] = "mutated"
	require.Equal(t, "v", wf.Variables["k"])
}

func TestEvaluateCondition(t *testing.T) {
	ec := testContext(map[string]string{
		"tier":   "premium",
		"amount": "250",
	})

	t.Run("empty expression runs", func(t *testing.T) {
		ok, err := EvaluateCondition("", ec)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("true expression", func(t *testing.T) {
		ok, err := EvaluateCondition(`tier == "premium"`, ec)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("false expression", func(t *testing.T) {
		ok, err := EvaluateCondition(`tier == "basic"`, ec)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("vars map access", func(t *testing.T) {
		ok, err := EvaluateCondition(`vars["amount"] == "250"`, ec)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("malformed expression is a validation error", func(t *testing.T) {
		_, err := EvaluateCondition(`tier ==`, ec)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	})

	t.Run("non-boolean result is a validation error", func(t *testing.T) {
		_, err := EvaluateCondition(`tier`, ec)
		require.Error(t, err)
		assert.Equal(t, KindValidation, KindOf(err))
	})
}
