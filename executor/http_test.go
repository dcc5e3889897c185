package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func httpContext(vars map[string]string) *workflow.Context {
	wf := workflow.NewWorkflowExecution("def-1", "corr-http", vars)
	return workflow.NewContext(wf, nil)
}

func TestHTTPExecutorSuccess(t *testing.T) {
	var gotPath, gotMethod, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"reservationId":"R-7"}`))
	}))
	defer server.Close()

	e := NewHTTPExecutor(server.Client(), testLogger())
	def := workflow.TaskDefinition{
		Name: "reserve",
		Type: "http",
		Configuration: map[string]string{
			"url":     server.URL + "/orders/${orderId}/reserve",
			"method":  "post",
			"headers": `{"Authorization": "Bearer ${token}"}`,
		},
	}
	ec := httpContext(map[string]string{"orderId": "ORD-1", "token": "t0k"})

	outputs, err := e.Execute(context.Background(), def, ec)
	require.NoError(t, err)

	assert.Equal(t, "/orders/ORD-1/reserve", gotPath)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "Bearer t0k", gotAuth)

	assert.Equal(t, http.StatusOK, outputs["statusCode"])
	assert.Equal(t, true, outputs["success"])
	assert.NotContains(t, outputs, "error")
	assert.NotEmpty(t, outputs["executionTimestamp"])

	parsed, ok := outputs["parsedResponse"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "R-7", parsed["reservationId"])
}

func TestHTTPExecutorNon2xxIsNotAFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	e := NewHTTPExecutor(server.Client(), testLogger())
	def := workflow.TaskDefinition{
		Name: "lookup",
		Type: "http",
		Configuration: map[string]string{
			"url":    server.URL,
			"method": "GET",
		},
	}

	outputs, err := e.Execute(context.Background(), def, httpContext(nil))
	require.NoError(t, err, "non-2xx must not be an executor error")
	assert.Equal(t, http.StatusNotFound, outputs["statusCode"])
	assert.Equal(t, false, outputs["success"])
	assert.Contains(t, outputs["error"], "HTTP 404")
}

func TestHTTPExecutorTransportFailureIsRetriable(t *testing.T) {
	e := NewHTTPExecutor(nil, testLogger())
	def := workflow.TaskDefinition{
		Name: "unreachable",
		Type: "http",
		Configuration: map[string]string{
			"url":    "http://127.0.0.1:1/nothing",
			"method": "GET",
		},
	}

	_, err := e.Execute(context.Background(), def, httpContext(nil))
	require.Error(t, err)
	assert.True(t, workflow.IsRetriable(err))
}

func TestHTTPExecutorMissingConfig(t *testing.T) {
	e := NewHTTPExecutor(nil, testLogger())
	def := workflow.TaskDefinition{
		Name:          "bad",
		Type:          "http",
		Configuration: map[string]string{"method": "GET"},
	}

	_, err := e.Execute(context.Background(), def, httpContext(nil))
	require.Error(t, err)
	assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
	assert.False(t, workflow.IsRetriable(err))
}

func TestHTTPExecutorPostsBody(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	e := NewHTTPExecutor(server.Client(), testLogger())
	def := workflow.TaskDefinition{
		Name: "create",
		Type: "http",
		Configuration: map[string]string{
			"url":    server.URL,
			"method": "POST",
			"body":   `{"amount": "${amount}"}`,
		},
	}

	outputs, err := e.Execute(context.Background(), def, httpContext(map[string]string{"amount": "99"}))
	require.NoError(t, err)
	assert.Equal(t, "99", gotBody["amount"])
	assert.Equal(t, true, outputs["success"])
}

func TestTransformExecutor(t *testing.T) {
	e := NewTransformExecutor(testLogger())
	ec := httpContext(map[string]string{"orderId": "ORD-9"})

	t.Run("direct configuration keys", func(t *testing.T) {
		def := workflow.TaskDefinition{
			Name:          "derive",
			Type:          "transform",
			Configuration: map[string]string{"invoiceRef": "INV-${orderId}"},
		}
		outputs, err := e.Execute(context.Background(), def, ec)
		require.NoError(t, err)
		assert.Equal(t, "INV-ORD-9", outputs["invoiceRef"])
	})

	t.Run("json mappings", func(t *testing.T) {
		def := workflow.TaskDefinition{
			Name:          "derive",
			Type:          "transform",
			Configuration: map[string]string{"mappings": `{"ref": "${orderId}"}`},
		}
		outputs, err := e.Execute(context.Background(), def, ec)
		require.NoError(t, err)
		assert.Equal(t, "ORD-9", outputs["ref"])
	})

	t.Run("malformed mappings", func(t *testing.T) {
		def := workflow.TaskDefinition{
			Name:          "derive",
			Type:          "transform",
			Configuration: map[string]string{"mappings": "{broken"},
		}
		_, err := e.Execute(context.Background(), def, ec)
		require.Error(t, err)
		assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewTransformExecutor(testLogger())))

	t.Run("duplicate registration rejected", func(t *testing.T) {
		err := r.Register(NewTransformExecutor(testLogger()))
		require.Error(t, err)
		assert.Equal(t, workflow.KindConfiguration, workflow.KindOf(err))
	})

	t.Run("lookup", func(t *testing.T) {
		e, err := r.Get("transform")
		require.NoError(t, err)
		assert.Equal(t, "transform", e.TaskType())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := r.Get("quantum")
		require.Error(t, err)
		assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
	})

	t.Run("types sorted", func(t *testing.T) {
		assert.Equal(t, []string{"transform"}, r.Types())
	})
}
