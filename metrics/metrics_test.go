package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowstack-io/flowstack/event"
)

func TestObserveCountsLifecycle(t *testing.T) {
	c := NewCollector()

	c.Observe(event.Event{Type: event.WorkflowStarted})
	c.Observe(event.Event{Type: event.WorkflowStarted})
	c.Observe(event.Event{Type: event.WorkflowCompleted})
	c.Observe(event.Event{Type: event.WorkflowFailed})
	c.Observe(event.Event{Type: event.TaskCompleted})
	c.Observe(event.Event{Type: event.TaskFailed})
	c.Observe(event.Event{Type: event.TaskRetryScheduled})
	c.Observe(event.Event{Type: event.UserReviewRequested})
	c.Observe(event.Event{Type: event.UserReviewCompleted, Data: map[string]string{"decision": "APPROVE"}})

	assert.Equal(t, float64(2), testutil.ToFloat64(c.WorkflowsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.WorkflowsCompleted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.WorkflowsFailed))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.WorkflowsActive))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TasksByOutcome.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.TasksByOutcome.WithLabelValues("failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.RetriesScheduled))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ReviewsCompleted.WithLabelValues("APPROVE")))
}

func TestHandlerServesMetricsAndHealth(t *testing.T) {
	c := NewCollector()
	c.Observe(event.Event{Type: event.WorkflowStarted})
	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "flowstack_workflows_started_total 1")

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
