package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowstack-io/flowstack/workflow"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPExecutor calls an HTTP endpoint described by task configuration.
//
// Required configuration: url, method. Optional: body, headers (a JSON
// object), timeoutSeconds.
//
// A non-2xx response is a completed call, not a task failure: the status
// code and error text land in the outputs and the workflow decides what to
// do with them. Only transport-level failures (connection refused, timeout)
// return an error, and those are retriable.
type HTTPExecutor struct {
	Base
	client *http.Client
	logger *slog.Logger
}

// NewHTTPExecutor creates the executor. Pass nil client for the default.
func NewHTTPExecutor(client *http.Client, logger *slog.Logger) *HTTPExecutor {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPExecutor{
		client: client,
		logger: logger.With("executor", "http"),
	}
}

// TaskType returns "http".
func (e *HTTPExecutor) TaskType() string {
	return "http"
}

// Execute performs the configured HTTP call.
func (e *HTTPExecutor) Execute(ctx context.Context, def workflow.TaskDefinition, ec *workflow.Context) (map[string]any, error) {
	if err := e.RequireConfig(def, "url", "method"); err != nil {
		return nil, err
	}
	cfg := e.ResolveConfig(def, ec)

	url := cfg["url"]
	method := strings.ToUpper(cfg["method"])

	if secs := cfg["timeoutSeconds"]; secs != "" {
		n, err := strconv.Atoi(secs)
		if err != nil || n <= 0 {
			return nil, workflow.NewValidationError("task %s has invalid timeoutSeconds %q", def.Name, secs)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(n)*time.Second)
		defer cancel()
	}

	var body io.Reader
	if cfg["body"] != "" {
		body = strings.NewReader(cfg["body"])
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, workflow.NewValidationError("task %s request build failed: %v", def.Name, err)
	}
	if headersJSON := cfg["headers"]; headersJSON != "" {
		var headers map[string]string
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			return nil, workflow.NewValidationError("task %s has malformed headers: %v", def.Name, err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	e.logger.Debug("calling endpoint", "task", def.Name, "method", method, "url", url)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, workflow.NewExecutorError(fmt.Sprintf("task %s http call failed", def.Name), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, workflow.NewExecutorError(fmt.Sprintf("task %s reading response failed", def.Name), err)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	outputs := map[string]any{
		"statusCode":      resp.StatusCode,
		"responseBody":    string(respBody),
		"responseHeaders": respHeaders,
		"success":         success,
	}
	if !success {
		outputs["error"] = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(respBody) > 0 {
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			outputs["parsedResponse"] = parsed
		}
	}

	return e.Finalize(outputs), nil
}
