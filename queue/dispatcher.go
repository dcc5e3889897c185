package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowstack-io/flowstack/workflow"
)

// EnsureStream provisions the work stream idempotently.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Flowstack queued task dispatch and results",
		Subjects:    []string{"workflow.tasks.>"},
		Retention:   jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// Dispatcher publishes queued task work onto the stream.
type Dispatcher struct {
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(js jetstream.JetStream, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		js:     js,
		logger: logger.With("component", "task-dispatcher"),
	}
}

// Dispatch publishes a task message to its type's subject.
func (d *Dispatcher) Dispatch(ctx context.Context, msg TaskMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}
	subject := TaskSubjectPrefix + msg.TaskType
	if _, err := d.js.Publish(ctx, subject, data); err != nil {
		return workflow.NewTransportError(
			fmt.Sprintf("publish task %s to %s", msg.TaskExecutionID, subject), err)
	}
	d.logger.Debug("task dispatched",
		"task_execution_id", msg.TaskExecutionID,
		"subject", subject)
	return nil
}
