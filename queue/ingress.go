package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowstack-io/flowstack/storage"
	"github.com/flowstack-io/flowstack/workflow"
)

// ResultHandler settles a task from a worker result. Returning a not-found
// error drops the message; any other error triggers redelivery.
type ResultHandler func(ctx context.Context, msg TaskResultMessage) error

// IngressConfig controls the result consumer.
type IngressConfig struct {
	ConsumerName string        `json:"consumer_name" yaml:"consumer_name"`
	AckWait      time.Duration `json:"ack_wait" yaml:"ack_wait"`
	FetchWait    time.Duration `json:"fetch_wait" yaml:"fetch_wait"`
	MaxDeliver   int           `json:"max_deliver" yaml:"max_deliver"`
}

// DefaultIngressConfig returns the standard consumer settings.
func DefaultIngressConfig() IngressConfig {
	return IngressConfig{
		ConsumerName: "result-ingress",
		AckWait:      30 * time.Second,
		FetchWait:    5 * time.Second,
		MaxDeliver:   3,
	}
}

// Ingress consumes TaskResultMessage from the work stream through a
// durable consumer and hands each result to the engine.
//
// Results are at-least-once: a redelivered result for an already settled
// task is a no-op downstream. Results for unknown task execution ids are
// logged and dropped; redelivering them cannot make them resolvable.
type Ingress struct {
	config  IngressConfig
	js      jetstream.JetStream
	handler ResultHandler
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	consumed atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewIngress creates the ingress. Start begins consumption.
func NewIngress(config IngressConfig, js jetstream.JetStream, handler ResultHandler, logger *slog.Logger) *Ingress {
	return &Ingress{
		config:  config,
		js:      js,
		handler: handler,
		logger:  logger.With("component", "result-ingress"),
	}
}

// Start creates the durable consumer and begins the fetch loop.
func (i *Ingress) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return fmt.Errorf("ingress already running")
	}

	consumer, err := i.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       i.config.ConsumerName,
		FilterSubject: ResultSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       i.config.AckWait,
		MaxDeliver:    i.config.MaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create result consumer: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})
	i.running = true

	go i.consumeLoop(runCtx, consumer)

	i.logger.Info("result ingress started", "consumer", i.config.ConsumerName)
	return nil
}

// Stop halts consumption, waiting up to timeout for the loop to exit.
func (i *Ingress) Stop(timeout time.Duration) error {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = false
	i.cancel()
	done := i.done
	i.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("ingress did not stop within %s", timeout)
	}
}

// Stats returns consumed, dropped, and failed message counts.
func (i *Ingress) Stats() (consumed, dropped, failed int64) {
	return i.consumed.Load(), i.dropped.Load(), i.failed.Load()
}

func (i *Ingress) consumeLoop(ctx context.Context, consumer jetstream.Consumer) {
	defer close(i.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(i.config.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.logger.Warn("fetch results", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for msg := range batch.Messages() {
			i.handleMessage(ctx, msg)
		}
	}
}

func (i *Ingress) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var result TaskResultMessage
	if err := json.Unmarshal(msg.Data(), &result); err != nil {
		// Poison message; redelivery cannot fix it.
		i.logger.Error("malformed result message, dropping", "error", err)
		i.dropped.Add(1)
		i.ack(msg)
		return
	}

	err := i.handler(ctx, result)
	switch {
	case err == nil:
		i.consumed.Add(1)
		i.ack(msg)
	case isUnknownTask(err):
		i.logger.Warn("result for unknown task execution, dropping",
			"task_execution_id", result.TaskExecutionID)
		i.dropped.Add(1)
		i.ack(msg)
	default:
		i.failed.Add(1)
		i.logger.Warn("result handling failed, requesting redelivery",
			"task_execution_id", result.TaskExecutionID, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			i.logger.Error("nak result message", "error", nakErr)
		}
	}
}

func (i *Ingress) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		i.logger.Error("ack result message", "error", err)
	}
}

func isUnknownTask(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		workflow.KindOf(err) == workflow.KindNotFound
}
