package event

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// Handler receives events on the bus's delivery goroutine. Handlers must
// not block; slow work belongs on the handler's own goroutine.
type Handler func(Event)

// BusConfig controls event delivery.
type BusConfig struct {
	// Enabled gates all publication. A disabled bus drops everything.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// LogLevel selects the slog level for the built-in logging
	// subscriber: debug, info, warn.
	LogLevel string `json:"log_level" yaml:"log_level"`

	// BufferSize is the publish queue depth. Publishers never block;
	// events beyond this are counted and dropped.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// DefaultBusConfig returns the standard bus settings.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Enabled:    true,
		LogLevel:   "debug",
		BufferSize: 1024,
	}
}

// Bus delivers workflow events asynchronously. Publish never blocks the
// caller: events flow through a buffered channel to a single delivery
// goroutine which fans out to subscribers and, when a NATS connection is
// attached, mirrors each event to its subject.
type Bus struct {
	config BusConfig
	logger *slog.Logger
	nc     *nats.Conn

	mu       sync.RWMutex
	handlers []Handler

	ch   chan Event
	done chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates and starts a bus. Pass nil nc to skip NATS mirroring.
func NewBus(config BusConfig, logger *slog.Logger, nc *nats.Conn) *Bus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig().BufferSize
	}
	b := &Bus{
		config: config,
		logger: logger.With("component", "event-bus"),
		nc:     nc,
		ch:     make(chan Event, config.BufferSize),
		done:   make(chan struct{}),
	}
	b.Subscribe(b.logEvent)
	go b.deliverLoop()
	return b
}

// Subscribe registers an in-process handler for all events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish enqueues an event without blocking. Events are dropped when the
// bus is disabled or the queue is full.
func (b *Bus) Publish(e Event) {
	if !b.config.Enabled {
		return
	}
	select {
	case b.ch <- e:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("event queue full, dropping event",
			"type", e.Type,
			"workflow_execution_id", e.WorkflowExecutionID)
	}
}

// Close drains queued events and stops delivery.
func (b *Bus) Close() {
	close(b.ch)
	<-b.done
}

// Published returns the number of events accepted onto the queue.
func (b *Bus) Published() int64 {
	return b.published.Load()
}

// Dropped returns the number of events rejected by a full queue.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bus) deliverLoop() {
	defer close(b.done)
	for e := range b.ch {
		b.deliver(e)
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"type", e.Type, "panic", r)
				}
			}()
			h(e)
		}()
	}

	if b.nc != nil {
		data, err := json.Marshal(e)
		if err != nil {
			b.logger.Error("marshal event", "type", e.Type, "error", err)
			return
		}
		if err := b.nc.Publish(e.Subject(), data); err != nil {
			b.logger.Warn("publish event to nats",
				"subject", e.Subject(), "error", err)
		}
	}
}

func (b *Bus) logEvent(e Event) {
	level := slog.LevelDebug
	switch b.config.LogLevel {
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "workflow event",
		"type", e.Type,
		"workflow_execution_id", e.WorkflowExecutionID,
		"correlation_id", e.CorrelationID,
		"task", e.TaskName,
		"message", e.Message)
}

// WaitIdle blocks until the queue is empty or the timeout passes. Test
// helper for asserting on asynchronous delivery.
func (b *Bus) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(b.ch) == 0 {
			// One more tick for the in-flight event.
			time.Sleep(5 * time.Millisecond)
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
