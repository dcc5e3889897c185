package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/flowstack-io/flowstack/config"
	"github.com/flowstack-io/flowstack/engine"
	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/executor"
	"github.com/flowstack-io/flowstack/metrics"
	"github.com/flowstack-io/flowstack/queue"
	"github.com/flowstack-io/flowstack/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Core
	store     *storage.NATSKV
	bus       *event.Bus
	registry  *executor.Registry
	tasks     *engine.TaskService
	workflows *engine.WorkflowService
	engine    *engine.Engine
	reviews   *engine.ReviewService
	scheduler *engine.RetryScheduler
	ingress   *queue.Ingress

	// Observability
	collector  *metrics.Collector
	httpServer *http.Server
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	// Start NATS (embedded or connect to external)
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	// Initialize storage
	store, err := storage.NewNATSKV(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	a.store = store

	// Event bus, mirrored to NATS subjects
	a.bus = event.NewBus(a.cfg.BusConfig(), a.logger, a.natsConn)

	// Metrics fed from the event bus
	a.collector = metrics.NewCollector()
	a.bus.Subscribe(a.collector.Observe)

	// Task executors
	a.registry = executor.NewRegistry()
	a.registry.MustRegister(executor.NewHTTPExecutor(nil, a.logger))
	a.registry.MustRegister(executor.NewTransformExecutor(a.logger))

	// Work queue for QUEUED tasks
	if err := queue.EnsureStream(ctx, a.js); err != nil {
		return fmt.Errorf("ensure work queue stream: %w", err)
	}
	dispatcher := queue.NewDispatcher(a.js, a.logger)

	// Engine and services
	a.tasks = engine.NewTaskService(a.store, a.registry, a.bus, a.cfg.RetryPolicy(), dispatcher, a.logger)
	a.workflows = engine.NewWorkflowService(a.store, a.bus, a.logger)
	a.engine = engine.NewEngine(a.store, a.tasks, a.workflows, a.bus, a.cfg.Task.ThreadPoolSize, a.logger)
	a.reviews = engine.NewReviewService(a.store, a.tasks, a.engine, a.bus, a.logger)

	// Worker results feed back into the engine
	a.ingress = queue.NewIngress(queue.DefaultIngressConfig(), a.js, a.engine.OnTaskResult, a.logger)
	if err := a.ingress.Start(ctx); err != nil {
		return fmt.Errorf("start result ingress: %w", err)
	}

	// Retry scheduler
	a.scheduler = engine.NewRetryScheduler(a.cfg.SchedulerSettings(), a.store, a.tasks, a.workflows, a.engine, a.logger)
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start retry scheduler: %w", err)
	}

	a.startHTTP()

	a.logger.Info("components initialized",
		"thread_pool_size", a.cfg.Task.ThreadPoolSize,
		"scheduler_tick", a.cfg.Scheduler.TickSeconds)
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		// Start embedded NATS server
		a.logger.Info("starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			NoLog:     true,
			NoSigs:    true,
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		// Connect to embedded server
		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	// Get JetStream context
	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

func (a *App) startHTTP() {
	if a.cfg.HTTP.ListenAddr == "" {
		return
	}
	a.httpServer = &http.Server{
		Addr:    a.cfg.HTTP.ListenAddr,
		Handler: a.collector.Handler(),
	}
	go func() {
		a.logger.Info("metrics listener started", "addr", a.cfg.HTTP.ListenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics listener failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	a.logger.Info("shutting down")

	if a.scheduler != nil {
		if err := a.scheduler.Stop(timeout); err != nil {
			a.logger.Warn("scheduler stop", "error", err)
		}
	}
	if a.ingress != nil {
		if err := a.ingress.Stop(timeout); err != nil {
			a.logger.Warn("ingress stop", "error", err)
		}
	}

	// Let in-flight runs settle before tearing down transports.
	if a.engine != nil {
		a.engine.Wait()
	}
	if a.bus != nil {
		a.bus.Close()
	}

	if a.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", "error", err)
		}
	}

	// Close NATS connection
	if a.natsConn != nil {
		if err := a.natsConn.Drain(); err != nil {
			a.logger.Warn("nats drain", "error", err)
		}
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}

	a.logger.Info("shutdown complete")
}
