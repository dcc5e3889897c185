// Package main provides the flowstack binary entry point.
// Flowstack is a workflow orchestrator: definitions describe tasks and
// their ordering, executions run them with retries, review gates, and
// conditional routing, backed by NATS JetStream.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstack-io/flowstack/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "flowstack"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "flowstack",
		Short: "Workflow orchestrator",
		Long: `Flowstack runs workflow definitions: ordered tasks with retries,
exponential backoff, user review gates, conditional expressions, and
failure routing.

Tasks execute locally through registered executors or are dispatched to
workers over a NATS JetStream work queue. Workflow and task state lives
in NATS KV buckets.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, levelVar := buildLogger(cfg)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	ctx := context.Background()
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start app: %w", err)
	}

	// Log level follows config file edits while running.
	if configPath != "" {
		watcher := config.NewWatcher(configPath, func(next *config.Config) {
			levelVar.Set(parseLevel(next.Log.Level))
		}, logger)
		if err := watcher.Start(); err != nil {
			logger.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	logger.Info("flowstack ready", "version", Version)

	// Block until shutdown signal
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()
	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	app.Shutdown(30 * time.Second)
	return nil
}

func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	loader := config.NewLoader(slog.Default())
	return loader.Load()
}

func buildLogger(cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.Log.Level))
	opts := &slog.HandlerOptions{Level: levelVar}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), levelVar
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), levelVar
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
