// Package config provides configuration loading and management for Flowstack.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowstack-io/flowstack/engine"
	"github.com/flowstack-io/flowstack/event"
	"github.com/flowstack-io/flowstack/workflow"
)

// Config represents the complete Flowstack configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Events    EventsConfig    `yaml:"events"`
	Task      TaskConfig      `yaml:"task"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// EventsConfig configures the lifecycle event bus
type EventsConfig struct {
	// Enabled toggles event publication
	Enabled bool `yaml:"enabled"`
	// LogLevel is the level events are logged at (debug, info, warn)
	LogLevel string `yaml:"log_level"`
	// BufferSize is the event channel depth
	BufferSize int `yaml:"buffer_size"`
}

// TaskConfig configures local task execution
type TaskConfig struct {
	// ThreadPoolSize bounds concurrent task execution under the
	// parallel strategy
	ThreadPoolSize int `yaml:"thread_pool_size"`
}

// RetryConfig configures the task retry backoff
type RetryConfig struct {
	// InitialDelayMS is the first backoff delay in milliseconds
	InitialDelayMS int `yaml:"initial_delay_ms"`
	// Multiplier is the exponential backoff factor
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelayMS caps the backoff delay in milliseconds
	MaxDelayMS int `yaml:"max_delay_ms"`
	// MaxAttempts is the default attempt budget for tasks without an
	// explicit retry limit
	MaxAttempts int `yaml:"max_attempts"`
}

// SchedulerConfig configures the retry scheduler
type SchedulerConfig struct {
	// TickSeconds is the scheduler pass interval in seconds
	TickSeconds int `yaml:"tick_seconds"`
	// StuckAfter is how long a RUNNING workflow may sit untouched
	// before it is reported
	StuckAfter time.Duration `yaml:"stuck_after"`
}

// RetentionConfig configures terminal workflow cleanup
type RetentionConfig struct {
	// TerminalDays is how many days terminal workflows are kept
	// (0 = keep forever)
	TerminalDays int `yaml:"terminal_days"`
}

// HTTPConfig configures the metrics/health listener
type HTTPConfig struct {
	// ListenAddr is the bind address (empty = disabled)
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures application logging
type LogConfig struct {
	// Level is the minimum log level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format is "text" or "json"
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Events: EventsConfig{
			Enabled:    true,
			LogLevel:   "debug",
			BufferSize: 1024,
		},
		Task: TaskConfig{
			ThreadPoolSize: 10,
		},
		Retry: RetryConfig{
			InitialDelayMS: 1000,
			Multiplier:     2.0,
			MaxDelayMS:     60000,
			MaxAttempts:    3,
		},
		Scheduler: SchedulerConfig{
			TickSeconds: 30,
			StuckAfter:  10 * time.Minute,
		},
		Retention: RetentionConfig{
			TerminalDays: 30,
		},
		HTTP: HTTPConfig{
			ListenAddr: ":8080",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Task.ThreadPoolSize <= 0 {
		return fmt.Errorf("task.thread_pool_size must be positive")
	}
	if c.Retry.InitialDelayMS <= 0 {
		return fmt.Errorf("retry.initial_delay_ms must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelayMS < c.Retry.InitialDelayMS {
		return fmt.Errorf("retry.max_delay_ms must be at least retry.initial_delay_ms")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Scheduler.TickSeconds <= 0 {
		return fmt.Errorf("scheduler.tick_seconds must be positive")
	}
	if c.Retention.TerminalDays < 0 {
		return fmt.Errorf("retention.terminal_days cannot be negative")
	}
	switch c.Events.LogLevel {
	case "debug", "info", "warn":
	default:
		return fmt.Errorf("events.log_level must be debug, info, or warn")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// RetryPolicy converts the retry settings into an engine policy.
func (c *Config) RetryPolicy() workflow.RetryPolicy {
	policy := workflow.DefaultRetryPolicy()
	policy.InitialDelay = time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
	policy.Multiplier = c.Retry.Multiplier
	policy.MaxDelay = time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
	policy.MaxAttempts = c.Retry.MaxAttempts
	return policy
}

// SchedulerSettings converts the scheduler and retention settings.
func (c *Config) SchedulerSettings() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		TickInterval:      time.Duration(c.Scheduler.TickSeconds) * time.Second,
		StuckAfter:        c.Scheduler.StuckAfter,
		TerminalRetention: time.Duration(c.Retention.TerminalDays) * 24 * time.Hour,
	}
}

// BusConfig converts the event settings into a bus configuration.
func (c *Config) BusConfig() event.BusConfig {
	return event.BusConfig{
		Enabled:    c.Events.Enabled,
		LogLevel:   c.Events.LogLevel,
		BufferSize: c.Events.BufferSize,
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Events
	if other.Events.LogLevel != "" {
		c.Events.LogLevel = other.Events.LogLevel
	}
	if other.Events.BufferSize != 0 {
		c.Events.BufferSize = other.Events.BufferSize
	}
	c.Events.Enabled = other.Events.Enabled

	// Task
	if other.Task.ThreadPoolSize != 0 {
		c.Task.ThreadPoolSize = other.Task.ThreadPoolSize
	}

	// Retry
	if other.Retry.InitialDelayMS != 0 {
		c.Retry.InitialDelayMS = other.Retry.InitialDelayMS
	}
	if other.Retry.Multiplier != 0 {
		c.Retry.Multiplier = other.Retry.Multiplier
	}
	if other.Retry.MaxDelayMS != 0 {
		c.Retry.MaxDelayMS = other.Retry.MaxDelayMS
	}
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}

	// Scheduler
	if other.Scheduler.TickSeconds != 0 {
		c.Scheduler.TickSeconds = other.Scheduler.TickSeconds
	}
	if other.Scheduler.StuckAfter != 0 {
		c.Scheduler.StuckAfter = other.Scheduler.StuckAfter
	}

	// Retention
	if other.Retention.TerminalDays != 0 {
		c.Retention.TerminalDays = other.Retention.TerminalDays
	}

	// HTTP
	if other.HTTP.ListenAddr != "" {
		c.HTTP.ListenAddr = other.HTTP.ListenAddr
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
