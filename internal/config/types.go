package config

// SchedulerConfig tunes the admission queue and dispatch ordering.
type SchedulerConfig struct {
	MaxQueueSize              int    `json:"max_queue_size"`              // Bounded queue capacity
	Strategy                  string `json:"strategy"`                    // fifo, priority_first, shortest_first, dependency_aware, balanced
	ResolveDependencies       bool   `json:"resolve_dependencies"`        // Gate dispatch on declared dependencies
	GracefulShutdownTimeoutMS int    `json:"graceful_shutdown_timeout_ms"` // Drain window for Shutdown(wait=true)
}

// AdaptiveConfig tunes the adaptive execution mode.
type AdaptiveConfig struct {
	ShrinkThreshold float64 `json:"shrink_threshold"` // Failure rate triggering a shrink
	WindowSize      int     `json:"window_size"`      // Attempts in the rolling window
	GrowAfter       int     `json:"grow_after"`       // Consecutive successes per grow step
	MinWorkers      int     `json:"min_workers"`      // Concurrency floor
}

// ExecutorConfig tunes worker concurrency and the per-task policy.
type ExecutorConfig struct {
	MaxWorkers         int            `json:"max_workers"`         // Hard concurrency cap
	Mode               string         `json:"mode"`                // parallel, sequential, batched, adaptive
	BatchSize          int            `json:"batch_size"`          // Chunk size for batched mode
	DefaultTimeoutMS   int            `json:"default_timeout_ms"`  // Per-attempt bound
	MaxRetries         int            `json:"max_retries"`         // Retry budget beyond the first attempt
	RetryDelayMS       int            `json:"retry_delay_ms"`      // Delay between attempts
	ExponentialBackoff bool           `json:"exponential_backoff"` // Exponential instead of constant delay
	Adaptive           AdaptiveConfig `json:"adaptive"`
}

// LogRotationConfig controls file output rotation.
type LogRotationConfig struct {
	Enable     bool `json:"enable"`
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level    string            `json:"level"`   // debug, info, warn, error
	Format   string            `json:"format"`  // console or json
	Outputs  []string          `json:"outputs"` // stdout, stderr, or file paths
	Rotation LogRotationConfig `json:"rotation"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Executor  ExecutorConfig  `json:"executor"`
	Log       LogConfig       `json:"log"`
}
