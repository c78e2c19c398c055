package config

import (
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/executor"
	"github.com/aristath/taskflow/internal/scheduler"
)

// BuildScheduler converts the JSON section into a scheduler.Config.
// Logger and bus may be nil.
func (c SchedulerConfig) BuildScheduler(log *zap.Logger, bus *events.Bus) (scheduler.Config, error) {
	strategy, err := scheduler.ParseStrategy(c.Strategy)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MaxQueueSize:            c.MaxQueueSize,
		Strategy:                strategy,
		ResolveDependencies:     c.ResolveDependencies,
		GracefulShutdownTimeout: time.Duration(c.GracefulShutdownTimeoutMS) * time.Millisecond,
		Logger:                  log,
		Bus:                     bus,
	}, nil
}

// BuildExecutor converts the JSON section into an executor.Config.
// Logger and bus may be nil.
func (c ExecutorConfig) BuildExecutor(log *zap.Logger, bus *events.Bus) (executor.Config, error) {
	mode, err := executor.ParseMode(c.Mode)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		MaxWorkers:         c.MaxWorkers,
		Mode:               mode,
		BatchSize:          c.BatchSize,
		DefaultTimeout:     time.Duration(c.DefaultTimeoutMS) * time.Millisecond,
		MaxRetries:         c.MaxRetries,
		RetryDelay:         time.Duration(c.RetryDelayMS) * time.Millisecond,
		ExponentialBackoff: c.ExponentialBackoff,
		Adaptive: executor.AdaptiveConfig{
			ShrinkThreshold: c.Adaptive.ShrinkThreshold,
			WindowSize:      c.Adaptive.WindowSize,
			GrowAfter:       c.Adaptive.GrowAfter,
			MinWorkers:      c.Adaptive.MinWorkers,
		},
		Logger: log,
		Bus:    bus,
	}, nil
}
