package config

// DefaultConfig returns conservative defaults suitable for embedding the
// engine without any config file present.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxQueueSize:              1000,
			Strategy:                  "priority_first",
			ResolveDependencies:       true,
			GracefulShutdownTimeoutMS: 30_000,
		},
		Executor: ExecutorConfig{
			MaxWorkers:       4,
			Mode:             "parallel",
			BatchSize:        4,
			DefaultTimeoutMS: 30_000,
			MaxRetries:       2,
			RetryDelayMS:     1_000,
			Adaptive: AdaptiveConfig{
				ShrinkThreshold: 0.30,
				WindowSize:      20,
				GrowAfter:       5,
				MinWorkers:      1,
			},
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}
