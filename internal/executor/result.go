package executor

import "time"

// ExecutionResult captures the outcome of executing one task, including
// every retry attempt. Errors and timeouts are data here, never panics
// escaping the executor loop.
type ExecutionResult struct {
	TaskID     string
	Success    bool
	Output     any   // Whatever the execution function returned; never interpreted
	Err        error // Error from the final attempt, nil on success
	TimedOut   bool  // True when the final attempt exceeded the per-attempt timeout
	Cancelled  bool  // True when cooperative cancellation ended the task
	Retries    int   // Attempts beyond the first
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock span of the task including retries.
func (r ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// BatchResult aggregates one Execute call. Read-only after construction.
type BatchResult struct {
	Total      int
	Succeeded  []ExecutionResult
	Failed     []ExecutionResult
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall-clock span of the batch.
func (b *BatchResult) Duration() time.Duration {
	return b.FinishedAt.Sub(b.StartedAt)
}

// SuccessRate returns the fraction of tasks that succeeded, in [0, 1].
func (b *BatchResult) SuccessRate() float64 {
	if b.Total == 0 {
		return 1
	}
	return float64(len(b.Succeeded)) / float64(b.Total)
}
