package scheduler

import "errors"

// Admission errors. All are non-retryable without caller correction and
// are reported synchronously from Submit/SubmitBatch.
var (
	// ErrQueueFull is returned when the bounded queue is at capacity and
	// no space frees within the submission timeout.
	ErrQueueFull = errors.New("scheduler queue full")

	// ErrStopped is returned by every operation issued after Shutdown.
	ErrStopped = errors.New("scheduler stopped")

	// ErrNotStarted is returned by Next before Start is called.
	ErrNotStarted = errors.New("scheduler not started")
)
