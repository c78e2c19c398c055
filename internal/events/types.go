package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicQueue = "queue"
)

// Event type constants
const (
	EventTypeTaskScheduled = "task.scheduled"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"
	EventTypeTaskRetried   = "task.retried"
	EventTypeQueueProgress = "queue.progress"
)

// TaskScheduledEvent is published when a task is admitted to the queue.
type TaskScheduledEvent struct {
	ID        string
	Title     string
	Kind      string
	Priority  int
	QueueSize int
	Timestamp time.Time
}

func (e TaskScheduledEvent) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduledEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when an executor begins an attempt.
type TaskStartedEvent struct {
	ID        string
	Kind      string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task reaches TaskCompleted.
type TaskCompletedEvent struct {
	ID        string
	Kind      string
	Duration  time.Duration
	Retries   int
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when an attempt (or the whole retry budget)
// fails. TimedOut distinguishes "never finished in time" from a logic failure.
type TaskFailedEvent struct {
	ID        string
	Kind      string
	Err       error
	TimedOut  bool
	Retries   int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// TaskRetriedEvent is published when a failed task is re-admitted.
type TaskRetriedEvent struct {
	ID        string
	Attempt   int
	Timestamp time.Time
}

func (e TaskRetriedEvent) EventType() string { return EventTypeTaskRetried }
func (e TaskRetriedEvent) TaskID() string    { return e.ID }

// QueueProgressEvent is a periodic snapshot of scheduler counters.
type QueueProgressEvent struct {
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() string    { return "" }
