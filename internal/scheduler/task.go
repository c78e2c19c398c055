package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending    TaskStatus = iota // Admitted, waiting for dispatch
	TaskInProgress                   // Handed to an executor via Next
	TaskCompleted                    // Finished successfully
	TaskFailed                       // Finished with error (may still be retried)
	TaskCancelled                    // Cancelled by the caller, terminal
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInProgress:
		return "in_progress"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Priority orders tasks for dispatch. Higher values win.
type Priority int

const (
	PriorityBacklog Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityBacklog:
		return "backlog"
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Task represents a unit of work. The scheduler never interprets what the
// work is -- execution is delegated to a caller-supplied function.
type Task struct {
	ID                string   // Unique identifier, immutable after submission
	Title             string   // Human-readable name
	Kind              string   // Grouping key (circuit breakers, journaling)
	Priority          Priority
	DependsOn         []string      // Task IDs that must complete before this one runs
	Resources         []string      // Resource keys requiring exclusive access during execution
	Deadline          time.Time     // Zero value means no deadline
	EstimatedDuration time.Duration // Hint for shortest-first and balanced ordering
	Status            TaskStatus
	Err               error // Error from the last failed attempt
}

// NewTask creates a pending task with a generated ID.
func NewTask(title string, priority Priority) *Task {
	return &Task{
		ID:       uuid.New().String(),
		Title:    title,
		Priority: priority,
		Status:   TaskPending,
	}
}

// ScheduledTask wraps a task admitted to the scheduler, freezing its
// ordering key. Owned exclusively by the scheduler; only RetryCount
// changes after creation.
type ScheduledTask struct {
	Task        *Task
	Sequence    uint64 // Monotonic admission counter, final tie-break
	SubmittedAt time.Time
	RetryCount  int

	startedAt       time.Time // Set when handed out via Next
	cancelRequested bool      // Cooperative cancel flag for running tasks
}

// WaitTime returns how long the task has been queued.
func (st *ScheduledTask) WaitTime(now time.Time) time.Duration {
	return now.Sub(st.SubmittedAt)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	return &cp
}
