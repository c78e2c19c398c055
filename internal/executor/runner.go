package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/scheduler"
)

// RunnerConfig configures the pull loop.
type RunnerConfig struct {
	PollInterval time.Duration // Timeout handed to each Next call (default 100ms)
	MaxRetries   int           // Scheduler-side re-admission budget for failed tasks
	Logger       *zap.Logger
}

// Runner drains a scheduler through an executor: it pulls ready tasks via
// Next, runs them, and reports terminal transitions back via
// MarkCompleted/MarkFailed, optionally re-admitting failures with Retry.
type Runner struct {
	sched *scheduler.Scheduler
	exec  *Executor
	fn    ExecuteFunc
	cfg   RunnerConfig
	log   *zap.Logger

	mu      sync.Mutex
	results []ExecutionResult
}

// NewRunner creates a pull-loop runner.
func NewRunner(sched *scheduler.Scheduler, exec *Executor, fn ExecuteFunc, cfg RunnerConfig) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := &Runner{
		sched: sched,
		exec:  exec,
		fn:    fn,
		cfg:   cfg,
		log:   cfg.Logger.Named("runner"),
	}
	// Scheduler.Cancel/CancelAll on a running task only flips a flag; the
	// executor holds the task context. Forward the request so the
	// execution function observes it at its next suspension point.
	sched.OnCancelRequested(func(id string) { exec.CancelTask(id) })
	return r
}

// Run pulls and executes tasks until the scheduler drains, stops, or ctx
// is cancelled. Per-task failures never abort the loop; they are recorded
// and reported back to the scheduler.
func (r *Runner) Run(ctx context.Context) ([]ExecutionResult, error) {
	var wg sync.WaitGroup
	idlePolls := 0

	for {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return r.snapshot(), err
		}

		task, err := r.sched.Next(r.cfg.PollInterval)
		if errors.Is(err, scheduler.ErrStopped) {
			break
		}
		if err != nil {
			wg.Wait()
			return r.snapshot(), err
		}

		if task == nil {
			stats := r.sched.Stats()
			if stats.QueueSize == 0 && stats.Running == 0 {
				break
			}
			if stats.Running == 0 {
				// Queue is non-empty but nothing is ready or in flight:
				// the remaining tasks are blocked on dependencies that
				// will never complete.
				idlePolls++
				if idlePolls >= 3 {
					wg.Wait()
					return r.snapshot(), fmt.Errorf("%d queued tasks are blocked on unresolvable dependencies", stats.QueueSize)
				}
			}
			continue
		}
		idlePolls = 0

		wg.Add(1)
		go func(task *scheduler.Task) {
			defer wg.Done()
			r.runOne(ctx, task)
		}(task)
	}

	wg.Wait()
	return r.snapshot(), nil
}

func (r *Runner) runOne(ctx context.Context, task *scheduler.Task) {
	res := r.exec.Run(ctx, task, r.fn)

	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()

	if res.Success {
		if err := r.sched.MarkCompleted(task.ID); err != nil {
			r.log.Error("failed to mark task completed", zap.String("task_id", task.ID), zap.Error(err))
		}
		return
	}

	if err := r.sched.MarkFailed(task.ID, res.Err, res.TimedOut); err != nil {
		r.log.Error("failed to mark task failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	// Cancelled work is terminal: flip the parked failure to CANCELLED
	// instead of leaving it awaiting a retry decision that never comes.
	if res.Cancelled || r.sched.CancelRequested(task.ID) {
		r.sched.Cancel(task.ID, "cancelled during execution")
		return
	}
	if r.cfg.MaxRetries > 0 {
		if _, err := r.sched.Retry(task.ID, r.cfg.MaxRetries); err != nil {
			r.log.Warn("could not re-admit failed task",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

func (r *Runner) snapshot() []ExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionResult(nil), r.results...)
}
