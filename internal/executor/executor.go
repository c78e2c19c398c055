package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/scheduler"
)

// Mode selects how a set of tasks is driven through the worker slots.
type Mode int

const (
	ModeParallel   Mode = iota // Everything launches at once, bounded by MaxWorkers
	ModeSequential             // One task in flight at a time, in input order
	ModeBatched                // Fixed-size chunks, each chunk drains before the next starts
	ModeAdaptive               // Concurrency shrinks on failures, grows back on success
)

func (m Mode) String() string {
	switch m {
	case ModeParallel:
		return "parallel"
	case ModeSequential:
		return "sequential"
	case ModeBatched:
		return "batched"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseMode converts a config string into a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "parallel":
		return ModeParallel, nil
	case "sequential":
		return ModeSequential, nil
	case "batched":
		return ModeBatched, nil
	case "adaptive":
		return ModeAdaptive, nil
	default:
		return ModeParallel, fmt.Errorf("unknown execution mode %q", name)
	}
}

// ExecuteFunc is the caller-supplied execution function. The executor
// never interprets the returned payload, only whether err is nil. The
// function is expected to observe ctx at its own suspension points; the
// executor cancels ctx but never force-kills.
type ExecuteFunc func(ctx context.Context, task *scheduler.Task) (any, error)

// Default tuning values.
const (
	DefaultMaxWorkers = 4
	DefaultBatchSize  = 4
	DefaultTimeout    = 30 * time.Second
	DefaultRetryDelay = 1 * time.Second
)

// Config configures an Executor.
type Config struct {
	MaxWorkers         int            // Hard concurrency cap (default 4)
	Mode               Mode           // Execution mode (default parallel)
	BatchSize          int            // Chunk size for ModeBatched (default 4)
	DefaultTimeout     time.Duration  // Per-attempt bound (default 30s)
	MaxRetries         int            // Retry budget beyond the first attempt (default 0)
	RetryDelay         time.Duration  // Delay between attempts (default 1s)
	ExponentialBackoff bool           // Exponential instead of constant retry delay
	Adaptive           AdaptiveConfig // Tuning for ModeAdaptive
	Logger             *zap.Logger    // Defaults to zap.NewNop()
	Bus                *events.Bus    // Optional event bus for attempt-start events
}

// Executor applies a caller-supplied execution function to tasks under a
// concurrency cap, converting failures, timeouts, and panics into
// ExecutionResult values. A single task's failure never terminates the
// executor loop.
type Executor struct {
	cfg   Config
	log   *zap.Logger
	bus   *events.Bus
	sem   *semaphore.Weighted // Hard cap, never exceeded in any mode
	gate  *adaptiveGate       // Extra gate for ModeAdaptive, nil otherwise
	locks *ResourceLocks

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	running int
	peak    int

	onStart    []func(*scheduler.Task)
	onComplete []func(ExecutionResult)
	onError    []func(ExecutionResult)
}

// New creates an executor. The zero Config is usable.
func New(cfg Config) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Executor{
		cfg:     cfg,
		log:     cfg.Logger.Named("executor"),
		bus:     cfg.Bus,
		sem:     semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		locks:   NewResourceLocks(),
		cancels: make(map[string]context.CancelFunc),
	}
	if cfg.Mode == ModeAdaptive {
		e.gate = newAdaptiveGate(cfg.MaxWorkers, cfg.Adaptive)
	}
	return e
}

// Execute runs all tasks per the configured mode and returns the
// aggregated BatchResult. The returned error reports only context
// cancellation of the batch itself; per-task failures live in the result.
func (e *Executor) Execute(ctx context.Context, tasks []*scheduler.Task, fn ExecuteFunc) (*BatchResult, error) {
	batch := &BatchResult{Total: len(tasks), StartedAt: time.Now()}

	results := e.executeSet(ctx, tasks, fn)
	for _, res := range results {
		if res.Success {
			batch.Succeeded = append(batch.Succeeded, res)
		} else {
			batch.Failed = append(batch.Failed, res)
		}
	}
	batch.FinishedAt = time.Now()

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

// ExecuteWithDependencies runs tasks level by level: every task in a level
// finishes (success or failure) before the next level starts, so no task
// ever runs before its same-or-earlier-level dependencies have finished.
// Within a level the configured mode applies.
func (e *Executor) ExecuteWithDependencies(ctx context.Context, tasks []*scheduler.Task, fn ExecuteFunc, levels [][]string) (*BatchResult, error) {
	byID := make(map[string]*scheduler.Task, len(tasks))
	for _, task := range tasks {
		byID[task.ID] = task
	}

	batch := &BatchResult{Total: len(tasks), StartedAt: time.Now()}
	for _, level := range levels {
		wave := make([]*scheduler.Task, 0, len(level))
		for _, id := range level {
			task, ok := byID[id]
			if !ok {
				batch.FinishedAt = time.Now()
				return batch, fmt.Errorf("execution level references unknown task %q", id)
			}
			wave = append(wave, task)
		}

		for _, res := range e.executeSet(ctx, wave, fn) {
			if res.Success {
				batch.Succeeded = append(batch.Succeeded, res)
			} else {
				batch.Failed = append(batch.Failed, res)
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	batch.FinishedAt = time.Now()

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	return batch, nil
}

// executeSet dispatches one wave of tasks per the configured mode.
func (e *Executor) executeSet(ctx context.Context, tasks []*scheduler.Task, fn ExecuteFunc) []ExecutionResult {
	switch e.cfg.Mode {
	case ModeSequential:
		results := make([]ExecutionResult, 0, len(tasks))
		for _, task := range tasks {
			results = append(results, e.Run(ctx, task, fn))
			if ctx.Err() != nil {
				// Remaining tasks report the cancellation instead of running.
				for _, rest := range tasks[len(results):] {
					results = append(results, cancelledResult(rest.ID, ctx.Err()))
				}
				break
			}
		}
		return results

	case ModeBatched:
		var results []ExecutionResult
		for start := 0; start < len(tasks); start += e.cfg.BatchSize {
			end := start + e.cfg.BatchSize
			if end > len(tasks) {
				end = len(tasks)
			}
			results = append(results, e.runConcurrent(ctx, tasks[start:end], fn)...)
			if ctx.Err() != nil {
				for _, rest := range tasks[end:] {
					results = append(results, cancelledResult(rest.ID, ctx.Err()))
				}
				break
			}
		}
		return results

	default: // ModeParallel, ModeAdaptive
		return e.runConcurrent(ctx, tasks, fn)
	}
}

// runConcurrent launches every task immediately; the semaphore inside Run
// is what bounds actual concurrency.
func (e *Executor) runConcurrent(ctx context.Context, tasks []*scheduler.Task, fn ExecuteFunc) []ExecutionResult {
	results := make([]ExecutionResult, len(tasks))
	g := new(errgroup.Group)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			results[i] = e.Run(ctx, task, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Run executes a single task through the full per-task policy: worker slot
// acquisition, resource locks, per-attempt timeout, and retry with
// backoff. It never panics and never returns an error; everything lands in
// the ExecutionResult.
func (e *Executor) Run(ctx context.Context, task *scheduler.Task, fn ExecuteFunc) ExecutionResult {
	res := ExecutionResult{TaskID: task.ID, StartedAt: time.Now()}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		res.Err = err
		res.Cancelled = true
		res.FinishedAt = time.Now()
		return res
	}
	defer e.sem.Release(1)

	if e.gate != nil {
		if err := e.gate.acquire(ctx); err != nil {
			res.Err = err
			res.Cancelled = true
			res.FinishedAt = time.Now()
			return res
		}
		defer e.gate.release()
	}

	e.locks.LockAll(task.Resources)
	defer e.locks.UnlockAll(task.Resources)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(task.ID, cancel)
	defer e.unregisterCancel(task.ID)

	e.trackStart()
	defer e.trackFinish()

	attempt := 0
	lastTimedOut := false
	operation := func() error {
		attempt++
		lastTimedOut = false
		e.fireStart(task, attempt)

		attemptTimeout := e.attemptTimeout(task)
		attemptCtx, attemptCancel := context.WithTimeout(taskCtx, attemptTimeout)
		out, err := safeInvoke(attemptCtx, task, fn)
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && taskCtx.Err() == nil
		attemptCancel()

		if err == nil {
			res.Output = out
			return nil
		}
		if timedOut {
			lastTimedOut = true
			err = fmt.Errorf("attempt %d timed out after %s: %w", attempt, attemptTimeout, err)
		}

		// Cooperative cancellation of the whole task: stop retrying.
		if taskCtx.Err() != nil {
			res.Cancelled = true
			return backoff.Permanent(err)
		}
		// An open circuit will not close between quick retries.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, e.retryPolicy(taskCtx))

	res.Retries = attempt - 1
	res.FinishedAt = time.Now()
	if err == nil {
		res.Success = true
		if e.gate != nil {
			e.gate.observe(false)
		}
		e.fireComplete(res)
		return res
	}

	res.Err = err
	res.TimedOut = lastTimedOut
	if e.gate != nil {
		e.gate.observe(true)
	}
	e.log.Debug("task failed",
		zap.String("task_id", task.ID),
		zap.Int("retries", res.Retries),
		zap.Bool("timed_out", res.TimedOut),
		zap.Error(err))
	e.fireError(res)
	return res
}

// attemptTimeout bounds one attempt by the default timeout, tightened by
// the task deadline when one is set.
func (e *Executor) attemptTimeout(task *scheduler.Task) time.Duration {
	timeout := e.cfg.DefaultTimeout
	if !task.Deadline.IsZero() {
		until := time.Until(task.Deadline)
		if until <= 0 {
			// Deadline already passed: let the attempt fail immediately as a timeout.
			return time.Nanosecond
		}
		if until < timeout {
			timeout = until
		}
	}
	return timeout
}

// retryPolicy builds the backoff schedule for one task.
func (e *Executor) retryPolicy(ctx context.Context) backoff.BackOffContext {
	var policy backoff.BackOff
	if e.cfg.ExponentialBackoff {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = e.cfg.RetryDelay
		exp.MaxElapsedTime = 0 // Attempt count is the budget, not elapsed time
		policy = exp
	} else {
		policy = backoff.NewConstantBackOff(e.cfg.RetryDelay)
	}
	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.MaxRetries)), ctx)
}

type invokeOut struct {
	out any
	err error
}

// safeInvoke runs the execution function in its own goroutine so a
// non-cooperative function cannot hold the worker slot past the attempt
// timeout. Panics are converted into errors at this boundary.
func safeInvoke(ctx context.Context, task *scheduler.Task, fn ExecuteFunc) (any, error) {
	ch := make(chan invokeOut, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- invokeOut{err: fmt.Errorf("execution function panicked: %v", r)}
			}
		}()
		out, err := fn(ctx, task)
		ch <- invokeOut{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cancelledResult(taskID string, err error) ExecutionResult {
	now := time.Now()
	return ExecutionResult{
		TaskID:     taskID,
		Err:        err,
		Cancelled:  true,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// CancelTask cancels a single in-flight task cooperatively. Returns false
// when the task is not currently executing.
func (e *Executor) CancelTask(id string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelAll cancels every in-flight task cooperatively and returns how
// many were signalled.
func (e *Executor) CancelAll() int {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.cancels))
	for _, cancel := range e.cancels {
		cancels = append(cancels, cancel)
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// ExecStats is a snapshot of executor gauges.
type ExecStats struct {
	Running      int // Tasks currently holding a worker slot
	PeakRunning  int
	CurrentLimit int // Effective concurrency cap (moves under ModeAdaptive)
}

// Stats returns current executor gauges.
func (e *Executor) Stats() ExecStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := e.cfg.MaxWorkers
	if e.gate != nil {
		limit = e.gate.limit()
	}
	return ExecStats{
		Running:      e.running,
		PeakRunning:  e.peak,
		CurrentLimit: limit,
	}
}

// OnTaskStart registers an observer invoked before every attempt.
// Observers run synchronously; panics are isolated per observer.
func (e *Executor) OnTaskStart(fn func(*scheduler.Task)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStart = append(e.onStart, fn)
}

// OnTaskComplete registers an observer invoked after a successful task.
func (e *Executor) OnTaskComplete(fn func(ExecutionResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onComplete = append(e.onComplete, fn)
}

// OnTaskError registers an observer invoked after a task exhausts its
// retry budget.
func (e *Executor) OnTaskError(fn func(ExecutionResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = append(e.onError, fn)
}

func (e *Executor) registerCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = cancel
}

func (e *Executor) unregisterCancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, id)
}

func (e *Executor) trackStart() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
}

func (e *Executor) trackFinish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running--
}

func (e *Executor) fireStart(task *scheduler.Task, attempt int) {
	e.mu.Lock()
	observers := append([]func(*scheduler.Task){}, e.onStart...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(e.log, "on_task_start", func() { fn(task) })
	}
	if e.bus != nil {
		e.bus.Publish(events.TopicTask, events.TaskStartedEvent{
			ID:        task.ID,
			Kind:      task.Kind,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
	}
}

func (e *Executor) fireComplete(res ExecutionResult) {
	e.mu.Lock()
	observers := append([]func(ExecutionResult){}, e.onComplete...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(e.log, "on_task_complete", func() { fn(res) })
	}
}

func (e *Executor) fireError(res ExecutionResult) {
	e.mu.Lock()
	observers := append([]func(ExecutionResult){}, e.onError...)
	e.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(e.log, "on_task_error", func() { fn(res) })
	}
}
