package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/events"
)

// State is the scheduler lifecycle state.
// Idle -> Running <-> Paused -> Stopped (terminal).
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Default tuning values.
const (
	DefaultMaxQueueSize            = 1000
	DefaultGracefulShutdownTimeout = 30 * time.Second
)

// Config configures a Scheduler instance.
type Config struct {
	MaxQueueSize            int           // Bounded admission queue capacity (default 1000)
	Strategy                Strategy      // Ordering strategy, fixed for the scheduler's lifetime
	ResolveDependencies     bool          // Gate dispatch on declared dependencies
	GracefulShutdownTimeout time.Duration // How long Shutdown(wait=true) drains in-flight work
	Logger                  *zap.Logger   // Defaults to zap.NewNop()
	Bus                     *events.Bus   // Optional event bus for lifecycle events
}

// Scheduler owns the bounded admission queue and dispatch ordering for one
// pool of tasks. All methods are safe for concurrent use; there is no
// process-wide instance, callers create as many schedulers as they need.
type Scheduler struct {
	cfg Config
	log *zap.Logger
	bus *events.Bus

	mu      sync.Mutex
	state   State
	seq     uint64
	pending map[string]*ScheduledTask
	running map[string]*ScheduledTask
	failed  map[string]*ScheduledTask // Awaiting a Retry decision
	dag     *DAG
	changed chan struct{} // Closed and replaced on every state change
	stats   counters

	onScheduled       []func(*Task)
	onCompleted       []func(*Task)
	onFailed          []func(*Task, error)
	onCancelRequested []func(string)
}

// New creates a scheduler. The zero Config is usable: FIFO ordering, no
// dependency resolution, default queue bound.
func New(cfg Config) *Scheduler {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultGracefulShutdownTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Scheduler{
		cfg:     cfg,
		log:     cfg.Logger.Named("scheduler"),
		bus:     cfg.Bus,
		pending: make(map[string]*ScheduledTask),
		running: make(map[string]*ScheduledTask),
		failed:  make(map[string]*ScheduledTask),
		changed: make(chan struct{}),
	}
	if cfg.ResolveDependencies {
		s.dag = NewDAG()
	}
	return s
}

// notifyLocked wakes every waiter (Next, Submit, Shutdown). Must be called
// with s.mu held.
func (s *Scheduler) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Start transitions Idle -> Running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		s.state = StateRunning
		s.notifyLocked()
		s.log.Info("scheduler started", zap.String("strategy", s.cfg.Strategy.String()))
		return nil
	case StateStopped:
		return ErrStopped
	default:
		return fmt.Errorf("scheduler already started (state: %s)", s.state)
	}
}

// Pause stops dispatch without rejecting submissions. Next blocks (up to
// its timeout) while paused.
func (s *Scheduler) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrStopped
	}
	if s.state != StateRunning {
		return fmt.Errorf("cannot pause from state %s", s.state)
	}
	s.state = StatePaused
	s.notifyLocked()
	return nil
}

// Resume transitions Paused -> Running.
func (s *Scheduler) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return ErrStopped
	}
	if s.state != StatePaused {
		return fmt.Errorf("cannot resume from state %s", s.state)
	}
	s.state = StateRunning
	s.notifyLocked()
	return nil
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Submit admits a single task, blocking up to timeout while the queue is
// full. Fails with ErrQueueFull once the timeout elapses, ErrStopped after
// shutdown, or a dependency error when the task references an unknown
// dependency. The task is copied at admission; later caller mutations are
// not observed.
func (s *Scheduler) Submit(task *Task, timeout time.Duration) error {
	if task == nil {
		return fmt.Errorf("nil task")
	}

	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	for {
		if s.state == StateStopped {
			s.mu.Unlock()
			return ErrStopped
		}
		if len(s.pending) < s.cfg.MaxQueueSize {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return ErrQueueFull
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(remaining):
		}
		s.mu.Lock()
	}

	st, err := s.admitLocked(task)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.fireScheduled(st)
	return nil
}

// SubmitBatch admits a batch. When dependency resolution is enabled the
// union of the batch and all incomplete tasks is first validated: a cycle
// or unknown dependency fails the whole batch with no partial admission.
// Returns the number of tasks admitted.
func (s *Scheduler) SubmitBatch(tasks []*Task, timeout time.Duration) (int, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	for {
		if s.state == StateStopped {
			s.mu.Unlock()
			return 0, ErrStopped
		}
		if len(s.pending)+len(tasks) <= s.cfg.MaxQueueSize {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return 0, ErrQueueFull
		}
		ch := s.changed
		s.mu.Unlock()
		select {
		case <-ch:
		case <-time.After(remaining):
		}
		s.mu.Lock()
	}

	// Validate the batch as a whole before admitting anything.
	if s.dag != nil {
		clones := make([]*Task, len(tasks))
		for i, task := range tasks {
			clones[i] = cloneTask(task)
		}
		if err := s.dag.CheckBatch(clones); err != nil {
			s.mu.Unlock()
			return 0, fmt.Errorf("batch rejected: %w", err)
		}
	}

	admitted := make([]*ScheduledTask, 0, len(tasks))
	for _, task := range tasks {
		st, err := s.admitLocked(task)
		if err != nil {
			s.mu.Unlock()
			for _, a := range admitted {
				s.fireScheduled(a)
			}
			return len(admitted), err
		}
		admitted = append(admitted, st)
	}
	s.mu.Unlock()

	for _, st := range admitted {
		s.fireScheduled(st)
	}
	return len(admitted), nil
}

// admitLocked wraps and indexes one task. Must be called with s.mu held
// and capacity already checked.
func (s *Scheduler) admitLocked(task *Task) (*ScheduledTask, error) {
	clone := cloneTask(task)
	if clone.ID == "" {
		clone.ID = uuid.New().String()
	}
	if s.taskKnownLocked(clone.ID) {
		return nil, fmt.Errorf("task with ID %q already exists", clone.ID)
	}

	if s.dag != nil {
		if err := s.dag.AddTask(clone); err != nil {
			return nil, err
		}
	}

	clone.Status = TaskPending
	s.seq++
	st := &ScheduledTask{
		Task:        clone,
		Sequence:    s.seq,
		SubmittedAt: time.Now(),
	}
	s.pending[clone.ID] = st

	s.stats.submitted++
	s.stats.observeQueue(len(s.pending))
	s.notifyLocked()
	return st, nil
}

func (s *Scheduler) taskKnownLocked(id string) bool {
	if _, ok := s.pending[id]; ok {
		return true
	}
	if _, ok := s.running[id]; ok {
		return true
	}
	_, ok := s.failed[id]
	return ok
}

// Next blocks up to timeout for a ready task and returns a copy of the
// best one per the configured strategy, or (nil, nil) on timeout. A task
// is ready when it is pending, the scheduler is running, and (when
// dependency resolution is enabled) every declared dependency completed.
func (s *Scheduler) Next(timeout time.Duration) (*Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		switch s.state {
		case StateStopped:
			s.mu.Unlock()
			return nil, ErrStopped
		case StateIdle:
			s.mu.Unlock()
			return nil, ErrNotStarted
		case StateRunning:
			if st := s.bestLocked(); st != nil {
				delete(s.pending, st.Task.ID)
				st.Task.Status = TaskInProgress
				st.startedAt = time.Now()
				s.running[st.Task.ID] = st

				s.stats.observeWait(st.WaitTime(st.startedAt))
				s.stats.observeRunning(len(s.running))
				s.notifyLocked() // Queue space freed
				task := cloneTask(st.Task)
				s.mu.Unlock()
				return task, nil
			}
		}

		ch := s.changed
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ch:
		case <-time.After(remaining):
			return nil, nil
		}
	}
}

// bestLocked scans pending tasks and returns the one that orders first
// under the strategy, or nil when nothing is ready. The scan keeps
// dynamic ordering keys (wait time, unresolved dependency counts) honest.
func (s *Scheduler) bestLocked() *ScheduledTask {
	oc := orderContext{now: time.Now(), unresolved: func(string) int { return 0 }}
	if s.dag != nil {
		oc.unresolved = s.dag.Unresolved
	}

	var best *ScheduledTask
	for _, st := range s.pending {
		if s.dag != nil && !s.dag.IsReady(st.Task.ID) {
			continue
		}
		if best == nil || s.cfg.Strategy.less(st, best, oc) {
			best = st
		}
	}
	return best
}

// MarkCompleted transitions a running task to TaskCompleted and removes it
// from all indices. Dependents become eligible immediately. Allowed during
// shutdown so in-flight work can drain.
func (s *Scheduler) MarkCompleted(id string) error {
	s.mu.Lock()
	st, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q is not running", id)
	}

	delete(s.running, id)
	st.Task.Status = TaskCompleted
	if s.dag != nil {
		s.dag.MarkCompleted(id)
	}
	now := time.Now()
	s.stats.completed++
	s.stats.observeExecution(now.Sub(st.startedAt))
	s.notifyLocked()
	task := cloneTask(st.Task)
	duration := now.Sub(st.startedAt)
	retries := st.RetryCount
	s.mu.Unlock()

	s.fireCompleted(task, duration, retries)
	return nil
}

// MarkFailed transitions a running task to TaskFailed and parks it for a
// Retry decision. timedOut failures are counted separately so callers can
// distinguish "ran and failed" from "never finished in time".
func (s *Scheduler) MarkFailed(id string, taskErr error, timedOut bool) error {
	s.mu.Lock()
	st, ok := s.running[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %q is not running", id)
	}

	delete(s.running, id)
	st.Task.Status = TaskFailed
	st.Task.Err = taskErr
	s.failed[id] = st

	now := time.Now()
	s.stats.failed++
	if timedOut {
		s.stats.timedOut++
	}
	s.stats.observeExecution(now.Sub(st.startedAt))
	s.notifyLocked()
	task := cloneTask(st.Task)
	duration := now.Sub(st.startedAt)
	retries := st.RetryCount
	s.mu.Unlock()

	s.fireFailed(task, taskErr, timedOut, duration, retries)
	return nil
}

// Retry re-admits a failed task while retryCount < maxRetries,
// incrementing the counter. Once the budget is exhausted the task is
// destroyed and Retry returns (false, nil); cancelled and unknown tasks
// also report (false, nil). A full queue returns ErrQueueFull and leaves
// the task parked with its budget intact, so the caller may retry the
// Retry once space frees.
func (s *Scheduler) Retry(id string, maxRetries int) (bool, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return false, ErrStopped
	}
	st, ok := s.failed[id]
	if !ok || st.cancelRequested {
		s.mu.Unlock()
		return false, nil
	}

	if st.RetryCount >= maxRetries {
		// Exhausted: terminal FAILED, drop from every index.
		delete(s.failed, id)
		if s.dag != nil {
			s.dag.Remove(id)
		}
		s.notifyLocked()
		s.mu.Unlock()
		return false, nil
	}

	if len(s.pending) >= s.cfg.MaxQueueSize {
		s.mu.Unlock()
		return false, ErrQueueFull
	}

	st.RetryCount++
	st.Task.Status = TaskPending
	delete(s.failed, id)
	s.pending[id] = st
	s.stats.retried++
	s.stats.observeQueue(len(s.pending))
	s.notifyLocked()
	attempt := st.RetryCount
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskRetriedEvent{
			ID:        id,
			Attempt:   attempt,
			Timestamp: time.Now(),
		})
	}
	return true, nil
}

// Cancel marks a queued or failed task CANCELLED and removes it. For a
// running task it only flips the cooperative cancellation flag; the
// executor is expected to observe it and stop retrying. Returns false for
// unknown tasks.
func (s *Scheduler) Cancel(id, reason string) bool {
	s.mu.Lock()
	if st, ok := s.pending[id]; ok {
		s.cancelQueuedLocked(st, s.pending)
		s.mu.Unlock()
		s.fireCancelled(id, reason)
		return true
	}
	if st, ok := s.failed[id]; ok {
		s.cancelQueuedLocked(st, s.failed)
		s.mu.Unlock()
		s.fireCancelled(id, reason)
		return true
	}
	if st, ok := s.running[id]; ok {
		st.cancelRequested = true
		s.mu.Unlock()
		s.fireCancelRequested(id)
		return true
	}
	s.mu.Unlock()
	return false
}

// cancelQueuedLocked removes a non-running task from the given index and
// records the cancellation. Must be called with s.mu held.
func (s *Scheduler) cancelQueuedLocked(st *ScheduledTask, index map[string]*ScheduledTask) {
	delete(index, st.Task.ID)
	st.Task.Status = TaskCancelled
	if s.dag != nil {
		s.dag.Remove(st.Task.ID)
	}
	s.stats.cancelled++
	s.notifyLocked()
}

// CancelAll cancels every queued and parked-failed task, and when
// includeRunning is set also requests cooperative cancellation of running
// tasks. Returns the number of tasks affected.
func (s *Scheduler) CancelAll(includeRunning bool) int {
	s.mu.Lock()
	queued := make([]*ScheduledTask, 0, len(s.pending)+len(s.failed))
	for _, st := range s.pending {
		queued = append(queued, st)
	}
	for _, st := range s.failed {
		queued = append(queued, st)
	}
	cancelled := make([]string, 0, len(queued))
	for _, st := range queued {
		if _, ok := s.pending[st.Task.ID]; ok {
			s.cancelQueuedLocked(st, s.pending)
		} else {
			s.cancelQueuedLocked(st, s.failed)
		}
		cancelled = append(cancelled, st.Task.ID)
	}
	count := len(cancelled)
	var signalled []string
	if includeRunning {
		for _, st := range s.running {
			if !st.cancelRequested {
				st.cancelRequested = true
				signalled = append(signalled, st.Task.ID)
				count++
			}
		}
	}
	s.mu.Unlock()

	for _, id := range cancelled {
		s.fireCancelled(id, "cancel_all")
	}
	for _, id := range signalled {
		s.fireCancelRequested(id)
	}
	return count
}

// CancelRequested reports whether cooperative cancellation was requested
// for a running task. Executors check this before retrying.
func (s *Scheduler) CancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.running[id]; ok {
		return st.cancelRequested
	}
	if st, ok := s.failed[id]; ok {
		return st.cancelRequested
	}
	return false
}

// Stop transitions to STOPPED without draining or cancelling anything.
func (s *Scheduler) Stop() error {
	_, err := s.Shutdown(false, false)
	return err
}

// Shutdown transitions to STOPPED (irreversible). With cancelPending,
// queued tasks are cancelled and counted in the return value. With wait,
// the call blocks until in-flight work drains or GracefulShutdownTimeout
// elapses, whichever comes first; on timeout it proceeds anyway and logs
// what remained.
func (s *Scheduler) Shutdown(wait, cancelPending bool) (int, error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return 0, ErrStopped
	}
	s.state = StateStopped

	var cancelledIDs []string
	if cancelPending {
		for _, st := range s.pending {
			s.cancelQueuedLocked(st, s.pending)
			cancelledIDs = append(cancelledIDs, st.Task.ID)
		}
	}
	s.notifyLocked()

	deadline := time.Now().Add(s.cfg.GracefulShutdownTimeout)
	if wait {
		for len(s.running) > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}
			ch := s.changed
			s.mu.Unlock()
			select {
			case <-ch:
			case <-time.After(remaining):
			}
			s.mu.Lock()
		}
	}
	stillRunning := len(s.running)
	s.mu.Unlock()

	for _, id := range cancelledIDs {
		s.fireCancelled(id, "shutdown")
	}
	if stillRunning > 0 {
		s.log.Warn("shutdown grace period elapsed with tasks still in flight",
			zap.Int("running", stillRunning))
	}
	s.log.Info("scheduler stopped", zap.Int("cancelled", len(cancelledIDs)))
	return len(cancelledIDs), nil
}

// Stats returns a consistent snapshot of counters and gauges.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		State:            s.state.String(),
		Strategy:         s.cfg.Strategy.String(),
		TotalSubmitted:   s.stats.submitted,
		TotalCompleted:   s.stats.completed,
		TotalFailed:      s.stats.failed,
		TotalCancelled:   s.stats.cancelled,
		TotalTimedOut:    s.stats.timedOut,
		TotalRetried:     s.stats.retried,
		QueueSize:        len(s.pending),
		PeakQueueSize:    s.stats.peakQueue,
		Running:          len(s.running),
		PeakRunning:      s.stats.peakRunning,
		AvgWaitTime:      s.stats.avgWait(),
		AvgExecutionTime: s.stats.avgExecution(),
	}
}

// Levels exposes the resolver's topological decomposition of incomplete
// tasks, for level-ordered execution. Requires dependency resolution.
func (s *Scheduler) Levels() ([][]string, error) {
	s.mu.Lock()
	dag := s.dag
	s.mu.Unlock()

	if dag == nil {
		return nil, fmt.Errorf("dependency resolution disabled")
	}
	return dag.Levels()
}

// OnTaskScheduled registers an observer invoked after each admission.
// Observers run synchronously; panics are isolated per observer.
func (s *Scheduler) OnTaskScheduled(fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onScheduled = append(s.onScheduled, fn)
}

// OnTaskCompleted registers an observer invoked after MarkCompleted.
func (s *Scheduler) OnTaskCompleted(fn func(*Task)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompleted = append(s.onCompleted, fn)
}

// OnTaskFailed registers an observer invoked after MarkFailed.
func (s *Scheduler) OnTaskFailed(fn func(*Task, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFailed = append(s.onFailed, fn)
}

// OnCancelRequested registers an observer invoked when cooperative
// cancellation is requested for a running task. Executors hook this to
// cancel the task's context so the execution function sees it at its
// next suspension point.
func (s *Scheduler) OnCancelRequested(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancelRequested = append(s.onCancelRequested, fn)
}

func (s *Scheduler) fireCancelRequested(id string) {
	s.mu.Lock()
	observers := append([]func(string){}, s.onCancelRequested...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(s.log, "on_cancel_requested", func() { fn(id) })
	}
}

func (s *Scheduler) fireScheduled(st *ScheduledTask) {
	// Clone under the lock: once admitted, st.Task is mutated by Next and
	// the terminal marks, all of which hold s.mu.
	s.mu.Lock()
	observers := append([]func(*Task){}, s.onScheduled...)
	queueSize := len(s.pending)
	task := cloneTask(st.Task)
	s.mu.Unlock()
	for _, fn := range observers {
		fn := fn
		events.Guard(s.log, "on_task_scheduled", func() { fn(task) })
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskScheduledEvent{
			ID:        task.ID,
			Title:     task.Title,
			Kind:      task.Kind,
			Priority:  int(task.Priority),
			QueueSize: queueSize,
			Timestamp: time.Now(),
		})
	}
}

func (s *Scheduler) fireCompleted(task *Task, duration time.Duration, retries int) {
	s.mu.Lock()
	observers := append([]func(*Task){}, s.onCompleted...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(s.log, "on_task_completed", func() { fn(task) })
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID:        task.ID,
			Kind:      task.Kind,
			Duration:  duration,
			Retries:   retries,
			Timestamp: time.Now(),
		})
	}
}

func (s *Scheduler) fireFailed(task *Task, taskErr error, timedOut bool, duration time.Duration, retries int) {
	s.mu.Lock()
	observers := append([]func(*Task, error){}, s.onFailed...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn := fn
		events.Guard(s.log, "on_task_failed", func() { fn(task, taskErr) })
	}
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Kind:      task.Kind,
			Err:       taskErr,
			TimedOut:  timedOut,
			Retries:   retries,
			Duration:  duration,
			Timestamp: time.Now(),
		})
	}
}

func (s *Scheduler) fireCancelled(id, reason string) {
	if s.bus != nil {
		s.bus.Publish(events.TopicTask, events.TaskCancelledEvent{
			ID:        id,
			Reason:    reason,
			Timestamp: time.Now(),
		})
	}
}

// PublishProgress emits a QueueProgressEvent snapshot on the bus, if one
// is configured. Intended to be called periodically by the embedding
// application.
func (s *Scheduler) PublishProgress() {
	if s.bus == nil {
		return
	}
	s.mu.Lock()
	ev := events.QueueProgressEvent{
		Pending:   len(s.pending),
		Running:   len(s.running),
		Completed: int(s.stats.completed),
		Failed:    int(s.stats.failed),
		Cancelled: int(s.stats.cancelled),
		Timestamp: time.Now(),
	}
	s.mu.Unlock()
	s.bus.Publish(events.TopicQueue, ev)
}
