package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/taskflow/internal/scheduler"
)

func makeTasks(n int) []*scheduler.Task {
	tasks := make([]*scheduler.Task, n)
	for i := range tasks {
		tasks[i] = &scheduler.Task{ID: fmt.Sprintf("task-%d", i)}
	}
	return tasks
}

// concurrencyProbe counts in-flight invocations and remembers the peak.
type concurrencyProbe struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (p *concurrencyProbe) enter() {
	cur := p.current.Add(1)
	for {
		peak := p.peak.Load()
		if cur <= peak || p.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (p *concurrencyProbe) exit() { p.current.Add(-1) }

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		want    Mode
		wantErr bool
	}{
		{name: "parallel", want: ModeParallel},
		{name: "sequential", want: ModeSequential},
		{name: "batched", want: ModeBatched},
		{name: "adaptive", want: ModeAdaptive},
		{name: "turbo", wantErr: true},
		{name: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.name)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseMode(%q) succeeded, want error", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseMode(%q) failed: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.name, got, tt.want)
		}
	}
}

// TestParallelBoundedByMaxWorkers: 12 tasks on 3 workers must never have
// more than 3 in flight at once, and with everything launched together the
// peak reaches exactly the cap.
func TestParallelBoundedByMaxWorkers(t *testing.T) {
	exec := New(Config{MaxWorkers: 3, Mode: ModeParallel})

	var probe concurrencyProbe
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		probe.enter()
		defer probe.exit()
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}

	batch, err := exec.Execute(context.Background(), makeTasks(12), fn)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(batch.Succeeded) != 12 {
		t.Fatalf("succeeded = %d, want 12", len(batch.Succeeded))
	}
	if got := probe.peak.Load(); got != 3 {
		t.Errorf("peak concurrency = %d, want 3", got)
	}
	if got := exec.Stats().PeakRunning; got != 3 {
		t.Errorf("Stats().PeakRunning = %d, want 3", got)
	}
}

// TestSequentialPreservesOrder: one at a time, input order.
func TestSequentialPreservesOrder(t *testing.T) {
	exec := New(Config{MaxWorkers: 4, Mode: ModeSequential})

	var mu sync.Mutex
	var order []string
	var probe concurrencyProbe
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		probe.enter()
		defer probe.exit()
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}

	tasks := makeTasks(5)
	if _, err := exec.Execute(context.Background(), tasks, fn); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := probe.peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1 in sequential mode", got)
	}
	for i, task := range tasks {
		if order[i] != task.ID {
			t.Fatalf("execution order %v does not match input order", order)
		}
	}
}

// TestBatchedChunksDrainBeforeNext: with BatchSize 2, no more than 2 run
// together even though MaxWorkers allows more.
func TestBatchedChunksDrainBeforeNext(t *testing.T) {
	exec := New(Config{MaxWorkers: 8, Mode: ModeBatched, BatchSize: 2})

	var probe concurrencyProbe
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		probe.enter()
		defer probe.exit()
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}

	batch, err := exec.Execute(context.Background(), makeTasks(6), fn)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(batch.Succeeded) != 6 {
		t.Fatalf("succeeded = %d, want 6", len(batch.Succeeded))
	}
	if got := probe.peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want at most the batch size 2", got)
	}
}

// TestFailureIsDataNotTermination: one failing task lands in Failed while
// the rest complete.
func TestFailureIsDataNotTermination(t *testing.T) {
	exec := New(Config{MaxWorkers: 4})

	boom := errors.New("boom")
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		if task.ID == "task-2" {
			return nil, boom
		}
		return task.ID, nil
	}

	batch, err := exec.Execute(context.Background(), makeTasks(5), fn)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(batch.Succeeded) != 4 || len(batch.Failed) != 1 {
		t.Fatalf("succeeded/failed = %d/%d, want 4/1", len(batch.Succeeded), len(batch.Failed))
	}
	if got := batch.Failed[0].TaskID; got != "task-2" {
		t.Errorf("failed task = %s, want task-2", got)
	}
	if !errors.Is(batch.Failed[0].Err, boom) {
		t.Errorf("failed task err = %v, want wrapped boom", batch.Failed[0].Err)
	}
	if rate := batch.SuccessRate(); rate != 0.8 {
		t.Errorf("SuccessRate = %v, want 0.8", rate)
	}
}

// TestPanicConvertedToResult: a panicking execution function becomes a
// failed result, not a crashed test.
func TestPanicConvertedToResult(t *testing.T) {
	exec := New(Config{MaxWorkers: 2})

	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		panic("unexpected payload shape")
	}

	res := exec.Run(context.Background(), &scheduler.Task{ID: "panicky"}, fn)
	if res.Success {
		t.Fatal("panicking task reported success")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "panicked") {
		t.Errorf("err = %v, want panic conversion", res.Err)
	}
}

// TestTimeoutExhaustsRetryBudget: every attempt times out; the result
// reports TimedOut with Retries equal to the budget.
func TestTimeoutExhaustsRetryBudget(t *testing.T) {
	exec := New(Config{
		MaxWorkers:     2,
		DefaultTimeout: 20 * time.Millisecond,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
	})

	var attempts atomic.Int64
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		attempts.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := exec.Run(context.Background(), &scheduler.Task{ID: "slow"}, fn)
	if res.Success {
		t.Fatal("timed-out task reported success")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.Retries != 2 {
		t.Errorf("Retries = %d, want 2", res.Retries)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

// TestRetrySucceedsWithinBudget: two failures then success.
func TestRetrySucceedsWithinBudget(t *testing.T) {
	exec := New(Config{
		MaxWorkers: 2,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})

	var attempts atomic.Int64
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "done", nil
	}

	res := exec.Run(context.Background(), &scheduler.Task{ID: "flaky"}, fn)
	if !res.Success {
		t.Fatalf("task failed: %v", res.Err)
	}
	if res.Retries != 2 {
		t.Errorf("Retries = %d, want 2", res.Retries)
	}
	if res.Output != "done" {
		t.Errorf("Output = %v, want done", res.Output)
	}
}

// TestPassedDeadlineFailsAsTimeout: a task whose deadline already elapsed
// never gets a real attempt window.
func TestPassedDeadlineFailsAsTimeout(t *testing.T) {
	exec := New(Config{MaxWorkers: 2, RetryDelay: time.Millisecond})

	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	task := &scheduler.Task{ID: "late", Deadline: time.Now().Add(-time.Second)}
	res := exec.Run(context.Background(), task, fn)
	if res.Success {
		t.Fatal("expired-deadline task reported success")
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true for an expired deadline")
	}
}

// TestCancelTaskStopsRetrying: cooperative cancellation ends the task
// mid-flight and suppresses further attempts.
func TestCancelTaskStopsRetrying(t *testing.T) {
	exec := New(Config{MaxWorkers: 2, MaxRetries: 5, RetryDelay: time.Millisecond})

	started := make(chan struct{})
	var once sync.Once
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	}

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- exec.Run(context.Background(), &scheduler.Task{ID: "doomed"}, fn)
	}()

	<-started
	if !exec.CancelTask("doomed") {
		t.Fatal("CancelTask = false for an in-flight task")
	}

	select {
	case res := <-done:
		if !res.Cancelled {
			t.Errorf("Cancelled = false, want true (err: %v)", res.Err)
		}
		if res.Success {
			t.Error("cancelled task reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	if exec.CancelTask("doomed") {
		t.Error("CancelTask = true after the task already finished")
	}
}

// TestResourceLocksSerialize: two tasks sharing a resource never overlap
// even with free worker slots.
func TestResourceLocksSerialize(t *testing.T) {
	exec := New(Config{MaxWorkers: 4})

	var probe concurrencyProbe
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		probe.enter()
		defer probe.exit()
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}

	tasks := []*scheduler.Task{
		{ID: "w1", Resources: []string{"db"}},
		{ID: "w2", Resources: []string{"db"}},
	}
	if _, err := exec.Execute(context.Background(), tasks, fn); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := probe.peak.Load(); got != 1 {
		t.Errorf("peak concurrency = %d, want 1 for a shared resource", got)
	}
}

// TestExecuteWithDependenciesLevelOrder: dependents start strictly after
// the previous level has finished.
func TestExecuteWithDependenciesLevelOrder(t *testing.T) {
	exec := New(Config{MaxWorkers: 4})

	var mu sync.Mutex
	starts := make(map[string]time.Time)
	finishes := make(map[string]time.Time)
	fn := func(ctx context.Context, task *scheduler.Task) (any, error) {
		mu.Lock()
		starts[task.ID] = time.Now()
		mu.Unlock()
		time.Sleep(15 * time.Millisecond)
		mu.Lock()
		finishes[task.ID] = time.Now()
		mu.Unlock()
		return nil, nil
	}

	tasks := []*scheduler.Task{
		{ID: "root"},
		{ID: "child-a", DependsOn: []string{"root"}},
		{ID: "child-b", DependsOn: []string{"root"}},
	}
	levels := [][]string{{"root"}, {"child-a", "child-b"}}

	batch, err := exec.ExecuteWithDependencies(context.Background(), tasks, fn, levels)
	if err != nil {
		t.Fatalf("ExecuteWithDependencies failed: %v", err)
	}
	if len(batch.Succeeded) != 3 {
		t.Fatalf("succeeded = %d, want 3", len(batch.Succeeded))
	}

	for _, child := range []string{"child-a", "child-b"} {
		if starts[child].Before(finishes["root"]) {
			t.Errorf("%s started before root finished", child)
		}
	}
}

// TestExecuteWithDependenciesUnknownTask rejects levels referencing IDs
// missing from the task slice.
func TestExecuteWithDependenciesUnknownTask(t *testing.T) {
	exec := New(Config{MaxWorkers: 2})

	fn := func(ctx context.Context, task *scheduler.Task) (any, error) { return nil, nil }
	_, err := exec.ExecuteWithDependencies(context.Background(),
		makeTasks(1), fn, [][]string{{"task-0"}, {"phantom"}})
	if err == nil {
		t.Fatal("expected unknown-task error, got nil")
	}
}

// TestContextCancelSkipsRemainder: sequential mode reports the untouched
// tail as cancelled once the batch context dies.
func TestContextCancelSkipsRemainder(t *testing.T) {
	exec := New(Config{MaxWorkers: 2, Mode: ModeSequential})

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int64
	fn := func(c context.Context, task *scheduler.Task) (any, error) {
		ran.Add(1)
		cancel() // Kill the batch during the first task.
		return nil, nil
	}

	batch, err := exec.Execute(ctx, makeTasks(4), fn)
	if err == nil {
		t.Fatal("expected context error from Execute")
	}
	if got := ran.Load(); got != 1 {
		t.Errorf("tasks actually run = %d, want 1", got)
	}
	if got := len(batch.Succeeded) + len(batch.Failed); got != 4 {
		t.Errorf("accounted results = %d, want 4", got)
	}
	cancelled := 0
	for _, res := range batch.Failed {
		if res.Cancelled {
			cancelled++
		}
	}
	// The first task races the cancellation; the untouched tail must not.
	if cancelled < 3 {
		t.Errorf("cancelled results = %d, want at least the 3 skipped tasks", cancelled)
	}
}

// TestCallbackPanicsIsolated: a rogue observer cannot take down the run.
func TestCallbackPanicsIsolated(t *testing.T) {
	exec := New(Config{MaxWorkers: 2})

	var completions atomic.Int64
	exec.OnTaskComplete(func(ExecutionResult) { panic("rogue observer") })
	exec.OnTaskComplete(func(ExecutionResult) { completions.Add(1) })

	fn := func(ctx context.Context, task *scheduler.Task) (any, error) { return nil, nil }
	res := exec.Run(context.Background(), &scheduler.Task{ID: "observed"}, fn)
	if !res.Success {
		t.Fatalf("task failed: %v", res.Err)
	}
	if got := completions.Load(); got != 1 {
		t.Errorf("surviving observer invocations = %d, want 1", got)
	}
}

// TestAdaptiveGateShrinksAndRecovers drives the gate directly: failures
// past the threshold pull the limit down, a success streak restores it.
func TestAdaptiveGateShrinksAndRecovers(t *testing.T) {
	gate := newAdaptiveGate(4, AdaptiveConfig{
		ShrinkThreshold: 0.30,
		WindowSize:      4,
		GrowAfter:       3,
		MinWorkers:      1,
	})

	if got := gate.limit(); got != 4 {
		t.Fatalf("initial limit = %d, want 4", got)
	}

	// One failure among four outcomes is 25%, under the threshold.
	gate.observe(false)
	gate.observe(false)
	gate.observe(false)
	gate.observe(true)
	if got := gate.limit(); got != 4 {
		t.Errorf("limit after sub-threshold failure = %d, want 4", got)
	}

	// A second failure pushes the window to 50% and trips a shrink.
	gate.observe(true)
	if got := gate.limit(); got != 3 {
		t.Errorf("limit after failure burst = %d, want 3", got)
	}

	// The window resets on shrink, so one more failure alone re-trips it.
	gate.observe(true)
	if got := gate.limit(); got != 2 {
		t.Errorf("limit after second burst = %d, want 2", got)
	}

	// GrowAfter consecutive successes restore one slot per streak.
	for i := 0; i < 3; i++ {
		gate.observe(false)
	}
	if got := gate.limit(); got != 3 {
		t.Errorf("limit after success streak = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		gate.observe(false)
	}
	if got := gate.limit(); got != 4 {
		t.Errorf("limit after full recovery = %d, want 4", got)
	}

	// Fully recovered: further successes must not exceed the ceiling.
	for i := 0; i < 6; i++ {
		gate.observe(false)
	}
	if got := gate.limit(); got != 4 {
		t.Errorf("limit exceeded ceiling: %d", got)
	}
}

// TestAdaptiveGateFloor: the limit never drops below MinWorkers.
func TestAdaptiveGateFloor(t *testing.T) {
	gate := newAdaptiveGate(2, AdaptiveConfig{
		ShrinkThreshold: 0.10,
		WindowSize:      2,
		GrowAfter:       2,
		MinWorkers:      1,
	})

	for i := 0; i < 10; i++ {
		gate.observe(true)
	}
	if got := gate.limit(); got != 1 {
		t.Errorf("limit = %d, want the floor 1", got)
	}
}
