package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
)

// DAG tracks dependency relationships between incomplete tasks and
// answers readiness queries for the scheduler.
//
// An edge task->dep means task cannot run until dep completes. Completing
// or cancelling a task updates the graph in O(out-degree); readiness is a
// counter check, never a re-scan of the whole graph.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // Incomplete tasks indexed by ID
	dependents map[string][]string // depID -> tasks waiting on it
	unresolved map[string]int      // taskID -> count of incomplete dependencies
	done       map[string]struct{} // IDs that reached TaskCompleted, kept so late submissions can depend on them
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		unresolved: make(map[string]int),
		done:       make(map[string]struct{}),
	}
}

// AddTask adds a task to the DAG. Returns an error if the task ID already
// exists or a declared dependency is unknown. Cycle safety for batches is
// the caller's job via CheckBatch.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addLocked(task)
}

func (d *DAG) addLocked(task *Task) error {
	if _, exists := d.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}
	if _, exists := d.done[task.ID]; exists {
		return fmt.Errorf("task with ID %q already completed", task.ID)
	}

	pending := 0
	for _, depID := range task.DependsOn {
		if depID == task.ID {
			return fmt.Errorf("task %q depends on itself", task.ID)
		}
		if _, completed := d.done[depID]; completed {
			continue
		}
		if _, exists := d.tasks[depID]; !exists {
			return fmt.Errorf("task %q depends on unknown task %q", task.ID, depID)
		}
		pending++
	}

	d.tasks[task.ID] = task
	d.unresolved[task.ID] = pending
	for _, depID := range task.DependsOn {
		if _, completed := d.done[depID]; completed {
			continue
		}
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}
	return nil
}

// AddBatch validates the whole batch against the incomplete graph and
// admits every task, or admits none. A cycle or unknown dependency
// anywhere in the union fails the batch.
func (d *DAG) AddBatch(batch []*Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.checkBatchLocked(batch); err != nil {
		return err
	}
	for _, task := range batch {
		if err := d.addLocked(task); err != nil {
			return err
		}
	}
	return nil
}

// CheckBatch reports whether the union of the batch and the current
// incomplete tasks forms a valid DAG, without admitting anything.
func (d *DAG) CheckBatch(batch []*Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.checkBatchLocked(batch)
}

func (d *DAG) checkBatchLocked(batch []*Task) error {
	inBatch := make(map[string]*Task, len(batch))
	for _, task := range batch {
		if task.ID == "" {
			return fmt.Errorf("task %q has empty ID", task.Title)
		}
		if _, dup := inBatch[task.ID]; dup {
			return fmt.Errorf("duplicate task ID %q in batch", task.ID)
		}
		if _, exists := d.tasks[task.ID]; exists {
			return fmt.Errorf("task with ID %q already exists", task.ID)
		}
		if _, exists := d.done[task.ID]; exists {
			return fmt.Errorf("task with ID %q already completed", task.ID)
		}
		inBatch[task.ID] = task
	}

	known := func(id string) bool {
		if _, ok := inBatch[id]; ok {
			return true
		}
		if _, ok := d.tasks[id]; ok {
			return true
		}
		_, ok := d.done[id]
		return ok
	}

	// Verify every dependency resolves to something the resolver knows.
	for _, task := range batch {
		for _, depID := range task.DependsOn {
			if !known(depID) {
				return fmt.Errorf("task %q depends on unknown task %q", task.ID, depID)
			}
		}
	}

	// Topological sort over the union of incomplete and batch tasks.
	// Completed dependencies are no longer edges.
	var edges []toposort.Edge
	addEdges := func(task *Task) {
		live := 0
		for _, depID := range task.DependsOn {
			if _, completed := d.done[depID]; completed {
				continue
			}
			edges = append(edges, toposort.Edge{depID, task.ID})
			live++
		}
		if live == 0 {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}
	for _, task := range d.tasks {
		addEdges(task)
	}
	for _, task := range batch {
		addEdges(task)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return fmt.Errorf("dependency cycle detected: %w", err)
	}
	return nil
}

// IsReady reports whether all declared dependencies of the task have
// completed. Unknown tasks are never ready.
func (d *DAG) IsReady(taskID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, exists := d.tasks[taskID]; !exists {
		return false
	}
	return d.unresolved[taskID] == 0
}

// Unresolved returns the count of incomplete dependencies for a task.
// Used by the dependency-aware ordering strategy.
func (d *DAG) Unresolved(taskID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.unresolved[taskID]
}

// Ready returns the IDs of all tasks with zero unresolved dependencies.
func (d *DAG) Ready() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ready := []string{}
	for id, count := range d.unresolved {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// MarkCompleted removes the task from the incomplete graph and decrements
// the unresolved count of each dependent. O(out-degree).
func (d *DAG) MarkCompleted(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.tasks[taskID]; !exists {
		return
	}
	delete(d.tasks, taskID)
	delete(d.unresolved, taskID)
	d.done[taskID] = struct{}{}

	for _, depID := range d.dependents[taskID] {
		if _, exists := d.unresolved[depID]; exists {
			d.unresolved[depID]--
		}
	}
	delete(d.dependents, taskID)
}

// Remove drops a task that will never complete (cancelled or exhausted
// retries). Dependents stay blocked: their unresolved count never reaches
// zero, matching the rule that dependencies must report COMPLETED.
func (d *DAG) Remove(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.tasks, taskID)
	delete(d.unresolved, taskID)
}

// Levels decomposes the incomplete graph into topological layers: every
// task in level N depends only on completed tasks or tasks in levels < N.
func (d *DAG) Levels() ([][]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	remaining := make(map[string]int, len(d.unresolved))
	for id, count := range d.unresolved {
		remaining[id] = count
	}

	var levels [][]string
	for len(remaining) > 0 {
		level := []string{}
		for id, count := range remaining {
			if count == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			stuck := make([]string, 0, len(remaining))
			for id := range remaining {
				stuck = append(stuck, id)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("dependency cycle or blocked tasks: %s", strings.Join(stuck, ", "))
		}
		sort.Strings(level)
		for _, id := range level {
			delete(remaining, id)
			for _, depID := range d.dependents[id] {
				if _, exists := remaining[depID]; exists {
					remaining[depID]--
				}
			}
		}
		levels = append(levels, level)
	}
	return levels, nil
}

// Size returns the number of incomplete tasks in the graph.
func (d *DAG) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tasks)
}
