package scheduler

import (
	"strings"
	"testing"
)

// TestCheckBatch tests batch validation with various graph structures.
func TestCheckBatch(t *testing.T) {
	tests := []struct {
		name        string
		existing    []*Task
		batch       []*Task
		wantErr     bool
		errContains string
	}{
		{
			name: "valid linear chain",
			batch: []*Task{
				{ID: "A"},
				{ID: "B", DependsOn: []string{"A"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			wantErr: false,
		},
		{
			name: "valid parallel tasks",
			batch: []*Task{
				{ID: "A"},
				{ID: "B"},
				{ID: "C", DependsOn: []string{"A", "B"}},
			},
			wantErr: false,
		},
		{
			name:    "single task no deps",
			batch:   []*Task{{ID: "A"}},
			wantErr: false,
		},
		{
			name: "direct cycle",
			batch: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name: "transitive cycle",
			batch: []*Task{
				{ID: "A", DependsOn: []string{"B"}},
				{ID: "B", DependsOn: []string{"C"}},
				{ID: "C", DependsOn: []string{"A"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "self-loop",
			batch:       []*Task{{ID: "A", DependsOn: []string{"A"}}},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:        "unknown dependency",
			batch:       []*Task{{ID: "A", DependsOn: []string{"ghost"}}},
			wantErr:     true,
			errContains: "unknown task",
		},
		{
			name: "duplicate ID in batch",
			batch: []*Task{
				{ID: "A"},
				{ID: "A"},
			},
			wantErr:     true,
			errContains: "duplicate",
		},
		{
			name:     "cycle through already-pending task",
			existing: []*Task{{ID: "A"}},
			batch: []*Task{
				{ID: "B", DependsOn: []string{"A", "C"}},
				{ID: "C", DependsOn: []string{"B"}},
			},
			wantErr:     true,
			errContains: "cycle",
		},
		{
			name:     "dependency on already-pending task",
			existing: []*Task{{ID: "A"}},
			batch:    []*Task{{ID: "B", DependsOn: []string{"A"}}},
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dag := NewDAG()
			for _, task := range tt.existing {
				if err := dag.AddTask(task); err != nil {
					t.Fatalf("setup: AddTask(%q) failed: %v", task.ID, err)
				}
			}

			err := dag.CheckBatch(tt.batch)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("expected error containing %q, got %q", tt.errContains, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

// TestAddBatchAtomic verifies a rejected batch admits nothing.
func TestAddBatchAtomic(t *testing.T) {
	dag := NewDAG()
	batch := []*Task{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	}

	if err := dag.AddBatch(batch); err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if dag.Size() != 0 {
		t.Errorf("expected empty DAG after rejected batch, got %d tasks", dag.Size())
	}
}

// TestReadinessTracking verifies completion unblocks dependents incrementally.
func TestReadinessTracking(t *testing.T) {
	dag := NewDAG()
	tasks := []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A", "B"}},
	}
	if err := dag.AddBatch(tasks); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	ready := dag.Ready()
	if len(ready) != 1 || ready[0] != "A" {
		t.Fatalf("expected ready set [A], got %v", ready)
	}
	if dag.IsReady("B") {
		t.Error("B should not be ready before A completes")
	}

	dag.MarkCompleted("A")
	if !dag.IsReady("B") {
		t.Error("B should be ready after A completes")
	}
	if dag.IsReady("C") {
		t.Error("C should still wait on B")
	}

	dag.MarkCompleted("B")
	if !dag.IsReady("C") {
		t.Error("C should be ready after A and B complete")
	}
}

// TestDependencyOnCompletedTask verifies late submissions can depend on
// tasks that already completed and were removed from the incomplete graph.
func TestDependencyOnCompletedTask(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddTask(&Task{ID: "A"}); err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}
	dag.MarkCompleted("A")

	if err := dag.AddTask(&Task{ID: "B", DependsOn: []string{"A"}}); err != nil {
		t.Fatalf("AddTask with completed dependency failed: %v", err)
	}
	if !dag.IsReady("B") {
		t.Error("B should be immediately ready, its only dependency already completed")
	}
}

// TestRemoveBlocksDependents verifies a cancelled dependency keeps
// dependents unready forever.
func TestRemoveBlocksDependents(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddBatch([]*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	dag.Remove("A")
	if dag.IsReady("B") {
		t.Error("B must not become ready when its dependency was removed without completing")
	}
}

// TestLevels verifies the topological layer decomposition.
func TestLevels(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddBatch([]*Task{
		{ID: "A"},
		{ID: "B"},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"A", "B"}},
		{ID: "E", DependsOn: []string{"C", "D"}},
	}); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	levels, err := dag.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}

	want := [][]string{
		{"A", "B"},
		{"C", "D"},
		{"E"},
	}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %d: %v", len(want), len(levels), levels)
	}
	for i := range want {
		if len(levels[i]) != len(want[i]) {
			t.Fatalf("level %d: expected %v, got %v", i, want[i], levels[i])
		}
		for j := range want[i] {
			if levels[i][j] != want[i][j] {
				t.Errorf("level %d: expected %v, got %v", i, want[i], levels[i])
			}
		}
	}
}

// TestLevelsAfterCompletion verifies completed tasks drop out of the
// decomposition.
func TestLevelsAfterCompletion(t *testing.T) {
	dag := NewDAG()
	if err := dag.AddBatch([]*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}); err != nil {
		t.Fatalf("AddBatch failed: %v", err)
	}

	dag.MarkCompleted("A")
	levels, err := dag.Levels()
	if err != nil {
		t.Fatalf("Levels failed: %v", err)
	}
	if len(levels) != 1 || len(levels[0]) != 1 || levels[0][0] != "B" {
		t.Errorf("expected single level [B], got %v", levels)
	}
}
