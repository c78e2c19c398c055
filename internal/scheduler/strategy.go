package scheduler

import (
	"fmt"
	"time"
)

// Strategy selects the ordering key used to pick the next task among all
// ready tasks. Fixed for the lifetime of a scheduler instance.
type Strategy int

const (
	StrategyFIFO            Strategy = iota // Submission order only
	StrategyPriorityFirst                   // Priority, then submission order
	StrategyShortestFirst                   // Estimated duration, then priority
	StrategyDependencyAware                 // Fewer unresolved dependencies first, then priority
	StrategyBalanced                        // Weighted blend of priority, wait time, and duration
)

func (s Strategy) String() string {
	switch s {
	case StrategyFIFO:
		return "fifo"
	case StrategyPriorityFirst:
		return "priority_first"
	case StrategyShortestFirst:
		return "shortest_first"
	case StrategyDependencyAware:
		return "dependency_aware"
	case StrategyBalanced:
		return "balanced"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "fifo":
		return StrategyFIFO, nil
	case "priority_first":
		return StrategyPriorityFirst, nil
	case "shortest_first":
		return StrategyShortestFirst, nil
	case "dependency_aware":
		return StrategyDependencyAware, nil
	case "balanced":
		return StrategyBalanced, nil
	default:
		return StrategyFIFO, fmt.Errorf("unknown strategy %q", name)
	}
}

// Balanced strategy weights. Wait time biases toward starvation avoidance:
// a backlog task queued long enough eventually outranks a fresh critical one.
const (
	balancedPriorityWeight = 10.0 // Points per priority level
	balancedWaitWeight     = 1.0  // Points per second queued
	balancedDurationWeight = 0.5  // Points subtracted per estimated second
)

// orderContext carries the dynamic inputs some strategies need at
// comparison time. Comparisons happen under the scheduler lock, so wait
// times and unresolved counts are always current.
type orderContext struct {
	now        time.Time
	unresolved func(taskID string) int
}

// less reports whether a should be dispatched before b. Every strategy is
// a total order: ties always fall through to the admission sequence.
func (s Strategy) less(a, b *ScheduledTask, oc orderContext) bool {
	switch s {
	case StrategyPriorityFirst:
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority > b.Task.Priority
		}

	case StrategyShortestFirst:
		if a.Task.EstimatedDuration != b.Task.EstimatedDuration {
			return a.Task.EstimatedDuration < b.Task.EstimatedDuration
		}
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority > b.Task.Priority
		}

	case StrategyDependencyAware:
		ua, ub := oc.unresolved(a.Task.ID), oc.unresolved(b.Task.ID)
		if ua != ub {
			return ua < ub
		}
		if a.Task.Priority != b.Task.Priority {
			return a.Task.Priority > b.Task.Priority
		}

	case StrategyBalanced:
		sa, sb := balancedScore(a, oc.now), balancedScore(b, oc.now)
		if sa != sb {
			return sa > sb
		}
	}

	return a.Sequence < b.Sequence
}

func balancedScore(st *ScheduledTask, now time.Time) float64 {
	score := balancedPriorityWeight * float64(st.Task.Priority)
	score += balancedWaitWeight * st.WaitTime(now).Seconds()
	score -= balancedDurationWeight * st.Task.EstimatedDuration.Seconds()
	return score
}
