package scheduler

import "time"

// Stats is a read-only snapshot of scheduler counters.
type Stats struct {
	State    string
	Strategy string

	TotalSubmitted int64
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	TotalTimedOut  int64 // Subset of TotalFailed
	TotalRetried   int64

	QueueSize     int
	PeakQueueSize int
	Running       int
	PeakRunning   int

	AvgWaitTime      time.Duration // Admission to dispatch, cumulative average
	AvgExecutionTime time.Duration // Dispatch to terminal mark, cumulative average
}

// counters is the mutable accumulator behind Stats. Guarded by the
// scheduler mutex.
type counters struct {
	submitted int64
	completed int64
	failed    int64
	cancelled int64
	timedOut  int64
	retried   int64

	peakQueue   int
	peakRunning int

	waitSum   time.Duration
	waitCount int64
	execSum   time.Duration
	execCount int64
}

func (c *counters) observeQueue(size int) {
	if size > c.peakQueue {
		c.peakQueue = size
	}
}

func (c *counters) observeRunning(size int) {
	if size > c.peakRunning {
		c.peakRunning = size
	}
}

func (c *counters) observeWait(d time.Duration) {
	c.waitSum += d
	c.waitCount++
}

func (c *counters) observeExecution(d time.Duration) {
	c.execSum += d
	c.execCount++
}

func (c *counters) avgWait() time.Duration {
	if c.waitCount == 0 {
		return 0
	}
	return c.waitSum / time.Duration(c.waitCount)
}

func (c *counters) avgExecution() time.Duration {
	if c.execCount == 0 {
		return 0
	}
	return c.execSum / time.Duration(c.execCount)
}
