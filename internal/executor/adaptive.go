package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// AdaptiveConfig tunes the ADAPTIVE execution mode. Zero values get
// conservative defaults; the constants here are configuration, not
// guesses baked into the loop.
type AdaptiveConfig struct {
	ShrinkThreshold float64 // Failure rate that triggers a shrink (default 0.30)
	WindowSize      int     // Rolling window of attempts the rate is computed over (default 20)
	GrowAfter       int     // Consecutive successes required per grow step (default 5)
	MinWorkers      int     // Concurrency floor (default 1)
}

func (c AdaptiveConfig) withDefaults() AdaptiveConfig {
	if c.ShrinkThreshold <= 0 {
		c.ShrinkThreshold = 0.30
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.GrowAfter <= 0 {
		c.GrowAfter = 5
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	return c
}

// adaptiveGate is a concurrency limiter whose effective limit moves
// between MinWorkers and maxWorkers based on recent outcomes. Shrinking is
// done by the controller holding semaphore slots hostage; growing releases
// them. The window reset after each shrink is the hysteresis that stops
// the limit from oscillating on a single bad burst.
type adaptiveGate struct {
	sem *semaphore.Weighted
	max int64
	cfg AdaptiveConfig

	mu       sync.Mutex
	reserved int64  // Slots currently held back by the controller
	window   []bool // Ring buffer of recent outcomes, true = failure
	idx      int
	filled   int
	streak   int // Consecutive successes since the last failure
}

func newAdaptiveGate(maxWorkers int, cfg AdaptiveConfig) *adaptiveGate {
	cfg = cfg.withDefaults()
	return &adaptiveGate{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		max:    int64(maxWorkers),
		cfg:    cfg,
		window: make([]bool, cfg.WindowSize),
	}
}

func (g *adaptiveGate) acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *adaptiveGate) release() {
	g.sem.Release(1)
}

// limit returns the current effective concurrency cap.
func (g *adaptiveGate) limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.max - g.reserved)
}

// observe records one task outcome and adjusts the limit.
func (g *adaptiveGate) observe(failed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.window[g.idx] = failed
	g.idx = (g.idx + 1) % len(g.window)
	if g.filled < len(g.window) {
		g.filled++
	}

	if failed {
		g.streak = 0
		if g.failureRateLocked() > g.cfg.ShrinkThreshold && g.max-g.reserved > int64(g.cfg.MinWorkers) {
			// TryAcquire so shrinking never blocks behind running tasks;
			// the slot disappears as soon as one frees up.
			if g.sem.TryAcquire(1) {
				g.reserved++
			}
			g.resetWindowLocked()
		}
		return
	}

	g.streak++
	if g.streak >= g.cfg.GrowAfter && g.reserved > 0 {
		g.sem.Release(1)
		g.reserved--
		g.streak = 0
	}
}

func (g *adaptiveGate) failureRateLocked() float64 {
	if g.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < g.filled; i++ {
		if g.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(g.filled)
}

func (g *adaptiveGate) resetWindowLocked() {
	for i := range g.window {
		g.window[i] = false
	}
	g.idx = 0
	g.filled = 0
}
