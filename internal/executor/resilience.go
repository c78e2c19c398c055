package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/scheduler"
)

// BreakerRegistry manages one circuit breaker per task kind. Wrapping an
// execution function with a registry stops a persistently failing kind of
// work from burning worker slots and retry budget: once the breaker opens,
// attempts for that kind fail fast until the recovery timeout passes.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	log      *zap.Logger
}

// NewBreakerRegistry creates an empty registry. log may be nil.
func NewBreakerRegistry(log *zap.Logger) *BreakerRegistry {
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      log.Named("breaker"),
	}
}

// Get returns the circuit breaker for the given task kind, creating it on
// first use.
func (r *BreakerRegistry) Get(kind string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[kind]; ok {
		return cb
	}

	log := r.log
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        kind,
		MaxRequests: 3,                // Test requests allowed in half-open state
		Interval:    0,                // Never clear counts automatically
		Timeout:     30 * time.Second, // Stay open before probing recovery
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("kind", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Caller cancellation is not a failure of the work itself.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[kind] = cb
	return cb
}

// Wrap returns an execution function that routes every call through the
// breaker for its task's kind. Tasks with an empty Kind share one breaker.
func (r *BreakerRegistry) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, task *scheduler.Task) (any, error) {
		cb := r.Get(task.Kind)
		out, err := cb.Execute(func() (any, error) {
			return fn(ctx, task)
		})
		return out, err
	}
}
