package persistence

import (
	"context"

	"go.uber.org/zap"

	"github.com/aristath/taskflow/internal/events"
)

// Recorder consumes terminal task events from a bus and writes them to a
// journal. It runs in its own goroutine; a write failure is logged and
// dropped rather than propagated, keeping the journal strictly an
// observer.
type Recorder struct {
	done chan struct{}
}

// Attach subscribes to the bus and starts recording. The recorder stops
// when the bus is closed; Wait blocks until the last event is flushed.
func Attach(bus *events.Bus, journal Journal, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("journal")

	ch := bus.Subscribe(events.TopicTask, 256)
	r := &Recorder{done: make(chan struct{})}

	go func() {
		defer close(r.done)
		for ev := range ch {
			rec, ok := toRecord(ev)
			if !ok {
				continue
			}
			if err := journal.Record(context.Background(), rec); err != nil {
				log.Error("failed to record task result",
					zap.String("task_id", rec.TaskID),
					zap.Error(err))
			}
		}
	}()
	return r
}

// Wait blocks until the recorder goroutine exits (bus closed and all
// buffered events drained).
func (r *Recorder) Wait() {
	<-r.done
}

func toRecord(ev events.Event) (ResultRecord, bool) {
	switch e := ev.(type) {
	case events.TaskCompletedEvent:
		return ResultRecord{
			TaskID:     e.ID,
			Kind:       e.Kind,
			Outcome:    "completed",
			Retries:    e.Retries,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		}, true
	case events.TaskFailedEvent:
		errText := ""
		if e.Err != nil {
			errText = e.Err.Error()
		}
		return ResultRecord{
			TaskID:     e.ID,
			Kind:       e.Kind,
			Outcome:    "failed",
			Error:      errText,
			TimedOut:   e.TimedOut,
			Retries:    e.Retries,
			Duration:   e.Duration,
			RecordedAt: e.Timestamp,
		}, true
	case events.TaskCancelledEvent:
		return ResultRecord{
			TaskID:     e.ID,
			Outcome:    "cancelled",
			Error:      e.Reason,
			RecordedAt: e.Timestamp,
		}, true
	default:
		return ResultRecord{}, false
	}
}
