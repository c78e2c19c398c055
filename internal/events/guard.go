package events

import (
	"go.uber.org/zap"
)

// Guard invokes a registered callback, isolating panics so one misbehaving
// observer cannot take down scheduling or execution. The panic is logged
// and swallowed.
func Guard(log *zap.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if log != nil {
				log.Error("callback panicked",
					zap.String("callback", name),
					zap.Any("panic", r))
			}
		}
	}()
	fn()
}
