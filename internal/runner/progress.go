// internal/runner/progress.go
package runner

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// emitter numbers progress events and drops anything sent after run_completed.
// A panicking observer is cut off; it never disturbs the run.
type emitter struct {
	runID  string
	fn     schemas.ProgressFunc
	now    func() time.Time
	logger *zap.Logger
	seq    int
	closed bool
}

func newEmitter(runID string, fn schemas.ProgressFunc, now func() time.Time, logger *zap.Logger) *emitter {
	return &emitter{runID: runID, fn: fn, now: now, logger: logger}
}

func (e *emitter) emit(ev schemas.ProgressEvent) {
	if e.fn == nil || e.closed {
		return
	}
	e.seq++
	ev.Seq = e.seq
	ev.RunID = e.runID
	ev.Time = e.now()
	if ev.Kind == schemas.ProgressRunCompleted {
		e.closed = true
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.closed = true
			e.logger.Error("Progress observer panicked; further events are dropped.",
				zap.String("kind", string(ev.Kind)), zap.Int("seq", ev.Seq), zap.Any("panic", rec))
		}
	}()
	e.fn(ev)
}
