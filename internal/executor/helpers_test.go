package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedBackend returns results from a per-order script and records calls.
type scriptedBackend struct {
	mu     sync.Mutex
	script map[int][]schemas.StepResult
	hook   func(step schemas.TestStep)
	calls  []schemas.TestStep
	ctxs   []schemas.ExecutionContext
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{script: make(map[int][]schemas.StepResult)}
}

func (b *scriptedBackend) on(order int, results ...schemas.StepResult) *scriptedBackend {
	b.script[order] = append(b.script[order], results...)
	return b
}

func (b *scriptedBackend) Name() string    { return "scripted" }
func (b *scriptedBackend) Version() string { return "1.0.0" }

func (b *scriptedBackend) ExecuteStep(_ context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) schemas.StepResult {
	b.mu.Lock()
	b.calls = append(b.calls, step)
	b.ctxs = append(b.ctxs, execCtx)
	var res schemas.StepResult
	if queue := b.script[step.Order]; len(queue) > 0 {
		res = queue[0]
		if len(queue) > 1 {
			b.script[step.Order] = queue[1:]
		}
	} else {
		res = schemas.StepResult{Status: schemas.StepPassed}
	}
	hook := b.hook
	b.mu.Unlock()
	if hook != nil {
		hook(step)
	}
	return res
}

func (b *scriptedBackend) calledOrders() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, 0, len(b.calls))
	for _, s := range b.calls {
		out = append(out, s.Order)
	}
	return out
}

// newTestExecutor wires a StepExecutor to a fake clock and records sleeps instead of sleeping.
func newTestExecutor(t *testing.T, backend schemas.ExecutionBackend, opts Options) (*StepExecutor, *fakeClock, *[]time.Duration) {
	t.Helper()
	clock := newFakeClock()
	var sleeps []time.Duration
	e := New(zaptest.NewLogger(t), backend, opts)
	e.now = clock.Now
	e.sleep = func(_ context.Context, d time.Duration) { sleeps = append(sleeps, d) }
	return e, clock, &sleeps
}

func step(order int, action schemas.ActionType) schemas.TestStep {
	s := schemas.TestStep{Order: order, Action: action}
	if action.RequiresSelector() {
		s.Selector = schemas.Selector{Kind: schemas.SelectorAutomationID, Value: "el"}
	}
	switch action {
	case schemas.ActionAssertText:
		s.Expected = "ok"
	case schemas.ActionLaunch, schemas.ActionNavigate:
		s.Value = "notepad.exe"
	}
	return s
}

func flowOf(name string, steps ...schemas.TestStep) schemas.TestFlow {
	return schemas.TestFlow{TestName: name, Backend: "scripted", TargetApp: "notepad", Steps: steps}
}

func fiveClicks() []schemas.TestStep {
	return []schemas.TestStep{
		step(1, schemas.ActionClick), step(2, schemas.ActionClick), step(3, schemas.ActionClick),
		step(4, schemas.ActionClick), step(5, schemas.ActionClick),
	}
}
