// internal/executor/executor.go
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/observability"
)

// MinStepDelay is the pause applied after a step that sets no explicit delay,
// giving the UI at least one frame to settle.
const MinStepDelay = 50 * time.Millisecond

const (
	diagCancelled   = "cancelled before execution"
	diagPriorFailed = "skipped due to prior failure (stopOnFailure=true)"
)

// Options configures a StepExecutor.
type Options struct {
	// DefaultDelay is the inter-step pause for steps without DelayAfterMs.
	// Zero selects MinStepDelay.
	DefaultDelay time.Duration
	// DefaultFlowTimeout applies when a flow sets no TimeoutMs. Zero disables it.
	DefaultFlowTimeout time.Duration
	// DefaultStepTimeout is forwarded to the backend for steps without TimeoutMs.
	DefaultStepTimeout time.Duration
	AllowList          AllowList
	ForbiddenActions   []schemas.ActionType
	RetryPolicy        schemas.RetryPolicy
	// Limiter, when set, is waited on before every backend call.
	Limiter *rate.Limiter
}

// FlowContext carries the per-journey information a flow runs under.
type FlowContext struct {
	PackID       string
	JourneyID    string
	Policy       schemas.PerceptionPolicy
	Override     *schemas.PerceptionMode
	Screenshots  schemas.ScreenshotPolicy
	ArtifactsDir string
	Data         map[string]string
	// OnStep, when set, is called synchronously after each step is recorded.
	OnStep func(schemas.StepResult)
}

// StepExecutor runs the steps of one flow against a single backend.
type StepExecutor struct {
	logger  *zap.Logger
	backend schemas.ExecutionBackend
	opts    Options
	retry   retryPolicy

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New creates a StepExecutor bound to one backend.
func New(logger *zap.Logger, backend schemas.ExecutionBackend, opts Options) *StepExecutor {
	if opts.DefaultDelay <= 0 {
		opts.DefaultDelay = MinStepDelay
	}
	return &StepExecutor{
		logger:  logger.Named("step_executor").With(zap.String("backend", backend.Name())),
		backend: backend,
		opts:    opts,
		retry:   newRetryPolicy(opts.RetryPolicy),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// ExecuteFlow runs a flow and always returns a complete report. Structural and
// allow-list gates yield an "error" report with no steps attempted.
func (e *StepExecutor) ExecuteFlow(ctx context.Context, flow schemas.TestFlow, fc FlowContext) (report schemas.ExecutionReport) {
	start := e.now()
	report = schemas.ExecutionReport{
		FlowID:         flow.TestName,
		JourneyID:      fc.JourneyID,
		Backend:        e.backend.Name(),
		BackendVersion: e.backend.Version(),
		StartedAt:      start,
		Steps:          []schemas.StepResult{},
	}
	logger := e.logger.With(zap.String("flow", flow.TestName), zap.String("journey", fc.JourneyID))
	defer func() {
		report.DurationMs = e.now().Sub(start).Milliseconds()
		logger.Debug("Flow finished.", zap.String("result", report.Result), zap.Int64("duration_ms", report.DurationMs))
	}()

	// -- Gates --
	if err := ValidateFlow(flow, e.opts.ForbiddenActions); err != nil {
		logger.Warn("Flow failed structural validation.", zap.Error(err))
		report.Result = schemas.FlowError
		report.Summary = err.Error()
		return report
	}
	if err := e.opts.AllowList.Check(flow); err != nil {
		entry := fmt.Sprintf("%s flow %q rejected by process allow-list: %v", e.now().UTC().Format(time.RFC3339), flow.TestName, err)
		observability.Audit(logger, "Flow rejected by process allow-list.", zap.Error(err))
		report.AuditLog = append(report.AuditLog, entry)
		report.Result = schemas.FlowError
		report.Summary = err.Error()
		return report
	}

	steps := append([]schemas.TestStep(nil), flow.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	report.StepsTotal = len(steps)

	timeout := e.opts.DefaultFlowTimeout
	if flow.TimeoutMs > 0 {
		timeout = time.Duration(flow.TimeoutMs) * time.Millisecond
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}

	var cancelled, timedOut, failed bool
	record := func(res schemas.StepResult) {
		report.Steps = append(report.Steps, res)
		if fc.OnStep != nil {
			fc.OnStep(res)
		}
	}

	// -- Step loop --
	for i, step := range steps {
		if ctx.Err() != nil {
			cancelled = true
			e.skipRemaining(steps[i:], diagCancelled, record)
			break
		}
		if !deadline.IsZero() && !e.now().Before(deadline) {
			timedOut = true
			e.skipRemaining(steps[i:], fmt.Sprintf("skipped: overall timeout of %s exceeded", timeout), record)
			break
		}
		if failed && flow.StopOnFailure {
			record(e.skipped(step, diagPriorFailed))
			continue
		}

		res, ok := e.runStep(ctx, step, e.executionContext(flow, step, fc))
		if !ok {
			cancelled = true
			e.skipRemaining(steps[i:], diagCancelled, record)
			break
		}
		record(res)
		if res.Status.IsFailure() {
			logger.Info("Step failed.", zap.Int("order", step.Order), zap.String("action", string(step.Action)),
				zap.String("status", string(res.Status)), zap.String("message", res.Message))
			if report.FailedStep == nil {
				order := step.Order
				report.FailedStep = &order
			}
			failed = true
		}
		e.pause(ctx, step)
	}

	e.tally(&report)
	switch {
	case cancelled:
		report.Result = schemas.FlowAborted
	case failed, timedOut:
		report.Result = schemas.FlowFailed
	case report.StepsWarned > 0:
		report.Result = schemas.FlowPassedWithWarnings
	default:
		report.Result = schemas.FlowPassed
	}
	report.Summary = summarize(&report, timedOut)
	return report
}

// runStep calls the backend, retrying classified failures allowed by the
// retry policy. It returns false when the context ended before the first call.
func (e *StepExecutor) runStep(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) (schemas.StepResult, bool) {
	var res schemas.StepResult
	for attempt := 0; ; attempt++ {
		if err := e.wait(ctx); err != nil {
			if attempt == 0 {
				return schemas.StepResult{}, false
			}
			break
		}
		execCtx.Attempt = attempt + 1
		res = e.call(ctx, step, execCtx)
		res.Retries = attempt
		if ctx.Err() != nil || !e.retry.shouldRetry(res, attempt) {
			break
		}
		e.logger.Debug("Retrying step.", zap.Int("order", step.Order), zap.Int("attempt", attempt+1), zap.String("message", res.Message))
		e.sleep(ctx, e.opts.DefaultDelay)
	}
	return res, true
}

// call invokes the backend and normalizes what it returns.
func (e *StepExecutor) call(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) (res schemas.StepResult) {
	started := e.now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Backend panicked during step.", zap.Any("panic", r), zap.Int("order", step.Order))
			res = schemas.StepResult{Status: schemas.StepError, Message: fmt.Sprintf("backend panic: %v", r)}
		}
		res.StepOrder = step.Order
		res.Action = step.Action
		if res.StartedAt.IsZero() {
			res.StartedAt = started
		}
		if res.DurationMs == 0 {
			res.DurationMs = e.now().Sub(started).Milliseconds()
		}
		if res.Backend == "" {
			res.Backend = e.backend.Name()
		}
		if res.Status == "" {
			res.Status = schemas.StepError
			if res.Message == "" {
				res.Message = "backend returned no status"
			}
		}
	}()
	return e.backend.ExecuteStep(ctx, step, execCtx)
}

func (e *StepExecutor) executionContext(flow schemas.TestFlow, step schemas.TestStep, fc FlowContext) schemas.ExecutionContext {
	stepTimeout := e.opts.DefaultStepTimeout
	if step.TimeoutMs > 0 {
		stepTimeout = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	return schemas.ExecutionContext{
		PackID:       fc.PackID,
		JourneyID:    fc.JourneyID,
		FlowID:       flow.TestName,
		TargetApp:    flow.TargetApp,
		Perception:   ResolvePerception(fc.Policy, fc.Override, step.Action),
		Screenshots:  fc.Screenshots,
		ArtifactsDir: fc.ArtifactsDir,
		StepTimeout:  stepTimeout,
		Data:         fc.Data,
	}
}

func (e *StepExecutor) wait(ctx context.Context) error {
	if e.opts.Limiter == nil {
		return ctx.Err()
	}
	return e.opts.Limiter.Wait(ctx)
}

func (e *StepExecutor) pause(ctx context.Context, step schemas.TestStep) {
	d := e.opts.DefaultDelay
	if step.DelayAfterMs > 0 {
		d = time.Duration(step.DelayAfterMs) * time.Millisecond
	}
	e.sleep(ctx, d)
}

func (e *StepExecutor) skipped(step schemas.TestStep, msg string) schemas.StepResult {
	return schemas.StepResult{
		StepOrder: step.Order,
		Action:    step.Action,
		Status:    schemas.StepSkipped,
		Message:   msg,
		StartedAt: e.now(),
		Backend:   e.backend.Name(),
	}
}

func (e *StepExecutor) skipRemaining(steps []schemas.TestStep, msg string, record func(schemas.StepResult)) {
	for _, s := range steps {
		record(e.skipped(s, msg))
	}
}

func (e *StepExecutor) tally(r *schemas.ExecutionReport) {
	for _, s := range r.Steps {
		switch s.Status {
		case schemas.StepPassed:
			r.StepsPassed++
		case schemas.StepWarning:
			r.StepsWarned++
		case schemas.StepSkipped:
			r.StepsSkipped++
		case schemas.StepFailed, schemas.StepError:
			r.StepsFailed++
		}
	}
}

func summarize(r *schemas.ExecutionReport, timedOut bool) string {
	parts := []string{fmt.Sprintf("%d/%d steps passed", r.StepsPassed, r.StepsTotal)}
	if r.StepsWarned > 0 {
		parts = append(parts, fmt.Sprintf("%d with warnings", r.StepsWarned))
	}
	if r.StepsFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed (first at order %d)", r.StepsFailed, *r.FailedStep))
	}
	if r.StepsSkipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", r.StepsSkipped))
	}
	if timedOut {
		parts = append(parts, "overall timeout exceeded")
	}
	if r.Result == schemas.FlowAborted {
		parts = append(parts, "cancelled")
	}
	return strings.Join(parts, ", ")
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
