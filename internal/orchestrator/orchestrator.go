// File: internal/orchestrator/orchestrator.go
// Description: Sequences Plan, Compile, Execute and Report for one pack. Every
// collaborator is injected through an interface so each phase can also be run alone.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// Phase names a pipeline stage.
type Phase string

const (
	PhasePlan    Phase = "plan"
	PhaseCompile Phase = "compile"
	PhaseExecute Phase = "execute"
	PhaseReport  Phase = "report"
)

var (
	// ErrEmptyPlan is returned when the planner yields no journeys.
	ErrEmptyPlan = errors.New("planner returned an empty plan")
	// ErrCompileFailed is returned when the compiler yields no valid pack.
	ErrCompileFailed = errors.New("compiler produced no valid pack")
	// ErrNoPlanner is returned by the planning phases when no collaborator is configured.
	ErrNoPlanner = errors.New("no planner configured")
)

// PackExecutor runs a compiled pack. runner.Runner satisfies it.
type PackExecutor interface {
	ExecuteWithProgress(ctx context.Context, pack *schemas.TestPack, progress schemas.ProgressFunc) *schemas.PackReport
}

// ReportBuilder post-processes a raw report. report.Builder satisfies it.
type ReportBuilder interface {
	Build(raw *schemas.PackReport, pack *schemas.TestPack, plan *schemas.PackPlan) *schemas.PackReport
}

// PhaseResult records the outcome of one phase.
type PhaseResult struct {
	Phase      Phase     `json:"phase"`
	Ran        bool      `json:"ran"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// Result is everything a pipeline invocation produced. Phase outputs are kept
// even when a later phase fails.
type Result struct {
	RunID       string                   `json:"run_id"`
	Success     bool                     `json:"success"`
	FailedPhase Phase                    `json:"failed_phase,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Phases      []PhaseResult            `json:"phases"`
	Plan        *schemas.PackPlan        `json:"plan,omitempty"`
	Compiled    *schemas.CompileOutput   `json:"compiled,omitempty"`
	RawReport   *schemas.PackReport      `json:"raw_report,omitempty"`
	Report      *schemas.PackReport      `json:"report,omitempty"`
	Confidence  *schemas.ConfidenceScore `json:"confidence,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	DurationMs  int64                    `json:"duration_ms"`
}

// PhaseResult returns the recorded result of a phase, if it ran.
func (r *Result) PhaseResult(p Phase) (PhaseResult, bool) {
	for _, pr := range r.Phases {
		if pr.Phase == p {
			return pr, true
		}
	}
	return PhaseResult{}, false
}

// Orchestrator is the single entry point of the pipeline.
type Orchestrator struct {
	logger   *zap.Logger
	planner  schemas.Planner
	compiler schemas.Compiler
	executor PackExecutor
	builder  ReportBuilder
	progress schemas.ProgressFunc
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProgress forwards runner progress events to fn.
func WithProgress(fn schemas.ProgressFunc) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// New creates an Orchestrator. The planner and compiler may be nil when only
// the execute and report phases are used.
func New(logger *zap.Logger, planner schemas.Planner, compiler schemas.Compiler, executor PackExecutor, builder ReportBuilder, opts ...Option) (*Orchestrator, error) {
	if logger == nil || executor == nil || builder == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	o := &Orchestrator{
		logger:   logger.Named("orchestrator"),
		planner:  planner,
		compiler: compiler,
		executor: executor,
		builder:  builder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RunFullPipeline runs Plan, Compile, Execute and Report in order. The first
// failing phase stops the pipeline. It always returns a non-nil Result.
func (o *Orchestrator) RunFullPipeline(ctx context.Context, input *schemas.TestPack) *Result {
	res := o.newResult()
	logger := o.logger.With(zap.String("pipeline_id", res.RunID))
	logger.Info("Pipeline starting.")
	defer o.finish(res, logger)

	if _, ok := o.phase(ctx, res, PhasePlan, func() error {
		p, err := o.Plan(ctx, input)
		res.Plan = p
		return err
	}); !ok {
		return res
	}

	var pack *schemas.TestPack
	if _, ok := o.phase(ctx, res, PhaseCompile, func() error {
		out, err := o.Compile(ctx, input, res.Plan)
		res.Compiled = out
		if out != nil {
			pack = out.Pack
		}
		return err
	}); !ok {
		return res
	}

	o.executeAndReport(ctx, res, pack, res.Plan)
	return res
}

// RunCompiled runs only Execute and Report on an already compiled pack. plan may be nil.
func (o *Orchestrator) RunCompiled(ctx context.Context, pack *schemas.TestPack, plan *schemas.PackPlan) *Result {
	res := o.newResult()
	res.Plan = plan
	logger := o.logger.With(zap.String("pipeline_id", res.RunID))
	logger.Info("Running compiled pack.", zap.String("pack_id", packID(pack)))
	defer o.finish(res, logger)

	o.executeAndReport(ctx, res, pack, plan)
	return res
}

func (o *Orchestrator) executeAndReport(ctx context.Context, res *Result, pack *schemas.TestPack, plan *schemas.PackPlan) {
	if _, ok := o.phase(ctx, res, PhaseExecute, func() error {
		raw, err := o.Execute(ctx, pack)
		res.RawReport = raw
		return err
	}); !ok {
		return
	}

	o.phase(ctx, res, PhaseReport, func() error {
		built, err := o.Report(res.RawReport, pack, plan)
		res.Report = built
		if built != nil {
			res.Confidence = built.Confidence
		}
		return err
	})
}

// -- Individual phases --

// Plan asks the planner for a plan and checks it is usable.
func (o *Orchestrator) Plan(ctx context.Context, input *schemas.TestPack) (plan *schemas.PackPlan, err error) {
	defer recoverInto(&err, PhasePlan)
	if o.planner == nil {
		return nil, ErrNoPlanner
	}
	if input == nil {
		return nil, fmt.Errorf("planning requires an input pack")
	}
	plan, err = o.planner.Plan(ctx, input)
	if err != nil {
		return plan, fmt.Errorf("planner failed: %w", err)
	}
	if plan == nil || len(plan.Journeys) == 0 {
		return plan, ErrEmptyPlan
	}
	return plan, nil
}

// Compile turns a plan into an executable pack.
func (o *Orchestrator) Compile(ctx context.Context, input *schemas.TestPack, plan *schemas.PackPlan) (out *schemas.CompileOutput, err error) {
	defer recoverInto(&err, PhaseCompile)
	if o.compiler == nil {
		return nil, ErrNoPlanner
	}
	out, err = o.compiler.Compile(ctx, input, plan)
	if err != nil {
		return out, fmt.Errorf("compiler failed: %w", err)
	}
	switch {
	case out == nil:
		return nil, ErrCompileFailed
	case len(out.Errors) > 0:
		return out, fmt.Errorf("%w after %d attempt(s): %d validation error(s), first: %s", ErrCompileFailed, out.Attempts, len(out.Errors), out.Errors[0])
	case out.Pack == nil:
		return out, ErrCompileFailed
	}
	return out, nil
}

// Execute runs the compiled pack through the pack executor.
func (o *Orchestrator) Execute(ctx context.Context, pack *schemas.TestPack) (raw *schemas.PackReport, err error) {
	defer recoverInto(&err, PhaseExecute)
	if pack == nil {
		return nil, fmt.Errorf("no compiled pack to execute")
	}
	raw = o.executor.ExecuteWithProgress(ctx, pack, o.progress)
	if raw == nil {
		return nil, fmt.Errorf("executor returned no report")
	}
	return raw, nil
}

// Report builds the final report from a raw one.
func (o *Orchestrator) Report(raw *schemas.PackReport, pack *schemas.TestPack, plan *schemas.PackPlan) (built *schemas.PackReport, err error) {
	defer recoverInto(&err, PhaseReport)
	if raw == nil {
		return nil, fmt.Errorf("no execution report to build from")
	}
	built = o.builder.Build(raw, pack, plan)
	if built == nil {
		return nil, fmt.Errorf("report builder returned no report")
	}
	return built, nil
}

// -- Helpers --

// phase runs fn as the named phase and records its result. Cancellation
// before Plan or Compile fails the phase; Execute observes cancellation itself.
func (o *Orchestrator) phase(ctx context.Context, res *Result, p Phase, fn func() error) (PhaseResult, bool) {
	pr := PhaseResult{Phase: p, Ran: true, StartedAt: o.now()}
	var err error
	if (p == PhasePlan || p == PhaseCompile) && ctx.Err() != nil {
		err = fmt.Errorf("cancelled before %s: %w", p, ctx.Err())
	} else {
		err = fn()
	}
	pr.DurationMs = o.now().Sub(pr.StartedAt).Milliseconds()
	pr.Success = err == nil
	if err != nil {
		pr.Error = err.Error()
		res.FailedPhase = p
		res.Error = fmt.Sprintf("%s phase failed: %v", p, err)
		o.logger.Warn("Pipeline phase failed.", zap.String("run_id", res.RunID), zap.String("phase", string(p)), zap.Error(err))
	} else {
		o.logger.Debug("Pipeline phase completed.", zap.String("run_id", res.RunID), zap.String("phase", string(p)), zap.Int64("duration_ms", pr.DurationMs))
	}
	res.Phases = append(res.Phases, pr)
	return pr, pr.Success
}

func (o *Orchestrator) newResult() *Result {
	return &Result{RunID: uuid.NewString(), StartedAt: o.now(), Phases: []PhaseResult{}}
}

func (o *Orchestrator) finish(res *Result, logger *zap.Logger) {
	res.DurationMs = o.now().Sub(res.StartedAt).Milliseconds()
	res.Success = res.FailedPhase == "" && res.Report != nil
	fields := []zap.Field{zap.Bool("success", res.Success), zap.Int64("duration_ms", res.DurationMs)}
	if res.Report != nil {
		fields = append(fields, zap.String("overall_result", res.Report.OverallResult))
	}
	if res.Confidence != nil {
		fields = append(fields, zap.Float64("confidence", res.Confidence.Score), zap.String("label", res.Confidence.Label))
	}
	if res.FailedPhase != "" {
		fields = append(fields, zap.String("failed_phase", string(res.FailedPhase)))
	}
	logger.Info("Pipeline finished.", fields...)
}

// recoverInto converts a panic inside a phase into that phase's error.
func recoverInto(err *error, p Phase) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("unexpected failure in %s phase: %v", p, r)
	}
}

func packID(p *schemas.TestPack) string {
	if p == nil {
		return ""
	}
	return p.ID
}
