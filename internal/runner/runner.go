// internal/runner/runner.go
package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/backend"
	"github.com/xkilldash9x/handrail/internal/executor"
	"github.com/xkilldash9x/handrail/internal/observability"
)

// Options configures a Runner.
type Options struct {
	// Executor holds the timing and rate-limit defaults shared by every flow.
	// Pack guardrails supply the allow-list, forbidden actions and retry policy.
	Executor executor.Options
	// AllowedProcesses is merged with each pack's own allow-list.
	AllowedProcesses []string
	// ArtifactsDir is used when the pack sets no artifacts directory.
	ArtifactsDir string
}

// Runner validates a pack, schedules its journeys and executes them one at a
// time. A Runner holds no per-run state and can be reused.
type Runner struct {
	logger  *zap.Logger
	resolve schemas.BackendResolver
	opts    Options

	now      func() time.Time
	newRunID func() string
}

// New creates a Runner. resolve maps a flow's backend name to an instance.
func New(logger *zap.Logger, resolve schemas.BackendResolver, opts Options) *Runner {
	return &Runner{
		logger:   logger.Named("runner"),
		resolve:  resolve,
		opts:     opts,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
}

// Execute runs the pack without progress reporting.
func (r *Runner) Execute(ctx context.Context, pack *schemas.TestPack) *schemas.PackReport {
	return r.ExecuteWithProgress(ctx, pack, nil)
}

// ExecuteWithProgress runs the pack and returns the raw report: summary,
// journey results, flow reports and audit log. It never returns nil and never
// panics; guardrail and flow-validation failures, cancellation and internal
// faults all surface as an "aborted" report.
func (r *Runner) ExecuteWithProgress(ctx context.Context, pack *schemas.TestPack, progress schemas.ProgressFunc) (report *schemas.PackReport) {
	start := r.now()
	report = &schemas.PackReport{
		RunID:          r.newRunID(),
		StartedAt:      start,
		JourneyResults: []schemas.JourneyResult{},
		FlowReports:    []schemas.ExecutionReport{},
	}
	if pack != nil {
		report.PackID = pack.ID
		report.PackName = pack.Name
	}
	logger := r.logger.With(zap.String("run_id", report.RunID), zap.String("pack_id", report.PackID))
	em := newEmitter(report.RunID, progress, r.now, logger)
	em.emit(schemas.ProgressEvent{Kind: schemas.ProgressRunStarted, Message: report.PackName})

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Runner recovered from panic.", zap.Any("panic", rec), zap.Stack("stack"))
			report.AbortReason = fmt.Sprintf("unexpected runner failure: %v", rec)
		}
		r.finalize(report, start)
		logger.Info("Pack run finished.",
			zap.String("result", report.OverallResult),
			zap.Int("journeys_passed", report.Summary.JourneysPassed),
			zap.Int("journeys_failed", report.Summary.JourneysFailed),
			zap.Int("journeys_skipped", report.Summary.JourneysSkipped),
			zap.Int64("duration_ms", report.DurationMs))
		em.emit(schemas.ProgressEvent{Kind: schemas.ProgressRunCompleted, Status: report.OverallResult, Message: report.AbortReason})
	}()

	// -- Pre-execution gates --
	if err := ValidateGuardrails(pack); err != nil {
		r.abort(logger, report, err)
		return report
	}
	if err := ValidateFlows(pack); err != nil {
		r.abort(logger, report, fmt.Errorf("flow validation failed: %w", err))
		return report
	}

	scheduled := Schedule(pack.Journeys)
	logger.Info("Starting pack run.", zap.Int("journeys", len(scheduled)), zap.Int("flows", len(pack.Flows)))
	r.runJourneys(ctx, pack, scheduled, report, em, start)
	return report
}

func (r *Runner) abort(logger *zap.Logger, report *schemas.PackReport, err error) {
	observability.Audit(logger, "Pack aborted before execution.", zap.Error(err))
	report.AbortReason = err.Error()
	report.AuditLog = append(report.AuditLog, fmt.Sprintf("%s pack aborted: %v", r.now().UTC().Format(time.RFC3339), err))
}

// runJourneys is the run loop. Stop conditions are checked before each
// journey; once one trips, that journey and all later ones are skipped.
func (r *Runner) runJourneys(ctx context.Context, pack *schemas.TestPack, scheduled []schemas.Journey, report *schemas.PackReport, em *emitter, start time.Time) {
	g := pack.Guardrails
	maxRuntime := time.Duration(g.MaxRuntimeMinutes * float64(time.Minute))
	failures := 0

	for i, j := range scheduled {
		reason := ""
		switch {
		case ctx.Err() != nil:
			reason = "run cancelled"
			report.AbortReason = "run cancelled: " + ctx.Err().Error()
		case maxRuntime > 0 && r.now().Sub(start) >= maxRuntime:
			reason = fmt.Sprintf("max runtime of %g minutes exceeded", g.MaxRuntimeMinutes)
		case g.MaxFailuresBeforeStop > 0 && failures >= g.MaxFailuresBeforeStop:
			reason = fmt.Sprintf("max failures before stop (%d) reached", g.MaxFailuresBeforeStop)
		}
		if reason != "" {
			r.logger.Warn("Stop condition tripped, skipping remaining journeys.", zap.String("reason", reason), zap.Int("remaining", len(scheduled)-i))
			for _, rest := range scheduled[i:] {
				report.JourneyResults = append(report.JourneyResults, schemas.JourneyResult{
					JourneyID: rest.ID,
					Title:     rest.Title,
					Priority:  rest.EffectivePriority(),
					Result:    schemas.ResultSkipped,
					Reason:    reason,
				})
			}
			return
		}

		jr := r.runJourney(ctx, pack, j, report, em)
		report.JourneyResults = append(report.JourneyResults, jr)
		switch jr.Result {
		case schemas.ResultFailed:
			failures++
		case schemas.ResultAborted:
			report.AbortReason = "run cancelled: " + jr.Reason
		}
	}
}

// runJourney executes one journey's flows in order and fails fast on the first failed flow.
func (r *Runner) runJourney(ctx context.Context, pack *schemas.TestPack, j schemas.Journey, report *schemas.PackReport, em *emitter) schemas.JourneyResult {
	started := r.now()
	jr := schemas.JourneyResult{JourneyID: j.ID, Title: j.Title, Priority: j.EffectivePriority()}
	logger := r.logger.With(zap.String("journey", j.ID))
	em.emit(schemas.ProgressEvent{Kind: schemas.ProgressJourneyStarted, JourneyID: j.ID, Message: j.Title})

	fail := func(reason string) {
		logger.Warn("Journey failed.", zap.String("reason", reason))
		jr.Result = schemas.ResultFailed
		jr.Reason = reason
	}

	if len(j.FlowRefs) == 0 {
		fail("journey references no flows")
	}
	data := dataFor(pack, j)
	for _, ref := range j.FlowRefs {
		if jr.Result != "" {
			break
		}
		flow, ok := pack.FlowByName(ref)
		if !ok {
			fail(fmt.Sprintf("flow reference %q does not resolve to a flow in the pack", ref))
			break
		}
		name := backendName(pack, flow)
		var be schemas.ExecutionBackend
		if r.resolve != nil {
			be = r.resolve(name)
		}
		if be == nil {
			fail(fmt.Sprintf("backend %q for flow %q is unavailable", name, flow.TestName))
			break
		}

		em.emit(schemas.ProgressEvent{Kind: schemas.ProgressFlowStarted, JourneyID: j.ID, FlowID: flow.TestName})
		exec := executor.New(r.logger, be, r.executorOptions(pack))
		fr := exec.ExecuteFlow(ctx, *flow, executor.FlowContext{
			PackID:       pack.ID,
			JourneyID:    j.ID,
			Policy:       pack.Guardrails.PerceptionPolicy,
			Override:     j.PerceptionOverride,
			Screenshots:  pack.Execution.Screenshots,
			ArtifactsDir: r.artifactsDir(pack, j, flow),
			Data:         data,
			OnStep: func(res schemas.StepResult) {
				em.emit(schemas.ProgressEvent{
					Kind:      schemas.ProgressStepCompleted,
					JourneyID: j.ID,
					FlowID:    flow.TestName,
					StepOrder: res.StepOrder,
					Status:    string(res.Status),
					Message:   res.Message,
				})
			},
		})
		report.FlowReports = append(report.FlowReports, fr)
		report.AuditLog = append(report.AuditLog, fr.AuditLog...)
		jr.FlowIDs = append(jr.FlowIDs, flow.TestName)
		em.emit(schemas.ProgressEvent{Kind: schemas.ProgressFlowCompleted, JourneyID: j.ID, FlowID: flow.TestName, Status: fr.Result, Message: fr.Summary})

		switch {
		case fr.IsFailure():
			fail(fmt.Sprintf("flow %q %s: %s", flow.TestName, fr.Result, fr.Summary))
		case fr.Result == schemas.FlowAborted:
			jr.Result = schemas.ResultAborted
			jr.Reason = fmt.Sprintf("flow %q cancelled", flow.TestName)
		}
	}
	if jr.Result == "" {
		jr.Result = schemas.ResultPassed
	}
	jr.DurationMs = r.now().Sub(started).Milliseconds()
	em.emit(schemas.ProgressEvent{Kind: schemas.ProgressJourneyCompleted, JourneyID: j.ID, Status: jr.Result, Message: jr.Reason})
	return jr
}

func (r *Runner) executorOptions(pack *schemas.TestPack) executor.Options {
	opts := r.opts.Executor
	opts.AllowList = executor.NewAllowList(r.opts.AllowedProcesses, pack.Guardrails.AllowedProcesses)
	opts.ForbiddenActions = pack.Guardrails.ForbiddenActions
	opts.RetryPolicy = pack.Guardrails.RetryPolicy
	return opts
}

func (r *Runner) artifactsDir(pack *schemas.TestPack, j schemas.Journey, flow *schemas.TestFlow) string {
	root := pack.Execution.ArtifactsDir
	if root == "" {
		root = r.opts.ArtifactsDir
	}
	if root == "" {
		return ""
	}
	return filepath.Join(root, pack.ID, j.ID, flow.TestName)
}

// backendName picks the backend for a flow. Dry-run packs always use the
// dry-run backend; otherwise the flow's own choice wins over its target's.
func backendName(pack *schemas.TestPack, flow *schemas.TestFlow) string {
	if pack.Execution.Mode == schemas.ExecutionModeDryRun {
		return backend.DryRunName
	}
	if flow.Backend != "" {
		return flow.Backend
	}
	for _, t := range pack.Targets {
		if t.Backend != "" && (t.ID == flow.TargetApp || t.ProcessName == flow.TargetApp) {
			return t.Backend
		}
	}
	return ""
}

// dataFor merges the journey's data profiles in declaration order; later profiles win.
func dataFor(pack *schemas.TestPack, j schemas.Journey) map[string]string {
	if len(j.DataProfiles) == 0 {
		return nil
	}
	out := make(map[string]string)
	for _, name := range j.DataProfiles {
		for _, p := range pack.DataProfiles {
			if p.Name != name {
				continue
			}
			for k, v := range p.Values {
				out[k] = v
			}
		}
	}
	return out
}

// finalize fills the summary and derives the overall result. It runs on every
// exit path, including recovered panics.
func (r *Runner) finalize(report *schemas.PackReport, start time.Time) {
	report.FinishedAt = r.now()
	report.DurationMs = report.FinishedAt.Sub(start).Milliseconds()

	s := schemas.Summary{JourneysTotal: len(report.JourneyResults), FlowsTotal: len(report.FlowReports)}
	for _, jr := range report.JourneyResults {
		switch jr.Result {
		case schemas.ResultPassed:
			s.JourneysPassed++
		case schemas.ResultFailed:
			s.JourneysFailed++
		case schemas.ResultSkipped, schemas.ResultAborted:
			s.JourneysSkipped++
		}
	}
	warned := false
	for _, fr := range report.FlowReports {
		switch {
		case fr.Result == schemas.FlowPassed || fr.Result == schemas.FlowPassedWithWarnings:
			s.FlowsPassed++
		case fr.IsFailure():
			s.FlowsFailed++
		}
		if fr.Result == schemas.FlowPassedWithWarnings {
			warned = true
		}
		s.StepsTotal += fr.StepsTotal
		s.StepsPassed += fr.StepsPassed
		s.StepsFailed += fr.StepsFailed
		s.StepsSkipped += fr.StepsSkipped
		s.StepsWarned += fr.StepsWarned
	}
	report.Summary = s

	switch {
	case report.AbortReason != "":
		report.OverallResult = schemas.ResultAborted
	case s.JourneysFailed == 0 && s.JourneysPassed == 0:
		report.OverallResult = schemas.ResultSkipped
	case s.JourneysFailed == 0 && (warned || s.StepsWarned > 0 || s.JourneysSkipped > 0):
		report.OverallResult = schemas.ResultPartial
	case s.JourneysFailed == 0:
		report.OverallResult = schemas.ResultPassed
	case s.JourneysPassed > 0:
		report.OverallResult = schemas.ResultPartial
	default:
		report.OverallResult = schemas.ResultFailed
	}
}
