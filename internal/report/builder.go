// internal/report/builder.go
package report

import (
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/triage"
)

// Builder turns a raw runner report into the full pack report. Build is pure:
// it reads only its arguments and returns a new report.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger.Named("report_builder")}
}

// failedStep ties a failing step to its flow report and journey.
type failedStep struct {
	journeyID string
	flow      *schemas.ExecutionReport
	step      *schemas.StepResult
	evidence  string
	ftype     triage.FailureType
}

// Build derives failures, warnings, coverage, perception statistics, the fix
// queue and the confidence score. raw is not modified; pack and plan may be nil.
func (b *Builder) Build(raw *schemas.PackReport, pack *schemas.TestPack, plan *schemas.PackPlan) *schemas.PackReport {
	if raw == nil {
		raw = &schemas.PackReport{}
	}
	out := *raw
	out.JourneyResults = append([]schemas.JourneyResult(nil), raw.JourneyResults...)
	out.FlowReports = append([]schemas.ExecutionReport(nil), raw.FlowReports...)
	out.AuditLog = append([]string(nil), raw.AuditLog...)

	owners := flowOwners(pack)
	failed := collectFailures(out.FlowReports, owners)

	out.Failures = make([]schemas.Failure, 0, len(failed))
	for _, f := range failed {
		out.Failures = append(out.Failures, schemas.Failure{
			JourneyID:    f.journeyID,
			FlowID:       f.flow.FlowID,
			StepOrder:    f.step.StepOrder,
			Action:       f.step.Action,
			Status:       f.step.Status,
			FailureType:  string(f.ftype),
			Category:     f.ftype.Category(),
			Message:      f.step.Message,
			EvidencePath: f.evidence,
		})
	}
	out.Warnings = collectWarnings(out.FlowReports, owners)
	out.PerceptionStats = perceptionStats(out.FlowReports)
	out.CoverageMap = buildCoverage(out.JourneyResults, pack, plan)
	out.FixQueue = buildFixQueue(failed, pack)
	out.Confidence = Score(&out)

	b.logger.Debug("Built pack report.",
		zap.String("run_id", out.RunID),
		zap.Int("failures", len(out.Failures)),
		zap.Int("warnings", len(out.Warnings)),
		zap.Int("fix_queue", len(out.FixQueue)),
		zap.Float64("confidence", out.Confidence.Score))
	return &out
}

// flowOwners maps each flow to the first journey that references it.
func flowOwners(pack *schemas.TestPack) map[string]string {
	owners := make(map[string]string)
	if pack == nil {
		return owners
	}
	for _, j := range pack.Journeys {
		for _, ref := range j.FlowRefs {
			if _, ok := owners[ref]; !ok {
				owners[ref] = j.ID
			}
		}
	}
	return owners
}

func journeyOf(fr *schemas.ExecutionReport, owners map[string]string) string {
	if fr.JourneyID != "" {
		return fr.JourneyID
	}
	return owners[fr.FlowID]
}

// collectFailures walks every flow in execution order. Evidence for a failure
// is the latest screenshot captured in the same flow at or before the step.
// A flow that failed only because it ran out of time gets one timeout failure
// at its first skipped step.
func collectFailures(flows []schemas.ExecutionReport, owners map[string]string) []failedStep {
	var out []failedStep
	for i := range flows {
		fr := &flows[i]
		lastShot := ""
		found := false
		for k := range fr.Steps {
			s := &fr.Steps[k]
			if s.ScreenshotPath != "" {
				lastShot = s.ScreenshotPath
			}
			if !s.Status.IsFailure() {
				continue
			}
			found = true
			out = append(out, failedStep{
				journeyID: journeyOf(fr, owners),
				flow:      fr,
				step:      s,
				evidence:  lastShot,
				ftype:     triage.Classify(s.Message, s.Status),
			})
		}
		if !found && fr.Result == schemas.FlowFailed {
			if f, ok := flowTimeout(fr, owners); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// flowTimeout finds the step where a flow's overall timeout cut it short.
func flowTimeout(fr *schemas.ExecutionReport, owners map[string]string) (failedStep, bool) {
	lastShot := ""
	for k := range fr.Steps {
		s := &fr.Steps[k]
		if s.ScreenshotPath != "" {
			lastShot = s.ScreenshotPath
		}
		if s.Status == schemas.StepSkipped && triage.Classify(s.Message, s.Status) == triage.Timeout {
			return failedStep{
				journeyID: journeyOf(fr, owners),
				flow:      fr,
				step:      s,
				evidence:  lastShot,
				ftype:     triage.Timeout,
			}, true
		}
	}
	return failedStep{}, false
}

func collectWarnings(flows []schemas.ExecutionReport, owners map[string]string) []schemas.Warning {
	out := []schemas.Warning{}
	for i := range flows {
		fr := &flows[i]
		for _, s := range fr.Steps {
			if s.Status != schemas.StepWarning {
				continue
			}
			msg := s.Message
			if msg == "" {
				msg = "step succeeded through a non-deterministic path"
			}
			out = append(out, schemas.Warning{
				JourneyID: journeyOf(fr, owners),
				FlowID:    fr.FlowID,
				StepOrder: s.StepOrder,
				Message:   msg,
			})
		}
	}
	return out
}

func perceptionStats(flows []schemas.ExecutionReport) schemas.PerceptionStats {
	stats := schemas.PerceptionStats{ByMode: map[string]int{}}
	for _, fr := range flows {
		for _, s := range fr.Steps {
			if s.Perception == nil {
				continue
			}
			stats.TotalCaptures++
			mode := string(s.Perception.Mode)
			if mode == "" {
				mode = string(schemas.PerceptionAuto)
			}
			stats.ByMode[mode]++
			if s.Perception.Fallback {
				stats.Fallbacks++
			}
		}
	}
	if stats.TotalCaptures > 0 {
		stats.FallbackRate = float64(stats.Fallbacks) / float64(stats.TotalCaptures)
	}
	return stats
}
