package schemas

import "time"

// -- Pack Report Schemas --
// Field names and status vocabularies here are consumed by downstream tooling
// and must stay stable.

// Pack and journey results.
const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultAborted = "aborted"
	ResultError   = "error"
	ResultPartial = "partial"
)

// Coverage statuses.
const (
	CoverageOK          = "ok"
	CoveragePartial     = "partial"
	CoverageGap         = "gap"
	CoverageFailed      = "failed"
	CoverageNotExecuted = "not_executed"
)

// PackReport is the run-level aggregate. The runner fills the raw sections
// (summary, journey results, flow reports); the report builder derives the
// rest. It is not mutated once built.
type PackReport struct {
	RunID          string            `json:"run_id"`
	PackID         string            `json:"pack_id"`
	PackName       string            `json:"pack_name"`
	OverallResult  string            `json:"overall_result"`
	AbortReason    string            `json:"abort_reason,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	DurationMs     int64             `json:"duration_ms"`
	Summary        Summary           `json:"summary"`
	JourneyResults []JourneyResult   `json:"journey_results"`
	FlowReports    []ExecutionReport `json:"flow_reports"`
	AuditLog       []string          `json:"audit_log,omitempty"`

	CoverageMap     []CoverageEntry  `json:"coverage_map"`
	Failures        []Failure        `json:"failures"`
	Warnings        []Warning        `json:"warnings"`
	PerceptionStats PerceptionStats  `json:"perception_stats"`
	FixQueue        []FixQueueItem   `json:"fix_queue"`
	Confidence      *ConfidenceScore `json:"confidence,omitempty"`
}

// Summary holds run counters.
type Summary struct {
	JourneysTotal   int `json:"journeys_total"`
	JourneysPassed  int `json:"journeys_passed"`
	JourneysFailed  int `json:"journeys_failed"`
	JourneysSkipped int `json:"journeys_skipped"`
	FlowsTotal      int `json:"flows_total"`
	FlowsPassed     int `json:"flows_passed"`
	FlowsFailed     int `json:"flows_failed"`
	StepsTotal      int `json:"steps_total"`
	StepsPassed     int `json:"steps_passed"`
	StepsFailed     int `json:"steps_failed"`
	StepsSkipped    int `json:"steps_skipped"`
	StepsWarned     int `json:"steps_warned"`
}

// JourneyResult is the outcome of one scheduled journey.
type JourneyResult struct {
	JourneyID  string   `json:"journey_id"`
	Title      string   `json:"title"`
	Priority   string   `json:"priority"`
	Result     string   `json:"result"`
	Reason     string   `json:"reason,omitempty"`
	FlowIDs    []string `json:"flow_ids,omitempty"`
	DurationMs int64    `json:"duration_ms"`
}

// CoverageEntry is one area of the coverage map.
type CoverageEntry struct {
	Area     string            `json:"area"`
	Category string            `json:"category,omitempty"`
	Journeys map[string]string `json:"journeys"`
	Status   string            `json:"status"`
}

// Failure is one failed or errored step. Evidence is referenced by path, never embedded.
type Failure struct {
	JourneyID    string     `json:"journey_id"`
	FlowID       string     `json:"flow_id"`
	StepOrder    int        `json:"step_order"`
	Action       ActionType `json:"action"`
	Status       StepStatus `json:"status"`
	FailureType  string     `json:"failure_type"`
	Category     string     `json:"category"`
	Message      string     `json:"message"`
	EvidencePath string     `json:"evidence_path,omitempty"`
}

// Warning surfaces a non-failing anomaly.
type Warning struct {
	JourneyID string `json:"journey_id,omitempty"`
	FlowID    string `json:"flow_id"`
	StepOrder int    `json:"step_order,omitempty"`
	Message   string `json:"message"`
}

// PerceptionStats summarizes evidence-channel usage across the run.
type PerceptionStats struct {
	TotalCaptures int            `json:"total_captures"`
	ByMode        map[string]int `json:"by_mode"`
	Fallbacks     int            `json:"fallbacks"`
	FallbackRate  float64        `json:"fallback_rate"`
}

// FixQueueItem is one ranked, deduplicated, actionable failure group.
type FixQueueItem struct {
	Rank         int       `json:"rank"`
	Category     string    `json:"category"`
	Title        string    `json:"title"`
	JourneyID    string    `json:"journey_id"`
	FlowID       string    `json:"flow_id"`
	FailureType  string    `json:"failure_type"`
	Occurrences  int       `json:"occurrences"`
	LikelyCauses []string  `json:"likely_causes"`
	NextChecks   []string  `json:"next_checks"`
	Packet       FixPacket `json:"fix_packet"`
}

// FixPacket is a self-contained triage bundle for automated consumers.
type FixPacket struct {
	Summary          string   `json:"summary"`
	EvidencePaths    []string `json:"evidence_paths"`
	SuspectedCauses  []string `json:"suspected_causes"`
	ReproSteps       []string `json:"repro_steps"`
	EvidenceChannels []string `json:"evidence_channels"`
	FailingSteps     []int    `json:"failing_steps"`
}

// ConfidenceScore is the weighted [0,1] run summary.
type ConfidenceScore struct {
	Score                 float64 `json:"score"`
	Label                 string  `json:"label"`
	JourneyPassRate       float64 `json:"journey_pass_rate"`
	CoverageCompletion    float64 `json:"coverage_completion"`
	PerceptionReliability float64 `json:"perception_reliability"`
	WarningImpact         float64 `json:"warning_impact"`
}

// -- Progress Events --

// ProgressKind names a progress event.
type ProgressKind string

const (
	ProgressRunStarted       ProgressKind = "run_started"
	ProgressJourneyStarted   ProgressKind = "journey_started"
	ProgressFlowStarted      ProgressKind = "flow_started"
	ProgressStepCompleted    ProgressKind = "step_completed"
	ProgressFlowCompleted    ProgressKind = "flow_completed"
	ProgressJourneyCompleted ProgressKind = "journey_completed"
	ProgressRunCompleted     ProgressKind = "run_completed"
)

// ProgressEvent is emitted in execution order. No event follows run_completed.
type ProgressEvent struct {
	Seq       int          `json:"seq"`
	Kind      ProgressKind `json:"kind"`
	Time      time.Time    `json:"time"`
	RunID     string       `json:"run_id"`
	JourneyID string       `json:"journey_id,omitempty"`
	FlowID    string       `json:"flow_id,omitempty"`
	StepOrder int          `json:"step_order,omitempty"`
	Status    string       `json:"status,omitempty"`
	Message   string       `json:"message,omitempty"`
}

// ProgressFunc receives progress events synchronously.
type ProgressFunc func(ProgressEvent)
