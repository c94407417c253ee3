package schemas

import (
	"context"
	"time"
)

// -- Step Execution Schemas --

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepPassed  StepStatus = "Passed"
	StepFailed  StepStatus = "Failed"
	StepSkipped StepStatus = "Skipped"
	StepError   StepStatus = "Error"
	// StepWarning marks a step that succeeded through a non-deterministic
	// path, such as a fallback perception channel. It is not a failure.
	StepWarning StepStatus = "Warning"
)

// IsFailure reports whether the status counts as a failed step.
func (s StepStatus) IsFailure() bool { return s == StepFailed || s == StepError }

// PerceptionUsage records which evidence channel a backend used for a step.
type PerceptionUsage struct {
	Mode PerceptionMode `json:"mode"`
	// Fallback is set when the backend fell back from the structural tree to a visual capture.
	Fallback bool     `json:"fallback,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// StepResult is what a backend returns for one step.
type StepResult struct {
	StepOrder      int              `json:"step_order"`
	Action         ActionType       `json:"action"`
	Status         StepStatus       `json:"status"`
	Message        string           `json:"message,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	DurationMs     int64            `json:"duration_ms"`
	Backend        string           `json:"backend,omitempty"`
	Retries        int              `json:"retries,omitempty"`
	ScreenshotPath string           `json:"screenshot_path,omitempty"`
	EvidencePaths  []string         `json:"evidence_paths,omitempty"`
	Perception     *PerceptionUsage `json:"perception,omitempty"`
}

// Flow-level results.
const (
	FlowPassed             = "passed"
	FlowPassedWithWarnings = "passed_with_warnings"
	FlowFailed             = "failed"
	FlowError              = "error"
	FlowAborted            = "aborted"
)

// ExecutionReport is produced once per flow execution.
type ExecutionReport struct {
	FlowID         string       `json:"flow_id"`
	JourneyID      string       `json:"journey_id,omitempty"`
	Result         string       `json:"result"`
	Summary        string       `json:"summary,omitempty"`
	Backend        string       `json:"backend,omitempty"`
	BackendVersion string       `json:"backend_version,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	DurationMs     int64        `json:"duration_ms"`
	StepsTotal     int          `json:"steps_total"`
	StepsPassed    int          `json:"steps_passed"`
	StepsFailed    int          `json:"steps_failed"`
	StepsSkipped   int          `json:"steps_skipped"`
	StepsWarned    int          `json:"steps_warned"`
	FailedStep     *int         `json:"failed_step,omitempty"`
	Steps          []StepResult `json:"steps"`
	AuditLog       []string     `json:"audit_log,omitempty"`
}

// IsFailure reports whether the flow result fails its journey.
func (r *ExecutionReport) IsFailure() bool {
	return r.Result == FlowFailed || r.Result == FlowError
}

// ExecutionContext is handed to the backend with every step.
type ExecutionContext struct {
	PackID       string            `json:"pack_id"`
	JourneyID    string            `json:"journey_id"`
	FlowID       string            `json:"flow_id"`
	TargetApp    string            `json:"target_app,omitempty"`
	Attempt      int               `json:"attempt"`
	Perception   PerceptionMode    `json:"perception"`
	Screenshots  ScreenshotPolicy  `json:"screenshots,omitempty"`
	ArtifactsDir string            `json:"artifacts_dir,omitempty"`
	StepTimeout  time.Duration     `json:"step_timeout"`
	Data         map[string]string `json:"data,omitempty"`
}

// -- Backend Contract --

// ExecutionBackend physically performs a step against a live target. It
// owns selector resolution, actionability checks, the action itself and any
// inline assertions. Implementations must never panic or block past ctx; every
// failure is reported as a StepResult with StepFailed or StepError.
type ExecutionBackend interface {
	Name() string
	Version() string
	ExecuteStep(ctx context.Context, step TestStep, execCtx ExecutionContext) StepResult
}

// BackendResolver maps a backend name to an instance. A nil return means the
// backend is unavailable, which fails the owning journey only.
type BackendResolver func(name string) ExecutionBackend
