package schemas

import "time"

// -- Test Pack Schemas --

// TestPack is the unit of work handed to the runner. It is produced by the
// compiler (or loaded from disk) and is read-only for the duration of a run.
type TestPack struct {
	ID           string          `json:"id" yaml:"id"`
	Name         string          `json:"name" yaml:"name"`
	CreatedAt    time.Time       `json:"created_at" yaml:"created_at"`
	Targets      []Target        `json:"targets" yaml:"targets"`
	Inputs       Inputs          `json:"inputs" yaml:"inputs"`
	Guardrails   Guardrails      `json:"guardrails" yaml:"guardrails"`
	DataProfiles []DataProfile   `json:"data_profiles,omitempty" yaml:"data_profiles,omitempty"`
	CoveragePlan CoveragePlan    `json:"coverage_plan" yaml:"coverage_plan"`
	Journeys     []Journey       `json:"journeys" yaml:"journeys"`
	Flows        []TestFlow      `json:"flows" yaml:"flows"`
	Execution    ExecutionConfig `json:"execution" yaml:"execution"`
}

// FlowByName returns the flow whose TestName matches name.
func (p *TestPack) FlowByName(name string) (*TestFlow, bool) {
	for i := range p.Flows {
		if p.Flows[i].TestName == name {
			return &p.Flows[i], true
		}
	}
	return nil, false
}

// TotalSteps counts the steps across all flows in the pack.
func (p *TestPack) TotalSteps() int {
	total := 0
	for _, f := range p.Flows {
		total += len(f.Steps)
	}
	return total
}

// Target is an automation surface the pack is allowed to drive.
type Target struct {
	ID          string `json:"id" yaml:"id"`
	Kind        string `json:"kind" yaml:"kind"` // "desktop" or "web"
	ProcessName string `json:"process_name,omitempty" yaml:"process_name,omitempty"`
	WindowTitle string `json:"window_title,omitempty" yaml:"window_title,omitempty"`
	URL         string `json:"url,omitempty" yaml:"url,omitempty"`
	Backend     string `json:"backend,omitempty" yaml:"backend,omitempty"`
}

// Inputs carries the planner's raw material. The runner never reads it.
type Inputs struct {
	Instructions   string            `json:"instructions" yaml:"instructions"`
	ProjectContext map[string]string `json:"project_context,omitempty" yaml:"project_context,omitempty"`
}

// DataProfile is a named parameter set a journey can reference.
type DataProfile struct {
	Name   string            `json:"name" yaml:"name"`
	Values map[string]string `json:"values" yaml:"values"`
}

// CoveragePlan weights breadth against depth and lists categories that must be covered.
type CoveragePlan struct {
	Breadth            float64  `json:"breadth" yaml:"breadth"`
	Depth              float64  `json:"depth" yaml:"depth"`
	RequiredCategories []string `json:"required_categories,omitempty" yaml:"required_categories,omitempty"`
}

// ExecutionMode selects how flows are dispatched.
type ExecutionMode string

const (
	ExecutionModeFull   ExecutionMode = "full"
	ExecutionModeDryRun ExecutionMode = "dry_run"
)

// ScreenshotPolicy controls when backends are asked to capture visual evidence.
type ScreenshotPolicy string

const (
	ScreenshotOnFailure ScreenshotPolicy = "on_failure"
	ScreenshotAlways    ScreenshotPolicy = "always"
	ScreenshotNever     ScreenshotPolicy = "never"
)

// ExecutionConfig holds the artifact and reporting policy for a pack.
type ExecutionConfig struct {
	Mode          ExecutionMode    `json:"mode" yaml:"mode"`
	ArtifactsDir  string           `json:"artifacts_dir,omitempty" yaml:"artifacts_dir,omitempty"`
	Screenshots   ScreenshotPolicy `json:"screenshots,omitempty" yaml:"screenshots,omitempty"`
	ReportFormats []string         `json:"report_formats,omitempty" yaml:"report_formats,omitempty"`
}

// -- Guardrails --

// SafetyMode is the coarse safety envelope of a pack.
type SafetyMode string

const (
	SafetyStrict     SafetyMode = "strict"
	SafetyStandard   SafetyMode = "standard"
	SafetyPermissive SafetyMode = "permissive"
)

// Guardrails bound a pack run. Count limits are taken literally: a limit of
// zero admits nothing. MaxRuntimeMinutes and MaxFailuresBeforeStop treat zero
// as unlimited.
type Guardrails struct {
	SafetyMode            SafetyMode       `json:"safety_mode" yaml:"safety_mode"`
	AllowedProcesses      []string         `json:"allowed_processes,omitempty" yaml:"allowed_processes,omitempty"`
	ForbiddenActions      []ActionType     `json:"forbidden_actions,omitempty" yaml:"forbidden_actions,omitempty"`
	MaxRuntimeMinutes     float64          `json:"max_runtime_minutes" yaml:"max_runtime_minutes"`
	MaxJourneys           int              `json:"max_journeys" yaml:"max_journeys"`
	MaxTotalSteps         int              `json:"max_total_steps" yaml:"max_total_steps"`
	MaxStepsPerFlow       int              `json:"max_steps_per_flow" yaml:"max_steps_per_flow"`
	MaxFailuresBeforeStop int              `json:"max_failures_before_stop" yaml:"max_failures_before_stop"`
	RetryPolicy           RetryPolicy      `json:"retry_policy" yaml:"retry_policy"`
	PerceptionPolicy      PerceptionPolicy `json:"perception_policy" yaml:"perception_policy"`
}

// DefaultGuardrails returns the envelope applied to packs that omit guardrails.
func DefaultGuardrails() Guardrails {
	return Guardrails{
		SafetyMode:            SafetyStandard,
		MaxRuntimeMinutes:     30,
		MaxJourneys:           25,
		MaxTotalSteps:         1000,
		MaxStepsPerFlow:       100,
		MaxFailuresBeforeStop: 5,
		RetryPolicy: RetryPolicy{
			MaxRetriesPerStep: 1,
			RetryableFailures: []string{"timeout", "element_not_found"},
		},
		PerceptionPolicy: PerceptionPolicy{DefaultMode: PerceptionAuto},
	}
}

// RetryPolicy decides which failed steps are re-attempted.
type RetryPolicy struct {
	MaxRetriesPerStep int      `json:"max_retries_per_step" yaml:"max_retries_per_step"`
	RetryableFailures []string `json:"retryable_failures,omitempty" yaml:"retryable_failures,omitempty"`
}

// PerceptionMode is the evidence channel used to observe UI state.
type PerceptionMode string

const (
	PerceptionStructural PerceptionMode = "structural"
	PerceptionVisual     PerceptionMode = "visual"
	PerceptionDual       PerceptionMode = "dual"
	PerceptionAuto       PerceptionMode = "auto"
)

// PerceptionPolicy governs evidence-capture cost.
type PerceptionPolicy struct {
	DefaultMode PerceptionMode                `json:"default_mode" yaml:"default_mode"`
	ForceModes  map[ActionType]PerceptionMode `json:"force_modes,omitempty" yaml:"force_modes,omitempty"`
}

// -- Journeys and Flows --

// Journey is a user-meaningful scenario composed of ordered flows.
type Journey struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	Priority        string   `json:"priority" yaml:"priority"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	FlowRefs        []string `json:"flow_refs" yaml:"flow_refs"`
	DataProfiles    []string `json:"data_profiles,omitempty" yaml:"data_profiles,omitempty"`
	// PerceptionOverride is nil when the journey defers to the pack policy.
	PerceptionOverride *PerceptionMode `json:"perception_override,omitempty" yaml:"perception_override,omitempty"`
}

// DefaultPriority is assigned to journeys that do not declare one.
const DefaultPriority = "p1"

// EffectivePriority returns the declared priority or DefaultPriority.
func (j Journey) EffectivePriority() string {
	if j.Priority == "" {
		return DefaultPriority
	}
	return j.Priority
}

// TestFlow is a deterministic, ordered sequence of typed actions.
type TestFlow struct {
	TestName      string     `json:"test_name" yaml:"test_name"`
	Description   string     `json:"description,omitempty" yaml:"description,omitempty"`
	Backend       string     `json:"backend" yaml:"backend"`
	TargetApp     string     `json:"target_app,omitempty" yaml:"target_app,omitempty"`
	TimeoutMs     int        `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	StopOnFailure bool       `json:"stop_on_failure" yaml:"stop_on_failure"`
	Steps         []TestStep `json:"steps" yaml:"steps"`
}

// ActionType enumerates step actions.
type ActionType string

const (
	ActionClick          ActionType = "click"
	ActionTypeText       ActionType = "type"
	ActionSendKeys       ActionType = "send_keys"
	ActionWait           ActionType = "wait"
	ActionAssertExists   ActionType = "assert_exists"
	ActionAssertVisible  ActionType = "assert_visible"
	ActionAssertText     ActionType = "assert_text"
	ActionAssertNotExist ActionType = "assert_not_exists"
	ActionNavigate       ActionType = "navigate"
	ActionScreenshot     ActionType = "screenshot"
	ActionScroll         ActionType = "scroll"
	ActionFocusWindow    ActionType = "focus_window"
	ActionLaunch         ActionType = "launch"
	ActionHover          ActionType = "hover"
)

var knownActions = map[ActionType]bool{
	ActionClick: true, ActionTypeText: true, ActionSendKeys: true, ActionWait: true,
	ActionAssertExists: true, ActionAssertVisible: true, ActionAssertText: true, ActionAssertNotExist: true,
	ActionNavigate: true, ActionScreenshot: true, ActionScroll: true, ActionFocusWindow: true,
	ActionLaunch: true, ActionHover: true,
}

// IsKnown reports whether a is one of the supported action types.
func (a ActionType) IsKnown() bool { return knownActions[a] }

// RequiresSelector reports whether the action operates on a resolved element.
func (a ActionType) RequiresSelector() bool {
	switch a {
	case ActionClick, ActionTypeText, ActionAssertExists, ActionAssertVisible, ActionAssertText,
		ActionAssertNotExist, ActionHover:
		return true
	}
	return false
}

// SelectorKind tells the backend how to interpret a selector value.
type SelectorKind string

const (
	SelectorAutomationID SelectorKind = "automation_id"
	SelectorName         SelectorKind = "name"
	SelectorCSS          SelectorKind = "css"
	SelectorXPath        SelectorKind = "xpath"
	SelectorText         SelectorKind = "text"
)

// Selector identifies a UI element.
type Selector struct {
	Kind  SelectorKind `json:"kind" yaml:"kind"`
	Value string       `json:"value" yaml:"value"`
}

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool { return s.Value == "" }

// StepAssertion is an inline check evaluated by the backend after the action.
type StepAssertion struct {
	Kind     ActionType `json:"kind" yaml:"kind"`
	Selector Selector   `json:"selector" yaml:"selector"`
	Expected string     `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// TestStep is a single typed action within a flow.
type TestStep struct {
	Order        int             `json:"order" yaml:"order"`
	Action       ActionType      `json:"action" yaml:"action"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	Selector     Selector        `json:"selector,omitempty" yaml:"selector,omitempty"`
	Value        string          `json:"value,omitempty" yaml:"value,omitempty"`
	Expected     string          `json:"expected,omitempty" yaml:"expected,omitempty"`
	TimeoutMs    int             `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	DelayAfterMs int             `json:"delay_after_ms,omitempty" yaml:"delay_after_ms,omitempty"`
	Assertions   []StepAssertion `json:"assertions,omitempty" yaml:"assertions,omitempty"`
}
