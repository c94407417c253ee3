package schemas

import "context"

// -- Planner Exchange --

// PackPlan is the planner's structured output.
type PackPlan struct {
	Summary                   string                     `json:"summary,omitempty" yaml:"summary,omitempty"`
	Journeys                  []ProposedJourney          `json:"journeys" yaml:"journeys"`
	CoverageMap               []CoverageArea             `json:"coverage_map,omitempty" yaml:"coverage_map,omitempty"`
	Risks                     []Risk                     `json:"risks,omitempty" yaml:"risks,omitempty"`
	PerceptionRecommendations []PerceptionRecommendation `json:"perception_recommendations,omitempty" yaml:"perception_recommendations,omitempty"`
}

// ProposedJourney is a journey the planner wants compiled.
type ProposedJourney struct {
	ID              string   `json:"id" yaml:"id"`
	Title           string   `json:"title" yaml:"title"`
	Priority        string   `json:"priority" yaml:"priority"`
	Tags            []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty" yaml:"success_criteria,omitempty"`
	Area            string   `json:"area,omitempty" yaml:"area,omitempty"`
}

// CoverageArea maps a functional area to the journeys that exercise it.
type CoverageArea struct {
	Area       string   `json:"area" yaml:"area"`
	Category   string   `json:"category,omitempty" yaml:"category,omitempty"`
	JourneyIDs []string `json:"journey_ids" yaml:"journey_ids"`
}

// Risk is a planner-identified hazard.
type Risk struct {
	Description string `json:"description" yaml:"description"`
	Severity    string `json:"severity,omitempty" yaml:"severity,omitempty"`
	Mitigation  string `json:"mitigation,omitempty" yaml:"mitigation,omitempty"`
}

// PerceptionRecommendation suggests an evidence mode for a journey or area.
type PerceptionRecommendation struct {
	Scope  string         `json:"scope" yaml:"scope"`
	Mode   PerceptionMode `json:"mode" yaml:"mode"`
	Reason string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// CompileOutput is what the compiler returns: a compiled pack on success, or
// the validation errors of the last attempt.
type CompileOutput struct {
	Pack     *TestPack `json:"pack,omitempty"`
	Errors   []string  `json:"errors,omitempty"`
	Attempts int       `json:"attempts"`
}

// Planner turns natural-language inputs into a PackPlan.
type Planner interface {
	Plan(ctx context.Context, pack *TestPack) (*PackPlan, error)
}

// Compiler turns a plan into an executable TestPack.
type Compiler interface {
	Compile(ctx context.Context, pack *TestPack, plan *PackPlan) (*CompileOutput, error)
}

// -- LLM Exchange --

// GenerationOptions tunes a single model call.
type GenerationOptions struct {
	Temperature     float32
	ForceJSONFormat bool
}

// GenerationRequest is one prompt pair sent to a model.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Options      GenerationOptions
}

// LLMClient generates a text completion for a request.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}
