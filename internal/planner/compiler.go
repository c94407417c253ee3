// internal/planner/compiler.go
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/llmutil"
	"github.com/xkilldash9x/handrail/internal/runner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LLMCompiler turns a plan into an executable pack with a bounded
// generate, validate and re-prompt loop.
type LLMCompiler struct {
	logger      *zap.Logger
	llmClient   schemas.LLMClient
	maxAttempts int
	temperature float32
	newID       func() string
	now         func() time.Time
}

// NewLLMCompiler initializes a compiler backed by client.
func NewLLMCompiler(logger *zap.Logger, client schemas.LLMClient, cfg config.PlannerConfig) *LLMCompiler {
	attempts := cfg.MaxCompileAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &LLMCompiler{
		logger:      logger.Named("compiler"),
		llmClient:   client,
		maxAttempts: attempts,
		temperature: cfg.Temperature,
		newID:       uuid.NewString,
		now:         time.Now,
	}
}

// Compile implements schemas.Compiler. Validation failures are reported in
// the output's Errors; only transport failures return an error.
func (c *LLMCompiler) Compile(ctx context.Context, input *schemas.TestPack, plan *schemas.PackPlan) (*schemas.CompileOutput, error) {
	if input == nil || plan == nil {
		return nil, fmt.Errorf("compiling requires both an input pack and a plan")
	}
	planJSON, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}

	out := &schemas.CompileOutput{}
	var problems []string
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("compile cancelled after %d attempt(s): %w", out.Attempts, err)
		}
		out.Attempts = attempt
		logger := c.logger.With(zap.Int("attempt", attempt), zap.Int("max_attempts", c.maxAttempts))

		req := schemas.GenerationRequest{
			SystemPrompt: c.getSystemPrompt(),
			UserPrompt:   c.constructPrompt(input, string(planJSON), problems),
			Options: schemas.GenerationOptions{
				ForceJSONFormat: true,
				Temperature:     c.temperature,
			},
		}
		response, err := c.llmClient.Generate(ctx, req)
		if err != nil {
			return out, fmt.Errorf("LLM generation failed on attempt %d: %w", attempt, err)
		}

		candidate, err := llmutil.ParseJSONResponse[schemas.TestPack](response)
		if err != nil {
			problems = []string{fmt.Sprintf("response is not a valid pack document: %v", err)}
			logger.Warn("Compiled pack could not be decoded.", zap.Error(err))
			continue
		}
		c.mergeInput(candidate, input)

		problems = append(runner.ValidatePack(candidate), missingJourneys(candidate, plan)...)
		if len(problems) == 0 {
			logger.Info("Pack compiled.", zap.String("pack_id", candidate.ID),
				zap.Int("journeys", len(candidate.Journeys)), zap.Int("flows", len(candidate.Flows)))
			out.Pack = candidate
			out.Errors = nil
			return out, nil
		}
		logger.Warn("Compiled pack failed validation.", zap.Int("problems", len(problems)), zap.Strings("first_problems", head(problems, 5)))
	}

	out.Errors = problems
	c.logger.Error("Compile attempts exhausted.", zap.Int("attempts", out.Attempts), zap.Int("remaining_problems", len(problems)))
	return out, nil
}

// mergeInput copies the caller-owned sections of the input onto the
// candidate. Guardrails and execution policy always come from the input.
func (c *LLMCompiler) mergeInput(candidate, input *schemas.TestPack) {
	candidate.ID = input.ID
	if candidate.ID == "" {
		candidate.ID = c.newID()
	}
	if candidate.Name == "" {
		candidate.Name = input.Name
	}
	candidate.CreatedAt = c.now().UTC()
	if len(candidate.Targets) == 0 {
		candidate.Targets = input.Targets
	}
	candidate.Inputs = input.Inputs
	candidate.Guardrails = input.Guardrails
	candidate.Execution = input.Execution
	candidate.CoveragePlan = input.CoveragePlan
	if len(input.DataProfiles) > 0 {
		candidate.DataProfiles = input.DataProfiles
	}
}

func (c *LLMCompiler) getSystemPrompt() string {
	return `You are a UI test automation engineer. You compile test plans into deterministic, ordered test flows made of typed actions. Every flow must be executable without human input and must stay within the given guardrails. Respond only with JSON in the requested format.`
}

func (c *LLMCompiler) constructPrompt(input *schemas.TestPack, planJSON string, problems []string) string {
	var sb strings.Builder
	sb.WriteString("Compile the following test plan into an executable test pack.\n\n")
	fmt.Fprintf(&sb, "**Plan:**\n%s\n\n", planJSON)

	if len(input.Targets) > 0 {
		sb.WriteString("**Targets:**\n")
		for _, t := range input.Targets {
			backend := t.Backend
			if backend == "" {
				backend = "(choose)"
			}
			fmt.Fprintf(&sb, "- %s: kind %s, backend %s%s\n", t.ID, t.Kind, backend, targetDetail(t))
		}
		sb.WriteString("\n")
	}

	g := input.Guardrails
	fmt.Fprintf(&sb, "**Guardrails:** at most %d journeys, %d steps per flow, %d steps in total.\n", g.MaxJourneys, g.MaxStepsPerFlow, g.MaxTotalSteps)
	if len(g.AllowedProcesses) > 0 {
		fmt.Fprintf(&sb, "Only these processes may be launched or targeted: %s\n", strings.Join(g.AllowedProcesses, ", "))
	}
	if len(g.ForbiddenActions) > 0 {
		actions := make([]string, len(g.ForbiddenActions))
		for i, a := range g.ForbiddenActions {
			actions[i] = string(a)
		}
		fmt.Fprintf(&sb, "Never use these actions: %s\n", strings.Join(actions, ", "))
	}
	sb.WriteString("Actions: click, type, send_keys, wait, assert_exists, assert_visible, assert_text, assert_not_exists, navigate, screenshot, scroll, focus_window, launch, hover.\n")
	sb.WriteString("Selector kinds: automation_id, name, css, xpath, text.\n\n")

	if len(problems) > 0 {
		sb.WriteString("**Your previous attempt was rejected. Fix every problem below:**\n")
		for _, p := range problems {
			fmt.Fprintf(&sb, "- %s\n", p)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(`**Response Format (Strict JSON):**
{
  "name": "Pack name",
  "journeys": [{"id": "open-file", "title": "Open an existing file", "priority": "p0", "flow_refs": ["open_file_flow"]}],
  "flows": [{
    "test_name": "open_file_flow",
    "backend": "desktop-uia",
    "target_app": "notepad.exe",
    "stop_on_failure": true,
    "steps": [
      {"order": 1, "action": "launch", "value": "notepad.exe"},
      {"order": 2, "action": "click", "selector": {"kind": "name", "value": "File"}},
      {"order": 3, "action": "assert_visible", "selector": {"kind": "automation_id", "value": "OpenDialog"}}
    ]
  }]
}
`)
	return sb.String()
}

// missingJourneys lists planned journeys the candidate did not compile.
func missingJourneys(candidate *schemas.TestPack, plan *schemas.PackPlan) []string {
	have := make(map[string]bool, len(candidate.Journeys))
	for _, j := range candidate.Journeys {
		have[j.ID] = true
	}
	var out []string
	for _, j := range plan.Journeys {
		if !have[j.ID] {
			out = append(out, fmt.Sprintf("planned journey %q is missing from the pack", j.ID))
		}
	}
	return out
}

func head(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
