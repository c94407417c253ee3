// internal/planner/llm_planner.go
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/llmutil"
)

// LLMPlanner asks a model for a PackPlan covering the pack's instructions.
type LLMPlanner struct {
	logger      *zap.Logger
	llmClient   schemas.LLMClient
	temperature float32
}

// NewLLMPlanner initializes a planner backed by client.
func NewLLMPlanner(logger *zap.Logger, client schemas.LLMClient, cfg config.PlannerConfig) *LLMPlanner {
	return &LLMPlanner{
		logger:      logger.Named("planner"),
		llmClient:   client,
		temperature: cfg.Temperature,
	}
}

// Plan implements schemas.Planner.
func (p *LLMPlanner) Plan(ctx context.Context, pack *schemas.TestPack) (*schemas.PackPlan, error) {
	if pack == nil {
		return nil, fmt.Errorf("planning requires a pack")
	}
	if strings.TrimSpace(pack.Inputs.Instructions) == "" {
		return nil, fmt.Errorf("pack %q has no instructions to plan from", pack.ID)
	}
	p.logger.Info("Requesting test plan.", zap.String("pack_id", pack.ID))

	req := schemas.GenerationRequest{
		SystemPrompt: p.getSystemPrompt(),
		UserPrompt:   p.constructPrompt(pack),
		Options: schemas.GenerationOptions{
			ForceJSONFormat: true,
			Temperature:     p.temperature,
		},
	}
	response, err := p.llmClient.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("LLM generation failed: %w", err)
	}

	plan, err := llmutil.ParseJSONResponse[schemas.PackPlan](response)
	if err != nil {
		p.logger.Error("Failed to parse plan response.", zap.Error(err), zap.String("raw_response", llmutil.Truncate(response, 2000)))
		return nil, err
	}
	normalizePlan(plan, pack.Guardrails.MaxJourneys)

	p.logger.Info("Plan generated.", zap.Int("journeys", len(plan.Journeys)), zap.Int("risks", len(plan.Risks)))
	return plan, nil
}

func (p *LLMPlanner) getSystemPrompt() string {
	return `You are a senior QA engineer planning UI test coverage. You design a small set of user journeys that exercise the most important behavior of an application, ranked by priority (p0 is critical, p3 is nice-to-have). You never propose destructive actions outside the allowed processes. Respond only with JSON in the requested format.`
}

func (p *LLMPlanner) constructPrompt(pack *schemas.TestPack) string {
	var sb strings.Builder
	sb.WriteString("Plan UI test journeys for the following application.\n\n")
	fmt.Fprintf(&sb, "**Instructions:**\n%s\n\n", strings.TrimSpace(pack.Inputs.Instructions))

	if len(pack.Targets) > 0 {
		sb.WriteString("**Targets:**\n")
		for _, t := range pack.Targets {
			fmt.Fprintf(&sb, "- %s (%s)%s\n", t.ID, t.Kind, targetDetail(t))
		}
		sb.WriteString("\n")
	}
	if len(pack.Inputs.ProjectContext) > 0 {
		sb.WriteString("**Project context:**\n")
		keys := make([]string, 0, len(pack.Inputs.ProjectContext))
		for k := range pack.Inputs.ProjectContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, pack.Inputs.ProjectContext[k])
		}
		sb.WriteString("\n")
	}

	g := pack.Guardrails
	fmt.Fprintf(&sb, "**Limits:** at most %d journeys, safety mode %q.\n", g.MaxJourneys, g.SafetyMode)
	if len(pack.CoveragePlan.RequiredCategories) > 0 {
		fmt.Fprintf(&sb, "**Required categories:** %s\n", strings.Join(pack.CoveragePlan.RequiredCategories, ", "))
	}
	fmt.Fprintf(&sb, "**Coverage balance:** breadth %.2f, depth %.2f\n\n", pack.CoveragePlan.Breadth, pack.CoveragePlan.Depth)

	sb.WriteString(`**Response Format (Strict JSON):**
{
  "summary": "One paragraph describing the plan.",
  "journeys": [{"id": "open-file", "title": "Open an existing file", "priority": "p0", "tags": ["core"], "success_criteria": ["File contents are shown"], "area": "File handling"}],
  "coverage_map": [{"area": "File handling", "category": "core", "journey_ids": ["open-file"]}],
  "risks": [{"description": "Save dialog may differ by locale", "severity": "medium", "mitigation": "Select by automation id"}],
  "perception_recommendations": [{"scope": "open-file", "mode": "structural", "reason": "Stable accessibility tree"}]
}
`)
	return sb.String()
}

func targetDetail(t schemas.Target) string {
	switch {
	case t.URL != "":
		return ", url " + t.URL
	case t.ProcessName != "":
		return ", process " + t.ProcessName
	case t.WindowTitle != "":
		return ", window " + t.WindowTitle
	}
	return ""
}

// normalizePlan fills default priorities, drops duplicate or unnamed journeys
// and caps the plan at maxJourneys when that limit is positive.
func normalizePlan(plan *schemas.PackPlan, maxJourneys int) {
	seen := make(map[string]bool, len(plan.Journeys))
	kept := plan.Journeys[:0]
	for _, j := range plan.Journeys {
		j.ID = strings.TrimSpace(j.ID)
		if j.ID == "" || seen[j.ID] {
			continue
		}
		seen[j.ID] = true
		if j.Priority == "" {
			j.Priority = schemas.DefaultPriority
		}
		kept = append(kept, j)
	}
	if maxJourneys > 0 && len(kept) > maxJourneys {
		kept = kept[:maxJourneys]
	}
	plan.Journeys = kept
}
