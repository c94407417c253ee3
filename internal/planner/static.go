// internal/planner/static.go
package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/runner"
)

// StaticPlanner plans without a model. It returns a fixed plan when one was
// loaded from disk, and otherwise derives one from the pack's own journeys.
type StaticPlanner struct {
	logger *zap.Logger
	plan   *schemas.PackPlan
}

// NewStaticPlanner creates an offline planner. plan may be nil.
func NewStaticPlanner(logger *zap.Logger, plan *schemas.PackPlan) *StaticPlanner {
	return &StaticPlanner{logger: logger.Named("static_planner"), plan: plan}
}

// Plan implements schemas.Planner.
func (p *StaticPlanner) Plan(ctx context.Context, pack *schemas.TestPack) (*schemas.PackPlan, error) {
	if p.plan != nil {
		return p.plan, nil
	}
	if pack == nil {
		return nil, fmt.Errorf("planning requires a pack")
	}
	plan := PlanFromPack(pack)
	p.logger.Debug("Derived plan from pack journeys.", zap.String("pack_id", pack.ID), zap.Int("journeys", len(plan.Journeys)))
	return plan, nil
}

// PlanFromPack describes an already compiled pack as a plan. When every
// journey is tagged, the plan maps one coverage area per first tag; otherwise
// the coverage map is left empty so the report synthesizes one per journey.
func PlanFromPack(pack *schemas.TestPack) *schemas.PackPlan {
	plan := &schemas.PackPlan{Summary: fmt.Sprintf("Plan derived from pack %q.", pack.Name)}
	byArea := make(map[string]int)
	untagged := false
	for _, j := range pack.Journeys {
		area := ""
		if len(j.Tags) > 0 {
			area = j.Tags[0]
		}
		plan.Journeys = append(plan.Journeys, schemas.ProposedJourney{
			ID:              j.ID,
			Title:           j.Title,
			Priority:        j.EffectivePriority(),
			Tags:            j.Tags,
			SuccessCriteria: j.SuccessCriteria,
			Area:            area,
		})
		if area == "" {
			untagged = true
			continue
		}
		idx, ok := byArea[area]
		if !ok {
			idx = len(plan.CoverageMap)
			byArea[area] = idx
			plan.CoverageMap = append(plan.CoverageMap, schemas.CoverageArea{Area: area, Category: area})
		}
		plan.CoverageMap[idx].JourneyIDs = append(plan.CoverageMap[idx].JourneyIDs, j.ID)
	}
	if untagged {
		plan.CoverageMap = nil
	}
	return plan
}

// PassthroughCompiler accepts a pack that already contains flows, after the
// same validation the runner applies.
type PassthroughCompiler struct {
	logger *zap.Logger
}

// NewPassthroughCompiler creates an offline compiler.
func NewPassthroughCompiler(logger *zap.Logger) *PassthroughCompiler {
	return &PassthroughCompiler{logger: logger.Named("passthrough_compiler")}
}

// Compile implements schemas.Compiler.
func (c *PassthroughCompiler) Compile(ctx context.Context, input *schemas.TestPack, plan *schemas.PackPlan) (*schemas.CompileOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("compiling requires an input pack")
	}
	out := &schemas.CompileOutput{Attempts: 1}
	if problems := runner.ValidatePack(input); len(problems) > 0 {
		out.Errors = problems
		c.logger.Warn("Pack failed validation.", zap.String("pack_id", input.ID), zap.Int("problems", len(problems)))
		return out, nil
	}
	out.Pack = input
	return out, nil
}
