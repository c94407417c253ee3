// internal/backend/dryrun.go
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// DryRunName is the registry key of the dry-run backend.
const DryRunName = "dry-run"

// DryRun passes every step without touching a UI. It exercises guardrails,
// scheduling and reporting end to end.
type DryRun struct {
	now func() time.Time
}

// NewDryRun creates the dry-run backend.
func NewDryRun() *DryRun { return &DryRun{now: time.Now} }

func (d *DryRun) Name() string    { return DryRunName }
func (d *DryRun) Version() string { return "1.0.0" }

// ExecuteStep records the step as passed unless the context has ended.
func (d *DryRun) ExecuteStep(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) schemas.StepResult {
	res := schemas.StepResult{
		StepOrder:  step.Order,
		Action:     step.Action,
		StartedAt:  d.now(),
		Backend:    DryRunName,
		Perception: &schemas.PerceptionUsage{Mode: execCtx.Perception},
	}
	if err := ctx.Err(); err != nil {
		res.Status = schemas.StepError
		res.Message = fmt.Sprintf("dry run interrupted: %v", err)
		return res
	}
	res.Status = schemas.StepPassed
	res.Message = fmt.Sprintf("dry run: %s not performed", step.Action)
	return res
}
