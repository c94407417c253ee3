// internal/runner/guardrails.go
package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/executor"
	"github.com/xkilldash9x/handrail/internal/triage"
)

// ErrGuardrailViolation is the sentinel wrapped by every GuardrailError.
var ErrGuardrailViolation = errors.New("guardrail violation")

// GuardrailError lists every pack-level guardrail a pack breaks.
type GuardrailError struct {
	Violations []string
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("%s: %s", ErrGuardrailViolation, strings.Join(e.Violations, "; "))
}

func (e *GuardrailError) Unwrap() error { return ErrGuardrailViolation }

// ValidateGuardrails checks the pack against its guardrails. It is purely
// structural: counts and list sizes, no I/O. It returns nil or a *GuardrailError.
func ValidateGuardrails(pack *schemas.TestPack) error {
	if pack == nil {
		return &GuardrailError{Violations: []string{"pack is nil"}}
	}
	g := pack.Guardrails
	var v []string
	addf := func(format string, args ...interface{}) { v = append(v, fmt.Sprintf(format, args...)) }

	if len(pack.Journeys) == 0 {
		addf("pack declares no journeys")
	}
	if len(pack.Flows) == 0 {
		addf("pack declares no flows")
	}
	if len(pack.Targets) == 0 {
		addf("pack declares no targets")
	}
	if len(pack.Journeys) > g.MaxJourneys {
		addf("journey count %d exceeds max_journeys %d", len(pack.Journeys), g.MaxJourneys)
	}
	if total := pack.TotalSteps(); total > g.MaxTotalSteps {
		addf("total step count %d exceeds max_total_steps %d", total, g.MaxTotalSteps)
	}
	for _, f := range pack.Flows {
		if len(f.Steps) > g.MaxStepsPerFlow {
			addf("flow %q has %d steps, exceeding max_steps_per_flow %d", f.TestName, len(f.Steps), g.MaxStepsPerFlow)
		}
	}
	if g.MaxRuntimeMinutes < 0 {
		addf("max_runtime_minutes must not be negative")
	}
	if g.MaxFailuresBeforeStop < 0 {
		addf("max_failures_before_stop must not be negative")
	}
	if g.RetryPolicy.MaxRetriesPerStep < 0 {
		addf("retry_policy.max_retries_per_step must not be negative")
	}
	for _, rf := range g.RetryPolicy.RetryableFailures {
		if _, ok := triage.Parse(rf); !ok {
			addf("retry_policy.retryable_failures contains unknown failure type %q", rf)
		}
	}
	switch g.SafetyMode {
	case schemas.SafetyStrict:
		if len(g.AllowedProcesses) == 0 {
			addf("safety_mode strict requires a non-empty allowed_processes list")
		}
	case schemas.SafetyStandard, schemas.SafetyPermissive, "":
	default:
		addf("unknown safety_mode %q", g.SafetyMode)
	}

	if len(v) > 0 {
		return &GuardrailError{Violations: v}
	}
	return nil
}

// ValidateFlows runs the executor's structural validation over every flow in
// the pack. The first invalid flow is returned.
func ValidateFlows(pack *schemas.TestPack) error {
	for _, f := range pack.Flows {
		if err := executor.ValidateFlow(f, pack.Guardrails.ForbiddenActions); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePack collects every guardrail and flow problem in the pack as
// plain strings. The compiler feeds these back into its retry loop.
func ValidatePack(pack *schemas.TestPack) []string {
	var problems []string
	var ge *GuardrailError
	if err := ValidateGuardrails(pack); errors.As(err, &ge) {
		problems = append(problems, ge.Violations...)
	}
	if pack == nil {
		return problems
	}
	for _, f := range pack.Flows {
		var fe *executor.FlowValidationError
		if err := executor.ValidateFlow(f, pack.Guardrails.ForbiddenActions); errors.As(err, &fe) {
			for _, p := range fe.Problems {
				problems = append(problems, fmt.Sprintf("flow %q: %s", f.TestName, p))
			}
		}
	}
	for _, j := range pack.Journeys {
		for _, ref := range j.FlowRefs {
			if _, ok := pack.FlowByName(ref); !ok {
				problems = append(problems, fmt.Sprintf("journey %q references unknown flow %q", j.ID, ref))
			}
		}
	}
	return problems
}
