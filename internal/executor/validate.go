// internal/executor/validate.go
package executor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// ErrInvalidFlow is the sentinel wrapped by every FlowValidationError.
var ErrInvalidFlow = errors.New("invalid flow")

// FlowValidationError lists every structural problem found in one flow.
type FlowValidationError struct {
	Flow     string
	Problems []string
}

func (e *FlowValidationError) Error() string {
	name := e.Flow
	if name == "" {
		name = "<unnamed>"
	}
	return fmt.Sprintf("flow %q is invalid: %s", name, strings.Join(e.Problems, "; "))
}

func (e *FlowValidationError) Unwrap() error { return ErrInvalidFlow }

// ValidateFlow checks a flow's structure without touching any backend. It
// returns nil or a *FlowValidationError.
func ValidateFlow(flow schemas.TestFlow, forbidden []schemas.ActionType) error {
	var problems []string
	addf := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(flow.TestName) == "" {
		addf("test_name must not be empty")
	}
	if flow.TimeoutMs < 0 {
		addf("timeout_ms must not be negative")
	}
	if len(flow.Steps) == 0 {
		addf("flow has no steps")
	}

	blocked := make(map[schemas.ActionType]bool, len(forbidden))
	for _, a := range forbidden {
		blocked[a] = true
	}

	seen := make(map[int]bool, len(flow.Steps))
	for i, step := range flow.Steps {
		where := fmt.Sprintf("step %d (order %d)", i, step.Order)
		if seen[step.Order] {
			addf("%s: duplicate order", where)
		}
		seen[step.Order] = true

		switch {
		case !step.Action.IsKnown():
			addf("%s: unknown action %q", where, step.Action)
		case blocked[step.Action]:
			addf("%s: action %q is forbidden by guardrails", where, step.Action)
		}
		if step.Action.RequiresSelector() && step.Selector.IsZero() {
			addf("%s: action %q requires a selector", where, step.Action)
		}
		switch step.Action {
		case schemas.ActionNavigate, schemas.ActionLaunch:
			if step.Value == "" {
				addf("%s: action %q requires a value", where, step.Action)
			}
		case schemas.ActionAssertText:
			if step.Expected == "" {
				addf("%s: assert_text requires an expected value", where)
			}
		}
		if step.TimeoutMs < 0 || step.DelayAfterMs < 0 {
			addf("%s: timeouts and delays must not be negative", where)
		}
		for j, a := range step.Assertions {
			if !isAssertion(a.Kind) {
				addf("%s: assertion %d has non-assertion kind %q", where, j, a.Kind)
			}
			if a.Kind != schemas.ActionAssertNotExist && a.Selector.IsZero() && step.Selector.IsZero() {
				addf("%s: assertion %d has no selector", where, j)
			}
		}
	}

	if len(problems) > 0 {
		return &FlowValidationError{Flow: flow.TestName, Problems: problems}
	}
	return nil
}

func isAssertion(a schemas.ActionType) bool {
	switch a {
	case schemas.ActionAssertExists, schemas.ActionAssertVisible, schemas.ActionAssertText, schemas.ActionAssertNotExist:
		return true
	}
	return false
}
