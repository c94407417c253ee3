// internal/triage/classify.go
package triage

import (
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// FailureType is the closed set of failure kinds derived from backend messages.
type FailureType string

const (
	AssertionFailed FailureType = "assertion_failed"
	ElementNotFound FailureType = "element_not_found"
	Timeout         FailureType = "timeout"
	Error           FailureType = "error"
	Unknown         FailureType = "unknown"
)

// Classify maps a step's free-text error message onto a FailureType.
//
// Backends report failures as strings, so this is a substring heuristic and
// the match order matters: "assert" wins over "element", which wins over
// "timeout". Messages that match nothing fall back on the step status.
func Classify(message string, status schemas.StepStatus) FailureType {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "assert"):
		return AssertionFailed
	case strings.Contains(msg, "not found"), strings.Contains(msg, "element"):
		return ElementNotFound
	case strings.Contains(msg, "timeout"):
		return Timeout
	case status == schemas.StepError:
		return Error
	default:
		return Unknown
	}
}

// Parse converts a configured string into a FailureType.
func Parse(s string) (FailureType, bool) {
	ft := FailureType(strings.ToLower(strings.TrimSpace(s)))
	switch ft {
	case AssertionFailed, ElementNotFound, Timeout, Error, Unknown:
		return ft, true
	}
	return "", false
}

// Category is the human-readable label of a failure type.
func (f FailureType) Category() string {
	switch f {
	case AssertionFailed:
		return "Assertion mismatch"
	case ElementNotFound:
		return "Element not found"
	case Timeout:
		return "Timeout"
	case Error:
		return "Backend error"
	default:
		return "Unclassified failure"
	}
}

var likelyCauses = map[FailureType][]string{
	AssertionFailed: {
		"The application state differs from the expected value",
		"The expected value in the flow is stale after a UI change",
		"The assertion ran before the UI finished updating",
	},
	ElementNotFound: {
		"The selector no longer matches after a UI change",
		"The element is rendered in a different window or container",
		"The element had not appeared yet when the step ran",
	},
	Timeout: {
		"The application is slower than the configured timeout",
		"A modal dialog or busy indicator is blocking interaction",
		"The target process is hung or not responding",
	},
	Error: {
		"The backend could not drive the target process",
		"The target application crashed or closed mid-flow",
		"The step is malformed for this backend",
	},
	Unknown: {
		"The backend reported a failure without a recognizable message",
	},
}

var nextChecks = map[FailureType][]string{
	AssertionFailed: {
		"Compare the expected value with the captured evidence",
		"Confirm the preceding steps left the UI in the assumed state",
		"Add an explicit wait before the assertion if the value updates asynchronously",
	},
	ElementNotFound: {
		"Inspect the structural tree for the element's current identifier",
		"Verify the correct window has focus before the step",
		"Prefer an automation id over a name or text selector",
	},
	Timeout: {
		"Re-run the flow with a longer step timeout",
		"Check the evidence for blocking dialogs",
		"Confirm the target process is responsive",
	},
	Error: {
		"Read the backend diagnostics for the failing step",
		"Confirm the target process is running and on the allow-list",
		"Validate the step definition against the backend's supported actions",
	},
	Unknown: {
		"Re-run the flow with verbose backend logging",
	},
}

// LikelyCauses returns the fixed cause list for a failure type.
func LikelyCauses(f FailureType) []string {
	return append([]string(nil), lookup(likelyCauses, f)...)
}

// NextChecks returns the fixed next-check list for a failure type.
func NextChecks(f FailureType) []string {
	return append([]string(nil), lookup(nextChecks, f)...)
}

func lookup(table map[FailureType][]string, f FailureType) []string {
	if v, ok := table[f]; ok {
		return v
	}
	return table[Unknown]
}
