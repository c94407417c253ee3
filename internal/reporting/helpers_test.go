package reporting_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/triage"
)

// MockWriteCloser allows capturing output and simulating I/O errors.
type MockWriteCloser struct {
	Buffer    *bytes.Buffer
	FailWrite bool
	FailClose bool
	Closed    bool
}

func (m *MockWriteCloser) Write(p []byte) (n int, err error) {
	if m.FailWrite {
		return 0, errors.New("simulated write error")
	}
	return m.Buffer.Write(p)
}

func (m *MockWriteCloser) Close() error {
	m.Closed = true
	if m.FailClose {
		return errors.New("simulated close error")
	}
	return nil
}

func newMockWriter() *MockWriteCloser {
	return &MockWriteCloser{Buffer: new(bytes.Buffer)}
}

// failedRun is a built report with one failing journey and one fix-queue item.
func failedRun() *schemas.PackReport {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schemas.PackReport{
		RunID:         "run-42",
		PackID:        "notepad-smoke",
		PackName:      "Notepad smoke",
		OverallResult: schemas.ResultFailed,
		StartedAt:     started,
		FinishedAt:    started.Add(4500 * time.Millisecond),
		DurationMs:    4500,
		Summary: schemas.Summary{
			JourneysTotal: 2, JourneysPassed: 1, JourneysFailed: 1,
			FlowsTotal: 2, FlowsPassed: 1, FlowsFailed: 1,
			StepsTotal: 6, StepsPassed: 4, StepsFailed: 1, StepsSkipped: 1, StepsWarned: 1,
		},
		JourneyResults: []schemas.JourneyResult{
			{JourneyID: "open", Title: "Open a file", Priority: "p0", Result: schemas.ResultPassed, FlowIDs: []string{"open_flow"}, DurationMs: 1500},
			{JourneyID: "save", Title: "Save a file", Priority: "p1", Result: schemas.ResultFailed, Reason: "flow save_flow failed", FlowIDs: []string{"save_flow"}, DurationMs: 3000},
		},
		CoverageMap: []schemas.CoverageEntry{
			{Area: "files", Category: "files", Journeys: map[string]string{"save": schemas.ResultFailed, "open": schemas.ResultPassed}, Status: schemas.CoveragePartial},
		},
		Warnings: []schemas.Warning{
			{JourneyID: "open", FlowID: "open_flow", StepOrder: 2, Message: "step passed after 1 retry"},
		},
		PerceptionStats: schemas.PerceptionStats{
			TotalCaptures: 5,
			ByMode:        map[string]int{"visual": 1, "structural": 4},
			Fallbacks:     1,
			FallbackRate:  0.2,
		},
		FixQueue: []schemas.FixQueueItem{{
			Rank:         1,
			Category:     triage.ElementNotFound.Category(),
			Title:        `Element not found in flow "save_flow" at step 3`,
			JourneyID:    "save",
			FlowID:       "save_flow",
			FailureType:  string(triage.ElementNotFound),
			Occurrences:  1,
			LikelyCauses: triage.LikelyCauses(triage.ElementNotFound),
			NextChecks:   triage.NextChecks(triage.ElementNotFound),
			Packet: schemas.FixPacket{
				Summary:          `1 element_not_found failure(s) in flow "save_flow" (journey "save"), first at step 3: element not found: Save`,
				EvidencePaths:    []string{"artifacts/run-42/save_flow/step-3.png"},
				SuspectedCauses:  triage.LikelyCauses(triage.ElementNotFound),
				ReproSteps:       []string{"1. launch notepad.exe", "2. click name=File", "3. click name=Save"},
				EvidenceChannels: []string{"structural"},
				FailingSteps:     []int{3},
			},
		}},
		AuditLog:   []string{"process calc.exe rejected by allow-list"},
		Confidence: &schemas.ConfidenceScore{Score: 0.62, Label: "MODERATE"},
	}
}

func abortedRun() *schemas.PackReport {
	return &schemas.PackReport{
		RunID:         "run-0",
		PackID:        "empty",
		PackName:      "Empty",
		OverallResult: schemas.ResultAborted,
		AbortReason:   "guardrail violation: pack has no journeys",
	}
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(actual, expected []byte) bool {
	var a, e interface{}
	if json.Unmarshal(actual, &a) != nil || json.Unmarshal(expected, &e) != nil {
		return false
	}
	return reflect.DeepEqual(a, e)
}

// textEqual ignores trailing whitespace on each line and at the end of the document.
func textEqual(actual, expected []byte) bool {
	return normalizeText(actual) == normalizeText(expected)
}

func normalizeText(b []byte) string {
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func newGoldie(t *testing.T, equal goldie.EqualFn) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
		goldie.WithEqualFn(equal),
	)
}
