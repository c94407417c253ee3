package report

import (
	"testing"
	"time"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// -- Fixtures --

func sel(v string) schemas.Selector {
	return schemas.Selector{Kind: schemas.SelectorAutomationID, Value: v}
}

func fixturePack() *schemas.TestPack {
	return &schemas.TestPack{
		ID:   "pack-7",
		Name: "Editor regression",
		Journeys: []schemas.Journey{
			{ID: "save", Title: "Save a document", Priority: "p0", Tags: []string{"files"}, FlowRefs: []string{"save_flow"}},
			{ID: "search", Title: "Search text", Priority: "p1", Tags: []string{"editing"}, FlowRefs: []string{"search_flow"}},
			{ID: "print", Title: "Print preview", Priority: "p2", FlowRefs: []string{"print_flow"}},
		},
		Flows: []schemas.TestFlow{
			{TestName: "save_flow", Steps: []schemas.TestStep{
				{Order: 1, Action: schemas.ActionFocusWindow, Description: "focus editor"},
				{Order: 2, Action: schemas.ActionTypeText, Selector: sel("editor"), Value: "hello"},
				{Order: 3, Action: schemas.ActionClick, Selector: sel("btnSave")},
				{Order: 4, Action: schemas.ActionAssertText, Selector: sel("status"), Expected: "Saved"},
			}},
			{TestName: "search_flow", Steps: []schemas.TestStep{
				{Order: 1, Action: schemas.ActionSendKeys, Value: "^f"},
				{Order: 2, Action: schemas.ActionAssertExists, Selector: sel("findBox")},
			}},
			{TestName: "print_flow", Steps: []schemas.TestStep{
				{Order: 1, Action: schemas.ActionClick, Selector: sel("menuPrint")},
			}},
		},
		CoveragePlan: schemas.CoveragePlan{RequiredCategories: []string{"files", "accessibility"}},
	}
}

func passed(order int, action schemas.ActionType) schemas.StepResult {
	return schemas.StepResult{StepOrder: order, Action: action, Status: schemas.StepPassed,
		Perception: &schemas.PerceptionUsage{Mode: schemas.PerceptionStructural}}
}

func fixtureRaw() *schemas.PackReport {
	t0 := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return &schemas.PackReport{
		RunID:         "run-1",
		PackID:        "pack-7",
		OverallResult: schemas.ResultPartial,
		StartedAt:     t0,
		FinishedAt:    t0.Add(time.Minute),
		Summary: schemas.Summary{
			JourneysTotal: 3, JourneysPassed: 1, JourneysFailed: 2,
			FlowsTotal: 3, FlowsPassed: 1, FlowsFailed: 2,
			StepsTotal: 7, StepsPassed: 3, StepsFailed: 3, StepsWarned: 1,
		},
		JourneyResults: []schemas.JourneyResult{
			{JourneyID: "save", Title: "Save a document", Priority: "p0", Result: schemas.ResultFailed},
			{JourneyID: "search", Title: "Search text", Priority: "p1", Result: schemas.ResultPassed},
			{JourneyID: "print", Title: "Print preview", Priority: "p2", Result: schemas.ResultFailed},
		},
		FlowReports: []schemas.ExecutionReport{
			{FlowID: "save_flow", JourneyID: "save", Result: schemas.FlowFailed, Steps: []schemas.StepResult{
				passed(1, schemas.ActionFocusWindow),
				{StepOrder: 2, Action: schemas.ActionTypeText, Status: schemas.StepPassed, ScreenshotPath: "/art/save/2.png",
					Perception: &schemas.PerceptionUsage{Mode: schemas.PerceptionDual, Channels: []string{"uia_tree", "screenshot"}}},
				{StepOrder: 3, Action: schemas.ActionClick, Status: schemas.StepFailed, Message: "Element btnSave not found",
					Perception: &schemas.PerceptionUsage{Mode: schemas.PerceptionStructural}},
				{StepOrder: 4, Action: schemas.ActionAssertText, Status: schemas.StepFailed, Message: "element status: not found after 5000ms",
					ScreenshotPath: "/art/save/4.png", Perception: &schemas.PerceptionUsage{Mode: schemas.PerceptionVisual, Fallback: true}},
			}},
			{FlowID: "search_flow", JourneyID: "search", Result: schemas.FlowPassedWithWarnings, Steps: []schemas.StepResult{
				passed(1, schemas.ActionSendKeys),
				{StepOrder: 2, Action: schemas.ActionAssertExists, Status: schemas.StepWarning, Message: "found via OCR fallback",
					Perception: &schemas.PerceptionUsage{Mode: schemas.PerceptionVisual, Fallback: true}},
			}},
			{FlowID: "print_flow", Result: schemas.FlowFailed, Steps: []schemas.StepResult{
				{StepOrder: 1, Action: schemas.ActionClick, Status: schemas.StepError, Message: "print spooler crashed"},
			}},
		},
	}
}

func newTestBuilder(t *testing.T) *Builder {
	return NewBuilder(zaptest.NewLogger(t))
}

// -- Tests --

func TestBuild_Failures(t *testing.T) {
	out := newTestBuilder(t).Build(fixtureRaw(), fixturePack(), nil)

	require.Len(t, out.Failures, 3)
	f := out.Failures[0]
	assert.Equal(t, "save", f.JourneyID)
	assert.Equal(t, "save_flow", f.FlowID)
	assert.Equal(t, 3, f.StepOrder)
	assert.Equal(t, "element_not_found", f.FailureType)
	assert.Equal(t, "Element not found", f.Category)
	assert.Equal(t, "/art/save/2.png", f.EvidencePath, "most recent screenshot at or before the failing step")

	assert.Equal(t, "/art/save/4.png", out.Failures[1].EvidencePath)

	printFailure := out.Failures[2]
	assert.Equal(t, "print", printFailure.JourneyID, "journey resolved through the pack's flow refs")
	assert.Equal(t, "error", printFailure.FailureType)
	assert.Empty(t, printFailure.EvidencePath)
}

func TestBuild_FlowTimeoutYieldsFailure(t *testing.T) {
	raw := fixtureRaw()
	raw.FlowReports[0] = schemas.ExecutionReport{FlowID: "save_flow", JourneyID: "save", Result: schemas.FlowFailed,
		Summary: "2/4 steps passed, 2 skipped, overall timeout exceeded", Steps: []schemas.StepResult{
			passed(1, schemas.ActionFocusWindow),
			{StepOrder: 2, Action: schemas.ActionTypeText, Status: schemas.StepPassed, ScreenshotPath: "/art/save/2.png"},
			{StepOrder: 3, Action: schemas.ActionClick, Status: schemas.StepSkipped, Message: "skipped: overall timeout of 5s exceeded"},
			{StepOrder: 4, Action: schemas.ActionAssertText, Status: schemas.StepSkipped, Message: "skipped: overall timeout of 5s exceeded"},
		}}

	out := newTestBuilder(t).Build(raw, fixturePack(), nil)

	require.Len(t, out.Failures, 2)
	f := out.Failures[0]
	assert.Equal(t, "save_flow", f.FlowID)
	assert.Equal(t, 3, f.StepOrder, "the first step the timeout cut off")
	assert.Equal(t, "timeout", f.FailureType)
	assert.Equal(t, schemas.StepSkipped, f.Status)
	assert.Equal(t, "/art/save/2.png", f.EvidencePath)

	var timeoutItems int
	for _, item := range out.FixQueue {
		if item.FlowID == "save_flow" {
			timeoutItems++
			assert.Equal(t, "timeout", item.FailureType)
		}
	}
	assert.Equal(t, 1, timeoutItems, "a timed-out flow is actionable in the fix queue")
}

func TestBuild_SkippedStepsOfPassedFlowAreNotFailures(t *testing.T) {
	raw := fixtureRaw()
	raw.FlowReports[1].Steps = append(raw.FlowReports[1].Steps,
		schemas.StepResult{StepOrder: 3, Action: schemas.ActionClick, Status: schemas.StepSkipped, Message: "skipped: overall timeout of 5s exceeded"})
	out := newTestBuilder(t).Build(raw, fixturePack(), nil)
	assert.Len(t, out.Failures, 3)
}

func TestBuild_DoesNotMutateRaw(t *testing.T) {
	raw := fixtureRaw()
	before := fixtureRaw()
	newTestBuilder(t).Build(raw, fixturePack(), nil)
	assert.Empty(t, cmp.Diff(before, raw))
}

func TestBuild_WarningsAndPerception(t *testing.T) {
	out := newTestBuilder(t).Build(fixtureRaw(), fixturePack(), nil)

	require.Len(t, out.Warnings, 1)
	assert.Equal(t, schemas.Warning{JourneyID: "search", FlowID: "search_flow", StepOrder: 2, Message: "found via OCR fallback"}, out.Warnings[0])

	ps := out.PerceptionStats
	assert.Equal(t, 6, ps.TotalCaptures)
	assert.Equal(t, 2, ps.Fallbacks)
	assert.InDelta(t, 2.0/6.0, ps.FallbackRate, 1e-9)
	assert.Equal(t, map[string]int{"structural": 3, "dual": 1, "visual": 2}, ps.ByMode)
}

func TestBuild_CoverageSynthesized(t *testing.T) {
	out := newTestBuilder(t).Build(fixtureRaw(), fixturePack(), nil)

	require.Len(t, out.CoverageMap, 4)
	assert.Equal(t, schemas.CoverageEntry{Area: "Save a document", Category: "files",
		Journeys: map[string]string{"save": "failed"}, Status: schemas.CoverageFailed}, out.CoverageMap[0])
	assert.Equal(t, schemas.CoverageOK, out.CoverageMap[1].Status)
	assert.Equal(t, "Print preview", out.CoverageMap[2].Area)
	assert.Equal(t, schemas.CoverageEntry{Area: "accessibility", Category: "accessibility",
		Journeys: map[string]string{}, Status: schemas.CoverageGap}, out.CoverageMap[3], "uncovered required category")
}

func TestBuild_CoverageOverlay(t *testing.T) {
	plan := &schemas.PackPlan{CoverageMap: []schemas.CoverageArea{
		{Area: "Persistence", Category: "files", JourneyIDs: []string{"save", "search"}},
		{Area: "Find", Category: "editing", JourneyIDs: []string{"search"}},
		{Area: "Output", JourneyIDs: []string{"print"}},
		{Area: "Undo", JourneyIDs: []string{"undo"}},
		{Area: "Accessibility", Category: "accessibility"},
	}}
	out := newTestBuilder(t).Build(fixtureRaw(), fixturePack(), plan)

	statuses := map[string]string{}
	for _, e := range out.CoverageMap {
		statuses[e.Area] = e.Status
	}
	assert.Equal(t, map[string]string{
		"Persistence":   schemas.CoveragePartial,
		"Find":          schemas.CoverageOK,
		"Output":        schemas.CoverageFailed,
		"Undo":          schemas.CoverageNotExecuted,
		"Accessibility": schemas.CoverageGap,
	}, statuses)
	assert.Len(t, out.CoverageMap, 5, "required categories already in the plan add nothing")
}

func TestBuild_FixQueue(t *testing.T) {
	out := newTestBuilder(t).Build(fixtureRaw(), fixturePack(), nil)

	require.Len(t, out.FixQueue, 2)
	top := out.FixQueue[0]
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, "save_flow", top.FlowID)
	assert.Equal(t, "element_not_found", top.FailureType)
	assert.Equal(t, 2, top.Occurrences)
	assert.Equal(t, "save", top.JourneyID)
	assert.Equal(t, `Element not found in flow "save_flow" at step 3`, top.Title)
	assert.NotEmpty(t, top.LikelyCauses)
	assert.NotEmpty(t, top.NextChecks)
	assert.Equal(t, []int{3, 4}, top.Packet.FailingSteps)
	assert.Equal(t, []string{"/art/save/2.png", "/art/save/4.png"}, top.Packet.EvidencePaths)
	assert.Equal(t, []string{"screenshot", "structural", "visual"}, top.Packet.EvidenceChannels)
	assert.Equal(t, []string{
		"1. focus_window (focus editor)",
		`2. type automation_id=editor value="hello"`,
		"3. click automation_id=btnSave",
	}, top.Packet.ReproSteps)
	assert.Contains(t, top.Packet.Summary, "2 element_not_found failure(s)")
	assert.Equal(t, top.LikelyCauses, top.Packet.SuspectedCauses)

	second := out.FixQueue[1]
	assert.Equal(t, 2, second.Rank)
	assert.Equal(t, "print_flow", second.FlowID)
	assert.Equal(t, []string{"1. click automation_id=menuPrint"}, second.Packet.ReproSteps)
}

func TestBuild_FixQueueTieBreak(t *testing.T) {
	raw := &schemas.PackReport{
		Summary: schemas.Summary{JourneysTotal: 1},
		FlowReports: []schemas.ExecutionReport{
			{FlowID: "b_flow", Steps: []schemas.StepResult{
				{StepOrder: 5, Status: schemas.StepFailed, Message: "timeout"},
			}},
			{FlowID: "a_flow", Steps: []schemas.StepResult{
				{StepOrder: 2, Status: schemas.StepFailed, Message: "assert failed"},
				{StepOrder: 7, Status: schemas.StepFailed, Message: "timeout"},
			}},
		},
	}
	out := newTestBuilder(t).Build(raw, nil, nil)

	require.Len(t, out.FixQueue, 3)
	var got []string
	for i, item := range out.FixQueue {
		assert.Equal(t, i+1, item.Rank, "ranks are dense from 1")
		got = append(got, item.FlowID+"/"+item.FailureType)
	}
	assert.Equal(t, []string{"a_flow/assertion_failed", "b_flow/timeout", "a_flow/timeout"}, got)
	assert.Empty(t, out.FixQueue[0].Packet.ReproSteps, "no pack, no repro trace")
}

func TestBuild_Idempotent(t *testing.T) {
	b := newTestBuilder(t)
	plan := &schemas.PackPlan{CoverageMap: []schemas.CoverageArea{{Area: "All", JourneyIDs: []string{"save", "search", "print"}}}}

	for _, p := range []*schemas.PackPlan{nil, plan} {
		first := b.Build(fixtureRaw(), fixturePack(), p)
		second := b.Build(fixtureRaw(), fixturePack(), p)
		assert.Empty(t, cmp.Diff(first.CoverageMap, second.CoverageMap))
		assert.Empty(t, cmp.Diff(first.Failures, second.Failures))
		assert.Empty(t, cmp.Diff(first.FixQueue, second.FixQueue))
		assert.Empty(t, cmp.Diff(first, second))

		rebuilt := b.Build(first, fixturePack(), p)
		assert.Empty(t, cmp.Diff(first, rebuilt), "building a built report changes nothing")
	}
}

func TestBuild_NilInputs(t *testing.T) {
	out := newTestBuilder(t).Build(nil, nil, nil)
	require.NotNil(t, out)
	assert.Empty(t, out.Failures)
	assert.Empty(t, out.FixQueue)
	assert.Empty(t, out.CoverageMap)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, 0.0, out.Confidence.Score)
}

func FuzzBuild(f *testing.F) {
	f.Add([]byte("seed-report"))
	b := NewBuilder(zap.NewNop())
	f.Fuzz(func(t *testing.T, data []byte) {
		var in struct {
			Raw  schemas.PackReport
			Pack schemas.TestPack
		}
		if err := fuzz.NewConsumer(data).GenerateStruct(&in); err != nil {
			return
		}
		out := b.Build(&in.Raw, &in.Pack, nil)

		require.NotNil(t, out.Confidence)
		assert.GreaterOrEqual(t, out.Confidence.Score, 0.0)
		assert.LessOrEqual(t, out.Confidence.Score, 1.0)
		for i, item := range out.FixQueue {
			assert.Equal(t, i+1, item.Rank)
			if i > 0 {
				assert.GreaterOrEqual(t, out.FixQueue[i-1].Occurrences, item.Occurrences)
			}
		}
		again := b.Build(&in.Raw, &in.Pack, nil)
		assert.Empty(t, cmp.Diff(out.FixQueue, again.FixQueue))
	})
}
