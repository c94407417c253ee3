package packfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/runner"
)

const packYAML = `
id: notepad-smoke
name: Notepad smoke
targets:
  - id: notepad
    kind: desktop
    process_name: notepad.exe
    backend: desktop-uia
inputs:
  instructions: Open and save a file.
journeys:
  - id: open-file
    title: Open file
    priority: p0
    flow_refs: [open_flow]
    perception_override: visual
flows:
  - test_name: open_flow
    backend: desktop-uia
    target_app: notepad.exe
    stop_on_failure: true
    steps:
      - order: 1
        action: launch
        value: notepad.exe
      - order: 2
        action: click
        selector: {kind: name, value: File}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPack_YAMLDefaults(t *testing.T) {
	pack, err := LoadPack(writeFile(t, "pack.yaml", packYAML))
	require.NoError(t, err)

	assert.Equal(t, "notepad-smoke", pack.ID)
	assert.Equal(t, schemas.DefaultGuardrails(), pack.Guardrails, "omitted guardrails take the defaults")
	assert.Equal(t, schemas.ExecutionModeFull, pack.Execution.Mode)
	assert.Equal(t, schemas.ScreenshotOnFailure, pack.Execution.Screenshots)
	assert.False(t, pack.CreatedAt.IsZero())

	require.Len(t, pack.Flows, 1)
	assert.Equal(t, schemas.Selector{Kind: schemas.SelectorName, Value: "File"}, pack.Flows[0].Steps[1].Selector)
	require.NotNil(t, pack.Journeys[0].PerceptionOverride)
	assert.Equal(t, schemas.PerceptionVisual, *pack.Journeys[0].PerceptionOverride)
}

func TestLoadPack_ExplicitGuardrailsKept(t *testing.T) {
	doc := packYAML + `
guardrails:
  max_journeys: 0
  max_total_steps: 10
  max_steps_per_flow: 5
`
	pack, err := LoadPack(writeFile(t, "pack.yml", doc))
	require.NoError(t, err)
	assert.Equal(t, 0, pack.Guardrails.MaxJourneys, "a zero limit is literal")
	assert.Equal(t, 10, pack.Guardrails.MaxTotalSteps)
	assert.Equal(t, schemas.SafetyStandard, pack.Guardrails.SafetyMode)
	assert.Equal(t, schemas.PerceptionAuto, pack.Guardrails.PerceptionPolicy.DefaultMode)
}

func TestLoadPack_PartialGuardrailsKeepDefaults(t *testing.T) {
	doc := packYAML + `
guardrails:
  safety_mode: strict
  allowed_processes: [notepad]
  retry_policy:
    max_retries_per_step: 3
`
	pack, err := LoadPack(writeFile(t, "pack.yaml", doc))
	require.NoError(t, err)

	want := schemas.DefaultGuardrails()
	want.SafetyMode = schemas.SafetyStrict
	want.AllowedProcesses = []string{"notepad"}
	want.RetryPolicy.MaxRetriesPerStep = 3
	assert.Equal(t, want, pack.Guardrails)
	assert.NoError(t, runner.ValidateGuardrails(pack), "a partial section must not zero the count limits")
}

func TestLoadPack_RejectsUnknownFields(t *testing.T) {
	_, err := LoadPack(writeFile(t, "pack.yaml", "id: x\njourneyz: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadPack_JSON(t *testing.T) {
	pack, err := LoadPack(writeFile(t, "pack.json", `{"name":"web","guardrails":{"max_journeys":3,"safety_mode":"strict"}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, pack.ID, "a missing id is generated")
	assert.Equal(t, 3, pack.Guardrails.MaxJourneys)
	assert.Equal(t, 1000, pack.Guardrails.MaxTotalSteps, "an absent key keeps its default")
	assert.Equal(t, schemas.SafetyStrict, pack.Guardrails.SafetyMode)

	pack, err = LoadPack(writeFile(t, "bare.json", `{"name":"bare"}`))
	require.NoError(t, err)
	assert.Equal(t, schemas.DefaultGuardrails(), pack.Guardrails)
}

func TestLoadPack_Missing(t *testing.T) {
	_, err := LoadPack(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read pack file")
}

func TestSaveAndLoadPack(t *testing.T) {
	original, err := ParsePack([]byte(packYAML), FormatYAML)
	require.NoError(t, err)

	for _, name := range []string{"out/pack.yaml", "out/pack.json"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, SavePack(path, original))
		loaded, err := LoadPack(path)
		require.NoError(t, err, name)
		assert.Equal(t, original.Flows, loaded.Flows, name)
		assert.Equal(t, original.Guardrails, loaded.Guardrails, name)
		assert.True(t, original.CreatedAt.Equal(loaded.CreatedAt), name)
	}
}

func TestPlanAndReportFiles(t *testing.T) {
	plan := &schemas.PackPlan{
		Summary:  "s",
		Journeys: []schemas.ProposedJourney{{ID: "j1", Title: "Open", Priority: "p0"}},
	}
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, SavePlan(path, plan))
	loaded, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Equal(t, plan, loaded)

	reportPath := writeFile(t, "run.json", `{"run_id":"r1","pack_id":"p","overall_result":"passed","summary":{"journeys_total":1,"journeys_passed":1}}`)
	report, err := LoadReport(reportPath)
	require.NoError(t, err)
	assert.Equal(t, "r1", report.RunID)
	assert.Equal(t, 1, report.Summary.JourneysPassed)
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, FormatJSON, FormatOf("a/b.JSON"))
	assert.Equal(t, FormatYAML, FormatOf("a/b.yaml"))
	assert.Equal(t, FormatYAML, FormatOf("pack"))
}
