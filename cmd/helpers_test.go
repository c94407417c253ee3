// cmd/helpers_test.go
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/orchestrator"
	"github.com/xkilldash9x/handrail/internal/store"
)

const validPackYAML = `
id: notepad-smoke
name: Notepad smoke
targets:
  - id: notepad
    kind: desktop
    process_name: notepad.exe
    backend: desktop-uia
journeys:
  - id: open-file
    title: Open file
    priority: p0
    flow_refs: [open_flow]
flows:
  - test_name: open_flow
    backend: desktop-uia
    target_app: notepad.exe
    steps:
      - order: 1
        action: launch
        value: notepad.exe
`

const brokenPackYAML = `
id: broken
name: Broken
journeys:
  - id: checkout
    title: Checkout
    priority: p1
    flow_refs: [missing_flow]
flows: []
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// testConfig returns defaults with reports going to a temp dir.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.SetReportOutputDir(t.TempDir())
	cfg.RunnerCfg.ArtifactsDir = t.TempDir()
	cfg.PlannerCfg.Provider = config.ProviderOffline
	return cfg
}

func builtReport(packID, runID, overall string) *schemas.PackReport {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &schemas.PackReport{
		RunID:         runID,
		PackID:        packID,
		PackName:      packID,
		OverallResult: overall,
		StartedAt:     started,
		FinishedAt:    started.Add(2 * time.Second),
		Confidence:    &schemas.ConfidenceScore{Score: 0.9, Label: "high"},
	}
}

// fakePipeline returns a canned result per pack id and emits one progress event.
type fakePipeline struct {
	results  map[string]*orchestrator.Result
	progress schemas.ProgressFunc
	compiled bool
}

func (p *fakePipeline) result(pack *schemas.TestPack) *orchestrator.Result {
	if p.progress != nil {
		p.progress(schemas.ProgressEvent{Kind: schemas.ProgressRunCompleted, RunID: "run-" + pack.ID, Time: time.Now()})
	}
	if res, ok := p.results[pack.ID]; ok {
		return res
	}
	return &orchestrator.Result{Success: true, Report: builtReport(pack.ID, "run-"+pack.ID, schemas.ResultPassed)}
}

func (p *fakePipeline) RunFullPipeline(ctx context.Context, input *schemas.TestPack) *orchestrator.Result {
	return p.result(input)
}

func (p *fakePipeline) RunCompiled(ctx context.Context, pack *schemas.TestPack, plan *schemas.PackPlan) *orchestrator.Result {
	p.compiled = true
	return p.result(pack)
}

// fakeFactory records every request and counts cleanups.
type fakeFactory struct {
	mu       sync.Mutex
	results  map[string]*orchestrator.Result
	requests []pipelineRequest
	packs    []*fakePipeline
	cleanups int
	err      error
}

func (f *fakeFactory) Create(ctx context.Context, cfg config.Interface, req pipelineRequest) (pipeline, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, nil, f.err
	}
	p := &fakePipeline{results: f.results, progress: req.Progress}
	f.packs = append(f.packs, p)
	return p, func() {
		f.mu.Lock()
		f.cleanups++
		f.mu.Unlock()
	}, nil
}

// mockStore is a testify mock of runStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveRun(ctx context.Context, report *schemas.PackReport) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

func (m *mockStore) GetRun(ctx context.Context, runID string) (*schemas.PackReport, error) {
	args := m.Called(ctx, runID)
	rep, _ := args.Get(0).(*schemas.PackReport)
	return rep, args.Error(1)
}

func (m *mockStore) ListRuns(ctx context.Context, packID string, limit int) ([]store.RunSummary, error) {
	args := m.Called(ctx, packID, limit)
	runs, _ := args.Get(0).([]store.RunSummary)
	return runs, args.Error(1)
}

// mockStoreProvider hands out a fixed store.
type mockStoreProvider struct {
	store   runStore
	err     error
	created int
	closed  int
}

func (p *mockStoreProvider) Create(ctx context.Context, cfg config.Interface) (runStore, func(), error) {
	p.created++
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.store, func() { p.closed++ }, nil
}
