// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/backend"
	"github.com/xkilldash9x/handrail/internal/executor"
	"github.com/xkilldash9x/handrail/internal/report"
	"github.com/xkilldash9x/handrail/internal/runner"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Mock Implementations for Testing --

type mockPlanner struct {
	plan  *schemas.PackPlan
	err   error
	panic bool
	calls int
}

func (m *mockPlanner) Plan(ctx context.Context, pack *schemas.TestPack) (*schemas.PackPlan, error) {
	m.calls++
	if m.panic {
		panic("planner exploded")
	}
	return m.plan, m.err
}

type mockCompiler struct {
	out   *schemas.CompileOutput
	err   error
	calls int
	plan  *schemas.PackPlan // -- captures the plan it was handed --
}

func (m *mockCompiler) Compile(ctx context.Context, pack *schemas.TestPack, plan *schemas.PackPlan) (*schemas.CompileOutput, error) {
	m.calls++
	m.plan = plan
	return m.out, m.err
}

type mockExecutor struct {
	mu     sync.Mutex
	report *schemas.PackReport
	panic  bool
	calls  int
}

func (m *mockExecutor) ExecuteWithProgress(ctx context.Context, pack *schemas.TestPack, progress schemas.ProgressFunc) *schemas.PackReport {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.panic {
		panic("executor exploded")
	}
	if progress != nil {
		progress(schemas.ProgressEvent{Kind: schemas.ProgressRunStarted})
		progress(schemas.ProgressEvent{Kind: schemas.ProgressRunCompleted})
	}
	return m.report
}

type mockBuilder struct {
	calls  int
	nilOut bool
}

func (m *mockBuilder) Build(raw *schemas.PackReport, pack *schemas.TestPack, plan *schemas.PackPlan) *schemas.PackReport {
	m.calls++
	if m.nilOut {
		return nil
	}
	out := *raw
	out.Confidence = &schemas.ConfidenceScore{Score: 0.95, Label: "HIGH"}
	return &out
}

// -- Fixtures --

func inputPack() *schemas.TestPack {
	return &schemas.TestPack{ID: "pack-1", Name: "Notepad smoke"}
}

func onePlan() *schemas.PackPlan {
	return &schemas.PackPlan{Journeys: []schemas.ProposedJourney{{ID: "j1", Title: "Open file", Priority: "p0"}}}
}

func compiled() *schemas.CompileOutput {
	return &schemas.CompileOutput{Pack: &schemas.TestPack{ID: "pack-1"}, Attempts: 1}
}

type fixture struct {
	planner  *mockPlanner
	compiler *mockCompiler
	executor *mockExecutor
	builder  *mockBuilder
	orch     *Orchestrator
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		planner:  &mockPlanner{plan: onePlan()},
		compiler: &mockCompiler{out: compiled()},
		executor: &mockExecutor{report: &schemas.PackReport{RunID: "r1", OverallResult: schemas.ResultPassed}},
		builder:  &mockBuilder{},
	}
	o, err := New(zaptest.NewLogger(t), f.planner, f.compiler, f.executor, f.builder, opts...)
	require.NoError(t, err)
	f.orch = o
	return f
}

// -- Test Cases --

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("nil dependencies", func(t *testing.T) {
		_, err := New(nil, nil, nil, &mockExecutor{}, &mockBuilder{})
		assert.Error(t, err)
		_, err = New(logger, nil, nil, nil, &mockBuilder{})
		assert.Error(t, err)
		_, err = New(logger, nil, nil, &mockExecutor{}, nil)
		assert.Error(t, err)
	})

	t.Run("planner optional", func(t *testing.T) {
		o, err := New(logger, nil, nil, &mockExecutor{}, &mockBuilder{})
		require.NoError(t, err)
		_, err = o.Plan(context.Background(), inputPack())
		assert.ErrorIs(t, err, ErrNoPlanner)
		_, err = o.Compile(context.Background(), inputPack(), onePlan())
		assert.ErrorIs(t, err, ErrNoPlanner)
	})
}

func TestRunFullPipeline_Success(t *testing.T) {
	f := newFixture(t)
	res := f.orch.RunFullPipeline(context.Background(), inputPack())

	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Empty(t, res.FailedPhase)
	assert.Empty(t, res.Error)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Phases, 4)
	for i, p := range []Phase{PhasePlan, PhaseCompile, PhaseExecute, PhaseReport} {
		assert.Equal(t, p, res.Phases[i].Phase)
		assert.True(t, res.Phases[i].Success)
	}
	assert.Same(t, f.compiler.plan, res.Plan, "compiler receives the planner's output")
	assert.NotNil(t, res.RawReport)
	require.NotNil(t, res.Report)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 0.95, res.Confidence.Score)
}

func TestRunFullPipeline_ShortCircuits(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(f *fixture)
		failed    Phase
		phases    int
		errIs     error
		keepsPlan bool
	}{
		{
			name:   "planner error",
			mutate: func(f *fixture) { f.planner.err = errors.New("quota exceeded") },
			failed: PhasePlan, phases: 1,
		},
		{
			name:   "empty plan",
			mutate: func(f *fixture) { f.planner.plan = &schemas.PackPlan{} },
			failed: PhasePlan, phases: 1, errIs: ErrEmptyPlan,
		},
		{
			name:   "nil plan",
			mutate: func(f *fixture) { f.planner.plan = nil },
			failed: PhasePlan, phases: 1, errIs: ErrEmptyPlan,
		},
		{
			name:   "planner panic",
			mutate: func(f *fixture) { f.planner.panic = true },
			failed: PhasePlan, phases: 1,
		},
		{
			name: "compile validation errors",
			mutate: func(f *fixture) {
				f.compiler.out = &schemas.CompileOutput{Errors: []string{"flow \"x\": no steps"}, Attempts: 3}
			},
			failed: PhaseCompile, phases: 2, errIs: ErrCompileFailed, keepsPlan: true,
		},
		{
			name:   "compile returns nothing",
			mutate: func(f *fixture) { f.compiler.out = nil },
			failed: PhaseCompile, phases: 2, errIs: ErrCompileFailed, keepsPlan: true,
		},
		{
			name:   "executor panic",
			mutate: func(f *fixture) { f.executor.panic = true },
			failed: PhaseExecute, phases: 3, keepsPlan: true,
		},
		{
			name:   "executor returns nil",
			mutate: func(f *fixture) { f.executor.report = nil },
			failed: PhaseExecute, phases: 3, keepsPlan: true,
		},
		{
			name:   "builder returns nil",
			mutate: func(f *fixture) { f.builder.nilOut = true },
			failed: PhaseReport, phases: 4, keepsPlan: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			tc.mutate(f)
			res := f.orch.RunFullPipeline(context.Background(), inputPack())

			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.Equal(t, tc.failed, res.FailedPhase)
			assert.Contains(t, res.Error, string(tc.failed)+" phase failed")
			require.Len(t, res.Phases, tc.phases, "later phases must not run")
			last := res.Phases[len(res.Phases)-1]
			assert.False(t, last.Success)
			assert.NotEmpty(t, last.Error)
			if tc.keepsPlan {
				assert.NotNil(t, res.Plan, "earlier outputs are retained")
			}
			if tc.errIs != nil {
				pr, ok := res.PhaseResult(tc.failed)
				require.True(t, ok)
				assert.Contains(t, pr.Error, tc.errIs.Error())
			}
		})
	}
}

func TestRunFullPipeline_CompileErrorsRetained(t *testing.T) {
	f := newFixture(t)
	f.compiler.out = &schemas.CompileOutput{Errors: []string{"bad selector"}, Attempts: 2}

	res := f.orch.RunFullPipeline(context.Background(), inputPack())
	require.NotNil(t, res.Compiled)
	assert.Equal(t, []string{"bad selector"}, res.Compiled.Errors)
	assert.Equal(t, 0, f.executor.calls)
	assert.Equal(t, 0, f.builder.calls)
}

func TestRunFullPipeline_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := f.orch.RunFullPipeline(ctx, inputPack())
	assert.False(t, res.Success)
	assert.Equal(t, PhasePlan, res.FailedPhase)
	assert.Contains(t, res.Error, "cancelled before plan")
	assert.Equal(t, 0, f.planner.calls)
}

func TestRunCompiled(t *testing.T) {
	t.Run("skips planning", func(t *testing.T) {
		f := newFixture(t)
		res := f.orch.RunCompiled(context.Background(), compiled().Pack, nil)
		assert.True(t, res.Success)
		assert.Equal(t, 0, f.planner.calls)
		assert.Equal(t, 0, f.compiler.calls)
		require.Len(t, res.Phases, 2)
		assert.Equal(t, PhaseExecute, res.Phases[0].Phase)
	})

	t.Run("nil pack fails execute", func(t *testing.T) {
		f := newFixture(t)
		res := f.orch.RunCompiled(context.Background(), nil, nil)
		assert.False(t, res.Success)
		assert.Equal(t, PhaseExecute, res.FailedPhase)
	})
}

func TestProgressForwarded(t *testing.T) {
	var got []schemas.ProgressKind
	f := newFixture(t, WithProgress(func(ev schemas.ProgressEvent) { got = append(got, ev.Kind) }))
	f.orch.RunFullPipeline(context.Background(), inputPack())
	assert.Equal(t, []schemas.ProgressKind{schemas.ProgressRunStarted, schemas.ProgressRunCompleted}, got)
}

func TestPhasesIndependentlyInvocable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plan, err := f.orch.Plan(ctx, inputPack())
	require.NoError(t, err)
	out, err := f.orch.Compile(ctx, inputPack(), plan)
	require.NoError(t, err)
	raw, err := f.orch.Execute(ctx, out.Pack)
	require.NoError(t, err)
	built, err := f.orch.Report(raw, out.Pack, plan)
	require.NoError(t, err)
	assert.NotNil(t, built.Confidence)

	_, err = f.orch.Report(nil, nil, nil)
	assert.Error(t, err)
	_, err = f.orch.Plan(ctx, nil)
	assert.Error(t, err)
}

// An aborted run is still a successful execute phase; the abort is recorded in the report.
func TestRunCompiled_RealRunnerAbortedRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := runner.New(logger, backend.NewRegistry(logger).Resolver(), runner.Options{
		Executor: executor.Options{DefaultDelay: time.Microsecond},
	})
	o, err := New(logger, nil, nil, r, report.NewBuilder(logger))
	require.NoError(t, err)

	// No journeys trips the guardrails before anything executes.
	res := o.RunCompiled(context.Background(), &schemas.TestPack{ID: "empty", Guardrails: schemas.DefaultGuardrails()}, nil)
	assert.True(t, res.Success)
	require.NotNil(t, res.Report)
	assert.Equal(t, schemas.ResultAborted, res.Report.OverallResult)
	require.NotNil(t, res.Confidence)
	assert.Equal(t, 0.0, res.Confidence.Score)
}

func TestRunFullPipeline_RealRunnerDryRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	r := runner.New(logger, backend.NewRegistry(logger).Resolver(), runner.Options{
		Executor: executor.Options{DefaultDelay: time.Microsecond},
	})
	pack := &schemas.TestPack{
		ID:         "dry",
		Targets:    []schemas.Target{{ID: "app", Kind: "desktop"}},
		Guardrails: schemas.DefaultGuardrails(),
		Journeys:   []schemas.Journey{{ID: "j1", Title: "Open file", Priority: "p0", FlowRefs: []string{"f1"}}},
		Flows: []schemas.TestFlow{{TestName: "f1", Backend: backend.DryRunName, Steps: []schemas.TestStep{
			{Order: 1, Action: schemas.ActionFocusWindow},
		}}},
	}
	planner := &mockPlanner{plan: onePlan()}
	compiler := &mockCompiler{out: &schemas.CompileOutput{Pack: pack, Attempts: 1}}

	o, err := New(logger, planner, compiler, r, report.NewBuilder(logger))
	require.NoError(t, err)
	res := o.RunFullPipeline(context.Background(), inputPack())

	require.True(t, res.Success, res.Error)
	assert.Equal(t, schemas.ResultPassed, res.Report.OverallResult)
	require.Len(t, res.Report.CoverageMap, 1)
	assert.Equal(t, schemas.CoverageOK, res.Report.CoverageMap[0].Status)
	assert.Equal(t, report.LabelHigh, res.Confidence.Label)
}
