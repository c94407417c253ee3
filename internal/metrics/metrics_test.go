package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/handrail/api/schemas"
)

func sampleReport() *schemas.PackReport {
	return &schemas.PackReport{
		RunID:         "run-1",
		PackID:        "web",
		OverallResult: schemas.ResultFailed,
		FinishedAt:    time.Unix(1767225600, 0),
		DurationMs:    3000,
		Summary:       schemas.Summary{StepsPassed: 7, StepsFailed: 2, StepsSkipped: 1},
		JourneyResults: []schemas.JourneyResult{
			{JourneyID: "a", Result: schemas.ResultPassed},
			{JourneyID: "b", Result: schemas.ResultFailed},
			{JourneyID: "c", Result: schemas.ResultPassed},
		},
		FixQueue:        []schemas.FixQueueItem{{Rank: 1}, {Rank: 2}},
		PerceptionStats: schemas.PerceptionStats{Fallbacks: 3},
		Confidence:      &schemas.ConfidenceScore{Score: 0.55, Label: "LOW"},
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestObserve(t *testing.T) {
	r, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	r.Observe(sampleReport())
	r.Observe(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("web", schemas.ResultFailed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.journeys.WithLabelValues("web", schemas.ResultPassed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.journeys.WithLabelValues("web", schemas.ResultFailed)))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.steps.WithLabelValues("web", "passed")))
	assert.Equal(t, 3, testutil.CollectAndCount(r.steps), "zero counters are not created")
	assert.Equal(t, 0.55, testutil.ToFloat64(r.confidence.WithLabelValues("web")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.fixQueue.WithLabelValues("web")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.fallbacks.WithLabelValues("web")))
	assert.Equal(t, 1767225600.0, testutil.ToFloat64(r.lastRunFinished.WithLabelValues("web")))

	expected := `
# HELP handrail_runs_total Pack runs by overall result.
# TYPE handrail_runs_total counter
handrail_runs_total{pack_id="web",result="failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "handrail_runs_total"))
}

func TestObserve_LatestRunWinsForGauges(t *testing.T) {
	r, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	first := sampleReport()
	second := sampleReport()
	second.FixQueue = nil
	second.Confidence.Score = 0.9
	r.Observe(first)
	r.Observe(second)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.runs.WithLabelValues("web", schemas.ResultFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.fixQueue.WithLabelValues("web")))
	assert.Equal(t, 0.9, testutil.ToFloat64(r.confidence.WithLabelValues("web")))
}

func TestProgressFunc(t *testing.T) {
	r, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	var forwarded []schemas.ProgressKind
	fn := r.ProgressFunc(func(ev schemas.ProgressEvent) { forwarded = append(forwarded, ev.Kind) })
	fn(schemas.ProgressEvent{Kind: schemas.ProgressRunStarted})
	fn(schemas.ProgressEvent{Kind: schemas.ProgressStepCompleted})
	fn(schemas.ProgressEvent{Kind: schemas.ProgressStepCompleted})
	r.ProgressFunc(nil)(schemas.ProgressEvent{Kind: schemas.ProgressRunCompleted})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.progressEvents.WithLabelValues(string(schemas.ProgressStepCompleted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.progressEvents.WithLabelValues(string(schemas.ProgressRunCompleted))))
	assert.Len(t, forwarded, 3)
}

func TestWriteTextfile(t *testing.T) {
	r, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)
	r.Observe(sampleReport())

	path := filepath.Join(t.TempDir(), "textfile", "handrail.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `handrail_runs_total{pack_id="web",result="failed"} 1`)
	assert.Contains(t, string(data), "handrail_run_duration_seconds_bucket")
}
