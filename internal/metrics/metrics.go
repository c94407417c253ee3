// internal/metrics/metrics.go
// Description: Prometheus collectors describing pack runs.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

const namespace = "handrail"

// Recorder holds the run collectors in a private registry.
type Recorder struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	mu       sync.Mutex

	runs            *prometheus.CounterVec
	journeys        *prometheus.CounterVec
	steps           *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	confidence      *prometheus.GaugeVec
	fixQueue        *prometheus.GaugeVec
	fallbacks       *prometheus.CounterVec
	progressEvents  *prometheus.CounterVec
	lastRunFinished *prometheus.GaugeVec
}

// New creates a recorder and registers its collectors.
func New(logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	r := &Recorder{
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pack runs by overall result.",
		}, []string{"pack_id", "result"}),
		journeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journeys_total",
			Help:      "Scheduled journeys by result.",
		}, []string{"pack_id", "result"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Executed steps by status.",
		}, []string{"pack_id", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of pack runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pack_id"}),
		confidence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_confidence",
			Help:      "Confidence score of the latest run of each pack.",
		}, []string{"pack_id"}),
		fixQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fix_queue_items",
			Help:      "Fix-queue length of the latest run of each pack.",
		}, []string{"pack_id"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perception_fallbacks_total",
			Help:      "Evidence captures that fell back to another perception channel.",
		}, []string{"pack_id"}),
		progressEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_events_total",
			Help:      "Progress events emitted by the runner.",
		}, []string{"kind"}),
		lastRunFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_finished_timestamp_seconds",
			Help:      "Unix time the latest run of each pack finished.",
		}, []string{"pack_id"}),
	}

	for _, c := range []prometheus.Collector{
		r.runs, r.journeys, r.steps, r.runDuration, r.confidence,
		r.fixQueue, r.fallbacks, r.progressEvents, r.lastRunFinished,
	} {
		if err := r.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return r, nil
}

// Registry exposes the recorder's registry as a gatherer.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records one built pack report.
func (r *Recorder) Observe(report *schemas.PackReport) {
	if report == nil {
		return
	}
	pack := report.PackID

	r.runs.WithLabelValues(pack, report.OverallResult).Inc()
	for _, jr := range report.JourneyResults {
		r.journeys.WithLabelValues(pack, jr.Result).Inc()
	}

	s := report.Summary
	for status, n := range map[string]int{
		"passed":  s.StepsPassed,
		"failed":  s.StepsFailed,
		"skipped": s.StepsSkipped,
		"warned":  s.StepsWarned,
	} {
		if n > 0 {
			r.steps.WithLabelValues(pack, status).Add(float64(n))
		}
	}

	r.runDuration.WithLabelValues(pack).Observe(float64(report.DurationMs) / 1000)
	if report.Confidence != nil {
		r.confidence.WithLabelValues(pack).Set(report.Confidence.Score)
	}
	r.fixQueue.WithLabelValues(pack).Set(float64(len(report.FixQueue)))
	if n := report.PerceptionStats.Fallbacks; n > 0 {
		r.fallbacks.WithLabelValues(pack).Add(float64(n))
	}
	if !report.FinishedAt.IsZero() {
		r.lastRunFinished.WithLabelValues(pack).Set(float64(report.FinishedAt.UnixNano()) / 1e9)
	}
}

// ProgressFunc counts progress events by kind. It is safe to chain with
// other progress consumers.
func (r *Recorder) ProgressFunc(next schemas.ProgressFunc) schemas.ProgressFunc {
	return func(ev schemas.ProgressEvent) {
		r.progressEvents.WithLabelValues(string(ev.Kind)).Inc()
		if next != nil {
			next(ev)
		}
	}
}

// WriteTextfile exports the registry in the node-exporter textfile format.
// The write is atomic.
func (r *Recorder) WriteTextfile(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	r.logger.Debug("Metrics textfile written.", zap.String("path", path))
	return nil
}
