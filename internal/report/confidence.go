// internal/report/confidence.go
package report

import (
	"math"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// Confidence weights. They sum to 1.
const (
	weightPassRate    = 0.60
	weightCoverage    = 0.20
	weightPerception  = 0.10
	weightWarningRate = 0.10
)

// Confidence labels.
const (
	LabelHigh     = "HIGH"
	LabelModerate = "MODERATE"
	LabelLow      = "LOW"
	LabelCritical = "CRITICAL"
)

// Score computes the confidence of a built report. A report with no journeys
// scores exactly 0.
func Score(r *schemas.PackReport) *schemas.ConfidenceScore {
	cs := &schemas.ConfidenceScore{}
	if r == nil || r.Summary.JourneysTotal == 0 {
		cs.Label = Label(0)
		return cs
	}

	cs.JourneyPassRate = float64(r.Summary.JourneysPassed) / float64(r.Summary.JourneysTotal)
	cs.CoverageCompletion = coverageCompletion(r.CoverageMap)
	cs.PerceptionReliability = 1 - r.PerceptionStats.FallbackRate
	if r.PerceptionStats.TotalCaptures == 0 {
		cs.PerceptionReliability = 1
	}
	warnRate := 0.0
	if r.Summary.StepsTotal > 0 {
		warnRate = float64(len(r.Warnings)) / float64(r.Summary.StepsTotal)
	}
	cs.WarningImpact = math.Max(0, 1-2*warnRate)

	score := cs.JourneyPassRate*weightPassRate +
		cs.CoverageCompletion*weightCoverage +
		cs.PerceptionReliability*weightPerception +
		cs.WarningImpact*weightWarningRate
	cs.Score = clamp01(score)
	cs.Label = Label(cs.Score)
	return cs
}

// Label maps a score onto its confidence band.
func Label(score float64) string {
	switch {
	case score >= 0.9:
		return LabelHigh
	case score >= 0.7:
		return LabelModerate
	case score >= 0.5:
		return LabelLow
	default:
		return LabelCritical
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
