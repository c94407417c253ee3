// internal/report/coverage.go
package report

import (
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// buildCoverage overlays journey results onto the plan's coverage map, or
// synthesizes one area per journey when no plan map is available. Required
// categories the map does not cover become gap entries.
func buildCoverage(results []schemas.JourneyResult, pack *schemas.TestPack, plan *schemas.PackPlan) []schemas.CoverageEntry {
	byID := make(map[string]schemas.JourneyResult, len(results))
	for _, jr := range results {
		byID[jr.JourneyID] = jr
	}

	out := []schemas.CoverageEntry{}
	if plan != nil && len(plan.CoverageMap) > 0 {
		for _, area := range plan.CoverageMap {
			entry := schemas.CoverageEntry{Area: area.Area, Category: area.Category, Journeys: map[string]string{}}
			for _, id := range area.JourneyIDs {
				if jr, ok := byID[id]; ok {
					entry.Journeys[id] = jr.Result
				} else {
					entry.Journeys[id] = schemas.CoverageNotExecuted
				}
			}
			entry.Status = areaStatus(entry.Journeys)
			out = append(out, entry)
		}
	} else {
		for _, j := range synthesisOrder(results, pack) {
			area := j.Title
			if area == "" {
				area = j.ID
			}
			entry := schemas.CoverageEntry{Area: area, Journeys: map[string]string{}}
			if len(j.Tags) > 0 {
				entry.Category = j.Tags[0]
			}
			if jr, ok := byID[j.ID]; ok {
				entry.Journeys[j.ID] = jr.Result
			} else {
				entry.Journeys[j.ID] = schemas.CoverageNotExecuted
			}
			entry.Status = areaStatus(entry.Journeys)
			out = append(out, entry)
		}
	}

	if pack != nil {
		for _, cat := range pack.CoveragePlan.RequiredCategories {
			if !hasCategory(out, cat) {
				out = append(out, schemas.CoverageEntry{Area: cat, Category: cat, Journeys: map[string]string{}, Status: schemas.CoverageGap})
			}
		}
	}
	return out
}

// synthesisOrder lists journeys in pack order, falling back on the results
// when no pack is available.
func synthesisOrder(results []schemas.JourneyResult, pack *schemas.TestPack) []schemas.Journey {
	if pack != nil && len(pack.Journeys) > 0 {
		return pack.Journeys
	}
	out := make([]schemas.Journey, 0, len(results))
	for _, jr := range results {
		out = append(out, schemas.Journey{ID: jr.JourneyID, Title: jr.Title})
	}
	return out
}

// areaStatus derives an area's status from its journeys' results.
func areaStatus(journeys map[string]string) string {
	if len(journeys) == 0 {
		return schemas.CoverageGap
	}
	var passed, failed int
	for _, r := range journeys {
		switch r {
		case schemas.ResultPassed:
			passed++
		case schemas.ResultFailed:
			failed++
		}
	}
	switch {
	case passed == len(journeys):
		return schemas.CoverageOK
	case passed > 0:
		return schemas.CoveragePartial
	case failed > 0:
		return schemas.CoverageFailed
	default:
		return schemas.CoverageNotExecuted
	}
}

func hasCategory(entries []schemas.CoverageEntry, cat string) bool {
	for _, e := range entries {
		if strings.EqualFold(e.Category, cat) {
			return true
		}
	}
	return false
}

// coverageCompletion is the fraction of coverage entries with status ok.
func coverageCompletion(entries []schemas.CoverageEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	ok := 0
	for _, e := range entries {
		if e.Status == schemas.CoverageOK {
			ok++
		}
	}
	return float64(ok) / float64(len(entries))
}
