// internal/runner/schedule.go
package runner

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// priorityRank orders p0 < p1 < p2 < p3 < anything else.
func priorityRank(p string) int {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "p0":
		return 0
	case "p1":
		return 1
	case "p2":
		return 2
	case "p3":
		return 3
	}
	return 4
}

// Schedule returns the journeys in execution order: priority first, then id.
// The input is not modified.
func Schedule(journeys []schemas.Journey) []schemas.Journey {
	out := append([]schemas.Journey(nil), journeys...)
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := priorityRank(out[i].EffectivePriority()), priorityRank(out[j].EffectivePriority())
		if ri != rj {
			return ri < rj
		}
		return out[i].ID < out[j].ID
	})
	return out
}
