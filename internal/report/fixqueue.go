// internal/report/fixqueue.go
package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/triage"
)

type fixGroup struct {
	flowID     string
	ftype      triage.FailureType
	firstOrder int
	failures   []failedStep
}

// buildFixQueue groups failures by (flow, failure type) and ranks the groups
// by descending size, then by the earliest failing step.
func buildFixQueue(failed []failedStep, pack *schemas.TestPack) []schemas.FixQueueItem {
	index := make(map[string]*fixGroup)
	var groups []*fixGroup
	for _, f := range failed {
		key := f.flow.FlowID + "\x00" + string(f.ftype)
		g, ok := index[key]
		if !ok {
			g = &fixGroup{flowID: f.flow.FlowID, ftype: f.ftype, firstOrder: f.step.StepOrder}
			index[key] = g
			groups = append(groups, g)
		}
		if f.step.StepOrder < g.firstOrder {
			g.firstOrder = f.step.StepOrder
		}
		g.failures = append(g.failures, f)
	}

	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if len(a.failures) != len(b.failures) {
			return len(a.failures) > len(b.failures)
		}
		if a.firstOrder != b.firstOrder {
			return a.firstOrder < b.firstOrder
		}
		if a.flowID != b.flowID {
			return a.flowID < b.flowID
		}
		return a.ftype < b.ftype
	})

	out := make([]schemas.FixQueueItem, 0, len(groups))
	for i, g := range groups {
		first := g.failures[0]
		causes := triage.LikelyCauses(g.ftype)
		out = append(out, schemas.FixQueueItem{
			Rank:         i + 1,
			Category:     g.ftype.Category(),
			Title:        fmt.Sprintf("%s in flow %q at step %d", g.ftype.Category(), g.flowID, g.firstOrder),
			JourneyID:    first.journeyID,
			FlowID:       g.flowID,
			FailureType:  string(g.ftype),
			Occurrences:  len(g.failures),
			LikelyCauses: causes,
			NextChecks:   triage.NextChecks(g.ftype),
			Packet: schemas.FixPacket{
				Summary:          packetSummary(g),
				EvidencePaths:    evidencePaths(g),
				SuspectedCauses:  append([]string(nil), causes...),
				ReproSteps:       reproSteps(pack, g.flowID, g.firstOrder),
				EvidenceChannels: evidenceChannels(g),
				FailingSteps:     failingSteps(g),
			},
		})
	}
	return out
}

func packetSummary(g *fixGroup) string {
	first := g.failures[0]
	msg := first.step.Message
	if msg == "" {
		msg = "no diagnostic message"
	}
	journey := ""
	if first.journeyID != "" {
		journey = fmt.Sprintf(" (journey %q)", first.journeyID)
	}
	return fmt.Sprintf("%d %s failure(s) in flow %q%s, first at step %d: %s",
		len(g.failures), g.ftype, g.flowID, journey, g.firstOrder, msg)
}

func evidencePaths(g *fixGroup) []string {
	seen := make(map[string]bool)
	out := []string{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range g.failures {
		add(f.evidence)
		for _, p := range f.step.EvidencePaths {
			add(p)
		}
	}
	return out
}

// evidenceChannels lists the deduplicated perception channels that observed the failures.
func evidenceChannels(g *fixGroup) []string {
	seen := make(map[string]bool)
	for _, f := range g.failures {
		if p := f.step.Perception; p != nil {
			if len(p.Channels) == 0 && p.Mode != "" {
				seen[string(p.Mode)] = true
			}
			for _, c := range p.Channels {
				seen[c] = true
			}
		}
		if f.evidence != "" {
			seen["screenshot"] = true
		}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func failingSteps(g *fixGroup) []int {
	seen := make(map[int]bool)
	var out []int
	for _, f := range g.failures {
		if !seen[f.step.StepOrder] {
			seen[f.step.StepOrder] = true
			out = append(out, f.step.StepOrder)
		}
	}
	sort.Ints(out)
	return out
}

// reproSteps reconstructs the flow's steps up to and including the first failing one.
func reproSteps(pack *schemas.TestPack, flowID string, upTo int) []string {
	out := []string{}
	if pack == nil {
		return out
	}
	flow, ok := pack.FlowByName(flowID)
	if !ok {
		return out
	}
	steps := append([]schemas.TestStep(nil), flow.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for _, s := range steps {
		if s.Order > upTo {
			break
		}
		out = append(out, fmt.Sprintf("%d. %s", s.Order, describeStep(s)))
	}
	return out
}

func describeStep(s schemas.TestStep) string {
	parts := []string{string(s.Action)}
	if !s.Selector.IsZero() {
		kind := s.Selector.Kind
		if kind == "" {
			kind = schemas.SelectorName
		}
		parts = append(parts, fmt.Sprintf("%s=%s", kind, s.Selector.Value))
	}
	if s.Value != "" {
		parts = append(parts, fmt.Sprintf("value=%q", s.Value))
	}
	if s.Expected != "" {
		parts = append(parts, fmt.Sprintf("expect=%q", s.Expected))
	}
	desc := strings.Join(parts, " ")
	if s.Description != "" {
		desc += " (" + s.Description + ")"
	}
	return desc
}
