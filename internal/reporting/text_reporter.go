package reporting

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// TextReporter writes a plain-text summary for people reading a terminal or a CI log.
type TextReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	mu     sync.Mutex
}

// NewTextReporter creates a reporter that owns writer.
func NewTextReporter(writer io.WriteCloser, logger *zap.Logger) *TextReporter {
	return &TextReporter{writer: writer, logger: logger.Named("text_reporter")}
}

// Write renders report.
func (r *TextReporter) Write(report *schemas.PackReport) error {
	if report == nil {
		return fmt.Errorf("cannot write a nil report")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w := bufio.NewWriter(r.writer)
	renderText(w, report)
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (r *TextReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Close(); err != nil {
		r.logger.Error("Failed to close output writer", zap.Error(err))
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	return nil
}

func renderText(w io.Writer, rep *schemas.PackReport) {
	fmt.Fprintf(w, "Pack %s (%s)\n", rep.PackName, rep.PackID)
	fmt.Fprintf(w, "  run:        %s\n", rep.RunID)
	fmt.Fprintf(w, "  result:     %s\n", strings.ToUpper(rep.OverallResult))
	if rep.AbortReason != "" {
		fmt.Fprintf(w, "  aborted:    %s\n", rep.AbortReason)
	}
	if c := rep.Confidence; c != nil {
		fmt.Fprintf(w, "  confidence: %.2f %s\n", c.Score, c.Label)
	}
	fmt.Fprintf(w, "  duration:   %s\n", (time.Duration(rep.DurationMs) * time.Millisecond).String())

	s := rep.Summary
	fmt.Fprintf(w, "\nJourneys: %d total, %d passed, %d failed, %d skipped\n",
		s.JourneysTotal, s.JourneysPassed, s.JourneysFailed, s.JourneysSkipped)
	fmt.Fprintf(w, "Flows:    %d total, %d passed, %d failed\n", s.FlowsTotal, s.FlowsPassed, s.FlowsFailed)
	fmt.Fprintf(w, "Steps:    %d total, %d passed, %d failed, %d skipped, %d warned\n",
		s.StepsTotal, s.StepsPassed, s.StepsFailed, s.StepsSkipped, s.StepsWarned)

	if len(rep.JourneyResults) > 0 {
		fmt.Fprintln(w, "\nJOURNEYS")
		for _, jr := range rep.JourneyResults {
			fmt.Fprintf(w, "  %-8s %s [%s] %dms", jr.Result, jr.JourneyID, jr.Priority, jr.DurationMs)
			if jr.Reason != "" {
				fmt.Fprintf(w, ": %s", jr.Reason)
			}
			fmt.Fprintln(w)
		}
	}

	if len(rep.CoverageMap) > 0 {
		fmt.Fprintln(w, "\nCOVERAGE")
		for _, c := range rep.CoverageMap {
			ids := make([]string, 0, len(c.Journeys))
			for id := range c.Journeys {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			fmt.Fprintf(w, "  %-12s %s", c.Status, c.Area)
			if len(ids) > 0 {
				fmt.Fprintf(w, " (%s)", strings.Join(ids, ", "))
			}
			fmt.Fprintln(w)
		}
	}

	if len(rep.FixQueue) > 0 {
		fmt.Fprintln(w, "\nFIX QUEUE")
		for _, item := range rep.FixQueue {
			fmt.Fprintf(w, "  %d. %s (x%d)\n", item.Rank, item.Title, item.Occurrences)
			if item.Packet.Summary != "" {
				fmt.Fprintf(w, "     %s\n", item.Packet.Summary)
			}
			for _, c := range item.NextChecks {
				fmt.Fprintf(w, "     check: %s\n", c)
			}
			for _, p := range item.Packet.EvidencePaths {
				fmt.Fprintf(w, "     evidence: %s\n", p)
			}
		}
	}

	if len(rep.Warnings) > 0 {
		fmt.Fprintln(w, "\nWARNINGS")
		for _, wr := range rep.Warnings {
			loc := wr.FlowID
			if wr.StepOrder > 0 {
				loc = fmt.Sprintf("%s#%d", wr.FlowID, wr.StepOrder)
			}
			fmt.Fprintf(w, "  %s: %s\n", loc, wr.Message)
		}
	}

	if ps := rep.PerceptionStats; ps.TotalCaptures > 0 {
		modes := make([]string, 0, len(ps.ByMode))
		for m := range ps.ByMode {
			modes = append(modes, m)
		}
		sort.Strings(modes)
		parts := make([]string, len(modes))
		for i, m := range modes {
			parts[i] = fmt.Sprintf("%s=%d", m, ps.ByMode[m])
		}
		fmt.Fprintf(w, "\nPerception: %d captures (%s), %d fallbacks (%.0f%%)\n",
			ps.TotalCaptures, strings.Join(parts, ", "), ps.Fallbacks, ps.FallbackRate*100)
	}

	if len(rep.AuditLog) > 0 {
		fmt.Fprintln(w, "\nAUDIT")
		for _, a := range rep.AuditLog {
			fmt.Fprintf(w, "  %s\n", a)
		}
	}
}
