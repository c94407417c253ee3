// internal/reporting/sarif_reporter.go
package reporting

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/reporting/sarif"
	"github.com/xkilldash9x/handrail/internal/triage"
)

// Constants for tool identification in the SARIF report.
const (
	ToolName     = "handrail"
	ToolInfoURI  = "https://github.com/xkilldash9x/handrail"
	SARIFVersion = "2.1.0"
	SARIFSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"

	fingerprintKey = "handrailFixGroup/v1"
)

// ruleIDSanitizer replaces characters not allowed in rule ids. Alphanumerics,
// underscore and dot are kept; every other run of characters becomes one hyphen.
var ruleIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.]+`)

// fixGroupFingerprint identifies a fix-queue group across runs of the same pack.
func fixGroupFingerprint(packID string, item schemas.FixQueueItem) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", packID, item.FlowID, item.FailureType)
	return hex.EncodeToString(h.Sum(nil))
}

// SARIFReporter renders the fix queue of each report as one SARIF run, with
// one rule per failure type. It is thread safe.
type SARIFReporter struct {
	writer      io.WriteCloser
	logger      *zap.Logger
	toolVersion string
	// mu protects the log structure.
	mu  sync.Mutex
	log *sarif.Log
}

// NewSARIFReporter creates a new reporter that writes SARIF output.
func NewSARIFReporter(writer io.WriteCloser, toolVersion string, logger *zap.Logger) *SARIFReporter {
	return &SARIFReporter{
		writer:      writer,
		logger:      logger.Named("sarif_reporter"),
		toolVersion: toolVersion,
		log: &sarif.Log{
			Version: SARIFVersion,
			Schema:  SARIFSchema,
			Runs:    []*sarif.Run{},
		},
	}
}

// Write converts a pack report into a SARIF run and adds it to the log.
func (r *SARIFReporter) Write(report *schemas.PackReport) error {
	if report == nil {
		return fmt.Errorf("cannot write a nil report")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &sarif.Run{
		Tool: &sarif.Tool{
			Driver: &sarif.ToolComponent{
				Name:           ToolName,
				Version:        pString(r.toolVersion),
				InformationURI: pString(ToolInfoURI),
				Rules:          []*sarif.ReportingDescriptor{},
			},
		},
		Invocations: []*sarif.Invocation{{
			ExecutionSuccessful: report.OverallResult != schemas.ResultAborted && report.OverallResult != schemas.ResultError,
			StartTimeUTC:        pTime(report.StartedAt),
			EndTimeUTC:          pTime(report.FinishedAt),
		}},
		Results: []*sarif.Result{},
		Properties: &sarif.PropertyBag{
			"run_id":         report.RunID,
			"pack_id":        report.PackID,
			"pack_name":      report.PackName,
			"overall_result": report.OverallResult,
		},
	}
	if report.Confidence != nil {
		(*run.Properties)["confidence_score"] = report.Confidence.Score
		(*run.Properties)["confidence_label"] = report.Confidence.Label
	}

	rules := make(map[string]string)
	for _, item := range report.FixQueue {
		ruleID, ok := rules[item.FailureType]
		if !ok {
			ruleID = r.addRule(run, item)
			rules[item.FailureType] = ruleID
		}
		run.Results = append(run.Results, r.createResult(report, item, ruleID))
	}
	r.log.Runs = append(r.log.Runs, run)

	r.logger.Debug("Wrote fix queue to SARIF buffer",
		zap.String("run_id", report.RunID),
		zap.Int("results", len(run.Results)),
		zap.Int("rules", len(run.Tool.Driver.Rules)),
	)
	return nil
}

// Close finalizes the SARIF log and writes it to the output writer.
func (r *SARIFReporter) Close() error {
	startTime := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.log)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		r.logger.Error("Failed to encode SARIF log to JSON", zap.Error(encodeErr))
		return fmt.Errorf("failed to encode SARIF output: %w", encodeErr)
	}
	if closeErr != nil {
		r.logger.Error("Failed to close output writer", zap.Error(closeErr))
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}

	r.logger.Info("Successfully wrote SARIF report",
		zap.Int("runs", len(r.log.Runs)),
		zap.Duration("duration_ms", time.Since(startTime)),
	)
	return nil
}

// RuleID derives the rule id for a failure type.
func RuleID(failureType string) string {
	name := strings.ToUpper(failureType)
	name = ruleIDSanitizer.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		name = "UNKNOWN"
	}
	return "HANDRAIL-" + name
}

func (r *SARIFReporter) addRule(run *sarif.Run, item schemas.FixQueueItem) string {
	ruleID := RuleID(item.FailureType)
	ft := triage.FailureType(item.FailureType)
	causes := triage.LikelyCauses(ft)
	checks := triage.NextChecks(ft)

	var md strings.Builder
	fmt.Fprintf(&md, "**%s**\n\n**Likely causes:**\n", ft.Category())
	for _, c := range causes {
		fmt.Fprintf(&md, "- %s\n", c)
	}
	md.WriteString("\n**Next checks:**\n")
	for _, c := range checks {
		fmt.Fprintf(&md, "- %s\n", c)
	}

	run.Tool.Driver.Rules = append(run.Tool.Driver.Rules, &sarif.ReportingDescriptor{
		ID:               ruleID,
		Name:             pString(item.FailureType),
		ShortDescription: &sarif.MultiformatMessageString{Text: pString(ft.Category())},
		FullDescription:  &sarif.MultiformatMessageString{Text: pString(strings.Join(causes, " "))},
		Help: &sarif.MultiformatMessageString{
			Text:     pString(strings.Join(checks, " ")),
			Markdown: pString(md.String()),
		},
		Properties: &sarif.PropertyBag{
			"tags": []string{"ui-test", "handrail"},
		},
	})
	return ruleID
}

func (r *SARIFReporter) createResult(report *schemas.PackReport, item schemas.FixQueueItem, ruleID string) *sarif.Result {
	text := item.Packet.Summary
	if text == "" {
		text = item.Title
	}

	logical := []*sarif.LogicalLocation{{
		Name:               pString(item.FlowID),
		FullyQualifiedName: pString(qualifiedName(report.PackID, item.JourneyID, item.FlowID)),
		Kind:               pString("flow"),
	}}
	location := &sarif.Location{
		LogicalLocations: logical,
		Message:          &sarif.Message{Text: pString(item.Title)},
	}
	if len(item.Packet.EvidencePaths) > 0 {
		location.PhysicalLocation = &sarif.PhysicalLocation{
			ArtifactLocation: &sarif.ArtifactLocation{URI: pString(item.Packet.EvidencePaths[0])},
		}
	}

	return &sarif.Result{
		RuleID:    ruleID,
		Message:   &sarif.Message{Text: pString(text)},
		Level:     mapFailureToSARIFLevel(item.FailureType),
		Locations: []*sarif.Location{location},
		PartialFingerprints: map[string]string{
			fingerprintKey: fixGroupFingerprint(report.PackID, item),
		},
		Properties: &sarif.PropertyBag{
			"rank":          item.Rank,
			"occurrences":   item.Occurrences,
			"journey_id":    item.JourneyID,
			"failing_steps": item.Packet.FailingSteps,
			"next_checks":   item.NextChecks,
		},
	}
}

func qualifiedName(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// mapFailureToSARIFLevel converts a failure type to a SARIF level.
func mapFailureToSARIFLevel(failureType string) sarif.Level {
	switch triage.FailureType(failureType) {
	case triage.AssertionFailed, triage.ElementNotFound, triage.Error:
		return sarif.LevelError
	case triage.Timeout:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

// pString returns a pointer to the given string value. Helper for optional SARIF fields.
func pString(s string) *string {
	return &s
}

func pTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	return pString(t.UTC().Format(time.RFC3339Nano))
}
