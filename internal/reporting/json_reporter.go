package reporting

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

// JSONReporter writes each report as an indented JSON document as soon as it
// arrives. A single report produces a file that packfile.LoadReport can read.
type JSONReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	mu     sync.Mutex
	count  int
}

// NewJSONReporter creates a reporter that owns writer.
func NewJSONReporter(writer io.WriteCloser, logger *zap.Logger) *JSONReporter {
	return &JSONReporter{writer: writer, logger: logger.Named("json_reporter")}
}

// Write encodes report to the output.
func (r *JSONReporter) Write(report *schemas.PackReport) error {
	if report == nil {
		return fmt.Errorf("cannot write a nil report")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report %s: %w", report.RunID, err)
	}
	r.count++
	return nil
}

// Close closes the underlying writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writer.Close(); err != nil {
		r.logger.Error("Failed to close output writer", zap.Error(err))
		return fmt.Errorf("failed to close output writer: %w", err)
	}
	r.logger.Debug("JSON report finalized.", zap.Int("reports", r.count))
	return nil
}
