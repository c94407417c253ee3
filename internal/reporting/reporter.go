// internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Supported output formats.
const (
	FormatJSON  = "json"
	FormatSARIF = "sarif"
	FormatText  = "text"
)

// Reporter defines the interface for writing pack reports to an output.
type Reporter interface {
	// Write processes a single built pack report.
	Write(report *schemas.PackReport) error
	// Close finalizes the report and closes any underlying resources (e.g., file handles).
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// Extension returns the file extension used for a format.
func Extension(format string) string {
	switch format {
	case FormatSARIF:
		return ".sarif"
	case FormatText:
		return ".txt"
	default:
		return ".json"
	}
}

// New creates a new reporter based on the specified format and output path.
// An empty path or "stdout" writes to standard output.
func New(format, outputPath, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	switch format {
	case FormatJSON, FormatSARIF, FormatText:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory for %s: %w", outputPath, err)
		}
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	return newReporter(format, writer, toolVersion, logger), nil
}

// NewWriter creates a reporter that writes to w. Closing it does not close w.
func NewWriter(format string, w io.Writer, toolVersion string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	switch format {
	case FormatJSON, FormatSARIF, FormatText:
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return newReporter(format, &nopWriteCloser{w}, toolVersion, logger), nil
}

func newReporter(format string, writer io.WriteCloser, toolVersion string, logger *zap.Logger) Reporter {
	switch format {
	case FormatSARIF:
		return NewSARIFReporter(writer, toolVersion, logger)
	case FormatText:
		return NewTextReporter(writer, logger)
	default:
		return NewJSONReporter(writer, logger)
	}
}

// WriteFiles writes report once per format into dir, naming each file after
// the run id. It returns the paths written.
func WriteFiles(dir string, formats []string, report *schemas.PackReport, toolVersion string, logger *zap.Logger) ([]string, error) {
	var paths []string
	for _, format := range formats {
		path := filepath.Join(dir, report.RunID+Extension(format))
		r, err := New(format, path, toolVersion, logger)
		if err != nil {
			return paths, err
		}
		if err := r.Write(report); err != nil {
			_ = r.Close()
			return paths, fmt.Errorf("failed to write %s report: %w", format, err)
		}
		if err := r.Close(); err != nil {
			return paths, fmt.Errorf("failed to finalize %s report: %w", format, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
