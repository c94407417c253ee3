// internal/progress/progress.go
// Description: JSON-lines progress log written during a run and followed by `handrail watch`.
package progress

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hpcloud/tail"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sink appends progress events to a file, one JSON object per line.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	logger *zap.Logger
	failed bool
}

// NewSink opens path for appending, creating parent directories as needed.
func NewSink(path string, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create progress directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open progress file %s: %w", path, err)
	}
	return &Sink{
		file:   f,
		buf:    bufio.NewWriter(f),
		logger: logger.Named("progress").With(zap.String("path", path)),
	}, nil
}

// Record writes one event and flushes it so followers see it immediately.
// Write failures are logged once; progress is never allowed to fail a run.
func (s *Sink) Record(ev schemas.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}

	line, err := json.Marshal(ev)
	if err == nil {
		line = append(line, '\n')
		if _, err = s.buf.Write(line); err == nil {
			err = s.buf.Flush()
		}
	}
	if err != nil && !s.failed {
		s.failed = true
		s.logger.Warn("Failed to write progress event; further write errors are suppressed.", zap.Error(err))
	}
}

// Func adapts the sink to schemas.ProgressFunc, calling next afterwards.
func (s *Sink) Func(next schemas.ProgressFunc) schemas.ProgressFunc {
	return func(ev schemas.ProgressEvent) {
		s.Record(ev)
		if next != nil {
			next(ev)
		}
	}
}

// Close flushes and closes the file. It is safe to call more than once.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	flushErr := s.buf.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return fmt.Errorf("failed to flush progress file: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close progress file: %w", closeErr)
	}
	return nil
}

// FollowOptions controls Follow.
type FollowOptions struct {
	// FromStart replays events already in the file instead of only new ones.
	FromStart bool
	// UntilComplete stops following after a run_completed event.
	UntilComplete bool
	// Poll uses stat polling instead of inotify.
	Poll bool
}

// Follow tails a progress file and passes each decoded event to fn. It
// returns nil when ctx is cancelled or, with UntilComplete, after the first
// run_completed event. Lines that do not decode are logged and skipped.
func Follow(ctx context.Context, path string, opts FollowOptions, fn func(schemas.ProgressEvent), logger *zap.Logger) error {
	if logger == nil {
		return fmt.Errorf("logger cannot be nil")
	}
	logger = logger.Named("progress_follower").With(zap.String("path", path))

	cfg := tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   opts.Poll,
		Logger: tail.DiscardingLogger,
	}
	if !opts.FromStart {
		cfg.Location = &tail.SeekInfo{Offset: 0, Whence: 2}
	}
	t, err := tail.TailFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to tail progress file: %w", err)
	}
	defer func() {
		_ = t.Stop()
		t.Cleanup()
	}()

	logger.Debug("Following progress file.", zap.Bool("from_start", opts.FromStart))
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return t.Err()
			}
			if line.Err != nil {
				logger.Warn("Error reading progress file.", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var ev schemas.ProgressEvent
			if err := json.Unmarshal([]byte(text), &ev); err != nil {
				logger.Warn("Skipping malformed progress line.", zap.Error(err))
				continue
			}
			fn(ev)
			if opts.UntilComplete && ev.Kind == schemas.ProgressRunCompleted {
				return nil
			}
		}
	}
}

// Format renders an event as a single human-readable line.
func Format(ev schemas.ProgressEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-17s", ev.Time.Format(time.TimeOnly), ev.Kind)
	switch {
	case ev.StepOrder > 0:
		fmt.Fprintf(&b, " %s#%d", ev.FlowID, ev.StepOrder)
	case ev.FlowID != "":
		fmt.Fprintf(&b, " %s", ev.FlowID)
	case ev.JourneyID != "":
		fmt.Fprintf(&b, " %s", ev.JourneyID)
	default:
		fmt.Fprintf(&b, " %s", ev.RunID)
	}
	if ev.Status != "" {
		fmt.Fprintf(&b, " [%s]", ev.Status)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}
	return b.String()
}
