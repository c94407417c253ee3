// cmd/watch_test.go
package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/progress"
)

func TestRunWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.jsonl")
	sink, err := progress.NewSink(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.Record(schemas.ProgressEvent{Seq: 1, Kind: schemas.ProgressRunStarted, Time: at, RunID: "run-1"})
	sink.Record(schemas.ProgressEvent{Seq: 2, Kind: schemas.ProgressRunCompleted, Time: at, RunID: "run-1", Status: "passed"})
	require.NoError(t, sink.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	opts := progress.FollowOptions{FromStart: true, UntilComplete: true, Poll: true}
	require.NoError(t, runWatch(ctx, zaptest.NewLogger(t), path, opts, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "12:00:00 run_started       run-1", lines[0])
	assert.Equal(t, "12:00:00 run_completed     run-1 [passed]", lines[1])
}
