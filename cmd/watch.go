// cmd/watch.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/observability"
	"github.com/xkilldash9x/handrail/internal/progress"
)

func newWatchCmd() *cobra.Command {
	var opts progress.FollowOptions
	cmd := &cobra.Command{
		Use:   "watch [progress.jsonl]",
		Short: "Follow the progress log of a running pack",
		Long: `Tails a progress file written by 'handrail run' and prints one line per event.
Without an argument it follows runner.progress_file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			path := cfg.Runner().ProgressFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no progress file given and runner.progress_file is not set")
			}
			return runWatch(ctx, observability.GetLogger(), path, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.FromStart, "from-start", false, "Replay events already in the file")
	cmd.Flags().BoolVar(&opts.UntilComplete, "until-complete", false, "Exit after the first run_completed event")
	cmd.Flags().BoolVar(&opts.Poll, "poll", false, "Poll the file instead of using inotify")
	return cmd
}

// runWatch prints each progress event as it arrives.
func runWatch(ctx context.Context, logger *zap.Logger, path string, opts progress.FollowOptions, out io.Writer) error {
	logger.Debug("Watching progress file.", zap.String("path", path))
	return progress.Follow(ctx, path, opts, func(ev schemas.ProgressEvent) {
		fmt.Fprintln(out, progress.Format(ev))
	}, logger)
}
