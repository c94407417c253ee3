// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/metrics"
	"github.com/xkilldash9x/handrail/internal/observability"
	"github.com/xkilldash9x/handrail/internal/orchestrator"
	"github.com/xkilldash9x/handrail/internal/packfile"
	"github.com/xkilldash9x/handrail/internal/progress"
	"github.com/xkilldash9x/handrail/internal/projectctx"
	"github.com/xkilldash9x/handrail/internal/reporting"
)

// runOptions holds the flags shared by run and execute.
type runOptions struct {
	// Compiled runs only the Execute and Report phases.
	Compiled     bool
	PlanPath     string
	ProjectDir   string
	ProgressFile string
	SavePlan     bool
}

// packOutcome is the result of one pack, printed in the summary.
type packOutcome struct {
	Path    string
	Result  *orchestrator.Result
	Reports []string
	Err     error
}

// failed reports whether the pack should fail the command.
func (o packOutcome) failed() bool {
	if o.Err != nil || o.Result == nil || !o.Result.Success || o.Result.Report == nil {
		return true
	}
	switch o.Result.Report.OverallResult {
	case schemas.ResultFailed, schemas.ResultAborted, schemas.ResultError:
		return true
	}
	return false
}

func newRunCmd(factory pipelineFactory, provider storeProvider) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <pack.yaml>...",
		Short: "Plan, compile, execute and report one or more test packs",
		Long: `Runs the full pipeline for each pack. Packs run concurrently, bounded by
runner.max_concurrent_packs, and each gets its own backends and report.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, args, opts, factory, provider)
		},
	}
	addRunFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "Use this plan instead of asking the planner")
	cmd.Flags().StringVar(&opts.ProjectDir, "project-dir", ".", "Repository to collect git context from (empty disables)")
	cmd.Flags().BoolVar(&opts.SavePlan, "save-plan", false, "Write the plan and compiled pack next to the reports")
	return cmd
}

func newExecuteCmd(factory pipelineFactory, provider storeProvider) *cobra.Command {
	opts := runOptions{Compiled: true}
	cmd := &cobra.Command{
		Use:   "execute <compiled-pack.yaml>...",
		Short: "Execute and report already compiled packs without planning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, args, opts, factory, provider)
		},
	}
	addRunFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "Plan the pack was compiled from, used for coverage")
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *runOptions) {
	cmd.Flags().StringSliceP("format", "f", nil, "Report formats: json, sarif, text (overrides report.formats)")
	cmd.Flags().StringP("output-dir", "o", "", "Directory for reports (overrides report.output_dir)")
	cmd.Flags().Bool("dry-run", false, "Route every flow to the dry-run backend")
	cmd.Flags().StringVar(&opts.ProgressFile, "progress-file", "", "Append progress events to this file (overrides runner.progress_file)")
}

// runCommand applies flag overrides to the config and hands off to runPacks.
func runCommand(cmd *cobra.Command, args []string, opts runOptions, factory pipelineFactory, provider storeProvider) error {
	ctx := cmd.Context()
	cfg, err := getConfigFromContext(ctx)
	if err != nil {
		return err
	}
	if formats, _ := cmd.Flags().GetStringSlice("format"); len(formats) > 0 {
		cfg.SetReportFormats(formats)
	}
	if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
		cfg.SetReportOutputDir(dir)
	}
	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		cfg.SetExecutorDryRun(true)
	}
	if opts.ProgressFile == "" {
		opts.ProgressFile = cfg.Runner().ProgressFile
	}
	return runPacks(ctx, observability.GetLogger(), cfg, args, opts, factory, provider, cmd.OutOrStdout())
}

// runPacks is the testable core of run and execute. Every pack is loaded
// before any runs. Packs then run concurrently; one failing pack never
// cancels the others.
func runPacks(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	paths []string,
	opts runOptions,
	factory pipelineFactory,
	provider storeProvider,
	out io.Writer,
) error {
	packs, plan, err := loadPacks(logger, cfg, paths, opts)
	if err != nil {
		return err
	}

	var progressFn schemas.ProgressFunc
	var recorder *metrics.Recorder
	if cfg.Metrics().Enabled {
		if recorder, err = metrics.New(logger); err != nil {
			return err
		}
		progressFn = recorder.ProgressFunc(progressFn)
	}
	if opts.ProgressFile != "" {
		sink, err := progress.NewSink(opts.ProgressFile, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("Failed to close progress file.", zap.Error(err))
			}
		}()
		progressFn = sink.Func(progressFn)
	}

	var runs runStore
	if cfg.Database().URL != "" {
		s, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		if cleanup != nil {
			defer cleanup()
		}
		runs = s
	}

	limiter := actionLimiter(cfg)
	outcomes := make([]packOutcome, len(packs))
	var g errgroup.Group
	g.SetLimit(cfg.Runner().MaxConcurrentPacks)
	for i, pack := range packs {
		g.Go(func() error {
			o := runPack(ctx, logger, cfg, pack, plan, opts, factory, progressFn, limiter)
			o.Path = paths[i]
			if o.Err == nil && o.Result.Report != nil {
				o.Reports, o.Err = publish(ctx, logger, cfg, o.Result, opts, runs, recorder)
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	if recorder != nil && cfg.Metrics().Textfile != "" {
		if err := recorder.WriteTextfile(cfg.Metrics().Textfile); err != nil {
			logger.Warn("Failed to write metrics textfile.", zap.Error(err))
		}
	}

	printSummary(out, outcomes)
	failed := 0
	for _, o := range outcomes {
		if o.failed() {
			failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d packs did not pass", failed, len(outcomes))
	}
	return nil
}

// loadPacks reads every pack and the optional fixed plan, and applies the
// dry-run override and project context.
func loadPacks(logger *zap.Logger, cfg config.Interface, paths []string, opts runOptions) ([]*schemas.TestPack, *schemas.PackPlan, error) {
	var plan *schemas.PackPlan
	if opts.PlanPath != "" {
		p, err := packfile.LoadPlan(opts.PlanPath)
		if err != nil {
			return nil, nil, err
		}
		plan = p
	}

	var collected map[string]string
	if opts.ProjectDir != "" {
		c, err := projectctx.Collect(opts.ProjectDir, logger)
		if err != nil {
			logger.Warn("Failed to collect project context.", zap.Error(err))
		}
		collected = c
	}

	packs := make([]*schemas.TestPack, 0, len(paths))
	for _, path := range paths {
		pack, err := packfile.LoadPack(path)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
		if cfg.Executor().DryRun {
			pack.Execution.Mode = schemas.ExecutionModeDryRun
		}
		if len(collected) > 0 {
			pack.Inputs.ProjectContext = projectctx.Merge(pack.Inputs.ProjectContext, collected)
		}
		packs = append(packs, pack)
	}
	return packs, plan, nil
}

// runPack runs one pack through its own pipeline.
func runPack(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	pack *schemas.TestPack,
	plan *schemas.PackPlan,
	opts runOptions,
	factory pipelineFactory,
	progressFn schemas.ProgressFunc,
	limiter *rate.Limiter,
) packOutcome {
	logger = logger.With(zap.String("pack_id", pack.ID))
	pl, cleanup, err := factory.Create(ctx, cfg, pipelineRequest{
		WithPlanner: !opts.Compiled,
		FixedPlan:   plan,
		Progress:    progressFn,
		Limiter:     limiter,
	})
	if err != nil {
		return packOutcome{Err: err}
	}
	if cleanup != nil {
		defer cleanup()
	}

	var res *orchestrator.Result
	if opts.Compiled {
		res = pl.RunCompiled(ctx, pack, plan)
	} else {
		res = pl.RunFullPipeline(ctx, pack)
	}
	if !res.Success {
		logger.Warn("Pipeline did not complete.", zap.String("phase", string(res.FailedPhase)), zap.String("error", res.Error))
	}
	return packOutcome{Result: res}
}

// publish writes report files, persists the run and records metrics.
func publish(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	res *orchestrator.Result,
	opts runOptions,
	runs runStore,
	recorder *metrics.Recorder,
) ([]string, error) {
	rep := res.Report
	dir := cfg.Report().OutputDir
	paths, err := reporting.WriteFiles(dir, cfg.Report().Formats, rep, Version, logger)
	if err != nil {
		return paths, err
	}
	if opts.SavePlan && res.Compiled != nil {
		base := filepath.Join(dir, rep.RunID)
		if res.Plan != nil {
			if err := packfile.SavePlan(base+".plan.yaml", res.Plan); err != nil {
				return paths, err
			}
			paths = append(paths, base+".plan.yaml")
		}
		if err := packfile.SavePack(base+".pack.yaml", res.Compiled.Pack); err != nil {
			return paths, err
		}
		paths = append(paths, base+".pack.yaml")
	}
	if runs != nil {
		if err := runs.SaveRun(ctx, rep); err != nil {
			return paths, fmt.Errorf("failed to save run: %w", err)
		}
	}
	if recorder != nil {
		recorder.Observe(rep)
	}
	return paths, nil
}

func printSummary(out io.Writer, outcomes []packOutcome) {
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			fmt.Fprintf(out, "%s: error: %v\n", o.Path, o.Err)
		case o.Result.Report == nil:
			fmt.Fprintf(out, "%s: %s phase failed: %s\n", o.Path, o.Result.FailedPhase, o.Result.Error)
		default:
			rep := o.Result.Report
			fmt.Fprintf(out, "%s: %s", o.Path, rep.OverallResult)
			if rep.Confidence != nil {
				fmt.Fprintf(out, " (confidence %.2f %s)", rep.Confidence.Score, rep.Confidence.Label)
			}
			fmt.Fprintf(out, " run %s\n", rep.RunID)
			if len(o.Reports) > 0 {
				fmt.Fprintf(out, "  reports: %s\n", strings.Join(o.Reports, ", "))
			}
		}
	}
}
