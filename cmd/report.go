// cmd/report.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/observability"
	"github.com/xkilldash9x/handrail/internal/packfile"
	"github.com/xkilldash9x/handrail/internal/report"
	"github.com/xkilldash9x/handrail/internal/reporting"
)

// reportOptions holds the report command flags.
type reportOptions struct {
	RunID     string
	Input     string
	PackPath  string
	PlanPath  string
	Formats   []string
	OutputDir string
	List      bool
	PackID    string
	Limit     int
}

func newReportCmd(provider storeProvider) *cobra.Command {
	var opts reportOptions
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Rebuild the report of a completed run",
		Long: `Loads a run from the database (--run-id) or from a JSON report file (--input),
recomputes failure triage, the fix queue and confidence, and writes it in the
requested formats. With --list it prints the run history instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runReport(ctx, observability.GetLogger(), cfg, opts, provider, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Run to load from the database")
	cmd.Flags().StringVar(&opts.Input, "input", "", "JSON report file to rebuild instead of a stored run")
	cmd.Flags().StringVar(&opts.PackPath, "pack", "", "Pack the run executed, used to recompute coverage")
	cmd.Flags().StringVar(&opts.PlanPath, "plan", "", "Plan the run came from, used to recompute coverage")
	cmd.Flags().StringSliceVarP(&opts.Formats, "format", "f", []string{reporting.FormatJSON}, "Output formats: json, sarif, text")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", "", "Directory for the report files. If unset, the first format is printed to stdout.")
	cmd.Flags().BoolVar(&opts.List, "list", false, "List stored runs instead of building a report")
	cmd.Flags().StringVar(&opts.PackID, "pack-id", "", "Only list runs of this pack")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Maximum number of runs to list")
	cmd.MarkFlagsMutuallyExclusive("run-id", "input", "list")
	return cmd
}

// runReport is the testable core of the report command.
func runReport(
	ctx context.Context,
	logger *zap.Logger,
	cfg config.Interface,
	opts reportOptions,
	provider storeProvider,
	out io.Writer,
) error {
	if opts.List {
		return listRuns(ctx, cfg, opts, provider, out)
	}

	raw, err := loadRun(ctx, cfg, opts, provider)
	if err != nil {
		return err
	}

	var pack *schemas.TestPack
	if opts.PackPath != "" {
		if pack, err = packfile.LoadPack(opts.PackPath); err != nil {
			return err
		}
	}
	var plan *schemas.PackPlan
	if opts.PlanPath != "" {
		if plan, err = packfile.LoadPlan(opts.PlanPath); err != nil {
			return err
		}
	}

	built := report.NewBuilder(logger).Build(raw, pack, plan)
	logger.Info("Report rebuilt.", zap.String("run_id", built.RunID), zap.String("overall_result", built.OverallResult))

	if opts.OutputDir == "" {
		if len(opts.Formats) == 0 {
			return fmt.Errorf("at least one format is required")
		}
		return writeReport(out, opts.Formats[0], built, logger)
	}
	paths, err := reporting.WriteFiles(opts.OutputDir, opts.Formats, built, Version, logger)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(out, p)
	}
	return nil
}

// loadRun reads the raw run from --input or, failing that, from the store.
func loadRun(ctx context.Context, cfg config.Interface, opts reportOptions, provider storeProvider) (*schemas.PackReport, error) {
	if opts.Input != "" {
		return packfile.LoadReport(opts.Input)
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("either --run-id or --input is required")
	}
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	return s.GetRun(ctx, opts.RunID)
}

func listRuns(ctx context.Context, cfg config.Interface, opts reportOptions, provider storeProvider, out io.Writer) error {
	s, cleanup, err := provider.Create(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	runs, err := s.ListRuns(ctx, opts.PackID, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	for _, r := range runs {
		fmt.Fprintf(out, "%s  %-20s %-8s %.2f %-8s %s\n",
			r.StartedAt.UTC().Format("2006-01-02 15:04:05"), r.RunID, r.OverallResult,
			r.ConfidenceScore, r.ConfidenceLabel, r.PackName)
	}
	return nil
}

// writeReport renders one format to out.
func writeReport(out io.Writer, format string, rep *schemas.PackReport, logger *zap.Logger) error {
	r, err := reporting.NewWriter(format, out, Version, logger)
	if err != nil {
		return err
	}
	if err := r.Write(rep); err != nil {
		_ = r.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return r.Close()
}
