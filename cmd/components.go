// cmd/components.go
// Description: Factories that assemble the pipeline and the run store for the CLI commands.
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/backend"
	"github.com/xkilldash9x/handrail/internal/backend/cdp"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/executor"
	"github.com/xkilldash9x/handrail/internal/observability"
	"github.com/xkilldash9x/handrail/internal/orchestrator"
	"github.com/xkilldash9x/handrail/internal/planner"
	"github.com/xkilldash9x/handrail/internal/report"
	"github.com/xkilldash9x/handrail/internal/runner"
	"github.com/xkilldash9x/handrail/internal/store"
)

// pipeline is the part of the orchestrator the commands drive.
type pipeline interface {
	RunFullPipeline(ctx context.Context, input *schemas.TestPack) *orchestrator.Result
	RunCompiled(ctx context.Context, pack *schemas.TestPack, plan *schemas.PackPlan) *orchestrator.Result
}

// pipelineRequest describes the pipeline one pack needs.
type pipelineRequest struct {
	// WithPlanner builds the planner and compiler. Compiled packs skip them.
	WithPlanner bool
	// FixedPlan replaces the model's plan when set.
	FixedPlan *schemas.PackPlan
	Progress  schemas.ProgressFunc
	// Limiter caps backend actions across every pack of one invocation.
	Limiter *rate.Limiter
}

// pipelineFactory builds an isolated pipeline per pack. Tests inject fakes.
type pipelineFactory interface {
	Create(ctx context.Context, cfg config.Interface, req pipelineRequest) (pipeline, func(), error)
}

type defaultPipelineFactory struct{}

// NewPipelineFactory returns the production factory.
func NewPipelineFactory() pipelineFactory {
	return &defaultPipelineFactory{}
}

// Create wires backends, runner, report builder and, when requested, the
// planner and compiler into an orchestrator. The cleanup function releases
// any browser the pipeline started.
func (f *defaultPipelineFactory) Create(ctx context.Context, cfg config.Interface, req pipelineRequest) (pipeline, func(), error) {
	logger := observability.GetLogger()

	registry := backend.NewRegistry(logger)
	cleanup := func() {}
	if cdpCfg := cfg.Backends().CDP; cdpCfg.Enabled {
		b, err := cdp.New(cdpCfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize cdp backend: %w", err)
		}
		if err := registry.Register(b); err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := b.Close(); err != nil {
				logger.Warn("Failed to close cdp backend cleanly.", zap.Error(err))
			}
		}
	}

	var (
		p   schemas.Planner
		c   schemas.Compiler
		err error
	)
	if req.WithPlanner {
		p, c, err = planner.New(ctx, cfg.Planner(), req.FixedPlan, logger)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
	}

	run := runner.New(logger, registry.Resolver(), runnerOptions(cfg, req.Limiter))
	orch, err := orchestrator.New(logger, p, c, run, report.NewBuilder(logger), orchestrator.WithProgress(req.Progress))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return orch, cleanup, nil
}

// runnerOptions maps executor and runner settings onto runner.Options.
func runnerOptions(cfg config.Interface, limiter *rate.Limiter) runner.Options {
	ec := cfg.Executor()
	opts := runner.Options{
		Executor: executor.Options{
			DefaultDelay:       ec.DefaultStepDelay,
			DefaultFlowTimeout: ec.DefaultFlowTimeout,
			DefaultStepTimeout: ec.DefaultStepTimeout,
		},
		AllowedProcesses: ec.AllowedProcesses,
		ArtifactsDir:     cfg.Runner().ArtifactsDir,
	}
	if limiter != nil {
		opts.Executor.Limiter = limiter
	}
	return opts
}

// actionLimiter builds the shared limiter for executor.max_actions_per_second,
// or nil when the cap is disabled.
func actionLimiter(cfg config.Interface) *rate.Limiter {
	if perSecond := cfg.Executor().MaxActionsPerSecond; perSecond > 0 {
		return rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return nil
}

// runStore is the persistence the commands need.
type runStore interface {
	SaveRun(ctx context.Context, report *schemas.PackReport) error
	GetRun(ctx context.Context, runID string) (*schemas.PackReport, error)
	ListRuns(ctx context.Context, packID string, limit int) ([]store.RunSummary, error)
}

// storeProvider creates a run store. Tests inject a mock instead of a live database.
type storeProvider interface {
	// Create returns the store and a cleanup function that releases it.
	Create(ctx context.Context, cfg config.Interface) (runStore, func(), error)
}

type defaultStoreProvider struct{}

// NewStoreProvider returns the PostgreSQL-backed provider.
func NewStoreProvider() storeProvider {
	return &defaultStoreProvider{}
}

// Create connects to the configured database and makes sure the schema exists.
func (p *defaultStoreProvider) Create(ctx context.Context, cfg config.Interface) (runStore, func(), error) {
	logger := observability.GetLogger()
	if cfg.Database().URL == "" {
		return nil, nil, fmt.Errorf("database URL is not configured (HANDRAIL_DATABASE_URL)")
	}

	s, closePool, err := store.Open(ctx, cfg.Database().URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		closePool()
		return nil, nil, err
	}

	cleanup := func() {
		closePool()
		logger.Debug("Database connection pool closed.")
	}
	return s, cleanup, nil
}
