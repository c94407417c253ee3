// internal/planner/factory.go
package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/llmclient"
)

// New builds the planner and compiler for the configured provider. A
// non-nil fixed plan skips the model for planning.
func New(ctx context.Context, cfg config.PlannerConfig, fixed *schemas.PackPlan, logger *zap.Logger) (schemas.Planner, schemas.Compiler, error) {
	switch cfg.Provider {
	case config.ProviderOffline:
		return NewStaticPlanner(logger, fixed), NewPassthroughCompiler(logger), nil
	case config.ProviderGemini:
		client, err := llmclient.NewClient(ctx, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize LLM client: %w", err)
		}
		var p schemas.Planner = NewLLMPlanner(logger, client, cfg)
		if fixed != nil {
			p = NewStaticPlanner(logger, fixed)
		}
		return p, NewLLMCompiler(logger, client, cfg), nil
	default:
		return nil, nil, fmt.Errorf("unsupported planner provider %q", cfg.Provider)
	}
}
