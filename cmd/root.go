// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/internal/config"
	"github.com/xkilldash9x/handrail/internal/observability"
)

type configKey struct{}

// NewRootCommand builds the handrail command tree. Each call returns a fresh
// tree with its own viper instance, so tests can build as many as they need.
func NewRootCommand() *cobra.Command {
	var cfgFile string
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:           "handrail",
		Short:         "Handrail plans, runs and reports guarded UI test packs.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := initializeConfig(v, cfgFile)
			if err != nil {
				// Keep a console logger around so the error itself is visible.
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "handrail"})
				return err
			}
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Debug("Starting handrail.", zap.String("version", Version))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./handrail.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	stores := NewStoreProvider()
	pipelines := NewPipelineFactory()
	rootCmd.AddCommand(
		newRunCmd(pipelines, stores),
		newExecuteCmd(pipelines, stores),
		newValidateCmd(),
		newReportCmd(stores),
		newWatchCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the root command under ctx and logs any failure.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		observability.GetLogger().Error("Command execution failed.", zap.Error(err))
	}
	observability.Sync()
	return err
}

// initializeConfig reads the config file and HANDRAIL_ environment variables.
// A missing default config file is not an error.
func initializeConfig(v *viper.Viper, cfgFile string) (config.Interface, error) {
	config.SetDefaults(v)
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("handrail")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("HANDRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return config.NewConfigFromViper(v)
}

// getConfigFromContext returns the config stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey{}).(config.Interface)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not found in context")
	}
	return cfg, nil
}
