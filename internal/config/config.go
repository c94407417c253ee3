// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Executor() ExecutorConfig
	Runner() RunnerConfig
	Planner() PlannerConfig
	Backends() BackendsConfig
	Report() ReportConfig
	Database() DatabaseConfig
	Metrics() MetricsConfig

	// Setters driven by CLI flags.
	SetReportFormats(formats []string)
	SetReportOutputDir(dir string)
	SetExecutorDryRun(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	ExecutorCfg ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	RunnerCfg   RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	PlannerCfg  PlannerConfig  `mapstructure:"planner" yaml:"planner"`
	BackendsCfg BackendsConfig `mapstructure:"backends" yaml:"backends"`
	ReportCfg   ReportConfig   `mapstructure:"report" yaml:"report"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Executor() ExecutorConfig { return c.ExecutorCfg }
func (c *Config) Runner() RunnerConfig     { return c.RunnerCfg }
func (c *Config) Planner() PlannerConfig   { return c.PlannerCfg }
func (c *Config) Backends() BackendsConfig { return c.BackendsCfg }
func (c *Config) Report() ReportConfig     { return c.ReportCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetReportFormats(formats []string) { c.ReportCfg.Formats = formats }
func (c *Config) SetReportOutputDir(dir string)     { c.ReportCfg.OutputDir = dir }
func (c *Config) SetExecutorDryRun(b bool)          { c.ExecutorCfg.DryRun = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ExecutorConfig tunes the per-flow step executor.
type ExecutorConfig struct {
	// DefaultStepDelay is the pause after a step that sets no DelayAfterMs.
	DefaultStepDelay time.Duration `mapstructure:"default_step_delay" yaml:"default_step_delay"`
	// DefaultFlowTimeout applies to flows that set no TimeoutMs.
	DefaultFlowTimeout time.Duration `mapstructure:"default_flow_timeout" yaml:"default_flow_timeout"`
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
	// MaxActionsPerSecond caps backend calls across every pack of one invocation. Zero disables the cap.
	MaxActionsPerSecond float64 `mapstructure:"max_actions_per_second" yaml:"max_actions_per_second"`
	// AllowedProcesses is merged with each pack's own allow-list.
	AllowedProcesses []string `mapstructure:"allowed_processes" yaml:"allowed_processes"`
	DryRun           bool     `mapstructure:"dry_run" yaml:"dry_run"`
}

// RunnerConfig configures pack scheduling.
type RunnerConfig struct {
	// MaxConcurrentPacks bounds how many independent packs the CLI runs at once.
	MaxConcurrentPacks int    `mapstructure:"max_concurrent_packs" yaml:"max_concurrent_packs"`
	ArtifactsDir       string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
	ProgressFile       string `mapstructure:"progress_file" yaml:"progress_file"`
}

// Planner providers.
const (
	ProviderGemini  = "gemini"
	ProviderOffline = "offline"
)

// PlannerConfig configures the LLM-backed planner and compiler. The offline
// provider plans from the pack's own journeys without any model calls.
type PlannerConfig struct {
	Provider           string        `mapstructure:"provider" yaml:"provider"`
	Model              string        `mapstructure:"model" yaml:"model"`
	APIKey             string        `mapstructure:"api_key" yaml:"-"`
	Endpoint           string        `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	APITimeout         time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature        float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxOutputTokens    int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
	MaxCompileAttempts int           `mapstructure:"max_compile_attempts" yaml:"max_compile_attempts"`
}

// BackendsConfig configures the built-in execution backends.
type BackendsConfig struct {
	CDP CDPConfig `mapstructure:"cdp" yaml:"cdp"`
}

// CDPConfig configures the chromedp-driven web backend.
type CDPConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	NavigateTimeout time.Duration `mapstructure:"navigate_timeout" yaml:"navigate_timeout"`
}

// ReportConfig configures report outputs.
type ReportConfig struct {
	Formats   []string `mapstructure:"formats" yaml:"formats"`
	OutputDir string   `mapstructure:"output_dir" yaml:"output_dir"`
}

// DatabaseConfig holds the database connection details. An empty URL disables persistence.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Textfile, when set, receives a node-exporter textfile after each run.
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "handrail")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Executor --
	v.SetDefault("executor.default_step_delay", "50ms")
	v.SetDefault("executor.default_flow_timeout", "5m")
	v.SetDefault("executor.default_step_timeout", "10s")
	v.SetDefault("executor.max_actions_per_second", 0)
	v.SetDefault("executor.dry_run", false)

	// -- Runner --
	v.SetDefault("runner.max_concurrent_packs", 2)
	v.SetDefault("runner.artifacts_dir", "~/.handrail/artifacts")
	v.SetDefault("runner.progress_file", "")

	// -- Planner --
	v.SetDefault("planner.provider", ProviderGemini)
	v.SetDefault("planner.model", "gemini-2.5-pro")
	v.SetDefault("planner.api_timeout", "2m")
	v.SetDefault("planner.temperature", 0.2)
	v.SetDefault("planner.max_output_tokens", 8192)
	v.SetDefault("planner.max_compile_attempts", 3)

	// -- Backends --
	v.SetDefault("backends.cdp.enabled", true)
	v.SetDefault("backends.cdp.headless", true)
	v.SetDefault("backends.cdp.navigate_timeout", "60s")

	// -- Report --
	v.SetDefault("report.formats", []string{"json"})
	v.SetDefault("report.output_dir", "./handrail-reports")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	_ = v.BindEnv("planner.api_key", "HANDRAIL_PLANNER_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("database.url", "HANDRAIL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.PlannerCfg.APIKey == "" {
		cfg.PlannerCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves home-relative paths.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.RunnerCfg.ArtifactsDir, &c.LoggerCfg.LogFile, &c.ReportCfg.OutputDir, &c.RunnerCfg.ProgressFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

var supportedFormats = map[string]bool{"json": true, "sarif": true, "text": true}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.ExecutorCfg.DefaultStepDelay < 0 {
		return fmt.Errorf("executor.default_step_delay must not be negative")
	}
	if c.ExecutorCfg.DefaultFlowTimeout <= 0 {
		return fmt.Errorf("executor.default_flow_timeout must be a positive duration")
	}
	if c.ExecutorCfg.MaxActionsPerSecond < 0 {
		return fmt.Errorf("executor.max_actions_per_second must not be negative")
	}
	if c.RunnerCfg.MaxConcurrentPacks <= 0 {
		return fmt.Errorf("runner.max_concurrent_packs must be a positive integer")
	}
	if err := c.PlannerCfg.Validate(); err != nil {
		return fmt.Errorf("planner configuration invalid: %w", err)
	}
	for _, f := range c.ReportCfg.Formats {
		if !supportedFormats[f] {
			return fmt.Errorf("report.formats contains unsupported format %q", f)
		}
	}
	if c.MetricsCfg.Textfile != "" && !c.MetricsCfg.Enabled {
		return fmt.Errorf("metrics.textfile requires metrics.enabled")
	}
	return nil
}

// Validate checks the planner settings.
func (p *PlannerConfig) Validate() error {
	switch p.Provider {
	case ProviderGemini, ProviderOffline:
	default:
		return fmt.Errorf("unsupported planner provider %q (supported: %s, %s)", p.Provider, ProviderGemini, ProviderOffline)
	}
	if p.MaxCompileAttempts < 1 {
		return fmt.Errorf("max_compile_attempts must be at least 1")
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}
