// Package config holds the server configuration, loaded through viper from a
// YAML file, BILLING_BRIDGE_* environment variables and command-line flags.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/yourorg/billing-bridge/internal/policy"
)

// EnvPrefix is prepended to every environment variable viper reads.
const EnvPrefix = "BILLING_BRIDGE"

// Billing client modes.
const (
	BillingModeMock = "mock"
	BillingModeHTTP = "http"
)

// Config is the full configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Loop      LoopConfig      `mapstructure:"loop"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Reporting ReportingConfig `mapstructure:"reporting"`
}

// ServerConfig controls the HTTP facade.
type ServerConfig struct {
	Addr              string `mapstructure:"addr"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown_timeout_ms"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
}

// BillingConfig selects and configures the underlying billing client.
type BillingConfig struct {
	// Mode is "mock" for the in-process demo client or "http" for a REST service.
	Mode          string `mapstructure:"mode"`
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	RetryDelayMs  int    `mapstructure:"retry_delay_ms"`
	// MockLatencyMs delays every mock listener, simulating a remote service.
	MockLatencyMs int `mapstructure:"mock_latency_ms"`
}

// LoopConfig configures the loop that affine operations are initiated on.
type LoopConfig struct {
	Name      string `mapstructure:"name"`
	QueueSize int    `mapstructure:"queue_size"`
}

// ReconcileConfig configures the reconcile pipeline.
type ReconcileConfig struct {
	Concurrency             int                 `mapstructure:"concurrency"`
	MaxAttempts             int                 `mapstructure:"max_attempts"`
	BackoffMs               int                 `mapstructure:"backoff_ms"`
	BudgetMs                int64               `mapstructure:"budget_ms"`
	StepTimeoutMs           int                 `mapstructure:"step_timeout_ms"`
	RatePerSecond           float64             `mapstructure:"rate_per_second"`
	RateBurst               int                 `mapstructure:"rate_burst"`
	BreakerFailureThreshold int                 `mapstructure:"breaker_failure_threshold"`
	BreakerResetTimeoutMs   int                 `mapstructure:"breaker_reset_timeout_ms"`
	Rules                   []policy.PolicyRule `mapstructure:"rules"`
}

// TracingConfig controls the OpenTelemetry trace provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Pretty indents exported spans.
	Pretty bool `mapstructure:"pretty"`
}

// ReportingConfig controls the retrospective store.
type ReportingConfig struct {
	// RetainEntries bounds the attempts kept for the retrospective report.
	RetainEntries int `mapstructure:"retain_entries"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ShutdownTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Billing: BillingConfig{
			Mode:          BillingModeMock,
			RetryAttempts: 2,
			RetryDelayMs:  500,
		},
		Loop: LoopConfig{
			Name:      "main",
			QueueSize: 64,
		},
		Reconcile: ReconcileConfig{
			Concurrency:             4,
			MaxAttempts:             3,
			BackoffMs:               100,
			BudgetMs:                30000,
			StepTimeoutMs:           5000,
			RatePerSecond:           0,
			RateBurst:               1,
			BreakerFailureThreshold: 3,
			BreakerResetTimeoutMs:   30000,
		},
		Tracing: TracingConfig{
			Enabled: false,
			Pretty:  false,
		},
		Reporting: ReportingConfig{
			RetainEntries: 1000,
		},
	}
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// RetryDelay returns the delay between HTTP retries.
func (c *BillingConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// MockLatency returns the simulated mock latency.
func (c *BillingConfig) MockLatency() time.Duration {
	return time.Duration(c.MockLatencyMs) * time.Millisecond
}

// Backoff returns the base delay between reconcile attempts.
func (c *ReconcileConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMs) * time.Millisecond
}

// Budget returns the overall time budget of a reconcile run. Zero means unbounded.
func (c *ReconcileConfig) Budget() time.Duration {
	return time.Duration(c.BudgetMs) * time.Millisecond
}

// StepTimeout returns the per-attempt timeout. Zero means unbounded.
func (c *ReconcileConfig) StepTimeout() time.Duration {
	return time.Duration(c.StepTimeoutMs) * time.Millisecond
}

// BreakerResetTimeout returns how long an open breaker rejects calls.
func (c *ReconcileConfig) BreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeoutMs) * time.Millisecond
}

// PolicyRules returns the configured rules, or the built-in ones when none are set.
func (c *ReconcileConfig) PolicyRules() []policy.PolicyRule {
	if len(c.Rules) == 0 {
		return policy.DefaultRules()
	}
	return c.Rules
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.shutdown_timeout_ms", defaults.Server.ShutdownTimeoutMs)

	viper.SetDefault("logging.level", defaults.Logging.Level)

	viper.SetDefault("billing.mode", defaults.Billing.Mode)
	viper.SetDefault("billing.base_url", defaults.Billing.BaseURL)
	viper.SetDefault("billing.api_key", defaults.Billing.APIKey)
	viper.SetDefault("billing.retry_attempts", defaults.Billing.RetryAttempts)
	viper.SetDefault("billing.retry_delay_ms", defaults.Billing.RetryDelayMs)
	viper.SetDefault("billing.mock_latency_ms", defaults.Billing.MockLatencyMs)

	viper.SetDefault("loop.name", defaults.Loop.Name)
	viper.SetDefault("loop.queue_size", defaults.Loop.QueueSize)

	viper.SetDefault("reconcile.concurrency", defaults.Reconcile.Concurrency)
	viper.SetDefault("reconcile.max_attempts", defaults.Reconcile.MaxAttempts)
	viper.SetDefault("reconcile.backoff_ms", defaults.Reconcile.BackoffMs)
	viper.SetDefault("reconcile.budget_ms", defaults.Reconcile.BudgetMs)
	viper.SetDefault("reconcile.step_timeout_ms", defaults.Reconcile.StepTimeoutMs)
	viper.SetDefault("reconcile.rate_per_second", defaults.Reconcile.RatePerSecond)
	viper.SetDefault("reconcile.rate_burst", defaults.Reconcile.RateBurst)
	viper.SetDefault("reconcile.breaker_failure_threshold", defaults.Reconcile.BreakerFailureThreshold)
	viper.SetDefault("reconcile.breaker_reset_timeout_ms", defaults.Reconcile.BreakerResetTimeoutMs)

	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.pretty", defaults.Tracing.Pretty)

	viper.SetDefault("reporting.retain_entries", defaults.Reporting.RetainEntries)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}
