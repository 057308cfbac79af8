// Package config handles configuration management with validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure for one process.
type Config struct {
	App         AppConfig            `yaml:"app"`
	Engines     map[string]Engine    `yaml:"engines"`
	Risk        RiskConfig           `yaml:"risk"`
	Reconcile   ReconcileConfig      `yaml:"reconcile"`
	Deadman     DeadmanConfig        `yaml:"deadman"`
	System      SystemConfig         `yaml:"system"`
	Concurrency ConcurrencyConfig    `yaml:"concurrency"`
	Telemetry   TelemetryConfig      `yaml:"telemetry"`
	Execution   ExecutionConfig      `yaml:"execution"`
}

// ExecutionConfig governs the simulated fill model backtest and PAPER mode
// share. SlippageBps is a proportional (not absolute) offset applied against
// the account on the worst-case side of the bar; it must never go negative,
// which would flip the model into the account's favor.
type ExecutionConfig struct {
	SlippageBps int64 `yaml:"slippage_bps" validate:"min=0"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AppConfig contains process-level settings.
type AppConfig struct {
	EngineID    string `yaml:"engine_id" validate:"required"`
	Mode        string `yaml:"mode" validate:"required,oneof=BACKTEST PAPER LIVE"`
	DatabaseURL string `yaml:"database_url" validate:"required"`
	RunDir      string `yaml:"run_dir"`
}

// Engine is one logical capital-allocation namespace: its own cap, broker
// credential env-var namespace, and client-order-id prefix.
type Engine struct {
	DisplayName          string `yaml:"display_name" validate:"required"`
	AllocationCapMicros  int64  `yaml:"allocation_cap_micros" validate:"required,min=1"`
	ClientOrderPrefix    string `yaml:"client_order_prefix" validate:"required"`
	BrokerAPIKeyEnv      string `yaml:"broker_api_key_env" validate:"required"`
	BrokerAPISecretEnv   string `yaml:"broker_api_secret_env" validate:"required"`

	// Resolved at load time from the environment; never serialized.
	BrokerAPIKey    Secret `yaml:"-"`
	BrokerAPISecret Secret `yaml:"-"`
}

// RiskConfig contains the concrete hard-limit formulae the risk engine
// evaluates (§4.13 of the design: daily loss, drawdown, exposure, reject
// storm, PDT).
type RiskConfig struct {
	DailyLossLimitMicros   int64   `yaml:"daily_loss_limit_micros"`
	MaxDrawdown            float64 `yaml:"max_drawdown"`
	SymbolExposureCapMicros int64  `yaml:"symbol_exposure_cap_micros" validate:"required,min=1"`
	AggregateExposureCapMicros int64 `yaml:"aggregate_exposure_cap_micros" validate:"required,min=1"`
	RejectStormThreshold   int     `yaml:"reject_storm_threshold" validate:"required,min=1"`
	RejectStormWindowSec   int     `yaml:"reject_storm_window_seconds" validate:"required,min=1"`
	PDTProtected           bool    `yaml:"pdt_protected"`
}

// ReconcileConfig governs the reconcile cadence and arming freshness bound.
// The freshness bound has no default by design (see DESIGN.md: Open
// Questions) — a zero value is a configuration error, not a fallback.
type ReconcileConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds" validate:"required,min=1"`
	FreshnessBoundSeconds int `yaml:"freshness_bound_seconds" validate:"required,min=1"`
}

// DeadmanConfig governs the heartbeat watchdog.
type DeadmanConfig struct {
	HeartbeatTTLSeconds int    `yaml:"heartbeat_ttl_seconds" validate:"required,min=1"`
	FlagFilePath        string `yaml:"flag_file_path" validate:"required"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ConcurrencyConfig contains worker pool settings for the cooperative tasks
// (reconcile tick, deadman tick, outbox dispatcher).
type ConcurrencyConfig struct {
	DispatcherPoolSize int `yaml:"dispatcher_pool_size" validate:"min=1,max=100"`
	ReconcilePoolSize  int `yaml:"reconcile_pool_size" validate:"min=1,max=10"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file, expands environment
// variables referenced by name, resolves broker credentials, and validates
// the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.resolveBrokerCredentials(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if err := cfg.scanForLiteralSecrets(string(data)); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// resolveBrokerCredentials reads broker credentials from the environment
// variable names each engine declares. The variable name itself must embed
// the engine_id, per the arm-preflight namespacing requirement.
func (c *Config) resolveBrokerCredentials() error {
	for id, eng := range c.Engines {
		if eng.BrokerAPIKeyEnv != "" && !strings.Contains(eng.BrokerAPIKeyEnv, id) {
			return ValidationError{
				Field:   fmt.Sprintf("engines.%s.broker_api_key_env", id),
				Value:   eng.BrokerAPIKeyEnv,
				Message: "broker credential env var name must contain the engine_id",
			}
		}
		eng.BrokerAPIKey = Secret(os.Getenv(eng.BrokerAPIKeyEnv))
		eng.BrokerAPISecret = Secret(os.Getenv(eng.BrokerAPISecretEnv))
		c.Engines[id] = eng
	}
	return nil
}

// scanForLiteralSecrets aborts startup if the raw (pre-expansion) config
// content contains anything that looks like a literal secret rather than an
// environment variable reference. Secrets must only ever appear as env var
// **names** in configuration (spec §6, Environment).
func (c *Config) scanForLiteralSecrets(raw string) error {
	suspiciousPrefixes := []string{"sk-", "Bearer ", "-----BEGIN"}
	for _, p := range suspiciousPrefixes {
		if strings.Contains(raw, p) {
			return ValidationError{
				Field:   "<config file>",
				Message: fmt.Sprintf("literal secret-shaped value detected (matches %q); secrets must be referenced by environment variable name only", p),
			}
		}
	}
	return nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAppConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateEngines(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateReconcileConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecutionConfig(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAppConfig() error {
	if c.App.EngineID == "" {
		return ValidationError{Field: "app.engine_id", Message: "engine_id is required"}
	}
	validModes := []string{"BACKTEST", "PAPER", "LIVE"}
	if !contains(validModes, c.App.Mode) {
		return ValidationError{
			Field:   "app.mode",
			Value:   c.App.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	return nil
}

func (c *Config) validateEngines() error {
	if len(c.Engines) == 0 {
		return ValidationError{Field: "engines", Message: "at least one engine must be configured"}
	}
	if _, exists := c.Engines[c.App.EngineID]; !exists {
		return ValidationError{
			Field:   "app.engine_id",
			Value:   c.App.EngineID,
			Message: "no engine configuration found for this engine_id",
		}
	}
	return nil
}

func (c *Config) validateRiskConfig() error {
	if c.App.Mode == "LIVE" {
		if c.Risk.DailyLossLimitMicros <= 0 {
			return ValidationError{
				Field:   "risk.daily_loss_limit_micros",
				Value:   c.Risk.DailyLossLimitMicros,
				Message: "must be positive for LIVE mode (arm-preflight requires daily_loss_limit > 0)",
			}
		}
		if c.Risk.MaxDrawdown <= 0 {
			return ValidationError{
				Field:   "risk.max_drawdown",
				Value:   c.Risk.MaxDrawdown,
				Message: "must be positive for LIVE mode (arm-preflight requires max_drawdown > 0)",
			}
		}
	}
	return nil
}

func (c *Config) validateReconcileConfig() error {
	if c.Reconcile.FreshnessBoundSeconds <= 0 {
		return ValidationError{
			Field:   "reconcile.freshness_bound_seconds",
			Message: "freshness bound has no default; an explicit positive value is required",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validateExecutionConfig() error {
	if c.Execution.SlippageBps < 0 {
		return ValidationError{
			Field:   "execution.slippage_bps",
			Value:   c.Execution.SlippageBps,
			Message: "slippage must be non-negative; a negative value would favor the account, which the fill model forbids",
		}
	}
	return nil
}

// String returns a YAML representation of the configuration. Resolved broker
// credentials are left out entirely (their fields are tagged yaml:"-"); only
// the env-var names that reference them appear.
func (c *Config) String() string {
	cfgCopy := *c
	data, _ := yaml.Marshal(cfgCopy)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for tests.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			EngineID:    "MAIN",
			Mode:        "PAPER",
			DatabaseURL: "postgres://localhost:5432/capitalkernel?sslmode=disable",
			RunDir:      "./runs",
		},
		Engines: map[string]Engine{
			"MAIN": {
				DisplayName:         "main",
				AllocationCapMicros: 100_000 * 1_000_000,
				ClientOrderPrefix:   "MAIN-",
				BrokerAPIKeyEnv:     "MAIN_BROKER_API_KEY",
				BrokerAPISecretEnv:  "MAIN_BROKER_API_SECRET",
			},
		},
		Risk: RiskConfig{
			DailyLossLimitMicros:       5_000 * 1_000_000,
			MaxDrawdown:                0.1,
			SymbolExposureCapMicros:    50_000 * 1_000_000,
			AggregateExposureCapMicros: 100_000 * 1_000_000,
			RejectStormThreshold:       10,
			RejectStormWindowSec:       60,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:       60,
			FreshnessBoundSeconds: 300,
		},
		Deadman: DeadmanConfig{
			HeartbeatTTLSeconds: 30,
			FlagFilePath:        "/tmp/capitalkernel.heartbeat",
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			DispatcherPoolSize: 4,
			ReconcilePoolSize:  1,
		},
		Execution: ExecutionConfig{
			SlippageBps: 10,
		},
	}
}
