// config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ThresholdConfig holds the trigger thresholds for breaker evaluation.
// All percentage-style fields use the same unit as the metric they guard:
// drawdowns and error rate are fractions in [0,1], CPU/memory are percent.
type ThresholdConfig struct {
	MaxAccountDrawdown float64 `yaml:"max_account_drawdown"` // system-level trip, fraction
	MaxErrorRate       float64 `yaml:"max_error_rate"`       // fraction
	MaxResponseTimeMS  float64 `yaml:"max_response_time_ms"`
	MaxVolatility      float64 `yaml:"max_volatility"` // sigma units
	MaxGapSize         float64 `yaml:"max_gap_size"`   // fraction
	DailyDrawdown      float64 `yaml:"daily_drawdown"` // account-level trip, fraction
	MaxCPUUsage        float64 `yaml:"max_cpu_usage"`  // percent
	MaxMemoryUsage     float64 `yaml:"max_memory_usage"`
}

// RecoveryConfig holds per-level recovery timeouts and the half-open close
// threshold. The defaults are safety constants; overrides must be positive.
type RecoveryConfig struct {
	AgentTimeoutSeconds   int `yaml:"agent_timeout_seconds"`
	AccountTimeoutSeconds int `yaml:"account_timeout_seconds"`
	SystemTimeoutSeconds  int `yaml:"system_timeout_seconds"`
	SuccessesToClose      int `yaml:"successes_to_close"`
}

// EmergencyConfig holds settings for the emergency stop execution path.
type EmergencyConfig struct {
	ClosureTimeoutSeconds  int `yaml:"closure_timeout_seconds"`
	ShutdownGraceSeconds   int `yaml:"shutdown_grace_seconds"`
	CompletedResultsBuffer int `yaml:"completed_results_buffer"`
}

// MonitorConfig holds settings for the periodic monitor loop.
type MonitorConfig struct {
	IntervalSeconds int    `yaml:"interval_seconds"`
	LogDirectory    string `yaml:"log_directory"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the top-level configuration structure.
type Config struct {
	UseSimulation bool             `yaml:"use_simulation"`
	Thresholds    *ThresholdConfig `yaml:"thresholds"`
	Recovery      *RecoveryConfig  `yaml:"recovery"`
	Emergency     *EmergencyConfig `yaml:"emergency"`
	Monitor       *MonitorConfig   `yaml:"monitor"`
	Logs          *LogConfig       `yaml:"logs"`
}

// NewConfig creates a Config populated with the documented safety defaults.
// Unlike strategy parameters, trip thresholds and recovery timeouts keep
// working values when the YAML stanza is omitted: a breaker that silently
// fails to guard anything is worse than one running on defaults.
func NewConfig() *Config {
	return &Config{
		UseSimulation: false,
		Thresholds: &ThresholdConfig{
			MaxAccountDrawdown: 0.08,
			MaxErrorRate:       0.20,
			MaxResponseTimeMS:  100,
			MaxVolatility:      3.0,
			MaxGapSize:         0.05,
			DailyDrawdown:      0.05,
			MaxCPUUsage:        90,
			MaxMemoryUsage:     90,
		},
		Recovery: &RecoveryConfig{
			AgentTimeoutSeconds:   30,
			AccountTimeoutSeconds: 60,
			SystemTimeoutSeconds:  300,
			SuccessesToClose:      3,
		},
		Emergency: &EmergencyConfig{
			ClosureTimeoutSeconds:  5,
			ShutdownGraceSeconds:   10,
			CompletedResultsBuffer: 256,
		},
		Monitor: &MonitorConfig{
			IntervalSeconds: 5,
			LogDirectory:    "logs",
		},
		Logs: &LogConfig{
			LogLevel:   "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and
// validates it. A missing file is an error; individual stanzas may be
// omitted and fall back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var rawCfg struct {
		UseSimulation *bool            `yaml:"use_simulation"`
		Thresholds    *ThresholdConfig `yaml:"thresholds"`
		Recovery      *RecoveryConfig  `yaml:"recovery"`
		Emergency     *EmergencyConfig `yaml:"emergency"`
		Monitor       *MonitorConfig   `yaml:"monitor"`
		Logs          *LogConfig       `yaml:"logs"`
	}
	if err := yaml.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	if rawCfg.UseSimulation != nil {
		cfg.UseSimulation = *rawCfg.UseSimulation
	}
	if rawCfg.Thresholds != nil {
		cfg.Thresholds = rawCfg.Thresholds
	}
	if rawCfg.Recovery != nil {
		cfg.Recovery = rawCfg.Recovery
	}
	if rawCfg.Emergency != nil {
		cfg.Emergency = rawCfg.Emergency
	}
	if rawCfg.Monitor != nil {
		cfg.Monitor = rawCfg.Monitor
	}
	if rawCfg.Logs != nil {
		cfg.Logs = rawCfg.Logs
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire
// configuration. Any explicitly provided stanza must be fully consistent.
func (c *Config) Validate() error {
	if c.Thresholds == nil {
		return fmt.Errorf("Critical config missing: 'thresholds' block must not be nil")
	}
	t := c.Thresholds
	if t.MaxAccountDrawdown <= 0 || t.MaxAccountDrawdown > 1 {
		return fmt.Errorf("Config error: thresholds.max_account_drawdown must be a fraction in (0,1], got %.4f", t.MaxAccountDrawdown)
	}
	if t.MaxErrorRate <= 0 || t.MaxErrorRate > 1 {
		return fmt.Errorf("Config error: thresholds.max_error_rate must be a fraction in (0,1], got %.4f", t.MaxErrorRate)
	}
	if t.MaxResponseTimeMS <= 0 {
		return fmt.Errorf("Config error: thresholds.max_response_time_ms must be positive, got %.2f", t.MaxResponseTimeMS)
	}
	if t.MaxVolatility <= 0 {
		return fmt.Errorf("Config error: thresholds.max_volatility must be positive, got %.2f", t.MaxVolatility)
	}
	if t.MaxGapSize <= 0 || t.MaxGapSize > 1 {
		return fmt.Errorf("Config error: thresholds.max_gap_size must be a fraction in (0,1], got %.4f", t.MaxGapSize)
	}
	if t.DailyDrawdown <= 0 || t.DailyDrawdown > 1 {
		return fmt.Errorf("Config error: thresholds.daily_drawdown must be a fraction in (0,1], got %.4f", t.DailyDrawdown)
	}
	if t.DailyDrawdown >= t.MaxAccountDrawdown {
		return fmt.Errorf("Config error: thresholds.daily_drawdown (%.4f) must be below max_account_drawdown (%.4f), otherwise the system breaker always fires first", t.DailyDrawdown, t.MaxAccountDrawdown)
	}
	if t.MaxCPUUsage <= 0 || t.MaxCPUUsage > 100 {
		return fmt.Errorf("Config error: thresholds.max_cpu_usage must be a percentage in (0,100], got %.2f", t.MaxCPUUsage)
	}
	if t.MaxMemoryUsage <= 0 || t.MaxMemoryUsage > 100 {
		return fmt.Errorf("Config error: thresholds.max_memory_usage must be a percentage in (0,100], got %.2f", t.MaxMemoryUsage)
	}

	if c.Recovery == nil {
		return fmt.Errorf("Critical config missing: 'recovery' block must not be nil")
	}
	r := c.Recovery
	if r.AgentTimeoutSeconds <= 0 {
		return fmt.Errorf("Config error: recovery.agent_timeout_seconds must be positive, got %d", r.AgentTimeoutSeconds)
	}
	if r.AccountTimeoutSeconds <= 0 {
		return fmt.Errorf("Config error: recovery.account_timeout_seconds must be positive, got %d", r.AccountTimeoutSeconds)
	}
	if r.SystemTimeoutSeconds <= 0 {
		return fmt.Errorf("Config error: recovery.system_timeout_seconds must be positive, got %d", r.SystemTimeoutSeconds)
	}
	if r.SuccessesToClose <= 0 {
		return fmt.Errorf("Config error: recovery.successes_to_close must be positive, got %d", r.SuccessesToClose)
	}

	if c.Emergency == nil {
		return fmt.Errorf("Critical config missing: 'emergency' block must not be nil")
	}
	e := c.Emergency
	if e.ClosureTimeoutSeconds <= 0 {
		return fmt.Errorf("Config error: emergency.closure_timeout_seconds must be positive, got %d", e.ClosureTimeoutSeconds)
	}
	if e.ShutdownGraceSeconds <= 0 {
		return fmt.Errorf("Config error: emergency.shutdown_grace_seconds must be positive, got %d", e.ShutdownGraceSeconds)
	}
	if e.CompletedResultsBuffer <= 0 {
		return fmt.Errorf("Config error: emergency.completed_results_buffer must be positive, got %d", e.CompletedResultsBuffer)
	}

	if c.Monitor == nil {
		return fmt.Errorf("Critical config missing: 'monitor' block must not be nil")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("Config error: monitor.interval_seconds must be positive, got %d", c.Monitor.IntervalSeconds)
	}
	if c.Monitor.LogDirectory == "" {
		return fmt.Errorf("Critical config missing: 'monitor.log_directory' must be specified (e.g., 'logs')")
	}

	if c.Logs == nil {
		return fmt.Errorf("Critical config missing: 'logs' block must not be nil")
	}
	if c.Logs.LogLevel == "" {
		return fmt.Errorf("Critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug', 'warn', 'error')")
	}
	if c.Logs.MaxSizeMB <= 0 {
		return fmt.Errorf("Config error: logs.max_size_mb must be positive, got %d", c.Logs.MaxSizeMB)
	}
	if c.Logs.MaxBackups <= 0 {
		return fmt.Errorf("Config error: logs.max_backups must be positive, got %d", c.Logs.MaxBackups)
	}
	if c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("Config error: logs.max_age_days must be positive, got %d", c.Logs.MaxAgeDays)
	}

	return nil
}

// AgentTimeout returns the agent-level recovery timeout as a duration.
func (r *RecoveryConfig) AgentTimeout() time.Duration {
	return time.Duration(r.AgentTimeoutSeconds) * time.Second
}

// AccountTimeout returns the account-level recovery timeout as a duration.
func (r *RecoveryConfig) AccountTimeout() time.Duration {
	return time.Duration(r.AccountTimeoutSeconds) * time.Second
}

// SystemTimeout returns the system-level recovery timeout as a duration.
func (r *RecoveryConfig) SystemTimeout() time.Duration {
	return time.Duration(r.SystemTimeoutSeconds) * time.Second
}

// EnvConfig carries secrets and endpoints that must never live in the YAML
// file. Loaded from the environment (optionally populated by a .env file).
type EnvConfig struct {
	EngineBaseURL string
	EngineAPIKey  string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		EngineBaseURL: os.Getenv("EXECUTION_ENGINE_BASE_URL"),
		EngineAPIKey:  os.Getenv("EXECUTION_ENGINE_API_KEY"),
	}
}
