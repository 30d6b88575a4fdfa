// Package config loads and validates the engine's ambient configuration
// (server ports, LLM provider defaults, logging, drain defaults) from a
// declarative YAML file, then layers environment-variable overrides on
// top — the same Load/validate/loadFromEnv shape used throughout the
// engine's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/hshk99/autopack/internal/errors"
)

// ServerConfig holds the HTTP surface ports for cmd/autopack-engine.
type ServerConfig struct {
	WebhookPort string `yaml:"webhook_port"`
	MetricsPort string `yaml:"metrics_port"`
}

// LLMConfig holds the default provider settings consumed by pkg/llm's
// deterministic fake and, when wired, a concrete provider decorator.
type LLMConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	RetryCount  int           `yaml:"retry_count"`
	Provider    string        `yaml:"provider"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// WorkspaceConfig points at the artifact layout root and policy file.
type WorkspaceConfig struct {
	RunsRoot   string `yaml:"runs_root"`
	PolicyFile string `yaml:"policy_file"`
}

// RedisConfig holds the address for quota/fingerprint caching.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// DrainConfig holds the Batch Drain Controller's default stop conditions,
// overridable per invocation by cmd/autopackctl flags.
type DrainConfig struct {
	BatchSize               int           `yaml:"batch_size"`
	PhaseTimeout            time.Duration `yaml:"phase_timeout"`
	MaxTotalMinutes         int           `yaml:"max_total_minutes"`
	MaxTimeoutsPerRun       int           `yaml:"max_timeouts_per_run"`
	MaxAttemptsPerPhase     int           `yaml:"max_attempts_per_phase"`
	MaxFingerprintRepeats   int           `yaml:"max_fingerprint_repeats"`
	MaxConsecutiveZeroYield int           `yaml:"max_consecutive_zero_yield"`
}

// LoggingConfig holds the level both entrypoints apply to their logrus
// logger. Format is loaded and defaulted to "json" but neither entrypoint
// reads it.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BudgetsConfig holds the Finalizer's configurable quality-gate knobs.
type BudgetsConfig struct {
	// CoverageBaselinePolicy is "strict" (no baseline blocks Gate 1) or
	// "lenient" (no baseline treats coverage delta as 0, non-blocking).
	CoverageBaselinePolicy string `yaml:"coverage_baseline_policy"`
}

// Config is the engine's full ambient configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Redis     RedisConfig     `yaml:"redis"`
	Drain     DrainConfig     `yaml:"drain"`
	Logging   LoggingConfig   `yaml:"logging"`
	Budgets   BudgetsConfig   `yaml:"budgets"`
}

// Load reads path, applies defaults, validates, and layers environment
// overrides on top.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "failed to read config file: %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeConfig, "failed to parse config file: %s", path)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	if err := loadFromEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.RunsRoot == "" {
		cfg.Workspace.RunsRoot = "runs"
	}
	if cfg.Drain.BatchSize == 0 {
		cfg.Drain.BatchSize = 5
	}
	if cfg.Drain.PhaseTimeout == 0 {
		cfg.Drain.PhaseTimeout = 15 * time.Minute
	}
	if cfg.Drain.MaxTotalMinutes == 0 {
		cfg.Drain.MaxTotalMinutes = 120
	}
	if cfg.Drain.MaxTimeoutsPerRun == 0 {
		cfg.Drain.MaxTimeoutsPerRun = 3
	}
	if cfg.Drain.MaxAttemptsPerPhase == 0 {
		cfg.Drain.MaxAttemptsPerPhase = 5
	}
	if cfg.Drain.MaxFingerprintRepeats == 0 {
		cfg.Drain.MaxFingerprintRepeats = 3
	}
	if cfg.Drain.MaxConsecutiveZeroYield == 0 {
		cfg.Drain.MaxConsecutiveZeroYield = 3
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Budgets.CoverageBaselinePolicy == "" {
		cfg.Budgets.CoverageBaselinePolicy = "lenient"
	}
}

var supportedLLMProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"localai":   true,
	"fake":      true,
}

func validate(cfg *Config) error {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "fake"
	}
	if !supportedLLMProviders[cfg.LLM.Provider] {
		return apperrors.NewValidationError(fmt.Sprintf("unsupported LLM provider: %s", cfg.LLM.Provider))
	}
	if cfg.LLM.Endpoint == "" {
		cfg.LLM.Endpoint = "http://localhost:8080"
	}
	if cfg.LLM.Model == "" {
		return apperrors.NewValidationError("LLM model is required")
	}
	if cfg.LLM.Temperature < 0.0 || cfg.LLM.Temperature > 1.0 {
		return apperrors.NewValidationError("LLM temperature must be between 0.0 and 1.0")
	}
	if cfg.LLM.MaxTokens <= 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.Workspace.RunsRoot == "" {
		return apperrors.NewValidationError("workspace runs root is required")
	}
	if cfg.Drain.BatchSize <= 0 {
		return apperrors.NewValidationError("drain batch size must be greater than 0")
	}
	if cfg.Budgets.CoverageBaselinePolicy != "strict" && cfg.Budgets.CoverageBaselinePolicy != "lenient" {
		return apperrors.NewValidationError("coverage baseline policy must be strict or lenient")
	}
	return nil
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("WEBHOOK_PORT"); v != "" {
		cfg.Server.WebhookPort = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Server.MetricsPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("POLICY_FILE"); v != "" {
		cfg.Workspace.PolicyFile = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("DRAIN_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeConfig, "invalid DRAIN_BATCH_SIZE")
		}
		cfg.Drain.BatchSize = n
	}
	return nil
}
