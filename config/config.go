// Package config loads the kernel's runtime configuration from a YAML file
// and/or environment variables, applying defaults for every option left
// unset. Environment variables always take precedence over the YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, ready-to-use runtime configuration.
type Config struct {
	LLMProvider     string `yaml:"llm_provider"`
	LLMModel        string `yaml:"llm_model"`
	EscalationModel string `yaml:"escalation_model"`
	LogLevel        string `yaml:"log_level"`

	MaxPlanAttempts               int     `yaml:"max_plan_attempts"`
	MaxConcurrentSubqueries       int     `yaml:"max_concurrent_subqueries"`
	CoverageThreshold             float64 `yaml:"coverage_threshold"`
	MinConfidence                 float64 `yaml:"min_confidence"`
	MinOutputLength               int     `yaml:"min_output_length"`
	PlannerMaxIterations          int     `yaml:"planner_max_iterations"`
	CreatePlanMaxAttempts         int     `yaml:"create_plan_max_attempts"`
	FinalizeAutoRecoveryThreshold int     `yaml:"finalize_auto_recovery_threshold"`

	StepTimeout  time.Duration `yaml:"step_timeout"`
	PhaseTimeout time.Duration `yaml:"phase_timeout"`

	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`
	RedisAddr     string `yaml:"redis_addr"`

	// TracingEnabled turns on OTEL span emission for Phase/Step/session
	// lifecycle (see package telemetry). Off by default since most local
	// runs have no TracerProvider configured to receive spans.
	TracingEnabled bool `yaml:"tracing_enabled"`
}

// Defaults repeats literal constants that kernel packages define for
// themselves (maxIterations and createPlanMaxAttempts in package planner,
// and so on); those packages use their own constants, not these fields.
func Defaults() Config {
	return Config{
		LLMProvider:                   "anthropic",
		LogLevel:                      "info",
		MaxPlanAttempts:               3,
		MaxConcurrentSubqueries:       2,
		CoverageThreshold:             0.85,
		MinConfidence:                 0.7,
		MinOutputLength:               50,
		PlannerMaxIterations:          20,
		CreatePlanMaxAttempts:         3,
		FinalizeAutoRecoveryThreshold: 2,
		StepTimeout:                   60 * time.Second,
		PhaseTimeout:                  5 * time.Minute,
	}
}

// Load resolves a Config starting from Defaults, layering a YAML file (if
// path is non-empty and exists) and then environment variables on top.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("ESCALATION_MODEL"); v != "" {
		cfg.EscalationModel = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	setIntEnv("MAX_PLAN_ATTEMPTS", &cfg.MaxPlanAttempts)
	setIntEnv("MAX_CONCURRENT_SUBQUERIES", &cfg.MaxConcurrentSubqueries)
	setFloatEnv("COVERAGE_THRESHOLD", &cfg.CoverageThreshold)
	setFloatEnv("MIN_CONFIDENCE", &cfg.MinConfidence)
	setIntEnv("MIN_OUTPUT_LENGTH", &cfg.MinOutputLength)
	setIntEnv("PLANNER_MAX_ITERATIONS", &cfg.PlannerMaxIterations)
	setIntEnv("CREATE_PLAN_MAX_ATTEMPTS", &cfg.CreatePlanMaxAttempts)
	setIntEnv("FINALIZE_AUTO_RECOVERY_THRESHOLD", &cfg.FinalizeAutoRecoveryThreshold)
	setDurationEnv("STEP_TIMEOUT", &cfg.StepTimeout)
	setDurationEnv("PHASE_TIMEOUT", &cfg.PhaseTimeout)
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.MongoURI = v
	}
	if v := os.Getenv("MONGO_DATABASE"); v != "" {
		cfg.MongoDatabase = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	setBoolEnv("OTEL_TRACING_ENABLED", &cfg.TracingEnabled)
}

func setBoolEnv(name string, dst *bool) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if b, err := strconv.ParseBool(v); err == nil {
		*dst = b
	}
}

func setIntEnv(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func setFloatEnv(name string, dst *float64) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = f
	}
}

func setDurationEnv(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}
