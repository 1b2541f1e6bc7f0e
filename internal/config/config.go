package config

import (
	"os"
	"strconv"
	"time"

	"github.com/lattiam/rollout/internal/phase"
	"github.com/lattiam/rollout/internal/risk"
	"github.com/lattiam/rollout/internal/rollback"
	"github.com/lattiam/rollout/internal/strategy"
)

// EngineConfig holds the tunables of the rollout engine components
type EngineConfig struct {
	ExecutionTimeout time.Duration `json:"execution_timeout" mapstructure:"execution_timeout"`
	// RetainedExecutions is how many finished executions a worker keeps in memory
	RetainedExecutions int                 `json:"retained_executions" mapstructure:"retained_executions"`
	Risk               risk.Policy         `json:"risk" mapstructure:"risk"`
	Strategy           strategy.Config     `json:"strategy" mapstructure:"strategy"`
	HealthChecks       phase.RetryPolicy   `json:"health_checks" mapstructure:"health_checks"`
	Rollback           rollback.StepPolicy `json:"rollback" mapstructure:"rollback"`
	// RollbackChecks is the retry policy used when re-validating restored components
	RollbackChecks phase.RetryPolicy `json:"rollback_checks" mapstructure:"rollback_checks"`
}

// DefaultEngineConfig returns the production defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ExecutionTimeout:   6 * time.Hour,
		RetainedExecutions: 1000,
		Risk:               risk.PolicyV1(),
		Strategy:           strategy.DefaultConfig(),
		HealthChecks:       phase.DefaultRetryPolicy(),
		Rollback:           rollback.DefaultStepPolicy(),
		RollbackChecks:     phase.DefaultRetryPolicy(),
	}
}

// LoadEngineConfig returns the defaults with timeout overrides from
// environment variables applied
func LoadEngineConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.applyEnv()
	return cfg
}

func (c *EngineConfig) applyEnv() {
	if d, ok := durationEnv("ROLLOUT_EXECUTION_TIMEOUT"); ok {
		c.ExecutionTimeout = d
	}
	if d, ok := durationEnv("ROLLOUT_HEALTH_CHECK_TIMEOUT"); ok {
		c.HealthChecks.CheckTimeout = d
		c.RollbackChecks.CheckTimeout = d
	}
	if d, ok := durationEnv("ROLLOUT_DEPLOY_TIMEOUT"); ok {
		c.HealthChecks.DeployTimeout = d
	}
	if d, ok := durationEnv("ROLLOUT_ROLLBACK_STEP_TIMEOUT"); ok {
		c.Rollback.Timeout = d
	}
	if v := os.Getenv("ROLLOUT_HEALTH_CHECK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HealthChecks.MaxAttempts = n
		}
	}
}

func durationEnv(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

// GetHTTPClientTimeout returns the timeout for outbound HTTP clients, longer
// when ROLLOUT_DEBUG is set
func GetHTTPClientTimeout() time.Duration {
	if debug := os.Getenv("ROLLOUT_DEBUG"); debug != "" {
		if b, err := strconv.ParseBool(debug); err == nil && b {
			return 10 * time.Minute
		}
	}
	return 30 * time.Second
}
