// Package strategy maps risk assessments onto rollout strategies
package strategy

import (
	"time"

	"github.com/lattiam/rollout/internal/dependency"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Phase names emitted by the selector
const (
	PhaseNamePreparation = "preparation"
	PhaseNameCanary      = "canary"
	PhaseNameDeployment  = "deployment"
	PhaseNameValidation  = "validation"
)

// Config parameterizes generated strategies
type Config struct {
	RollingInterval       time.Duration `mapstructure:"rolling_interval"`
	BlueGreenInterval     time.Duration `mapstructure:"blue_green_interval"`
	PreparationDuration   time.Duration `mapstructure:"preparation_duration"`
	BaseDeployDuration    time.Duration `mapstructure:"base_deploy_duration"`
	PerComponentDuration  time.Duration `mapstructure:"per_component_duration"`
	ConsecutiveBreaches   int           `mapstructure:"consecutive_breaches"`
	CanaryFractionDivisor int           `mapstructure:"canary_fraction_divisor"`
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RollingInterval:       15 * time.Second,
		BlueGreenInterval:     10 * time.Second,
		PreparationDuration:   time.Minute,
		BaseDeployDuration:    2 * time.Minute,
		PerComponentDuration:  30 * time.Second,
		ConsecutiveBreaches:   interfaces.DefaultConsecutiveBreaches,
		CanaryFractionDivisor: 10,
	}
}

// Selector is a pure mapping from plan and risk to strategy
type Selector struct {
	cfg      Config
	resolver interfaces.DependencyResolver
	logger   *logging.Logger
}

// Option is a functional option for configuring a Selector
type Option func(*Selector)

// WithConfig replaces the default configuration
func WithConfig(cfg Config) Option {
	return func(s *Selector) {
		s.cfg = cfg
	}
}

// WithResolver sets a custom dependency resolver
func WithResolver(r interfaces.DependencyResolver) Option {
	return func(s *Selector) {
		s.resolver = r
	}
}

// NewSelector creates a strategy selector
func NewSelector(opts ...Option) *Selector {
	s := &Selector{
		cfg:      DefaultConfig(),
		resolver: dependency.NewProductionDependencyResolver(),
		logger:   logging.Strategy,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cfg.ConsecutiveBreaches <= 0 {
		s.cfg.ConsecutiveBreaches = interfaces.DefaultConsecutiveBreaches
	}
	if s.cfg.CanaryFractionDivisor <= 0 {
		s.cfg.CanaryFractionDivisor = 10
	}
	return s
}

// Select derives the strategy for plan at the given risk. Identical inputs
// always produce equal strategies.
func (s *Selector) Select(plan *interfaces.DeploymentPlan, risk *interfaces.RiskAssessment) (*interfaces.DeploymentStrategy, error) {
	if risk == nil || !risk.Level.Valid() {
		return nil, interfaces.NewError(interfaces.KindValidation, "a valid risk assessment is required")
	}
	graph, err := s.resolver.Resolve(plan)
	if err != nil {
		return nil, err
	}

	strategyType := s.strategyType(plan, risk.Level)
	order := graph.ExecutionOrder
	n := len(order)

	strat := &interfaces.DeploymentStrategy{
		Type:            strategyType,
		DeploymentOrder: append([]string(nil), order...),
		RollbackPolicy:  plan.RollbackPlan.EffectivePolicy(),
	}
	strat.Triggers = s.triggers(plan)
	strat.Monitoring = s.monitoring(strategyType, strat.Triggers)

	phases := []interfaces.Phase{{
		Name:             PhaseNamePreparation,
		Category:         interfaces.PhasePreparation,
		Components:       []string{},
		ExpectedDuration: s.cfg.PreparationDuration,
	}}

	switch strategyType {
	case interfaces.StrategyRolling:
		strat.BatchSize = rollingBatchSize(n)
		phases = append(phases, s.deploymentPhase(PhaseNameDeployment, order, strat.BatchSize, nil))
	case interfaces.StrategyBlueGreen:
		dp := s.deploymentPhase(PhaseNameDeployment, order, 0, []interfaces.ValidationRule{
			{Type: interfaces.RuleTrafficSwitch},
		})
		dp.ManualApproval = risk.Level == interfaces.RiskCritical
		phases = append(phases, dp)
	case interfaces.StrategyCanary:
		size := ceilDiv(n, s.cfg.CanaryFractionDivisor)
		phases = append(phases,
			s.deploymentPhase(PhaseNameCanary, order[:size], 0, s.metricRules(strat)),
			s.deploymentPhase(PhaseNameDeployment, order[size:], 0, nil),
		)
	}

	phases = append(phases, s.validationPhase(strat))
	strat.Phases = phases

	s.logger.Debug("plan=%s risk=%s strategy=%s phases=%d triggers=%d",
		plan.DisplayName(), risk.Level, strategyType, len(phases), len(strat.Triggers))

	return strat, nil
}

// strategyType applies the decision table. A metadata override may pick a
// strategy that is at least as cautious as the table allows: canary for low
// and medium risk, blue-green for any risk, rolling only at low risk.
func (s *Selector) strategyType(plan *interfaces.DeploymentPlan, level interfaces.RiskLevel) interfaces.StrategyType {
	var base interfaces.StrategyType
	switch level {
	case interfaces.RiskLow:
		base = interfaces.StrategyRolling
	case interfaces.RiskMedium, interfaces.RiskHigh, interfaces.RiskCritical:
		base = interfaces.StrategyBlueGreen
	default:
		base = interfaces.StrategyBlueGreen
	}

	switch plan.Metadata.StrategyOverride {
	case interfaces.StrategyCanary:
		if (level == interfaces.RiskLow || level == interfaces.RiskMedium) && len(plan.Components) > 1 {
			return interfaces.StrategyCanary
		}
	case interfaces.StrategyBlueGreen:
		return interfaces.StrategyBlueGreen
	case interfaces.StrategyRolling:
		if level == interfaces.RiskLow {
			return interfaces.StrategyRolling
		}
	}
	return base
}

func (s *Selector) deploymentPhase(name string, components []string, maxParallel int, rules []interfaces.ValidationRule) interfaces.Phase {
	return interfaces.Phase{
		Name:             name,
		Category:         interfaces.PhaseDeployment,
		Components:       append([]string{}, components...),
		ValidationRules:  rules,
		MaxParallel:      maxParallel,
		ExpectedDuration: s.cfg.BaseDeployDuration + time.Duration(len(components))*s.cfg.PerComponentDuration,
	}
}

// validationPhase soaks long enough for a persistent breach to fire a trigger
func (s *Selector) validationPhase(strat *interfaces.DeploymentStrategy) interfaces.Phase {
	soak := time.Duration(strat.Monitoring.ConsecutiveBreaches+1) * strat.Monitoring.Interval

	rules := []interfaces.ValidationRule{{Type: interfaces.RuleHealthChecks}}
	rules = append(rules, s.metricRules(strat)...)
	rules = append(rules, interfaces.ValidationRule{Type: interfaces.RuleSoak, Duration: soak})

	return interfaces.Phase{
		Name:             PhaseNameValidation,
		Category:         interfaces.PhaseValidation,
		Components:       []string{},
		ValidationRules:  rules,
		ExpectedDuration: soak,
	}
}

// metricRules gates a phase on the rollback-eligible triggers, with the same
// sampling interval and breach budget the Monitor applies
func (s *Selector) metricRules(strat *interfaces.DeploymentStrategy) []interfaces.ValidationRule {
	var rules []interfaces.ValidationRule
	for _, t := range strat.Triggers {
		if t.Action == interfaces.ActionAlertOnly {
			continue
		}
		rules = append(rules, interfaces.ValidationRule{
			Type:                interfaces.RuleMetricThreshold,
			Metric:              t.Metric,
			Comparison:          t.Comparison,
			Threshold:           t.Threshold,
			ConsecutiveBreaches: strat.Monitoring.Breaches(),
			Interval:            strat.Monitoring.Interval,
		})
	}
	return rules
}

// triggers synthesizes one trigger per success criterion. Availability and
// error rate criteria may roll back on their own; the rest only alert. Under a
// manual rollback policy eligible triggers ask an operator instead.
func (s *Selector) triggers(plan *interfaces.DeploymentPlan) []interfaces.RollbackTrigger {
	policy := plan.RollbackPlan.EffectivePolicy()
	out := make([]interfaces.RollbackTrigger, 0, len(plan.SuccessCriteria))
	for _, c := range plan.SuccessCriteria {
		action := interfaces.ActionAlertOnly
		if automaticEligible(c.Type) {
			action = interfaces.ActionAutomatic
			if policy == interfaces.RollbackManual {
				action = interfaces.ActionManual
			}
		}
		name := c.Name
		if name == "" {
			name = c.MetricName()
		}
		out = append(out, interfaces.RollbackTrigger{
			Name:       name,
			Metric:     c.MetricName(),
			Comparison: comparisonFor(c.Type),
			Threshold:  c.Threshold,
			Action:     action,
		})
	}
	return out
}

func (s *Selector) monitoring(t interfaces.StrategyType, triggers []interfaces.RollbackTrigger) interfaces.MonitoringConfig {
	interval := s.cfg.BlueGreenInterval
	if t == interfaces.StrategyRolling {
		interval = s.cfg.RollingInterval
	}

	metrics := []string{}
	seen := make(map[string]bool)
	for _, tr := range triggers {
		if !seen[tr.Metric] {
			seen[tr.Metric] = true
			metrics = append(metrics, tr.Metric)
		}
	}

	return interfaces.MonitoringConfig{
		Interval:            interval,
		Metrics:             metrics,
		ConsecutiveBreaches: s.cfg.ConsecutiveBreaches,
	}
}

func automaticEligible(t interfaces.CriterionType) bool {
	switch t {
	case interfaces.CriterionAvailability, interfaces.CriterionErrorRate:
		return true
	case interfaces.CriterionLatency, interfaces.CriterionThroughput, interfaces.CriterionCustom:
		return false
	default:
		return false
	}
}

func comparisonFor(t interfaces.CriterionType) interfaces.Comparison {
	switch t {
	case interfaces.CriterionAvailability, interfaces.CriterionThroughput:
		return interfaces.LessThan
	case interfaces.CriterionErrorRate, interfaces.CriterionLatency, interfaces.CriterionCustom:
		return interfaces.GreaterThan
	default:
		return interfaces.GreaterThan
	}
}

func rollingBatchSize(n int) int {
	b := ceilDiv(n, 3)
	if b < 1 {
		return 1
	}
	return b
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// DeploymentComponents returns every component referenced by deployment phases
func DeploymentComponents(strat *interfaces.DeploymentStrategy) []string {
	var out []string
	for _, p := range strat.Phases {
		out = append(out, p.Components...)
	}
	return out
}
