package interfaces

import "time"

// StrategyType names a rollout family
type StrategyType string

// Strategy types
const (
	StrategyRolling   StrategyType = "rolling"
	StrategyBlueGreen StrategyType = "blue_green"
	StrategyCanary    StrategyType = "canary"
)

// PhaseCategory groups phases by purpose
type PhaseCategory string

// Phase categories
const (
	PhasePreparation PhaseCategory = "preparation"
	PhaseDeployment  PhaseCategory = "deployment"
	PhaseValidation  PhaseCategory = "validation"
)

// ValidationRuleType selects what a phase verifies after its components are up
type ValidationRuleType string

// Validation rule types
const (
	RuleHealthChecks    ValidationRuleType = "health_checks"
	RuleMetricThreshold ValidationRuleType = "metric_threshold"
	RuleTrafficSwitch   ValidationRuleType = "traffic_switch"
	RuleSoak            ValidationRuleType = "soak"
)

// Comparison is the breach predicate of a threshold
type Comparison string

// Comparisons
const (
	GreaterThan Comparison = "gt"
	LessThan    Comparison = "lt"
)

// Breached reports whether value violates threshold under c
func (c Comparison) Breached(value, threshold float64) bool {
	switch c {
	case LessThan:
		return value < threshold
	case GreaterThan:
		return value > threshold
	default:
		return value > threshold
	}
}

// Symbol renders the comparison for messages
func (c Comparison) Symbol() string {
	if c == LessThan {
		return "<"
	}
	return ">"
}

// ValidationRule is one check a phase must pass. A metric_threshold rule
// fails only after ConsecutiveBreaches breaching samples taken Interval apart.
type ValidationRule struct {
	Type                ValidationRuleType `json:"type"`
	Metric              string             `json:"metric,omitempty"`
	Comparison          Comparison         `json:"comparison,omitempty"`
	Threshold           float64            `json:"threshold,omitempty"`
	ConsecutiveBreaches int                `json:"consecutive_breaches,omitempty"`
	Interval            time.Duration      `json:"interval,omitempty"`
	Duration            time.Duration      `json:"duration,omitempty"`
}

// Breaches returns the effective consecutive breach budget of a metric rule
func (r ValidationRule) Breaches() int {
	if r.ConsecutiveBreaches <= 0 {
		return DefaultConsecutiveBreaches
	}
	return r.ConsecutiveBreaches
}

// Phase is an ordered stage of a strategy
type Phase struct {
	Name             string           `json:"name"`
	Category         PhaseCategory    `json:"category"`
	Components       []string         `json:"components"`
	ValidationRules  []ValidationRule `json:"validation_rules,omitempty"`
	ManualApproval   bool             `json:"manual_approval,omitempty"`
	MaxParallel      int              `json:"max_parallel,omitempty"`
	ExpectedDuration time.Duration    `json:"expected_duration"`
}

// DefaultConsecutiveBreaches is the number of breaching samples that fire a trigger
const DefaultConsecutiveBreaches = 3

// MonitoringConfig controls the Monitor's sampling
type MonitoringConfig struct {
	Interval            time.Duration `json:"interval"`
	Metrics             []string      `json:"metrics"`
	ConsecutiveBreaches int           `json:"consecutive_breaches"`
}

// Breaches returns the effective consecutive breach budget
func (m MonitoringConfig) Breaches() int {
	if m.ConsecutiveBreaches <= 0 {
		return DefaultConsecutiveBreaches
	}
	return m.ConsecutiveBreaches
}

// TriggerAction is what happens once a trigger fires
type TriggerAction string

// Trigger actions
const (
	ActionAutomatic TriggerAction = "automatic"
	ActionManual    TriggerAction = "manual"
	ActionAlertOnly TriggerAction = "alert_only"
)

// RollbackTrigger is a metric predicate watched for the life of an execution
type RollbackTrigger struct {
	Name       string        `json:"name"`
	Metric     string        `json:"metric"`
	Comparison Comparison    `json:"comparison"`
	Threshold  float64       `json:"threshold"`
	Action     TriggerAction `json:"action"`
}

// DeploymentStrategy is derived once from a risk assessment and never changed
type DeploymentStrategy struct {
	Type            StrategyType      `json:"type"`
	Phases          []Phase           `json:"phases"`
	DeploymentOrder []string          `json:"deployment_order"`
	BatchSize       int               `json:"batch_size,omitempty"`
	Monitoring      MonitoringConfig  `json:"monitoring"`
	Triggers        []RollbackTrigger `json:"triggers,omitempty"`
	RollbackPolicy  RollbackPolicy    `json:"rollback_policy"`
}

// Clone returns a deep copy
func (s *DeploymentStrategy) Clone() *DeploymentStrategy {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Phases = make([]Phase, len(s.Phases))
	for i, p := range s.Phases {
		p.Components = append([]string(nil), p.Components...)
		p.ValidationRules = append([]ValidationRule(nil), p.ValidationRules...)
		cp.Phases[i] = p
	}
	cp.DeploymentOrder = append([]string(nil), s.DeploymentOrder...)
	cp.Monitoring.Metrics = append([]string(nil), s.Monitoring.Metrics...)
	cp.Triggers = append([]RollbackTrigger(nil), s.Triggers...)
	return &cp
}

// ExpectedDuration sums the expected duration of all phases
func (s *DeploymentStrategy) ExpectedDuration() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		total += p.ExpectedDuration
	}
	return total
}
