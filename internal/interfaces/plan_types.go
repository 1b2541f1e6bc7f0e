// Package interfaces defines the rollout domain model and the contracts between components
package interfaces

import (
	"fmt"
	"time"
)

// WaitCondition is the state a dependency must reach before its dependents start
type WaitCondition string

// Wait conditions for dependency edges
const (
	WaitDeployed WaitCondition = "deployed"
	WaitHealthy  WaitCondition = "healthy"
)

// ResourceDemand is the capacity a component consumes while live
type ResourceDemand struct {
	CPU      float64 `json:"cpu"`
	MemoryMB int64   `json:"memory_mb"`
}

// HealthCheckSpec describes one probe run against a component
type HealthCheckSpec struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Timeout  time.Duration          `json:"timeout,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`
	Optional bool                   `json:"optional,omitempty"`
	Config   map[string]interface{} `json:"config,omitempty"`
}

// Mandatory reports whether the check gates phase success
func (h HealthCheckSpec) Mandatory() bool {
	return !h.Optional
}

// Component is a deployable unit of a plan
type Component struct {
	Name             string            `json:"name"`
	Artifact         string            `json:"artifact"`
	PreviousArtifact string            `json:"previous_artifact,omitempty"`
	HealthChecks     []HealthCheckSpec `json:"health_checks,omitempty"`
	Configuration    map[string]string `json:"configuration,omitempty"`
	Resources        ResourceDemand    `json:"resources"`
	Critical         bool              `json:"critical,omitempty"`
}

// Dependency declares that Component waits for every entry in DependsOn
type Dependency struct {
	Component string        `json:"component"`
	DependsOn []string      `json:"depends_on"`
	WaitFor   WaitCondition `json:"wait_for,omitempty"`
}

// Condition returns the effective wait condition, defaulting to healthy
func (d Dependency) Condition() WaitCondition {
	if d.WaitFor == "" {
		return WaitHealthy
	}
	return d.WaitFor
}

// RollbackAction is the kind of compensating work a rollback step performs
type RollbackAction string

// Rollback step actions
const (
	ActionRevert         RollbackAction = "revert"
	ActionRestoreBackup  RollbackAction = "restore_backup"
	ActionSwitchTraffic  RollbackAction = "switch_traffic"
	ActionRunCommand     RollbackAction = "run_command"
	ActionNotifyOperator RollbackAction = "notify_operator"
)

// BackupStrategy describes how pre-deployment state is preserved
type BackupStrategy string

// Backup strategies
const (
	BackupNone     BackupStrategy = "none"
	BackupSnapshot BackupStrategy = "snapshot"
	BackupFull     BackupStrategy = "full"
)

// RollbackPolicy decides whether failures roll back without an operator
type RollbackPolicy string

// Rollback policies
const (
	RollbackAutomatic RollbackPolicy = "automatic"
	RollbackManual    RollbackPolicy = "manual"
)

// RollbackStep is one compensating action of a rollback plan
type RollbackStep struct {
	Name       string            `json:"name"`
	Action     RollbackAction    `json:"action"`
	Component  string            `json:"component,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Retries    int               `json:"retries,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// RollbackPlan lists the compensating steps for a plan
type RollbackPlan struct {
	Steps          []RollbackStep `json:"steps,omitempty"`
	StepTimeout    time.Duration  `json:"step_timeout,omitempty"`
	StepRetries    int            `json:"step_retries,omitempty"`
	BackupStrategy BackupStrategy `json:"backup_strategy,omitempty"`
	Policy         RollbackPolicy `json:"policy,omitempty"`
}

// EffectivePolicy returns the declared policy, defaulting to automatic
func (r RollbackPlan) EffectivePolicy() RollbackPolicy {
	if r.Policy == "" {
		return RollbackAutomatic
	}
	return r.Policy
}

// CriterionType classifies a success criterion
type CriterionType string

// Success criterion types
const (
	CriterionAvailability CriterionType = "availability"
	CriterionErrorRate    CriterionType = "error_rate"
	CriterionLatency      CriterionType = "latency"
	CriterionThroughput   CriterionType = "throughput"
	CriterionCustom       CriterionType = "custom"
)

// SuccessCriterion is a metric bound the deployment must respect
type SuccessCriterion struct {
	Name      string        `json:"name"`
	Type      CriterionType `json:"type"`
	Metric    string        `json:"metric"`
	Threshold float64       `json:"threshold"`
}

// MetricName returns the sampled metric, defaulting to the criterion type
func (s SuccessCriterion) MetricName() string {
	if s.Metric != "" {
		return s.Metric
	}
	return string(s.Type)
}

// PlanMetadata carries operator supplied hints
type PlanMetadata struct {
	RiskHint         RiskLevel         `json:"risk_hint,omitempty"`
	BusinessImpact   RiskLevel         `json:"business_impact,omitempty"`
	Critical         bool              `json:"critical,omitempty"`
	Owner            string            `json:"owner,omitempty"`
	StrategyOverride StrategyType      `json:"strategy_override,omitempty"`
	Labels           map[string]string `json:"labels,omitempty"`
}

// DeploymentPlan is the declarative input of an execution
type DeploymentPlan struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Components      []Component        `json:"components"`
	Dependencies    []Dependency       `json:"dependencies,omitempty"`
	RollbackPlan    RollbackPlan       `json:"rollback_plan"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`
	Metadata        PlanMetadata       `json:"metadata"`
}

// Component returns the named component
func (p *DeploymentPlan) Component(name string) (*Component, bool) {
	for i := range p.Components {
		if p.Components[i].Name == name {
			return &p.Components[i], true
		}
	}
	return nil, false
}

// ComponentNames returns component names in declaration order
func (p *DeploymentPlan) ComponentNames() []string {
	names := make([]string, len(p.Components))
	for i, c := range p.Components {
		names[i] = c.Name
	}
	return names
}

// PeakDemand sums the demand of every component, which may all be live at once
func (p *DeploymentPlan) PeakDemand() ResourceDemand {
	var total ResourceDemand
	for _, c := range p.Components {
		total.CPU += c.Resources.CPU
		total.MemoryMB += c.Resources.MemoryMB
	}
	return total
}

// IsCritical reports whether the plan or any component is flagged critical
func (p *DeploymentPlan) IsCritical() bool {
	if p.Metadata.Critical {
		return true
	}
	for _, c := range p.Components {
		if c.Critical {
			return true
		}
	}
	return false
}

// Validate checks the structural invariants of a plan. Cycle detection is
// left to the dependency resolver.
func (p *DeploymentPlan) Validate() error {
	if p == nil {
		return NewError(KindValidation, "plan is nil")
	}
	if p.Name == "" && p.ID == "" {
		return NewError(KindValidation, "plan must have an id or a name")
	}
	if len(p.Components) == 0 {
		return NewError(KindValidation, "plan %q has no components", p.DisplayName())
	}

	seen := make(map[string]bool, len(p.Components))
	for _, c := range p.Components {
		if c.Name == "" {
			return NewError(KindValidation, "component without a name")
		}
		if seen[c.Name] {
			return NewError(KindValidation, "duplicate component %q", c.Name)
		}
		seen[c.Name] = true

		for _, hc := range c.HealthChecks {
			if hc.Name == "" {
				return NewError(KindValidation, "component %q has a health check without a name", c.Name)
			}
			if hc.Timeout < 0 || hc.Attempts < 0 {
				return NewError(KindValidation, "health check %s/%s has a negative timeout or attempt count", c.Name, hc.Name)
			}
		}
	}

	for _, d := range p.Dependencies {
		if !seen[d.Component] {
			return NewError(KindValidation, "dependency declared for unknown component %q", d.Component)
		}
		switch d.WaitFor {
		case "", WaitDeployed, WaitHealthy:
		default:
			return NewError(KindValidation, "component %q has unknown wait condition %q", d.Component, d.WaitFor)
		}
		for _, dep := range d.DependsOn {
			if !seen[dep] {
				return NewError(KindValidation, "component %q depends on unknown component %q", d.Component, dep)
			}
			if dep == d.Component {
				return NewError(KindValidation, "component %q depends on itself", d.Component)
			}
		}
	}

	for _, s := range p.RollbackPlan.Steps {
		if s.Component != "" && !seen[s.Component] {
			return NewError(KindValidation, "rollback step %q targets unknown component %q", s.Name, s.Component)
		}
	}

	switch p.RollbackPlan.Policy {
	case "", RollbackAutomatic, RollbackManual:
	default:
		return NewError(KindValidation, "unknown rollback policy %q", p.RollbackPlan.Policy)
	}

	return nil
}

// DisplayName returns the plan name, falling back to its ID
func (p *DeploymentPlan) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Key identifies the plan across executions for history lookups
func (p *DeploymentPlan) Key() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Name
}

// Capacity describes what an environment can absorb
type Capacity struct {
	MaxConcurrentDeployments int     `json:"max_concurrent_deployments"`
	CPU                      float64 `json:"cpu"`
	MemoryMB                 int64   `json:"memory_mb"`
	UsedCPU                  float64 `json:"used_cpu,omitempty"`
	UsedMemoryMB             int64   `json:"used_memory_mb,omitempty"`
}

// Free returns the unused share of the environment
func (c Capacity) Free() ResourceDemand {
	return ResourceDemand{
		CPU:      c.CPU - c.UsedCPU,
		MemoryMB: c.MemoryMB - c.UsedMemoryMB,
	}
}

// Constraints bound how long an execution may run
type Constraints struct {
	ExecutionTimeout time.Duration `json:"execution_timeout,omitempty"`
	ApprovalTimeout  time.Duration `json:"approval_timeout,omitempty"`
	Production       bool          `json:"production,omitempty"`
}

// Environment is the deployment target. It is not mutated during an execution.
type Environment struct {
	Name        string      `json:"name"`
	Capacity    Capacity    `json:"capacity"`
	Constraints Constraints `json:"constraints"`
}

// Validate checks that the environment can host any deployment at all
func (e *Environment) Validate() error {
	if e == nil {
		return NewError(KindValidation, "environment is nil")
	}
	if e.Name == "" {
		return NewError(KindValidation, "environment must have a name")
	}
	if e.Capacity.MaxConcurrentDeployments <= 0 {
		return NewError(KindValidation, "environment %q must allow at least one concurrent deployment", e.Name)
	}
	return nil
}

// CheckCapacity fails with a capacity error when the plan cannot fit
func (e *Environment) CheckCapacity(plan *DeploymentPlan) error {
	peak := plan.PeakDemand()
	free := e.Capacity.Free()
	if peak.CPU > free.CPU {
		return NewError(KindCapacity, "plan %q needs %.2f cpu but environment %q has %.2f free",
			plan.DisplayName(), peak.CPU, e.Name, free.CPU)
	}
	if peak.MemoryMB > free.MemoryMB {
		return NewError(KindCapacity, "plan %q needs %dMB memory but environment %q has %dMB free",
			plan.DisplayName(), peak.MemoryMB, e.Name, free.MemoryMB)
	}
	return nil
}

// String implements fmt.Stringer
func (e Environment) String() string {
	return fmt.Sprintf("%s(max=%d)", e.Name, e.Capacity.MaxConcurrentDeployments)
}

// Clone returns a deep copy so a submitted plan is isolated from its caller
func (p *DeploymentPlan) Clone() *DeploymentPlan {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Components = make([]Component, len(p.Components))
	for i, c := range p.Components {
		c.HealthChecks = make([]HealthCheckSpec, len(p.Components[i].HealthChecks))
		for j, hc := range p.Components[i].HealthChecks {
			hc.Config = cloneAnyMap(hc.Config)
			c.HealthChecks[j] = hc
		}
		c.Configuration = cloneStringMap(c.Configuration)
		cp.Components[i] = c
	}
	cp.Dependencies = make([]Dependency, len(p.Dependencies))
	for i, d := range p.Dependencies {
		d.DependsOn = append([]string(nil), d.DependsOn...)
		cp.Dependencies[i] = d
	}
	cp.RollbackPlan.Steps = make([]RollbackStep, len(p.RollbackPlan.Steps))
	for i, s := range p.RollbackPlan.Steps {
		s.Parameters = cloneStringMap(s.Parameters)
		cp.RollbackPlan.Steps[i] = s
	}
	cp.SuccessCriteria = append([]SuccessCriterion(nil), p.SuccessCriteria...)
	cp.Metadata.Labels = cloneStringMap(p.Metadata.Labels)
	return &cp
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
