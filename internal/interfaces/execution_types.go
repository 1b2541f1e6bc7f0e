package interfaces

import "time"

// ExecutionStatus is the lifecycle state of a deployment execution
type ExecutionStatus string

// Execution statuses
const (
	StatusPending    ExecutionStatus = "pending"
	StatusInProgress ExecutionStatus = "in_progress"
	StatusPaused     ExecutionStatus = "paused"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusRolledBack ExecutionStatus = "rolled_back"
)

// IsTerminal reports whether the status is absorbing
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return true
	case StatusPending, StatusInProgress, StatusPaused:
		return false
	default:
		return false
	}
}

// ParseExecutionStatus converts a string into a known status
func ParseExecutionStatus(s string) (ExecutionStatus, error) {
	switch status := ExecutionStatus(s); status {
	case StatusPending, StatusInProgress, StatusPaused, StatusCompleted, StatusFailed, StatusRolledBack:
		return status, nil
	default:
		return "", NewError(KindValidation, "unknown execution status %q", s)
	}
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		switch to {
		case StatusPaused, StatusCompleted, StatusFailed, StatusRolledBack:
			return true
		case StatusPending, StatusInProgress:
			return false
		default:
			return false
		}
	case StatusPaused:
		switch to {
		case StatusInProgress, StatusFailed, StatusRolledBack:
			return true
		case StatusPending, StatusPaused, StatusCompleted:
			return false
		default:
			return false
		}
	case StatusCompleted, StatusFailed, StatusRolledBack:
		return false
	default:
		return false
	}
}

// PhaseStatus is the state of one executed phase
type PhaseStatus string

// Phase statuses
const (
	PhaseStatusPending          PhaseStatus = "pending"
	PhaseStatusRunning          PhaseStatus = "running"
	PhaseStatusAwaitingApproval PhaseStatus = "awaiting_approval"
	PhaseStatusCompleted        PhaseStatus = "completed"
	PhaseStatusFailed           PhaseStatus = "failed"
	PhaseStatusSkipped          PhaseStatus = "skipped"
)

// ComponentStatus is the state of one component within a phase
type ComponentStatus string

// Component statuses
const (
	ComponentPending   ComponentStatus = "pending"
	ComponentDeploying ComponentStatus = "deploying"
	ComponentDeployed  ComponentStatus = "deployed"
	ComponentHealthy   ComponentStatus = "healthy"
	ComponentFailed    ComponentStatus = "failed"
	ComponentSkipped   ComponentStatus = "skipped"
)

// Reached reports whether the component satisfies a dependency wait condition
func (s ComponentStatus) Reached(cond WaitCondition) bool {
	switch cond {
	case WaitDeployed:
		return s == ComponentDeployed || s == ComponentHealthy
	case WaitHealthy:
		return s == ComponentHealthy
	default:
		return s == ComponentHealthy
	}
}

// HealthCheckResult is the outcome of one health check after its retries
type HealthCheckResult struct {
	Component string        `json:"component"`
	Check     string        `json:"check"`
	Passed    bool          `json:"passed"`
	Mandatory bool          `json:"mandatory"`
	Attempts  int           `json:"attempts"`
	Latency   time.Duration `json:"latency"`
	Detail    string        `json:"detail,omitempty"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// ComponentResult is the per-component record of a phase
type ComponentResult struct {
	Name         string              `json:"name"`
	Artifact     string              `json:"artifact"`
	Status       ComponentStatus     `json:"status"`
	HealthChecks []HealthCheckResult `json:"health_checks,omitempty"`
	Error        string              `json:"error,omitempty"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// Issue is a problem recorded against an execution
type Issue struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	Phase      string    `json:"phase,omitempty"`
	Component  string    `json:"component,omitempty"`
	Evidence   string    `json:"evidence,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// RuleResult is the outcome of one phase validation rule
type RuleResult struct {
	Type         ValidationRuleType  `json:"type"`
	Passed       bool                `json:"passed"`
	Detail       string              `json:"detail,omitempty"`
	HealthChecks []HealthCheckResult `json:"health_checks,omitempty"`
}

// ExecutionPhase is the record of one strategy phase being executed
type ExecutionPhase struct {
	Name        string            `json:"name"`
	Category    PhaseCategory     `json:"category"`
	Status      PhaseStatus       `json:"status"`
	Components  []ComponentResult `json:"components"`
	Rules       []RuleResult      `json:"rules,omitempty"`
	Issues      []Issue           `json:"issues,omitempty"`
	Downtime    time.Duration     `json:"downtime"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (p *ExecutionPhase) Clone() *ExecutionPhase {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Components = make([]ComponentResult, len(p.Components))
	for i, c := range p.Components {
		c.HealthChecks = append([]HealthCheckResult(nil), c.HealthChecks...)
		c.StartedAt = cloneTime(c.StartedAt)
		c.CompletedAt = cloneTime(c.CompletedAt)
		cp.Components[i] = c
	}
	cp.Rules = make([]RuleResult, len(p.Rules))
	for i, r := range p.Rules {
		r.HealthChecks = append([]HealthCheckResult(nil), r.HealthChecks...)
		cp.Rules[i] = r
	}
	cp.Issues = append([]Issue(nil), p.Issues...)
	cp.StartedAt = cloneTime(p.StartedAt)
	cp.CompletedAt = cloneTime(p.CompletedAt)
	return &cp
}

// FirstIssue returns the first recorded issue, if any
func (p *ExecutionPhase) FirstIssue() (Issue, bool) {
	if len(p.Issues) == 0 {
		return Issue{}, false
	}
	return p.Issues[0], true
}

// ExecutionMetrics is the metrics snapshot of an execution
type ExecutionMetrics struct {
	Downtime           time.Duration `json:"downtime"`
	Duration           time.Duration `json:"duration"`
	ComponentsDeployed int           `json:"components_deployed"`
	HealthChecksRun    int           `json:"health_checks_run"`
	HealthChecksFailed int           `json:"health_checks_failed"`
	TriggerFirings     int           `json:"trigger_firings"`
	RollbackSteps      int           `json:"rollback_steps"`
}

// DeploymentExecution is the record owned by the orchestrator
type DeploymentExecution struct {
	ID           string              `json:"id"`
	Revision     int64               `json:"revision"`
	PlanID       string              `json:"plan_id"`
	PlanName     string              `json:"plan_name"`
	Environment  string              `json:"environment"`
	Status       ExecutionStatus     `json:"status"`
	Risk         *RiskAssessment     `json:"risk,omitempty"`
	Strategy     *DeploymentStrategy `json:"strategy,omitempty"`
	Phases       []ExecutionPhase    `json:"phases"`
	CurrentPhase int                 `json:"current_phase"`
	Issues       []Issue             `json:"issues,omitempty"`
	Metrics      ExecutionMetrics    `json:"metrics"`
	Rollback     *RollbackResult     `json:"rollback,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Clone returns a deep copy safe to hand out to readers
func (e *DeploymentExecution) Clone() *DeploymentExecution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Risk = e.Risk.Clone()
	cp.Strategy = e.Strategy.Clone()
	cp.Phases = make([]ExecutionPhase, len(e.Phases))
	for i := range e.Phases {
		cp.Phases[i] = *e.Phases[i].Clone()
	}
	cp.Issues = append([]Issue(nil), e.Issues...)
	cp.Rollback = e.Rollback.Clone()
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

// PlanKey mirrors DeploymentPlan.Key for stored records
func (e *DeploymentExecution) PlanKey() string {
	if e.PlanID != "" {
		return e.PlanID
	}
	return e.PlanName
}

// HasIssue reports whether an issue of the given kind was recorded
func (e *DeploymentExecution) HasIssue(kind ErrorKind) bool {
	for _, is := range e.Issues {
		if is.Kind == kind {
			return true
		}
	}
	return false
}

// DeployedComponents returns components that reached at least deployed, in
// the order they were recorded across phases
func (e *DeploymentExecution) DeployedComponents() []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range e.Phases {
		for _, c := range p.Components {
			if seen[c.Name] {
				continue
			}
			if c.Status == ComponentDeployed || c.Status == ComponentHealthy || c.Status == ComponentFailed {
				seen[c.Name] = true
				out = append(out, c.Name)
			}
		}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
