package interfaces

import (
	"context"
	"time"
)

// ProbeTarget identifies what a health check is run against
type ProbeTarget struct {
	Component     string            `json:"component"`
	Artifact      string            `json:"artifact"`
	Configuration map[string]string `json:"configuration,omitempty"`
}

// ProbeResult is the outcome of a single probe attempt
type ProbeResult struct {
	Passed  bool          `json:"passed"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// HealthProbe runs one health check attempt. The transport is up to the
// implementation; it must honor ctx's deadline.
type HealthProbe interface {
	Check(ctx context.Context, target ProbeTarget, spec HealthCheckSpec) (ProbeResult, error)
}

// MetricSample is a single metric observation
type MetricSample struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricSource provides live metric values
type MetricSource interface {
	Sample(ctx context.Context, metric string) (MetricSample, error)
}

// ApprovalDecision is the resolution of a manual approval gate
type ApprovalDecision string

// Approval decisions
const (
	ApprovalGranted ApprovalDecision = "granted"
	ApprovalDenied  ApprovalDecision = "denied"
)

// ApprovalRequest identifies the gate being waited on
type ApprovalRequest struct {
	ExecutionID string `json:"execution_id"`
	Phase       string `json:"phase"`
}

// ApprovalSource blocks until an operator decides or ctx ends
type ApprovalSource interface {
	Await(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApprovalSink records operator decisions for a waiting gate
type ApprovalSink interface {
	Decide(ctx context.Context, executionID string, decision ApprovalDecision) error
}

// DeployRequest asks a deployer to roll out one component
type DeployRequest struct {
	ExecutionID string    `json:"execution_id"`
	Component   Component `json:"component"`
}

// RevertRequest asks a deployer to restore a component to a prior artifact
type RevertRequest struct {
	ExecutionID string            `json:"execution_id"`
	Component   Component         `json:"component"`
	Artifact    string            `json:"artifact"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// ComponentDeployer performs the actual rollout work for one component
type ComponentDeployer interface {
	Deploy(ctx context.Context, req DeployRequest) error
	Revert(ctx context.Context, req RevertRequest) error
}

// StepHandler executes a non-revert rollback step
type StepHandler interface {
	Handle(ctx context.Context, executionID string, step RollbackStep) error
}

// StepHandlerFunc adapts a function to StepHandler
type StepHandlerFunc func(ctx context.Context, executionID string, step RollbackStep) error

// Handle calls f
func (f StepHandlerFunc) Handle(ctx context.Context, executionID string, step RollbackStep) error {
	return f(ctx, executionID, step)
}

// IntegrityChecker reports whether data survived a rollback intact
type IntegrityChecker interface {
	Verify(ctx context.Context, executionID string, plan *DeploymentPlan) (bool, error)
}

// TrafficSwitcher moves traffic onto newly deployed components
type TrafficSwitcher interface {
	Switch(ctx context.Context, executionID string, components []string) error
}

// HistoryProvider reports prior executions of a plan in an environment
type HistoryProvider interface {
	CountExecutions(ctx context.Context, planKey, environment string) (int, error)
}

// SnapshotSink receives immutable execution snapshots for storage or reporting
type SnapshotSink interface {
	SaveExecution(ctx context.Context, execution *DeploymentExecution) error
}

// Ticker delivers ticks from a Clock
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts time so periodic work is testable
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}
