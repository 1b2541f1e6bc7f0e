package interfaces

import "context"

// Assessment previews how a plan would be rolled out in an environment
// without starting anything
type Assessment struct {
	Risk           *RiskAssessment     `json:"risk"`
	Strategy       *DeploymentStrategy `json:"strategy"`
	ExecutionOrder []string            `json:"execution_order"`
	Levels         [][]string          `json:"levels"`
	GraphViz       string              `json:"graphviz,omitempty"`
}

// ExecutionService is the surface the HTTP API and the CLI client drive.
// Submissions are queued and run by workers; the service reads their state
// from the shared registry.
type ExecutionService interface {
	Submit(ctx context.Context, plan *DeploymentPlan, env *Environment) (*DeploymentExecution, error)
	Get(ctx context.Context, executionID string) (*DeploymentExecution, error)
	List(ctx context.Context, filter ExecutionFilter) ([]*DeploymentExecution, error)
	Cancel(ctx context.Context, executionID string) error
	ForceRollback(ctx context.Context, executionID, reason string) (*RollbackResult, error)
	Approve(ctx context.Context, executionID string, decision ApprovalDecision) error
	Assess(ctx context.Context, plan *DeploymentPlan, env *Environment) (*Assessment, error)
	QueueMetrics() QueueMetrics
}
