package interfaces

import (
	"context"
	"time"
)

// DependencyGraph is the resolved dependency structure of a plan
type DependencyGraph struct {
	Nodes          []string                            `json:"nodes"`
	Dependencies   map[string][]string                 `json:"dependencies"`
	Dependents     map[string][]string                 `json:"dependents"`
	Conditions     map[string]map[string]WaitCondition `json:"conditions"`
	ExecutionOrder []string                            `json:"execution_order"`
	Levels         [][]string                          `json:"levels"`
	Depth          int                                 `json:"depth"`
}

// Position returns the index of name in the execution order, or -1
func (g *DependencyGraph) Position(name string) int {
	for i, n := range g.ExecutionOrder {
		if n == name {
			return i
		}
	}
	return -1
}

// ReverseOrder returns the execution order reversed
func (g *DependencyGraph) ReverseOrder() []string {
	out := make([]string, len(g.ExecutionOrder))
	for i, n := range g.ExecutionOrder {
		out[len(out)-1-i] = n
	}
	return out
}

// DependencyResolver builds and analyzes a plan's dependency graph
type DependencyResolver interface {
	Resolve(plan *DeploymentPlan) (*DependencyGraph, error)
	ExportGraphViz(graph *DependencyGraph) string
}

// RiskAssessor computes a risk assessment for a plan in an environment
type RiskAssessor interface {
	Assess(ctx context.Context, plan *DeploymentPlan, env *Environment) (*RiskAssessment, error)
}

// StrategySelector maps a risk assessment onto a rollout strategy
type StrategySelector interface {
	Select(plan *DeploymentPlan, risk *RiskAssessment) (*DeploymentStrategy, error)
}

// PhaseRequest is everything a phase executor needs to run one phase
type PhaseRequest struct {
	ExecutionID string
	Phase       Phase
	Plan        *DeploymentPlan
	Environment *Environment
	Graph       *DependencyGraph
}

// PhaseExecutor runs one phase and reports its outcome
type PhaseExecutor interface {
	Execute(ctx context.Context, req PhaseRequest) (*ExecutionPhase, error)
	AwaitApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ExecutionView is the read-only window the Monitor has onto an execution
type ExecutionView interface {
	ExecutionID() string
	Status() ExecutionStatus
}

// TriggerEvaluation is emitted once each time a trigger fires
type TriggerEvaluation struct {
	ExecutionID         string          `json:"execution_id"`
	Trigger             RollbackTrigger `json:"trigger"`
	Value               float64         `json:"value"`
	Samples             []float64       `json:"samples"`
	ConsecutiveBreaches int             `json:"consecutive_breaches"`
	Status              ExecutionStatus `json:"status"`
	EvaluatedAt         time.Time       `json:"evaluated_at"`
}

// Monitor watches live metrics for the life of an execution
type Monitor interface {
	Watch(ctx context.Context, view ExecutionView, cfg MonitoringConfig, triggers []RollbackTrigger) <-chan TriggerEvaluation
}

// RollbackRequest asks the rollback engine to compensate an execution
type RollbackRequest struct {
	Execution *DeploymentExecution
	Plan      *DeploymentPlan
	Graph     *DependencyGraph
	Reason    string
}

// RollbackEngine executes rollback plans
type RollbackEngine interface {
	Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error)
	Result(executionID string) (*RollbackResult, bool)
	// Forget drops the stored result of a retired execution
	Forget(executionID string)
}

// Orchestrator is the external lifecycle API of the engine
type Orchestrator interface {
	Submit(ctx context.Context, plan *DeploymentPlan, env *Environment) (string, error)
	Status(executionID string) (*DeploymentExecution, error)
	Cancel(executionID string) error
	ForceRollback(ctx context.Context, executionID, reason string) (*RollbackResult, error)
	Approve(ctx context.Context, executionID string, decision ApprovalDecision) error
	List() []*DeploymentExecution
	Wait(ctx context.Context, executionID string) (*DeploymentExecution, error)
}
