// Package mocks provides testify mocks and scriptable fakes for the rollout collaborators
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/lattiam/rollout/internal/interfaces"
)

// HealthProbe is a testify mock of interfaces.HealthProbe
type HealthProbe struct {
	mock.Mock
}

// Check implements interfaces.HealthProbe
func (m *HealthProbe) Check(ctx context.Context, target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec) (interfaces.ProbeResult, error) {
	args := m.Called(ctx, target, spec)
	return args.Get(0).(interfaces.ProbeResult), args.Error(1)
}

// MetricSource is a testify mock of interfaces.MetricSource
type MetricSource struct {
	mock.Mock
}

// Sample implements interfaces.MetricSource
func (m *MetricSource) Sample(ctx context.Context, metric string) (interfaces.MetricSample, error) {
	args := m.Called(ctx, metric)
	return args.Get(0).(interfaces.MetricSample), args.Error(1)
}

// HistoryProvider is a testify mock of interfaces.HistoryProvider
type HistoryProvider struct {
	mock.Mock
}

// CountExecutions implements interfaces.HistoryProvider
func (m *HistoryProvider) CountExecutions(ctx context.Context, planKey, environment string) (int, error) {
	args := m.Called(ctx, planKey, environment)
	return args.Int(0), args.Error(1)
}

// IntegrityChecker is a testify mock of interfaces.IntegrityChecker
type IntegrityChecker struct {
	mock.Mock
}

// Verify implements interfaces.IntegrityChecker
func (m *IntegrityChecker) Verify(ctx context.Context, executionID string, plan *interfaces.DeploymentPlan) (bool, error) {
	args := m.Called(ctx, executionID, plan)
	return args.Bool(0), args.Error(1)
}

// TrafficSwitcher is a testify mock of interfaces.TrafficSwitcher
type TrafficSwitcher struct {
	mock.Mock
}

// Switch implements interfaces.TrafficSwitcher
func (m *TrafficSwitcher) Switch(ctx context.Context, executionID string, components []string) error {
	args := m.Called(ctx, executionID, components)
	return args.Error(0)
}

// SnapshotSink is a testify mock of interfaces.SnapshotSink
type SnapshotSink struct {
	mock.Mock
}

// SaveExecution implements interfaces.SnapshotSink
func (m *SnapshotSink) SaveExecution(ctx context.Context, execution *interfaces.DeploymentExecution) error {
	args := m.Called(ctx, execution)
	return args.Error(0)
}

// Orchestrator is a testify mock of interfaces.Orchestrator
type Orchestrator struct {
	mock.Mock
}

// Submit implements interfaces.Orchestrator
func (m *Orchestrator) Submit(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (string, error) {
	args := m.Called(ctx, plan, env)
	return args.String(0), args.Error(1)
}

// Status implements interfaces.Orchestrator
func (m *Orchestrator) Status(executionID string) (*interfaces.DeploymentExecution, error) {
	args := m.Called(executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeploymentExecution), args.Error(1)
}

// Cancel implements interfaces.Orchestrator
func (m *Orchestrator) Cancel(executionID string) error {
	args := m.Called(executionID)
	return args.Error(0)
}

// ForceRollback implements interfaces.Orchestrator
func (m *Orchestrator) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	args := m.Called(ctx, executionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.RollbackResult), args.Error(1)
}

// Approve implements interfaces.Orchestrator
func (m *Orchestrator) Approve(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	args := m.Called(ctx, executionID, decision)
	return args.Error(0)
}

// List implements interfaces.Orchestrator
func (m *Orchestrator) List() []*interfaces.DeploymentExecution {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*interfaces.DeploymentExecution)
}

// Wait implements interfaces.Orchestrator
func (m *Orchestrator) Wait(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeploymentExecution), args.Error(1)
}

// RiskAssessor is a testify mock of interfaces.RiskAssessor
type RiskAssessor struct {
	mock.Mock
}

// Assess implements interfaces.RiskAssessor
func (m *RiskAssessor) Assess(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.RiskAssessment, error) {
	args := m.Called(ctx, plan, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.RiskAssessment), args.Error(1)
}

// Controller is a testify mock of deployment.Controller
type Controller struct {
	mock.Mock
}

// Cancel implements deployment.Controller
func (m *Controller) Cancel(ctx context.Context, executionID string) error {
	args := m.Called(ctx, executionID)
	return args.Error(0)
}

// ForceRollback implements deployment.Controller
func (m *Controller) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	args := m.Called(ctx, executionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.RollbackResult), args.Error(1)
}

// ApprovalSink is a testify mock of interfaces.ApprovalSink
type ApprovalSink struct {
	mock.Mock
}

// Decide implements interfaces.ApprovalSink
func (m *ApprovalSink) Decide(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	args := m.Called(ctx, executionID, decision)
	return args.Error(0)
}

// ExecutionService is a testify mock of interfaces.ExecutionService
type ExecutionService struct {
	mock.Mock
}

// Submit implements interfaces.ExecutionService
func (m *ExecutionService) Submit(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.DeploymentExecution, error) {
	args := m.Called(ctx, plan, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeploymentExecution), args.Error(1)
}

// Get implements interfaces.ExecutionService
func (m *ExecutionService) Get(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.DeploymentExecution), args.Error(1)
}

// List implements interfaces.ExecutionService
func (m *ExecutionService) List(ctx context.Context, filter interfaces.ExecutionFilter) ([]*interfaces.DeploymentExecution, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*interfaces.DeploymentExecution), args.Error(1)
}

// Cancel implements interfaces.ExecutionService
func (m *ExecutionService) Cancel(ctx context.Context, executionID string) error {
	args := m.Called(ctx, executionID)
	return args.Error(0)
}

// ForceRollback implements interfaces.ExecutionService
func (m *ExecutionService) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	args := m.Called(ctx, executionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.RollbackResult), args.Error(1)
}

// Approve implements interfaces.ExecutionService
func (m *ExecutionService) Approve(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	args := m.Called(ctx, executionID, decision)
	return args.Error(0)
}

// Assess implements interfaces.ExecutionService
func (m *ExecutionService) Assess(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.Assessment, error) {
	args := m.Called(ctx, plan, env)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Assessment), args.Error(1)
}

// QueueMetrics implements interfaces.ExecutionService
func (m *ExecutionService) QueueMetrics() interfaces.QueueMetrics {
	args := m.Called()
	return args.Get(0).(interfaces.QueueMetrics)
}
