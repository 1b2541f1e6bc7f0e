// Package deployment is the service layer between API callers and the
// workers that run executions. It queues submissions, answers queries from
// the shared execution registry and forwards operator commands to whichever
// worker holds a running execution.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Controller reaches executions a worker has already started
type Controller interface {
	Cancel(ctx context.Context, executionID string) error
	ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error)
}

// Service implements interfaces.ExecutionService
type Service struct {
	queue      interfaces.SubmissionQueue
	registry   interfaces.ExecutionRegistry
	controller Controller
	approvals  interfaces.ApprovalSink
	assessor   interfaces.RiskAssessor
	selector   interfaces.StrategySelector
	resolver   interfaces.DependencyResolver
	tx         *TransactionCoordinator
	logger     *logging.Logger
}

// ServiceConfig holds the dependencies of the service. Approvals is optional;
// without it approval requests are rejected.
type ServiceConfig struct {
	Queue      interfaces.SubmissionQueue
	Registry   interfaces.ExecutionRegistry
	Controller Controller
	Approvals  interfaces.ApprovalSink
	Assessor   interfaces.RiskAssessor
	Selector   interfaces.StrategySelector
	Resolver   interfaces.DependencyResolver
}

// NewService creates a new execution service
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Queue == nil:
		return nil, errors.New("submission queue is required")
	case cfg.Registry == nil:
		return nil, errors.New("execution registry is required")
	case cfg.Controller == nil:
		return nil, errors.New("execution controller is required")
	case cfg.Assessor == nil:
		return nil, errors.New("risk assessor is required")
	case cfg.Selector == nil:
		return nil, errors.New("strategy selector is required")
	case cfg.Resolver == nil:
		return nil, errors.New("dependency resolver is required")
	}
	return &Service{
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		controller: cfg.Controller,
		approvals:  cfg.Approvals,
		assessor:   cfg.Assessor,
		selector:   cfg.Selector,
		resolver:   cfg.Resolver,
		tx:         NewTransactionCoordinator(),
		logger:     logging.NewLogger("execution-service"),
	}, nil
}

// Submit validates plan and env, rejects plans that cannot fit the
// environment and queues the rest for a worker. The returned
// record is the pending placeholder; its ID can be polled immediately.
func (s *Service) Submit(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.DeploymentExecution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.resolver.Resolve(plan); err != nil {
		return nil, err
	}
	// the worker checks again against the environment it executes in
	if err := env.CheckCapacity(plan); err != nil {
		return nil, err
	}

	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}
	envCopy := *env
	sub := &interfaces.Submission{
		ID:          id,
		Plan:        plan.Clone(),
		Environment: &envCopy,
		EnqueuedAt:  time.Now(),
	}

	if err := SubmitTransaction(ctx, s.tx, s.registry, s.queue, sub); err != nil {
		return nil, fmt.Errorf("failed to submit execution: %w", err)
	}
	s.logger.Info("execution=%s queued plan=%s environment=%s", id, plan.DisplayName(), env.Name)
	return sub.Placeholder(), nil
}

// Get returns the latest snapshot of an execution
func (s *Service) Get(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	if executionID == "" {
		return nil, interfaces.NewError(interfaces.KindValidation, "execution ID is required")
	}
	e, err := s.registry.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return e, nil
}

// List returns executions matching filter, newest first
func (s *Service) List(ctx context.Context, filter interfaces.ExecutionFilter) ([]*interfaces.DeploymentExecution, error) {
	list, err := s.registry.ListExecutions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return list, nil
}

// Cancel stops an execution. A submission still in the queue is dropped and
// recorded as failed; a running one is cancelled by its worker.
func (s *Service) Cancel(ctx context.Context, executionID string) error {
	e, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status.IsTerminal() {
		return interfaces.NewError(interfaces.KindInvalidTransition,
			"execution is already %s", e.Status).ForExecution(executionID)
	}

	if e.Status == interfaces.StatusPending {
		if err := s.queue.Cancel(ctx, executionID); err == nil {
			cause := interfaces.NewError(interfaces.KindCancellation, "cancelled before a worker started it")
			if err := s.registry.MarkFailed(ctx, executionID, cause); err != nil {
				return fmt.Errorf("failed to record cancellation: %w", err)
			}
			s.logger.Info("execution=%s removed from queue", executionID)
			return nil
		} else if !interfaces.IsKind(err, interfaces.KindNotFound) {
			s.logger.Debug("execution=%s not cancellable in queue, asking worker: %v", executionID, err)
		}
	}

	if err := s.controller.Cancel(ctx, executionID); err != nil {
		return fmt.Errorf("failed to cancel execution: %w", err)
	}
	return nil
}

// ForceRollback rolls an execution back. A rolled back execution returns its
// stored result. When the worker rolls back asynchronously the result is nil
// and the outcome shows up on the execution once it is terminal.
func (s *Service) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	e, err := s.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case interfaces.StatusRolledBack:
		if e.Rollback != nil {
			return e.Rollback, nil
		}
	case interfaces.StatusCompleted:
		return nil, interfaces.NewError(interfaces.KindInvalidTransition,
			"completed executions cannot be rolled back").ForExecution(executionID)
	case interfaces.StatusFailed:
		if e.Rollback != nil {
			return e.Rollback, nil
		}
		return nil, interfaces.NewError(interfaces.KindInvalidTransition,
			"execution failed without a rollback").ForExecution(executionID)
	case interfaces.StatusPending, interfaces.StatusInProgress, interfaces.StatusPaused:
	}

	result, err := s.controller.ForceRollback(ctx, executionID, reason)
	if err != nil {
		if e.Status == interfaces.StatusPending && interfaces.IsKind(err, interfaces.KindNotFound) {
			return nil, interfaces.NewError(interfaces.KindInvalidTransition,
				"execution has not started; cancel it instead").ForExecution(executionID)
		}
		return nil, fmt.Errorf("failed to roll back execution: %w", err)
	}
	return result, nil
}

// Approve delivers an operator decision to an execution waiting at a gate
func (s *Service) Approve(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	if s.approvals == nil {
		return interfaces.NewError(interfaces.KindValidation, "no approval sink is configured")
	}
	switch decision {
	case interfaces.ApprovalGranted, interfaces.ApprovalDenied:
	default:
		return interfaces.NewError(interfaces.KindValidation, "unknown approval decision %q", decision)
	}

	e, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status != interfaces.StatusPaused {
		return interfaces.NewError(interfaces.KindInvalidTransition,
			"execution is %s, not waiting for approval", e.Status).ForExecution(executionID)
	}
	if err := s.approvals.Decide(ctx, executionID, decision); err != nil {
		return fmt.Errorf("failed to record approval: %w", err)
	}
	return nil
}

// Assess previews the risk, strategy and order a submission would get
func (s *Service) Assess(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.Assessment, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	graph, err := s.resolver.Resolve(plan)
	if err != nil {
		return nil, err
	}
	risk, err := s.assessor.Assess(ctx, plan, env)
	if err != nil {
		return nil, err
	}
	strat, err := s.selector.Select(plan, risk)
	if err != nil {
		return nil, err
	}
	return &interfaces.Assessment{
		Risk:           risk,
		Strategy:       strat,
		ExecutionOrder: graph.ExecutionOrder,
		Levels:         graph.Levels,
		GraphViz:       s.resolver.ExportGraphViz(graph),
	}, nil
}

// QueueMetrics returns the metrics of the submission queue
func (s *Service) QueueMetrics() interfaces.QueueMetrics {
	return s.queue.GetMetrics()
}

// LocalController drives executions held by an in-process orchestrator
type LocalController struct {
	Orchestrator interfaces.Orchestrator
}

// Cancel implements Controller
func (c LocalController) Cancel(_ context.Context, executionID string) error {
	return c.Orchestrator.Cancel(executionID)
}

// ForceRollback implements Controller
func (c LocalController) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	return c.Orchestrator.ForceRollback(ctx, executionID, reason)
}

var _ interfaces.ExecutionService = (*Service)(nil)
