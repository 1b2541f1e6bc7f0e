// Package orchestrator owns deployment executions: it assesses and plans a
// submission, sequences its phases while the monitor watches live metrics, and
// decides when to roll back.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// DefaultExecutionTimeout bounds executions whose environment sets no timeout
const DefaultExecutionTimeout = 6 * time.Hour

// DefaultRetainedExecutions is how many finished executions stay queryable
// in memory. Older ones are answered from the execution registry.
const DefaultRetainedExecutions = 1000

// Config wires the components an Orchestrator composes. Every component is
// required except the approval sink, event bus and clock.
type Config struct {
	Assessor  interfaces.RiskAssessor
	Selector  interfaces.StrategySelector
	Resolver  interfaces.DependencyResolver
	Executor  interfaces.PhaseExecutor
	Monitor   interfaces.Monitor
	Rollback  interfaces.RollbackEngine
	Approvals interfaces.ApprovalSink
	Events    *events.EventBus
	Clock     interfaces.Clock

	// ExecutionTimeout applies when the environment does not set one
	ExecutionTimeout time.Duration
	// RetainedExecutions bounds the finished executions kept in memory
	RetainedExecutions int
}

func (c Config) validate() error {
	missing := func(name string) error {
		return interfaces.NewError(interfaces.KindValidation, "orchestrator requires a %s", name)
	}
	switch {
	case c.Assessor == nil:
		return missing("risk assessor")
	case c.Selector == nil:
		return missing("strategy selector")
	case c.Resolver == nil:
		return missing("dependency resolver")
	case c.Executor == nil:
		return missing("phase executor")
	case c.Monitor == nil:
		return missing("monitor")
	case c.Rollback == nil:
		return missing("rollback engine")
	}
	return nil
}

// Orchestrator implements interfaces.Orchestrator. It is the only writer of
// execution records; everything else reads snapshots.
type Orchestrator struct {
	assessor  interfaces.RiskAssessor
	selector  interfaces.StrategySelector
	resolver  interfaces.DependencyResolver
	executor  interfaces.PhaseExecutor
	monitor   interfaces.Monitor
	rollback  interfaces.RollbackEngine
	approvals interfaces.ApprovalSink
	events    *events.EventBus
	clock     interfaces.Clock
	timeout   time.Duration
	retain    int
	logger    *logging.Logger

	mu         sync.RWMutex
	executions map[string]*execution
	finished   []string
	closed     bool
}

// New creates an Orchestrator from explicitly injected components
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		assessor:   cfg.Assessor,
		selector:   cfg.Selector,
		resolver:   cfg.Resolver,
		executor:   cfg.Executor,
		monitor:    cfg.Monitor,
		rollback:   cfg.Rollback,
		approvals:  cfg.Approvals,
		events:     cfg.Events,
		clock:      cfg.Clock,
		timeout:    cfg.ExecutionTimeout,
		retain:     cfg.RetainedExecutions,
		logger:     logging.Orchestrator,
		executions: make(map[string]*execution),
	}
	if o.events == nil {
		o.events = events.NewEventBus()
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.timeout <= 0 {
		o.timeout = DefaultExecutionTimeout
	}
	if o.retain <= 0 {
		o.retain = DefaultRetainedExecutions
	}
	return o, nil
}

// Events returns the bus snapshots are published on
func (o *Orchestrator) Events() *events.EventBus {
	return o.events
}

// Submit validates plan and env, assesses risk and selects a strategy
// synchronously, then starts the execution in the background
func (o *Orchestrator) Submit(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("failed to generate execution ID: %w", err)
	}
	if err := o.SubmitWithID(ctx, id, plan, env); err != nil {
		return "", err
	}
	return id, nil
}

// SubmitWithID is Submit with a caller-chosen execution ID, used by queue
// workers that allocated the ID at enqueue time
func (o *Orchestrator) SubmitWithID(ctx context.Context, id string, plan *interfaces.DeploymentPlan, env *interfaces.Environment) error {
	if id == "" {
		return interfaces.NewError(interfaces.KindValidation, "execution ID is empty")
	}
	if err := plan.Validate(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}

	plan = plan.Clone()
	envCopy := *env

	graph, err := o.resolver.Resolve(plan)
	if err != nil {
		return err
	}
	risk, err := o.assessor.Assess(ctx, plan, &envCopy)
	if err != nil {
		return err
	}
	strat, err := o.selector.Select(plan, risk)
	if err != nil {
		return err
	}

	now := o.clock.Now()
	x := &execution{
		id:       id,
		plan:     plan,
		env:      &envCopy,
		graph:    graph,
		strategy: strat.Clone(),
		done:     make(chan struct{}),
		record: &interfaces.DeploymentExecution{
			ID:          id,
			Revision:    1,
			PlanID:      plan.ID,
			PlanName:    plan.DisplayName(),
			Environment: envCopy.Name,
			Status:      interfaces.StatusPending,
			Risk:        risk.Clone(),
			Strategy:    strat.Clone(),
			Phases:      []interfaces.ExecutionPhase{},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	timeout := envCopy.Constraints.ExecutionTimeout
	if timeout <= 0 {
		timeout = o.timeout
	}
	execCtx, cancelExec := context.WithTimeout(context.Background(), timeout)
	phaseCtx, cancelPhases := context.WithCancel(execCtx)
	x.cancelPhases = cancelPhases

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancelPhases()
		cancelExec()
		return fmt.Errorf("orchestrator is shut down")
	}
	if _, exists := o.executions[id]; exists {
		o.mu.Unlock()
		cancelPhases()
		cancelExec()
		return interfaces.NewError(interfaces.KindValidation, "execution %s already exists", id)
	}
	o.executions[id] = x
	o.mu.Unlock()

	o.logger.Info("execution=%s plan=%s environment=%s risk=%s strategy=%s phases=%d",
		id, plan.DisplayName(), envCopy.Name, risk.Level, strat.Type, len(strat.Phases))
	o.events.PublishSnapshot(x.snapshot())

	go o.run(x, phaseCtx, cancelExec)
	return nil
}

// Status returns a snapshot of the execution
func (o *Orchestrator) Status(executionID string) (*interfaces.DeploymentExecution, error) {
	x, err := o.get(executionID)
	if err != nil {
		return nil, err
	}
	return x.snapshot(), nil
}

// List returns snapshots of every known execution, oldest first
func (o *Orchestrator) List() []*interfaces.DeploymentExecution {
	o.mu.RLock()
	out := make([]*interfaces.DeploymentExecution, 0, len(o.executions))
	for _, x := range o.executions {
		out = append(out, x.snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Wait blocks until the execution is terminal or ctx ends and returns the
// latest snapshot
func (o *Orchestrator) Wait(ctx context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	x, err := o.get(executionID)
	if err != nil {
		return nil, err
	}
	select {
	case <-x.done:
		return x.snapshot(), nil
	case <-ctx.Done():
		return x.snapshot(), ctx.Err()
	}
}

// Cancel asks a running execution to stop. In-flight deployments and health
// checks finish; the execution then rolls back or fails per its strategy.
func (o *Orchestrator) Cancel(executionID string) error {
	x, err := o.get(executionID)
	if err != nil {
		return err
	}
	if status := x.Status(); status.IsTerminal() {
		return interfaces.NewError(interfaces.KindInvalidTransition,
			"execution is already %s", status).ForExecution(executionID)
	}
	if !x.abort(abortCancel, "cancellation requested") {
		return interfaces.NewError(interfaces.KindInvalidTransition,
			"execution is already finishing").ForExecution(executionID)
	}
	o.recordIssue(x, interfaces.Issue{
		Kind:    interfaces.KindCancellation,
		Message: "cancellation requested",
	})
	o.logger.Info("execution=%s cancellation requested", executionID)
	return nil
}

// ForceRollback rolls an execution back regardless of its monitors. A running
// execution is stopped first. A rolled back execution returns its stored
// result; completed executions and failures that never rolled back cannot be
// rolled back.
func (o *Orchestrator) ForceRollback(ctx context.Context, executionID, reason string) (*interfaces.RollbackResult, error) {
	x, err := o.get(executionID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "forced by operator"
	}

	if x.abort(abortForce, reason) {
		o.recordIssue(x, interfaces.Issue{
			Kind:     interfaces.KindCancellation,
			Message:  "rollback forced by operator",
			Evidence: reason,
		})
		o.logger.Warn("execution=%s forced rollback: %s", executionID, reason)
	}
	select {
	case <-x.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	snap := x.snapshot()
	if snap.Rollback != nil {
		return snap.Rollback, nil
	}
	return nil, interfaces.NewError(interfaces.KindInvalidTransition,
		"execution %s without a rollback cannot be rolled back", snap.Status).ForExecution(executionID)
}

// Approve delivers an operator decision to an execution paused at a gate
func (o *Orchestrator) Approve(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	x, err := o.get(executionID)
	if err != nil {
		return err
	}
	if status := x.Status(); status != interfaces.StatusPaused {
		return interfaces.NewError(interfaces.KindInvalidTransition,
			"execution is %s, not waiting for approval", status).ForExecution(executionID)
	}
	if o.approvals == nil {
		return interfaces.NewError(interfaces.KindValidation, "no approval sink is configured")
	}
	if err := o.approvals.Decide(ctx, executionID, decision); err != nil {
		return fmt.Errorf("failed to record approval for %s: %w", executionID, err)
	}
	return nil
}

// Shutdown cancels every active execution and waits for them to settle
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	active := make([]*execution, 0, len(o.executions))
	for _, x := range o.executions {
		active = append(active, x)
	}
	o.mu.Unlock()

	for _, x := range active {
		if !x.Status().IsTerminal() && x.abort(abortCancel, "orchestrator shutting down") {
			o.recordIssue(x, interfaces.Issue{
				Kind:    interfaces.KindCancellation,
				Message: "orchestrator shutting down",
			})
		}
	}
	for _, x := range active {
		select {
		case <-x.done:
		case <-ctx.Done():
			return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
		}
	}
	return nil
}

// retire records x as finished and evicts the oldest finished executions
// beyond the retention limit, together with their stored rollback results
func (o *Orchestrator) retire(x *execution) {
	o.mu.Lock()
	o.finished = append(o.finished, x.id)
	var evicted []string
	for len(o.finished) > o.retain {
		evicted = append(evicted, o.finished[0])
		delete(o.executions, o.finished[0])
		o.finished = o.finished[1:]
	}
	o.mu.Unlock()

	for _, id := range evicted {
		o.rollback.Forget(id)
	}
	if len(evicted) > 0 {
		o.logger.Debug("evicted %d finished executions, %d retained", len(evicted), o.retain)
	}
}

func (o *Orchestrator) get(executionID string) (*execution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	x, ok := o.executions[executionID]
	if !ok {
		return nil, interfaces.NewError(interfaces.KindNotFound, "execution %s not found", executionID)
	}
	return x, nil
}

// mutate applies fn to the record under its lock. When fn reports a change
// the revision is bumped and a snapshot is published.
func (o *Orchestrator) mutate(x *execution, fn func(r *interfaces.DeploymentExecution) bool) (*interfaces.DeploymentExecution, bool) {
	x.mu.Lock()
	if !fn(x.record) {
		x.mu.Unlock()
		return nil, false
	}
	x.record.Revision++
	x.record.UpdatedAt = o.clock.Now()
	snap := x.record.Clone()
	x.mu.Unlock()

	o.events.PublishSnapshot(snap)
	return snap, true
}

// transition moves the execution to status to if the state machine allows it
func (o *Orchestrator) transition(x *execution, to interfaces.ExecutionStatus) bool {
	var from interfaces.ExecutionStatus
	snap, ok := o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
		from = r.Status
		if !interfaces.CanTransition(from, to) {
			return false
		}
		r.Status = to
		now := o.clock.Now()
		if to == interfaces.StatusInProgress && r.StartedAt == nil {
			r.StartedAt = &now
		}
		if to.IsTerminal() {
			r.CompletedAt = &now
			start := r.CreatedAt
			if r.StartedAt != nil {
				start = *r.StartedAt
			}
			r.Metrics.Duration = now.Sub(start)
		}
		return true
	})
	if !ok {
		if from != to {
			o.logger.Warn("execution=%s refused transition %s -> %s", x.id, from, to)
		}
		return false
	}
	logging.StatusTransition(snap.ID, string(from), string(to))
	o.events.PublishStatusChange(snap, from)
	return true
}

func (o *Orchestrator) recordIssue(x *execution, issue interfaces.Issue) {
	if issue.RecordedAt.IsZero() {
		issue.RecordedAt = o.clock.Now()
	}
	snap, _ := o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
		r.Issues = append(r.Issues, issue)
		return true
	})
	o.events.PublishIssue(snap, issue)
}
