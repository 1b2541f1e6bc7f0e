package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lattiam/rollout/internal/interfaces"
)

// abortReason records why phase sequencing was interrupted. The first reason wins.
type abortReason string

const (
	abortNone    abortReason = ""
	abortCancel  abortReason = "cancel"
	abortForce   abortReason = "force"
	abortTrigger abortReason = "trigger"
)

// execution is the live state of one submission. record is guarded by mu and
// only written by the orchestrator; exclusive keeps phase sequencing and
// rollback from ever overlapping.
type execution struct {
	mu     sync.RWMutex
	record *interfaces.DeploymentExecution

	id       string
	plan     *interfaces.DeploymentPlan
	env      *interfaces.Environment
	graph    *interfaces.DependencyGraph
	strategy *interfaces.DeploymentStrategy

	exclusive    sync.Mutex
	cancelPhases context.CancelFunc
	reason       abortReason
	detail       string
	finalizing   bool
	done         chan struct{}
}

// ExecutionID implements interfaces.ExecutionView
func (x *execution) ExecutionID() string {
	return x.id
}

// Status implements interfaces.ExecutionView
func (x *execution) Status() interfaces.ExecutionStatus {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.record.Status
}

func (x *execution) snapshot() *interfaces.DeploymentExecution {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.record.Clone()
}

// abort interrupts phase sequencing. It reports false once the execution has
// started finalizing or another reason was already recorded.
func (x *execution) abort(reason abortReason, detail string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.finalizing || x.reason != abortNone {
		return false
	}
	x.reason = reason
	x.detail = detail
	x.cancelPhases()
	return true
}

// settle stops accepting aborts and returns the recorded reason
func (x *execution) settle() (abortReason, string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.finalizing = true
	return x.reason, x.detail
}

// outcomeKind classifies how phase sequencing ended
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeInterrupted
	outcomeApprovalDenied
	outcomeApprovalTimeout
)

type phaseOutcome struct {
	kind  outcomeKind
	phase string
	issue interfaces.Issue
}

// run is the controller of one execution. It owns the record until the
// execution is terminal.
func (o *Orchestrator) run(x *execution, phaseCtx context.Context, cancelExec context.CancelFunc) {
	defer o.retire(x)
	defer close(x.done)
	defer cancelExec()

	o.transition(x, interfaces.StatusInProgress)

	strat := x.strategy
	monCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	triggers := o.monitor.Watch(monCtx, x, strat.Monitoring, strat.Triggers)

	outcomes := make(chan phaseOutcome, 1)
	go func() {
		outcomes <- o.runPhases(phaseCtx, x)
	}()

	var outcome phaseOutcome
wait:
	for {
		select {
		case ev, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			o.handleTrigger(x, ev)
		case outcome = <-outcomes:
			break wait
		}
	}

	stopMonitor()
	if triggers != nil {
		for ev := range triggers {
			o.handleTrigger(x, ev)
		}
	}

	o.finalize(x, outcome, phaseCtx)
}

// handleTrigger records a firing and aborts the execution when the trigger
// may act on its own
func (o *Orchestrator) handleTrigger(x *execution, ev interfaces.TriggerEvaluation) {
	t := ev.Trigger
	issue := interfaces.Issue{
		Kind: interfaces.KindTriggerFired,
		Message: fmt.Sprintf("trigger %s fired: %s=%g %s %g for %d consecutive samples",
			t.Name, t.Metric, ev.Value, t.Comparison.Symbol(), t.Threshold, ev.ConsecutiveBreaches),
		Evidence:   fmt.Sprintf("samples=%v action=%s", ev.Samples, t.Action),
		RecordedAt: ev.EvaluatedAt,
	}

	snap, ok := o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
		if r.Status.IsTerminal() {
			return false
		}
		r.Metrics.TriggerFirings++
		r.Issues = append(r.Issues, issue)
		return true
	})
	if !ok {
		return
	}
	o.events.PublishTrigger(snap, ev)
	o.events.PublishIssue(snap, issue)

	if t.Action == interfaces.ActionAutomatic {
		if x.abort(abortTrigger, fmt.Sprintf("trigger %s fired", t.Name)) {
			o.logger.Warn("execution=%s trigger %s requested automatic rollback", ev.ExecutionID, t.Name)
		}
		return
	}
	o.logger.Warn("execution=%s trigger %s fired, action %s requires an operator", ev.ExecutionID, t.Name, t.Action)
}

// runPhases executes the strategy's phases strictly in order. It holds the
// exclusive lock for its whole duration.
func (o *Orchestrator) runPhases(ctx context.Context, x *execution) phaseOutcome {
	x.exclusive.Lock()
	defer x.exclusive.Unlock()

	id := x.id
	phases := x.strategy.Phases
	log := o.logger.ForExecution(id)

	for i, phase := range phases {
		if ctx.Err() != nil {
			return phaseOutcome{kind: outcomeInterrupted, phase: phase.Name}
		}
		idx := i
		o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
			r.CurrentPhase = idx
			return true
		})

		if phase.ManualApproval {
			if out, ok := o.awaitApproval(ctx, x, phase); !ok {
				return out
			}
		}

		log.PhaseStart(phase.Name, i+1, len(phases), len(phase.Components))
		result, err := o.executor.Execute(ctx, interfaces.PhaseRequest{
			ExecutionID: id,
			Phase:       phase,
			Plan:        x.plan,
			Environment: x.env,
			Graph:       x.graph,
		})
		if err != nil {
			issue := interfaces.Issue{
				Kind:       interfaces.KindPhaseFailure,
				Message:    fmt.Sprintf("phase %q could not run", phase.Name),
				Phase:      phase.Name,
				Evidence:   err.Error(),
				RecordedAt: o.clock.Now(),
			}
			o.recordIssue(x, issue)
			return phaseOutcome{kind: outcomeFailed, phase: phase.Name, issue: issue}
		}

		o.recordPhase(x, result)

		if result.Status == interfaces.PhaseStatusFailed {
			if ctx.Err() != nil {
				return phaseOutcome{kind: outcomeInterrupted, phase: phase.Name}
			}
			issue, _ := result.FirstIssue()
			return phaseOutcome{kind: outcomeFailed, phase: phase.Name, issue: issue}
		}
	}
	return phaseOutcome{kind: outcomeCompleted}
}

// awaitApproval pauses the execution at a gate. It reports false with the
// outcome to return when sequencing must stop.
func (o *Orchestrator) awaitApproval(ctx context.Context, x *execution, phase interfaces.Phase) (phaseOutcome, bool) {
	id := x.id
	o.transition(x, interfaces.StatusPaused)

	gateCtx := ctx
	if t := x.env.Constraints.ApprovalTimeout; t > 0 {
		var cancel context.CancelFunc
		gateCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	decision, err := o.executor.AwaitApproval(gateCtx, interfaces.ApprovalRequest{ExecutionID: id, Phase: phase.Name})
	if forgetter, ok := o.approvals.(interface{ Forget(string) }); ok {
		forgetter.Forget(id)
	}

	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		return phaseOutcome{kind: outcomeInterrupted, phase: phase.Name}, false
	case err != nil && errors.Is(gateCtx.Err(), context.DeadlineExceeded):
		issue := interfaces.Issue{
			Kind:       interfaces.KindApprovalTimeout,
			Message:    fmt.Sprintf("no approval for phase %q before the deadline", phase.Name),
			Phase:      phase.Name,
			Evidence:   err.Error(),
			RecordedAt: o.clock.Now(),
		}
		o.recordIssue(x, issue)
		return phaseOutcome{kind: outcomeApprovalTimeout, phase: phase.Name, issue: issue}, false
	case err != nil:
		issue := interfaces.Issue{
			Kind:       interfaces.KindPhaseFailure,
			Message:    fmt.Sprintf("approval gate of phase %q failed", phase.Name),
			Phase:      phase.Name,
			Evidence:   err.Error(),
			RecordedAt: o.clock.Now(),
		}
		o.recordIssue(x, issue)
		return phaseOutcome{kind: outcomeFailed, phase: phase.Name, issue: issue}, false
	case decision != interfaces.ApprovalGranted:
		issue := interfaces.Issue{
			Kind:       interfaces.KindApprovalDenied,
			Message:    fmt.Sprintf("phase %q was not approved", phase.Name),
			Phase:      phase.Name,
			Evidence:   string(decision),
			RecordedAt: o.clock.Now(),
		}
		o.recordIssue(x, issue)
		return phaseOutcome{kind: outcomeApprovalDenied, phase: phase.Name, issue: issue}, false
	}

	if ctx.Err() != nil {
		return phaseOutcome{kind: outcomeInterrupted, phase: phase.Name}, false
	}
	o.transition(x, interfaces.StatusInProgress)
	return phaseOutcome{}, true
}

// recordPhase appends a finished phase and folds it into the execution metrics.
// Cancellation notes stay on the phase; the execution records its own.
func (o *Orchestrator) recordPhase(x *execution, result *interfaces.ExecutionPhase) {
	var added []interfaces.Issue
	snap, _ := o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
		r.Phases = append(r.Phases, *result.Clone())
		for _, is := range result.Issues {
			if is.Kind == interfaces.KindCancellation {
				continue
			}
			if is.RecordedAt.IsZero() {
				is.RecordedAt = o.clock.Now()
			}
			r.Issues = append(r.Issues, is)
			added = append(added, is)
		}

		for _, c := range result.Components {
			if c.Status == interfaces.ComponentHealthy {
				r.Metrics.ComponentsDeployed++
			}
			countChecks(&r.Metrics, c.HealthChecks)
		}
		for _, rule := range result.Rules {
			countChecks(&r.Metrics, rule.HealthChecks)
		}
		r.Metrics.Downtime += result.Downtime
		return true
	})

	for _, is := range added {
		o.events.PublishIssue(snap, is)
	}
	o.events.PublishPhase(snap, result)
}

func countChecks(m *interfaces.ExecutionMetrics, results []interfaces.HealthCheckResult) {
	for _, hc := range results {
		m.HealthChecksRun++
		if hc.Mandatory && !hc.Passed {
			m.HealthChecksFailed++
		}
	}
}

// finalize moves the execution to its terminal status, rolling back first
// when the abort reason or the strategy's policy asks for it
func (o *Orchestrator) finalize(x *execution, outcome phaseOutcome, phaseCtx context.Context) {
	reason, detail := x.settle()
	id := x.id
	policy := x.strategy.RollbackPolicy

	if reason == abortNone && outcome.kind == outcomeInterrupted && errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
		o.recordIssue(x, interfaces.Issue{
			Kind:    interfaces.KindExecutionTimeout,
			Message: fmt.Sprintf("execution exceeded its timeout during phase %q", outcome.phase),
			Phase:   outcome.phase,
		})
		detail = "execution timed out"
	}

	switch {
	case reason == abortTrigger || reason == abortForce:
		o.rollbackAndFinish(x, detail)
	case reason == abortNone && outcome.kind == outcomeCompleted:
		o.transition(x, interfaces.StatusCompleted)
	case outcome.kind == outcomeApprovalDenied || outcome.kind == outcomeApprovalTimeout:
		o.transition(x, interfaces.StatusFailed)
	case policy == interfaces.RollbackAutomatic:
		if detail == "" {
			detail = phaseFailureReason(outcome)
		}
		o.rollbackAndFinish(x, detail)
	default:
		o.logger.Warn("execution=%s rollback policy is %s, leaving components for an operator", id, policy)
		o.transition(x, interfaces.StatusFailed)
	}

	snap := x.snapshot()
	o.logger.ExecutionSummary(id, string(snap.Status), snap.Metrics.ComponentsDeployed, len(x.plan.Components))
}

func phaseFailureReason(outcome phaseOutcome) string {
	if outcome.issue.Message != "" {
		return fmt.Sprintf("phase %s failed: %s", outcome.phase, outcome.issue.Message)
	}
	return fmt.Sprintf("phase %s failed", outcome.phase)
}

// rollbackAndFinish runs the rollback engine and records its result. A failed
// rollback leaves the execution failed with a rollback_failure issue.
func (o *Orchestrator) rollbackAndFinish(x *execution, reason string) {
	x.exclusive.Lock()
	defer x.exclusive.Unlock()

	result, err := o.rollback.Rollback(context.Background(), interfaces.RollbackRequest{
		Execution: x.snapshot(),
		Plan:      x.plan,
		Graph:     x.graph,
		Reason:    reason,
	})
	if err != nil {
		o.recordIssue(x, interfaces.Issue{
			Kind:     interfaces.KindRollbackFailure,
			Message:  "rollback could not start",
			Evidence: err.Error(),
		})
		o.transition(x, interfaces.StatusFailed)
		return
	}

	snap, _ := o.mutate(x, func(r *interfaces.DeploymentExecution) bool {
		r.Rollback = result.Clone()
		for _, s := range result.Steps {
			if s.Status == interfaces.StepSucceeded {
				r.Metrics.RollbackSteps++
			}
		}
		return true
	})
	o.events.PublishRollback(snap, result)

	if result.Success {
		o.transition(x, interfaces.StatusRolledBack)
		return
	}
	evidence := "rollback did not complete"
	if len(result.Issues) > 0 {
		evidence = result.Issues[0].Message
	}
	o.recordIssue(x, interfaces.Issue{
		Kind:     interfaces.KindRollbackFailure,
		Message:  "rollback failed, manual intervention required",
		Evidence: evidence,
	})
	o.transition(x, interfaces.StatusFailed)
}
