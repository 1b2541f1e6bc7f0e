// Package rollback restores an execution's components to their previous
// artifacts and validates the result.
package rollback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/phase"
	"github.com/lattiam/rollout/pkg/logging"
)

// StepPolicy holds the defaults applied to steps that do not set their own
type StepPolicy struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	Retries         int           `mapstructure:"retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// DefaultStepPolicy returns the production step policy
func DefaultStepPolicy() StepPolicy {
	return StepPolicy{
		Timeout:         5 * time.Minute,
		Retries:         2,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
	}
}

// Engine implements interfaces.RollbackEngine
type Engine struct {
	deployer  interfaces.ComponentDeployer
	probe     interfaces.HealthProbe
	integrity interfaces.IntegrityChecker
	handlers  map[interfaces.RollbackAction]interfaces.StepHandler
	clock     interfaces.Clock
	steps     StepPolicy
	checks    phase.RetryPolicy
	logger    *logging.Logger

	flights singleflight.Group
	mu      sync.RWMutex
	results map[string]*interfaces.RollbackResult
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithIntegrityChecker sets the data integrity verifier used while validating
func WithIntegrityChecker(c interfaces.IntegrityChecker) Option {
	return func(e *Engine) {
		e.integrity = c
	}
}

// WithStepHandler registers the handler for a non-revert step action
func WithStepHandler(action interfaces.RollbackAction, h interfaces.StepHandler) Option {
	return func(e *Engine) {
		e.handlers[action] = h
	}
}

// WithStepPolicy replaces the default step timeout and retry settings
func WithStepPolicy(p StepPolicy) Option {
	return func(e *Engine) {
		e.steps = p
	}
}

// WithCheckPolicy sets the retry policy for post-rollback health checks
func WithCheckPolicy(p phase.RetryPolicy) Option {
	return func(e *Engine) {
		e.checks = p
	}
}

// WithClock sets the clock used for timestamps
func WithClock(c interfaces.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// NewEngine creates a rollback engine
func NewEngine(deployer interfaces.ComponentDeployer, probe interfaces.HealthProbe, opts ...Option) *Engine {
	e := &Engine{
		deployer: deployer,
		probe:    probe,
		handlers: make(map[interfaces.RollbackAction]interfaces.StepHandler),
		clock:    clock.New(),
		steps:    DefaultStepPolicy(),
		checks:   phase.DefaultRetryPolicy(),
		logger:   logging.Rollback,
		results:  make(map[string]*interfaces.RollbackResult),
	}
	e.handlers[interfaces.ActionNotifyOperator] = interfaces.StepHandlerFunc(e.notifyOperator)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result returns the stored result of a finished rollback
func (e *Engine) Result(executionID string) (*interfaces.RollbackResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.results[executionID]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Forget drops the stored result of executionID. A later Rollback for the
// same execution runs again.
func (e *Engine) Forget(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.results, executionID)
}

// Rollback compensates an execution. It runs at most once per execution:
// concurrent callers share a single run and later callers receive the stored
// result. The run is detached from ctx cancellation so a cancelled execution
// can still be rolled back.
func (e *Engine) Rollback(ctx context.Context, req interfaces.RollbackRequest) (*interfaces.RollbackResult, error) {
	if req.Execution == nil || req.Plan == nil {
		return nil, interfaces.NewError(interfaces.KindValidation, "rollback requires an execution and its plan")
	}
	id := req.Execution.ID

	if r, ok := e.Result(id); ok {
		e.logger.Debug("execution=%s rollback already %s, returning stored result", id, r.State)
		return r, nil
	}

	v, err, shared := e.flights.Do(id, func() (interface{}, error) {
		if r, ok := e.Result(id); ok {
			return r, nil
		}
		r := e.run(context.WithoutCancel(ctx), req)
		e.mu.Lock()
		e.results[id] = r
		e.mu.Unlock()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("execution=%s joined in-flight rollback", id)
	}
	return v.(*interfaces.RollbackResult).Clone(), nil
}

// plannedStep is a rollback step with its position in the reverse order
type plannedStep struct {
	step     interfaces.RollbackStep
	order    int
	deployed bool
}

// planSteps returns the steps to execute: component steps in reverse
// deployment order, then component-less steps in declared order
func (e *Engine) planSteps(req interfaces.RollbackRequest) []plannedStep {
	deployed := req.Execution.DeployedComponents()
	position := make(map[string]int, len(deployed))
	for i, name := range deployed {
		position[name] = i
	}

	declared := req.Plan.RollbackPlan.Steps
	if len(declared) == 0 {
		for _, name := range deployed {
			declared = append(declared, interfaces.RollbackStep{
				Name:      "revert-" + name,
				Action:    interfaces.ActionRevert,
				Component: name,
			})
		}
	}

	var components, global []plannedStep
	for _, s := range declared {
		if s.Component == "" {
			global = append(global, plannedStep{step: s, deployed: true})
			continue
		}
		pos, ok := position[s.Component]
		if !ok && req.Graph != nil {
			pos = len(deployed) + req.Graph.Position(s.Component)
		}
		components = append(components, plannedStep{step: s, order: pos, deployed: ok})
	}

	sort.SliceStable(components, func(i, j int) bool {
		return components[i].order > components[j].order
	})
	return append(components, global...)
}

func (e *Engine) run(ctx context.Context, req interfaces.RollbackRequest) *interfaces.RollbackResult {
	id := req.Execution.ID
	result := &interfaces.RollbackResult{
		ExecutionID:   id,
		State:         interfaces.RollbackPending,
		Reason:        req.Reason,
		RestoredState: make(map[string]string),
		StartedAt:     e.clock.Now(),
	}
	log := e.logger.ForExecution(id)

	e.transition(result, interfaces.RollbackInProgress)
	log.Warn("execution=%s rolling back: %s", id, req.Reason)

	planned := e.planSteps(req)
	halted := false
	for _, p := range planned {
		if halted {
			result.Steps = append(result.Steps, interfaces.RollbackStepResult{
				Name: p.step.Name, Action: p.step.Action, Component: p.step.Component, Status: interfaces.StepSkipped,
			})
			continue
		}
		if !p.deployed {
			log.Info("execution=%s step %s skipped: %s was never deployed", id, p.step.Name, p.step.Component)
			result.Steps = append(result.Steps, interfaces.RollbackStepResult{
				Name: p.step.Name, Action: p.step.Action, Component: p.step.Component, Status: interfaces.StepSkipped,
			})
			continue
		}

		sr, artifact := e.runStep(ctx, req, p.step)
		result.Steps = append(result.Steps, sr)
		if sr.Status == interfaces.StepFailed {
			halted = true
			result.Issues = append(result.Issues, interfaces.Issue{
				Kind:       interfaces.KindRollbackFailure,
				Message:    fmt.Sprintf("rollback step %q failed after %d attempts", sr.Name, sr.Attempts),
				Component:  sr.Component,
				Evidence:   sr.Error,
				RecordedAt: sr.CompletedAt,
			})
			continue
		}
		if p.step.Action == interfaces.ActionRevert && p.step.Component != "" {
			result.RestoredState[p.step.Component] = artifact
		}
	}

	if halted {
		return e.finish(result, false)
	}

	e.transition(result, interfaces.RollbackValidating)
	healthy := e.validate(ctx, req, result)
	result.DataIntegrity = e.verifyIntegrity(ctx, req, result)
	return e.finish(result, healthy && result.DataIntegrity)
}

// runStep executes one step with its timeout and bounded retries
func (e *Engine) runStep(ctx context.Context, req interfaces.RollbackRequest, step interfaces.RollbackStep) (interfaces.RollbackStepResult, string) {
	sr := interfaces.RollbackStepResult{
		Name:      step.Name,
		Action:    step.Action,
		Component: step.Component,
		StartedAt: e.clock.Now(),
	}
	timeout := e.stepTimeout(req.Plan, step)
	retries := e.stepRetries(req.Plan, step)
	artifact := e.restoreArtifact(req.Plan, step)

	op := func() error {
		sr.Attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := e.execute(stepCtx, req, step, artifact)
		e.logger.RollbackStep(step.Name, step.Component, sr.Attempts, err)
		return err
	}

	err := backoff.Retry(op, e.newBackOff(retries))
	sr.CompletedAt = e.clock.Now()
	if err != nil {
		sr.Status = interfaces.StepFailed
		sr.Error = err.Error()
		return sr, artifact
	}
	sr.Status = interfaces.StepSucceeded
	return sr, artifact
}

func (e *Engine) execute(ctx context.Context, req interfaces.RollbackRequest, step interfaces.RollbackStep, artifact string) error {
	switch step.Action {
	case interfaces.ActionRevert:
		comp, ok := req.Plan.Component(step.Component)
		if !ok {
			return backoff.Permanent(fmt.Errorf("revert step %q has no component", step.Name))
		}
		return e.deployer.Revert(ctx, interfaces.RevertRequest{
			ExecutionID: req.Execution.ID,
			Component:   *comp,
			Artifact:    artifact,
			Parameters:  step.Parameters,
		})
	case interfaces.ActionRestoreBackup, interfaces.ActionSwitchTraffic, interfaces.ActionRunCommand, interfaces.ActionNotifyOperator:
		h, ok := e.handlers[step.Action]
		if !ok {
			return backoff.Permanent(fmt.Errorf("no handler registered for %s", step.Action))
		}
		return h.Handle(ctx, req.Execution.ID, step)
	default:
		return backoff.Permanent(fmt.Errorf("unknown rollback action %q", step.Action))
	}
}

func (e *Engine) notifyOperator(_ context.Context, executionID string, step interfaces.RollbackStep) error {
	e.logger.Warn("execution=%s operator notification: %s %v", executionID, step.Name, step.Parameters)
	return nil
}

// validate re-runs the mandatory health checks of every restored component
// against the artifact it was restored to
func (e *Engine) validate(ctx context.Context, req interfaces.RollbackRequest, result *interfaces.RollbackResult) bool {
	names := make([]string, 0, len(result.RestoredState))
	for name := range result.RestoredState {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	for _, name := range names {
		comp, ok := req.Plan.Component(name)
		if !ok {
			continue
		}
		results, ok, _ := phase.VerifyComponent(ctx, e.probe, e.checks, e.clock, comp, result.RestoredState[name], true)
		if ok {
			continue
		}
		healthy = false
		if hc, failed := phase.FirstFailure(results); failed {
			kind := interfaces.KindHealthCheckFailed
			if hc.TimedOut {
				kind = interfaces.KindHealthCheckTimeout
			}
			result.Issues = append(result.Issues, interfaces.Issue{
				Kind:       kind,
				Message:    fmt.Sprintf("%s unhealthy after rollback to %q", name, result.RestoredState[name]),
				Component:  name,
				Evidence:   hc.Detail,
				RecordedAt: hc.CheckedAt,
			})
		}
	}
	return healthy
}

func (e *Engine) verifyIntegrity(ctx context.Context, req interfaces.RollbackRequest, result *interfaces.RollbackResult) bool {
	if e.integrity == nil {
		return true
	}
	ok, err := e.integrity.Verify(ctx, req.Execution.ID, req.Plan)
	if err != nil {
		result.Issues = append(result.Issues, interfaces.Issue{
			Kind:       interfaces.KindRollbackFailure,
			Message:    "data integrity could not be verified",
			Evidence:   err.Error(),
			RecordedAt: e.clock.Now(),
		})
		return false
	}
	if !ok {
		result.Issues = append(result.Issues, interfaces.Issue{
			Kind:       interfaces.KindRollbackFailure,
			Message:    "data integrity check failed",
			RecordedAt: e.clock.Now(),
		})
	}
	return ok
}

func (e *Engine) finish(result *interfaces.RollbackResult, success bool) *interfaces.RollbackResult {
	result.Success = success
	state := interfaces.RollbackCompleted
	if !success {
		state = interfaces.RollbackFailed
	}
	e.transition(result, state)
	now := e.clock.Now()
	result.CompletedAt = &now

	if success {
		e.logger.Info("execution=%s rollback completed, %d components restored", result.ExecutionID, len(result.RestoredState))
	} else {
		e.logger.Error("execution=%s rollback failed with %d issues", result.ExecutionID, len(result.Issues))
	}
	return result
}

func (e *Engine) transition(result *interfaces.RollbackResult, to interfaces.RollbackState) {
	e.logger.Debug("execution=%s rollback %s -> %s", result.ExecutionID, result.State, to)
	result.State = to
}

func (e *Engine) stepTimeout(plan *interfaces.DeploymentPlan, step interfaces.RollbackStep) time.Duration {
	switch {
	case step.Timeout > 0:
		return step.Timeout
	case plan.RollbackPlan.StepTimeout > 0:
		return plan.RollbackPlan.StepTimeout
	default:
		return e.steps.Timeout
	}
}

func (e *Engine) stepRetries(plan *interfaces.DeploymentPlan, step interfaces.RollbackStep) int {
	switch {
	case step.Retries > 0:
		return step.Retries
	case plan.RollbackPlan.StepRetries > 0:
		return plan.RollbackPlan.StepRetries
	default:
		return e.steps.Retries
	}
}

// restoreArtifact picks the artifact a revert returns to: the component's
// previous artifact unless the step names one explicitly
func (e *Engine) restoreArtifact(plan *interfaces.DeploymentPlan, step interfaces.RollbackStep) string {
	if a := step.Parameters["artifact"]; a != "" {
		return a
	}
	if comp, ok := plan.Component(step.Component); ok {
		return comp.PreviousArtifact
	}
	return ""
}

func (e *Engine) newBackOff(retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.steps.InitialInterval
	b.MaxInterval = e.steps.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}
