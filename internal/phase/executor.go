// Package phase executes a single strategy phase: bounded concurrent component
// rollout followed by health gating and validation rules.
package phase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Executor implements interfaces.PhaseExecutor
type Executor struct {
	deployer  interfaces.ComponentDeployer
	probe     interfaces.HealthProbe
	metrics   interfaces.MetricSource
	traffic   interfaces.TrafficSwitcher
	approvals interfaces.ApprovalSource
	clock     interfaces.Clock
	retry     RetryPolicy
	logger    *logging.Logger
}

// Option is a functional option for configuring an Executor
type Option func(*Executor)

// WithMetricSource sets the source for metric_threshold rules
func WithMetricSource(m interfaces.MetricSource) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithTrafficSwitcher sets the collaborator for traffic_switch rules
func WithTrafficSwitcher(t interfaces.TrafficSwitcher) Option {
	return func(e *Executor) {
		e.traffic = t
	}
}

// WithApprovalSource sets the source consulted by manual approval gates
func WithApprovalSource(a interfaces.ApprovalSource) Option {
	return func(e *Executor) {
		e.approvals = a
	}
}

// WithRetryPolicy replaces the default health check retry policy
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Executor) {
		e.retry = p
	}
}

// WithClock sets the clock used for timestamps and soak waits
func WithClock(c interfaces.Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// NewExecutor creates a phase executor
func NewExecutor(deployer interfaces.ComponentDeployer, probe interfaces.HealthProbe, opts ...Option) *Executor {
	e := &Executor{
		deployer: deployer,
		probe:    probe,
		clock:    clock.New(),
		retry:    DefaultRetryPolicy(),
		logger:   logging.Phase,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// componentEvent reports progress of one dispatched component
type componentEvent struct {
	index  int
	status interfaces.ComponentStatus
}

// run holds the mutable state of one Execute call
type run struct {
	e        *Executor
	req      interfaces.PhaseRequest
	detached context.Context

	mu      sync.Mutex
	record  *interfaces.ExecutionPhase
	failed  bool
	unready time.Duration
}

// Execute runs one phase. Infrastructure-level problems (a nil plan, an
// unknown component) return an error; deployment and check failures are
// reported through the phase status and its issues.
func (e *Executor) Execute(ctx context.Context, req interfaces.PhaseRequest) (*interfaces.ExecutionPhase, error) {
	if req.Plan == nil || req.Environment == nil {
		return nil, interfaces.NewError(interfaces.KindValidation, "phase %q requires a plan and an environment", req.Phase.Name)
	}
	for _, name := range req.Phase.Components {
		if _, ok := req.Plan.Component(name); !ok {
			return nil, interfaces.NewError(interfaces.KindValidation, "phase %q references unknown component %q", req.Phase.Name, name)
		}
	}

	started := e.clock.Now()
	r := &run{
		e:        e,
		req:      req,
		detached: context.WithoutCancel(ctx),
		record: &interfaces.ExecutionPhase{
			Name:       req.Phase.Name,
			Category:   req.Phase.Category,
			Status:     interfaces.PhaseStatusRunning,
			Components: make([]interfaces.ComponentResult, len(req.Phase.Components)),
			StartedAt:  &started,
		},
	}
	for i, name := range req.Phase.Components {
		c, _ := req.Plan.Component(name)
		r.record.Components[i] = interfaces.ComponentResult{
			Name:     name,
			Artifact: c.Artifact,
			Status:   interfaces.ComponentPending,
		}
	}

	e.logger.Info("execution=%s phase=%s components=%d concurrency=%d",
		req.ExecutionID, req.Phase.Name, len(req.Phase.Components), r.concurrency())

	cancelled := r.deployComponents(ctx)
	if !cancelled && !r.failed {
		cancelled = r.runRules(ctx)
	}
	if cancelled {
		r.addIssue(interfaces.Issue{
			Kind:    interfaces.KindCancellation,
			Message: fmt.Sprintf("phase %q stopped after cancellation", req.Phase.Name),
			Phase:   req.Phase.Name,
		})
		r.failed = true
	}

	finished := e.clock.Now()
	r.record.CompletedAt = &finished
	r.record.Downtime = r.unready
	r.record.Status = interfaces.PhaseStatusCompleted
	if r.failed {
		r.record.Status = interfaces.PhaseStatusFailed
	}

	e.logger.PhaseFinished(req.Phase.Name, string(r.record.Status), finished.Sub(started))
	return r.record, nil
}

// concurrency is min(environment limit, phase limit, component count)
func (r *run) concurrency() int {
	n := r.req.Environment.Capacity.MaxConcurrentDeployments
	if p := r.req.Phase.MaxParallel; p > 0 && p < n {
		n = p
	}
	if c := len(r.req.Phase.Components); c < n {
		n = c
	}
	if n < 1 {
		n = 1
	}
	return n
}

// deployComponents dispatches components onto a worker pool as soon as their
// in-phase dependencies reach their wait condition. After the first failure or
// a cancellation nothing new is dispatched; in-flight work is allowed to
// finish. It reports whether ctx was cancelled.
func (r *run) deployComponents(ctx context.Context) bool {
	comps := r.req.Phase.Components
	if len(comps) == 0 {
		return ctx.Err() != nil
	}

	index := make(map[string]int, len(comps))
	for i, name := range comps {
		index[name] = i
	}

	status := make([]interfaces.ComponentStatus, len(comps))
	dispatched := make([]bool, len(comps))
	for i := range status {
		status[i] = interfaces.ComponentPending
	}

	pool := workerpool.New(r.concurrency())
	defer pool.StopWait()

	events := make(chan componentEvent, 2*len(comps))
	inflight := 0
	stopped := false
	cancelled := false
	done := ctx.Done()

	ready := func(i int) bool {
		for _, dep := range r.deps(comps[i]) {
			j, inPhase := index[dep]
			if !inPhase {
				continue
			}
			if !status[j].Reached(r.condition(comps[i], dep)) {
				return false
			}
		}
		return true
	}

	for {
		if !stopped && ctx.Err() != nil {
			stopped = true
			cancelled = true
			done = nil
		}
		if !stopped {
			for i := range comps {
				if dispatched[i] || !ready(i) {
					continue
				}
				dispatched[i] = true
				inflight++
				idx := i
				pool.Submit(func() { r.deployOne(idx, events) })
			}
		}

		if inflight == 0 {
			break
		}

		select {
		case ev := <-events:
			status[ev.index] = ev.status
			switch ev.status {
			case interfaces.ComponentHealthy:
				inflight--
			case interfaces.ComponentFailed:
				inflight--
				stopped = true
			case interfaces.ComponentPending, interfaces.ComponentDeploying, interfaces.ComponentDeployed, interfaces.ComponentSkipped:
			}
		case <-done:
			r.e.logger.Warn("execution=%s phase=%s cancellation requested, waiting for %d in-flight components",
				r.req.ExecutionID, r.req.Phase.Name, inflight)
			stopped = true
			cancelled = true
			done = nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range comps {
		if !dispatched[i] {
			r.record.Components[i].Status = interfaces.ComponentSkipped
		}
	}
	return cancelled
}

func (r *run) deps(component string) []string {
	if r.req.Graph == nil {
		return nil
	}
	return r.req.Graph.Dependencies[component]
}

func (r *run) condition(component, dep string) interfaces.WaitCondition {
	if r.req.Graph == nil || r.req.Graph.Conditions[component] == nil {
		return interfaces.WaitHealthy
	}
	if c, ok := r.req.Graph.Conditions[component][dep]; ok {
		return c
	}
	return interfaces.WaitHealthy
}

// deployOne deploys a component and runs its health checks. It runs detached
// from cancellation so in-flight work completes or times out on its own.
func (r *run) deployOne(i int, events chan<- componentEvent) {
	e := r.e
	name := r.req.Phase.Components[i]
	comp, _ := r.req.Plan.Component(name)
	started := e.clock.Now()

	r.update(i, func(c *interfaces.ComponentResult) {
		c.Status = interfaces.ComponentDeploying
		c.StartedAt = &started
	})

	deployCtx, cancel := context.WithTimeout(r.detached, e.retry.DeployTimeout)
	err := e.deployer.Deploy(deployCtx, interfaces.DeployRequest{ExecutionID: r.req.ExecutionID, Component: *comp})
	cancel()

	if err != nil {
		e.logger.Error("execution=%s component=%s deploy failed: %v", r.req.ExecutionID, name, err)
		r.finish(i, interfaces.ComponentFailed, err.Error())
		r.addIssue(interfaces.Issue{
			Kind:      interfaces.KindDeployFailed,
			Message:   fmt.Sprintf("deploying %s failed", name),
			Phase:     r.req.Phase.Name,
			Component: name,
			Evidence:  err.Error(),
		})
		events <- componentEvent{index: i, status: interfaces.ComponentFailed}
		return
	}

	r.update(i, func(c *interfaces.ComponentResult) { c.Status = interfaces.ComponentDeployed })
	events <- componentEvent{index: i, status: interfaces.ComponentDeployed}

	results, healthy := r.e.checkComponent(r.detached, comp, comp.Artifact, &r.mu, &r.unready)
	r.update(i, func(c *interfaces.ComponentResult) { c.HealthChecks = results })

	if !healthy {
		if res, ok := FirstFailure(results); ok {
			r.addIssue(checkIssue(r.req.Phase.Name, res, e.clock.Now()))
		}
		r.finish(i, interfaces.ComponentFailed, "mandatory health check failed")
		events <- componentEvent{index: i, status: interfaces.ComponentFailed}
		return
	}

	r.finish(i, interfaces.ComponentHealthy, "")
	events <- componentEvent{index: i, status: interfaces.ComponentHealthy}
}

// checkComponent runs every health check of comp against artifact in order.
// Unready time of failing mandatory checks is added to *unready under mu.
func (e *Executor) checkComponent(ctx context.Context, comp *interfaces.Component, artifact string,
	mu *sync.Mutex, unready *time.Duration,
) ([]interfaces.HealthCheckResult, bool) {
	results, healthy, down := VerifyComponent(ctx, e.probe, e.retry, e.clock, comp, artifact, false)
	if down > 0 && unready != nil {
		mu.Lock()
		*unready += down
		mu.Unlock()
	}
	return results, healthy
}

func (r *run) update(i int, fn func(*interfaces.ComponentResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.record.Components[i])
}

func (r *run) finish(i int, status interfaces.ComponentStatus, msg string) {
	now := r.e.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &r.record.Components[i]
	c.Status = status
	c.CompletedAt = &now
	if status == interfaces.ComponentFailed {
		c.Error = msg
		r.failed = true
	}
}

// addIssue records an issue. Only the first failure is kept so the phase
// reports the evidence that caused it to fail.
func (r *run) addIssue(is interfaces.Issue) {
	if is.RecordedAt.IsZero() {
		is.RecordedAt = r.e.clock.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if is.Kind != interfaces.KindCancellation && len(r.record.Issues) > 0 {
		return
	}
	r.record.Issues = append(r.record.Issues, is)
}

// AwaitApproval blocks on the approval source until a decision arrives or
// ctx ends. Callers bound ctx with the approval and execution timeouts.
func (e *Executor) AwaitApproval(ctx context.Context, req interfaces.ApprovalRequest) (interfaces.ApprovalDecision, error) {
	if e.approvals == nil {
		return "", fmt.Errorf("phase %q requires approval but no approval source is configured", req.Phase)
	}
	e.logger.Info("execution=%s phase=%s waiting for manual approval", req.ExecutionID, req.Phase)
	decision, err := e.approvals.Await(ctx, req)
	if err != nil {
		return "", err
	}
	e.logger.Info("execution=%s phase=%s approval %s", req.ExecutionID, req.Phase, decision)
	return decision, nil
}
