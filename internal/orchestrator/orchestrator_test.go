package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/dependency"
	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/infra/embedded"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/mocks"
	"github.com/lattiam/rollout/internal/monitor"
	"github.com/lattiam/rollout/internal/phase"
	"github.com/lattiam/rollout/internal/risk"
	"github.com/lattiam/rollout/internal/rollback"
	"github.com/lattiam/rollout/internal/strategy"
)

func fastRetry() phase.RetryPolicy {
	return phase.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      2,
		CheckTimeout:    50 * time.Millisecond,
		DeployTimeout:   5 * time.Second,
	}
}

func shopPlan() *interfaces.DeploymentPlan {
	ready := []interfaces.HealthCheckSpec{{Name: "ready", Type: "http"}}
	return &interfaces.DeploymentPlan{
		ID:   "shop",
		Name: "shop",
		Components: []interfaces.Component{
			{Name: "db", Artifact: "db:2", PreviousArtifact: "db:1", HealthChecks: ready},
			{Name: "api", Artifact: "api:2", PreviousArtifact: "api:1", HealthChecks: ready},
			{Name: "web", Artifact: "web:2", PreviousArtifact: "web:1", HealthChecks: ready},
		},
		Dependencies: []interfaces.Dependency{
			{Component: "web", DependsOn: []string{"api"}},
			{Component: "api", DependsOn: []string{"db"}},
		},
	}
}

func stagingEnv() *interfaces.Environment {
	return &interfaces.Environment{
		Name: "staging",
		Capacity: interfaces.Capacity{
			MaxConcurrentDeployments: 4,
			CPU:                      64,
			MemoryMB:                 65536,
		},
	}
}

// gatedDeployer holds every deploy until release is closed
type gatedDeployer struct {
	*mocks.FakeDeployer
	started chan string
	release chan struct{}
}

func (g *gatedDeployer) Deploy(ctx context.Context, req interfaces.DeployRequest) error {
	g.started <- req.Component.Name
	<-g.release
	return g.FakeDeployer.Deploy(ctx, req)
}

type harnessOptions struct {
	phaseClock   interfaces.Clock
	monitorClock interfaces.Clock
	gated        bool
	metricRules  bool
	retain       int
}

type harness struct {
	t        *testing.T
	deployer *mocks.FakeDeployer
	gated    *gatedDeployer
	probe    *mocks.ScriptedProbe
	metrics  *mocks.ScriptedMetrics
	gate     *embedded.ApprovalGate
	rollback *rollback.Engine
	orch     *Orchestrator

	mu       sync.Mutex
	statuses []interfaces.ExecutionStatus
}

func newHarness(t *testing.T, opts ...func(*harnessOptions)) *harness {
	t.Helper()

	o := harnessOptions{phaseClock: clock.New(), monitorClock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	h := &harness{
		t:        t,
		deployer: mocks.NewFakeDeployer(),
		probe:    mocks.NewScriptedProbe(),
		metrics:  mocks.NewScriptedMetrics(),
		gate:     embedded.NewApprovalGate(),
	}
	var deployer interfaces.ComponentDeployer = h.deployer
	if o.gated {
		h.gated = &gatedDeployer{FakeDeployer: h.deployer, started: make(chan string, 8), release: make(chan struct{})}
		deployer = h.gated
	}

	resolver := dependency.NewProductionDependencyResolver()
	assessor, err := risk.NewAssessor(risk.WithResolver(resolver))
	require.NoError(t, err)

	cfg := strategy.DefaultConfig()
	cfg.RollingInterval = 10 * time.Millisecond
	cfg.BlueGreenInterval = 10 * time.Millisecond

	phaseOpts := []phase.Option{
		phase.WithApprovalSource(h.gate),
		phase.WithRetryPolicy(fastRetry()),
		phase.WithClock(o.phaseClock),
	}
	if o.metricRules {
		phaseOpts = append(phaseOpts, phase.WithMetricSource(h.metrics))
	}

	h.rollback = rollback.NewEngine(deployer, h.probe,
		rollback.WithCheckPolicy(fastRetry()),
		rollback.WithStepPolicy(rollback.StepPolicy{
			Timeout:         time.Second,
			Retries:         1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		}),
	)

	bus := events.NewSynchronousEventBus()
	bus.Subscribe(events.EventStatusChanged, func(ev events.ExecutionEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.statuses = append(h.statuses, ev.Snapshot.Status)
	})

	h.orch, err = New(Config{
		Assessor:           assessor,
		Selector:           strategy.NewSelector(strategy.WithConfig(cfg), strategy.WithResolver(resolver)),
		Resolver:           resolver,
		Executor:           phase.NewExecutor(deployer, h.probe, phaseOpts...),
		Monitor:            monitor.NewWatcher(h.metrics, monitor.WithClock(o.monitorClock)),
		Rollback:           h.rollback,
		Approvals:          h.gate,
		Events:             bus,
		RetainedExecutions: o.retain,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) submit(plan *interfaces.DeploymentPlan, env *interfaces.Environment) string {
	h.t.Helper()
	id, err := h.orch.Submit(context.Background(), plan, env)
	require.NoError(h.t, err)
	require.NotEmpty(h.t, id)
	return id
}

func (h *harness) wait(id string) *interfaces.DeploymentExecution {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := h.orch.Wait(ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, exec.Status.IsTerminal(), "status %s", exec.Status)
	return exec
}

func (h *harness) eventually(id string, cond func(*interfaces.DeploymentExecution) bool) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		snap, err := h.orch.Status(id)
		return err == nil && cond(snap)
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) transitions() []interfaces.ExecutionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]interfaces.ExecutionStatus(nil), h.statuses...)
}

func TestLowRiskPlanCompletesWithRollingStrategy(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	id := h.submit(shopPlan(), stagingEnv())
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusCompleted, exec.Status)
	require.NotNil(t, exec.Risk)
	assert.Equal(t, interfaces.RiskLow, exec.Risk.Level)
	require.NotNil(t, exec.Strategy)
	assert.Equal(t, interfaces.StrategyRolling, exec.Strategy.Type)
	assert.Len(t, exec.Strategy.Phases, 3)
	require.Len(t, exec.Phases, 3)
	for _, p := range exec.Phases {
		assert.Equal(t, interfaces.PhaseStatusCompleted, p.Status, p.Name)
	}

	assert.Equal(t, time.Duration(0), exec.Metrics.Downtime)
	assert.Equal(t, 3, exec.Metrics.ComponentsDeployed)
	assert.Equal(t, 6, exec.Metrics.HealthChecksRun)
	assert.Zero(t, exec.Metrics.HealthChecksFailed)
	assert.Empty(t, exec.Issues)
	assert.Nil(t, exec.Rollback)
	assert.NotNil(t, exec.CompletedAt)

	assert.Equal(t, []string{"db", "api", "web"}, mocks.Components(h.deployer.Deploys.GetCalls()))
	assert.Zero(t, h.deployer.Reverts.GetCallCount())
	assert.Equal(t, []interfaces.ExecutionStatus{interfaces.StatusInProgress, interfaces.StatusCompleted}, h.transitions())
}

func TestAutomaticTriggerRollsBackInReverseOrder(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	monClock := clock.NewManual(t0)
	h := newHarness(t, func(o *harnessOptions) {
		o.monitorClock = monClock
		// the validation soak never ends on its own
		o.phaseClock = clock.NewManual(t0)
	})
	h.metrics.Set("error_rate", 0.08)

	plan := shopPlan()
	plan.SuccessCriteria = []interfaces.SuccessCriterion{
		{Name: "errors", Type: interfaces.CriterionErrorRate, Threshold: 0.05},
	}
	id := h.submit(plan, stagingEnv())

	h.eventually(id, func(e *interfaces.DeploymentExecution) bool {
		return e.CurrentPhase == 2 && len(e.Phases) == 2
	})
	require.True(t, monClock.WaitForTicker(time.Second))
	for i := 0; i < interfaces.DefaultConsecutiveBreaches; i++ {
		require.Equal(t, 1, monClock.Tick(time.Second), "tick %d", i)
	}

	exec := h.wait(id)
	assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindTriggerFired))
	assert.Equal(t, 1, exec.Metrics.TriggerFirings)

	require.NotNil(t, exec.Rollback)
	assert.True(t, exec.Rollback.Success)
	assert.Contains(t, exec.Rollback.Reason, "errors")
	assert.Equal(t, []string{"web", "api", "db"}, mocks.Components(h.deployer.Reverts.GetCalls()))
	assert.Equal(t, 3, exec.Metrics.RollbackSteps)
	assert.Equal(t, map[string]string{"web": "web:1", "api": "api:1", "db": "db:1"}, exec.Rollback.RestoredState)
}

func TestSingleBreachingSampleDoesNotFailValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) {
		// the Monitor never samples
		o.monitorClock = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		o.metricRules = true
	})
	h.metrics.Script("error_rate", 0.08, 0.0)

	plan := shopPlan()
	plan.SuccessCriteria = []interfaces.SuccessCriterion{
		{Name: "errors", Type: interfaces.CriterionErrorRate, Threshold: 0.05},
	}
	exec := h.wait(h.submit(plan, stagingEnv()))

	assert.Equal(t, interfaces.StatusCompleted, exec.Status)
	assert.False(t, exec.HasIssue(interfaces.KindPhaseFailure))
	assert.Nil(t, exec.Rollback)
	assert.Zero(t, h.deployer.Reverts.GetCallCount())
}

func TestPersistentBreachFailsValidationGate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) {
		o.monitorClock = clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		o.metricRules = true
	})
	h.metrics.Set("error_rate", 0.08)

	plan := shopPlan()
	plan.SuccessCriteria = []interfaces.SuccessCriterion{
		{Name: "errors", Type: interfaces.CriterionErrorRate, Threshold: 0.05},
	}
	exec := h.wait(h.submit(plan, stagingEnv()))

	assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindPhaseFailure))
	assert.Equal(t, []string{"web", "api", "db"}, mocks.Components(h.deployer.Reverts.GetCalls()))
}

func TestCriticalRiskFailsWhenApprovalTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	plan := shopPlan()
	plan.Metadata.RiskHint = interfaces.RiskCritical
	env := stagingEnv()
	env.Constraints.ApprovalTimeout = 50 * time.Millisecond

	id := h.submit(plan, env)
	exec := h.wait(id)

	assert.Equal(t, interfaces.RiskCritical, exec.Risk.Level)
	assert.Equal(t, interfaces.StrategyBlueGreen, exec.Strategy.Type)
	assert.True(t, exec.Strategy.Phases[1].ManualApproval)

	assert.Equal(t, interfaces.StatusFailed, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindApprovalTimeout))
	require.Len(t, exec.Phases, 1, "only preparation may run before the gate")
	assert.Equal(t, interfaces.PhaseStatusCompleted, exec.Phases[0].Status)
	assert.Equal(t, 1, exec.CurrentPhase)
	assert.Nil(t, exec.Rollback)
	assert.Zero(t, h.deployer.Deploys.GetCallCount())
	assert.Equal(t, []interfaces.ExecutionStatus{
		interfaces.StatusInProgress, interfaces.StatusPaused, interfaces.StatusFailed,
	}, h.transitions())
}

func TestApprovalGateDecisions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		decision interfaces.ApprovalDecision
		status   interfaces.ExecutionStatus
		deploys  int
	}{
		{name: "granted", decision: interfaces.ApprovalGranted, status: interfaces.StatusCompleted, deploys: 3},
		{name: "denied", decision: interfaces.ApprovalDenied, status: interfaces.StatusFailed, deploys: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			plan := shopPlan()
			plan.Metadata.RiskHint = interfaces.RiskCritical
			env := stagingEnv()
			env.Constraints.ApprovalTimeout = 10 * time.Second

			id := h.submit(plan, env)
			h.eventually(id, func(e *interfaces.DeploymentExecution) bool {
				return e.Status == interfaces.StatusPaused
			})
			assert.Zero(t, h.deployer.Deploys.GetCallCount())

			require.NoError(t, h.orch.Approve(context.Background(), id, tt.decision))
			exec := h.wait(id)

			assert.Equal(t, tt.status, exec.Status)
			assert.Equal(t, tt.deploys, h.deployer.Deploys.GetCallCount())
			if tt.decision == interfaces.ApprovalDenied {
				assert.True(t, exec.HasIssue(interfaces.KindApprovalDenied))
				assert.Nil(t, exec.Rollback)
			}

			err := h.orch.Approve(context.Background(), id, interfaces.ApprovalGranted)
			assert.True(t, interfaces.IsKind(err, interfaces.KindInvalidTransition))
		})
	}
}

func TestPhaseFailureWithAutomaticPolicyRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	// three failed attempts during rollout, healthy again once reverted
	h.probe.Script("web", false, false, false, true)

	id := h.submit(shopPlan(), stagingEnv())
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindHealthCheckFailed))
	assert.Equal(t, 1, exec.Metrics.HealthChecksFailed)
	require.Len(t, exec.Phases, 2)
	assert.Equal(t, interfaces.PhaseStatusFailed, exec.Phases[1].Status)

	require.NotNil(t, exec.Rollback)
	assert.True(t, exec.Rollback.Success)
	assert.Contains(t, exec.Rollback.Reason, "deployment")
	assert.Equal(t, []string{"web", "api", "db"}, mocks.Components(h.deployer.Reverts.GetCalls()))
}

func TestFailedRollbackIsReportedAsFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.probe.AlwaysFail("web")

	id := h.submit(shopPlan(), stagingEnv())
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusFailed, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindRollbackFailure))
	require.NotNil(t, exec.Rollback)
	assert.False(t, exec.Rollback.Success)
	assert.Equal(t, interfaces.RollbackFailed, exec.Rollback.State)

	// the stored result is returned, nothing runs again
	reverts := h.deployer.Reverts.GetCallCount()
	res, err := h.orch.ForceRollback(context.Background(), id, "retry")
	require.NoError(t, err)
	assert.Equal(t, exec.Rollback, res)
	assert.Equal(t, reverts, h.deployer.Reverts.GetCallCount())
}

func TestManualPolicyLeavesFailureForOperator(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.probe.AlwaysFail("web")
	plan := shopPlan()
	plan.RollbackPlan.Policy = interfaces.RollbackManual

	id := h.submit(plan, stagingEnv())
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusFailed, exec.Status)
	assert.Nil(t, exec.Rollback)
	assert.Zero(t, h.deployer.Reverts.GetCallCount())

	_, err := h.orch.ForceRollback(context.Background(), id, "too late")
	assert.True(t, interfaces.IsKind(err, interfaces.KindInvalidTransition))
}

func TestCancelStopsDispatchAndRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) { o.gated = true })
	id := h.submit(shopPlan(), stagingEnv())

	select {
	case name := <-h.gated.started:
		assert.Equal(t, "db", name)
	case <-time.After(5 * time.Second):
		t.Fatal("deployment never started")
	}

	require.NoError(t, h.orch.Cancel(id))
	close(h.gated.release)
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindCancellation))
	assert.Equal(t, []string{"db"}, mocks.Components(h.deployer.Deploys.GetCalls()))
	assert.Equal(t, []string{"db"}, mocks.Components(h.deployer.Reverts.GetCalls()))

	err := h.orch.Cancel(id)
	assert.True(t, interfaces.IsKind(err, interfaces.KindInvalidTransition))
}

func TestCancelWithManualPolicyFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) { o.gated = true })
	plan := shopPlan()
	plan.RollbackPlan.Policy = interfaces.RollbackManual
	id := h.submit(plan, stagingEnv())

	<-h.gated.started
	require.NoError(t, h.orch.Cancel(id))
	close(h.gated.release)
	exec := h.wait(id)

	assert.Equal(t, interfaces.StatusFailed, exec.Status)
	assert.True(t, exec.HasIssue(interfaces.KindCancellation))
	assert.Zero(t, h.deployer.Reverts.GetCallCount())
}

func TestForceRollback(t *testing.T) {
	t.Parallel()

	t.Run("running execution", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t, func(o *harnessOptions) { o.gated = true })
		id := h.submit(shopPlan(), stagingEnv())
		<-h.gated.started

		type outcome struct {
			res *interfaces.RollbackResult
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := h.orch.ForceRollback(context.Background(), id, "bad release")
			done <- outcome{res, err}
		}()

		// release the in-flight deploy only once dispatch has stopped
		h.eventually(id, func(e *interfaces.DeploymentExecution) bool {
			return e.HasIssue(interfaces.KindCancellation)
		})
		close(h.gated.release)

		var first outcome
		select {
		case first = <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("forced rollback did not finish")
		}
		require.NoError(t, first.err)
		assert.True(t, first.res.Success)
		assert.Equal(t, "bad release", first.res.Reason)

		exec := h.wait(id)
		assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
		assert.Equal(t, []string{"db"}, mocks.Components(h.deployer.Reverts.GetCalls()))

		second, err := h.orch.ForceRollback(context.Background(), id, "again")
		require.NoError(t, err)
		assert.Equal(t, first.res, second)
		assert.Equal(t, 1, h.deployer.Reverts.GetCallCount())
	})

	t.Run("completed execution", func(t *testing.T) {
		t.Parallel()

		h := newHarness(t)
		id := h.submit(shopPlan(), stagingEnv())
		h.wait(id)

		_, err := h.orch.ForceRollback(context.Background(), id, "")
		assert.True(t, interfaces.IsKind(err, interfaces.KindInvalidTransition))
	})
}

func TestFinishedExecutionsAreEvictedBeyondRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) { o.retain = 1 })
	// three failed attempts during rollout, healthy from then on
	h.probe.Script("web", false, false, false, true)

	first := h.submit(shopPlan(), stagingEnv())
	assert.Equal(t, interfaces.StatusRolledBack, h.wait(first).Status)
	_, stored := h.rollback.Result(first)
	require.True(t, stored)

	second := h.submit(shopPlan(), stagingEnv())
	assert.Equal(t, interfaces.StatusCompleted, h.wait(second).Status)

	require.Eventually(t, func() bool {
		_, err := h.orch.Status(first)
		return interfaces.IsKind(err, interfaces.KindNotFound)
	}, 5*time.Second, 5*time.Millisecond)
	_, stored = h.rollback.Result(first)
	assert.False(t, stored)

	snap, err := h.orch.Status(second)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, snap.Status)
	require.Len(t, h.orch.List(), 1)
	assert.Equal(t, second, h.orch.List()[0].ID)
}

func TestUnknownExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.orch.Status("missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.ErrorIs(t, h.orch.Cancel("missing"), interfaces.ErrNotFound)
	_, err = h.orch.ForceRollback(context.Background(), "missing", "")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.ErrorIs(t, h.orch.Approve(context.Background(), "missing", interfaces.ApprovalGranted), interfaces.ErrNotFound)
}

func TestSubmitRejectsBeforeExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		plan func() *interfaces.DeploymentPlan
		env  func() *interfaces.Environment
		kind interfaces.ErrorKind
	}{
		{
			name: "cyclic plan",
			plan: func() *interfaces.DeploymentPlan {
				p := shopPlan()
				p.Dependencies = append(p.Dependencies, interfaces.Dependency{Component: "db", DependsOn: []string{"web"}})
				return p
			},
			env:  stagingEnv,
			kind: interfaces.KindValidation,
		},
		{
			name: "empty plan",
			plan: func() *interfaces.DeploymentPlan { return &interfaces.DeploymentPlan{ID: "empty"} },
			env:  stagingEnv,
			kind: interfaces.KindValidation,
		},
		{
			name: "insufficient capacity",
			plan: func() *interfaces.DeploymentPlan {
				p := shopPlan()
				for i := range p.Components {
					p.Components[i].Resources.CPU = 4
				}
				return p
			},
			env: func() *interfaces.Environment {
				e := stagingEnv()
				e.Capacity.CPU = 8
				return e
			},
			kind: interfaces.KindCapacity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			id, err := h.orch.Submit(context.Background(), tt.plan(), tt.env())
			require.Error(t, err)
			assert.Empty(t, id)
			assert.True(t, interfaces.IsKind(err, tt.kind), "got %v", err)
			assert.Empty(t, h.orch.List())
			assert.Zero(t, h.deployer.Deploys.GetCallCount())
		})
	}
}

func TestSubmittedPlanIsIsolatedFromCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	plan := shopPlan()
	id := h.submit(plan, stagingEnv())
	plan.Components[0].Artifact = "db:999"

	h.wait(id)
	calls := h.deployer.Deploys.GetCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "db:2", calls[0].Artifact)
}

func TestShutdownSettlesActiveExecutions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *harnessOptions) { o.gated = true })
	id := h.submit(shopPlan(), stagingEnv())
	<-h.gated.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopped := make(chan error, 1)
	go func() { stopped <- h.orch.Shutdown(ctx) }()

	h.eventually(id, func(e *interfaces.DeploymentExecution) bool {
		return e.HasIssue(interfaces.KindCancellation)
	})
	close(h.gated.release)
	require.NoError(t, <-stopped)

	exec, err := h.orch.Status(id)
	require.NoError(t, err)
	assert.True(t, exec.Status.IsTerminal())

	_, err = h.orch.Submit(context.Background(), shopPlan(), stagingEnv())
	assert.Error(t, err)
}

func TestNewRequiresComponents(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))
}
