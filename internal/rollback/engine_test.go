package rollback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/dependency"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/mocks"
	"github.com/lattiam/rollout/internal/phase"
)

func shopPlan() *interfaces.DeploymentPlan {
	check := []interfaces.HealthCheckSpec{{Name: "ready"}}
	return &interfaces.DeploymentPlan{
		ID: "shop",
		Components: []interfaces.Component{
			{Name: "db", Artifact: "db:2", PreviousArtifact: "db:1", HealthChecks: check},
			{Name: "api", Artifact: "api:2", PreviousArtifact: "api:1", HealthChecks: check},
			{Name: "web", Artifact: "web:2", PreviousArtifact: "web:1", HealthChecks: check},
		},
		Dependencies: []interfaces.Dependency{
			{Component: "web", DependsOn: []string{"api"}},
			{Component: "api", DependsOn: []string{"db"}},
		},
	}
}

// executionWith builds an execution whose deployment phase reached the given statuses
func executionWith(statuses map[string]interfaces.ComponentStatus) *interfaces.DeploymentExecution {
	p := interfaces.ExecutionPhase{Name: "deployment", Category: interfaces.PhaseDeployment}
	for _, name := range []string{"db", "api", "web"} {
		p.Components = append(p.Components, interfaces.ComponentResult{Name: name, Status: statuses[name]})
	}
	return &interfaces.DeploymentExecution{ID: "exec-1", PlanID: "shop", Status: interfaces.StatusInProgress, Phases: []interfaces.ExecutionPhase{p}}
}

func allHealthy() *interfaces.DeploymentExecution {
	return executionWith(map[string]interfaces.ComponentStatus{
		"db": interfaces.ComponentHealthy, "api": interfaces.ComponentHealthy, "web": interfaces.ComponentHealthy,
	})
}

func request(t *testing.T, plan *interfaces.DeploymentPlan, exec *interfaces.DeploymentExecution) interfaces.RollbackRequest {
	t.Helper()
	graph, err := dependency.NewProductionDependencyResolver().Resolve(plan)
	require.NoError(t, err)
	return interfaces.RollbackRequest{Execution: exec, Plan: plan, Graph: graph, Reason: "trigger errors fired"}
}

func newTestEngine(deployer interfaces.ComponentDeployer, probe interfaces.HealthProbe, opts ...Option) *Engine {
	base := []Option{
		WithStepPolicy(StepPolicy{Timeout: time.Second, Retries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}),
		WithCheckPolicy(phase.RetryPolicy{
			MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1,
			CheckTimeout: 50 * time.Millisecond, DeployTimeout: time.Second,
		}),
	}
	return NewEngine(deployer, probe, append(base, opts...)...)
}

func TestRollbackRevertsInReverseOrder(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	probe := mocks.NewScriptedProbe()
	engine := newTestEngine(deployer, probe)

	result, err := engine.Rollback(context.Background(), request(t, shopPlan(), allHealthy()))
	require.NoError(t, err)

	assert.Equal(t, interfaces.RollbackCompleted, result.State)
	assert.True(t, result.Success)
	assert.True(t, result.DataIntegrity)
	assert.Equal(t, "trigger errors fired", result.Reason)
	assert.Equal(t, []string{"web", "api", "db"}, mocks.Components(deployer.Reverts.GetCalls()))
	assert.Equal(t, map[string]string{"db": "db:1", "api": "api:1", "web": "web:1"}, result.RestoredState)
	require.Len(t, result.Steps, 3)
	for _, s := range result.Steps {
		assert.Equal(t, interfaces.StepSucceeded, s.Status)
		assert.Equal(t, 1, s.Attempts)
	}
	require.NotNil(t, result.CompletedAt)

	for _, c := range probe.Checks.GetCalls() {
		assert.Contains(t, []string{"db:1", "api:1", "web:1"}, c.Artifact)
	}
}

func TestRollbackSkipsComponentsNeverDeployed(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	exec := executionWith(map[string]interfaces.ComponentStatus{
		"db": interfaces.ComponentHealthy, "api": interfaces.ComponentFailed, "web": interfaces.ComponentSkipped,
	})

	result, err := newTestEngine(deployer, mocks.NewScriptedProbe()).Rollback(context.Background(), request(t, shopPlan(), exec))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, []string{"api", "db"}, mocks.Components(deployer.Reverts.GetCalls()))
}

func TestRollbackDeclaredStepsOrder(t *testing.T) {
	t.Parallel()

	plan := shopPlan()
	plan.RollbackPlan.Steps = []interfaces.RollbackStep{
		{Name: "page-oncall", Action: interfaces.ActionNotifyOperator},
		{Name: "restore-db", Action: interfaces.ActionRestoreBackup, Component: "db"},
		{Name: "revert-web", Action: interfaces.ActionRevert, Component: "web"},
		{Name: "flip-lb", Action: interfaces.ActionSwitchTraffic},
	}

	var mu sync.Mutex
	var handled []string
	record := interfaces.StepHandlerFunc(func(_ context.Context, _ string, step interfaces.RollbackStep) error {
		mu.Lock()
		defer mu.Unlock()
		handled = append(handled, step.Name)
		return nil
	})

	engine := newTestEngine(mocks.NewFakeDeployer(), mocks.NewScriptedProbe(),
		WithStepHandler(interfaces.ActionRestoreBackup, record),
		WithStepHandler(interfaces.ActionSwitchTraffic, record))

	result, err := engine.Rollback(context.Background(), request(t, plan, allHealthy()))
	require.NoError(t, err)
	require.True(t, result.Success)

	var names []string
	for _, s := range result.Steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"revert-web", "restore-db", "page-oncall", "flip-lb"}, names)
	assert.Equal(t, []string{"restore-db", "flip-lb"}, handled)
	assert.Equal(t, map[string]string{"web": "web:1"}, result.RestoredState)
}

func TestRollbackRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	deployer.FailRevertTimes("api", 2)

	result, err := newTestEngine(deployer, mocks.NewScriptedProbe()).Rollback(context.Background(), request(t, shopPlan(), allHealthy()))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Steps[1].Attempts)
	assert.Equal(t, interfaces.StepSucceeded, result.Steps[1].Status)
}

func TestRollbackHaltsOnExhaustedStep(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	deployer.FailRevert("api", errors.New("registry unreachable"))

	result, err := newTestEngine(deployer, mocks.NewScriptedProbe()).Rollback(context.Background(), request(t, shopPlan(), allHealthy()))
	require.NoError(t, err)

	assert.Equal(t, interfaces.RollbackFailed, result.State)
	assert.False(t, result.Success)
	require.Len(t, result.Steps, 3)
	assert.Equal(t, interfaces.StepSucceeded, result.Steps[0].Status)
	assert.Equal(t, interfaces.StepFailed, result.Steps[1].Status)
	assert.Equal(t, 3, result.Steps[1].Attempts)
	assert.Equal(t, interfaces.StepSkipped, result.Steps[2].Status)
	assert.Equal(t, []string{"web", "api", "api", "api"}, mocks.Components(deployer.Reverts.GetCalls()))

	require.Len(t, result.Issues, 1)
	assert.Equal(t, interfaces.KindRollbackFailure, result.Issues[0].Kind)
	assert.Equal(t, "registry unreachable", result.Issues[0].Evidence)
}

func TestRollbackPlanLevelRetries(t *testing.T) {
	t.Parallel()

	plan := shopPlan()
	plan.RollbackPlan.StepRetries = 4
	deployer := mocks.NewFakeDeployer()
	deployer.FailRevertTimes("web", 4)

	result, err := newTestEngine(deployer, mocks.NewScriptedProbe()).Rollback(context.Background(), request(t, plan, allHealthy()))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 5, result.Steps[0].Attempts)
}

func TestRollbackMissingHandlerFails(t *testing.T) {
	t.Parallel()

	plan := shopPlan()
	plan.RollbackPlan.Steps = []interfaces.RollbackStep{{Name: "migrate-down", Action: interfaces.ActionRunCommand}}

	result, err := newTestEngine(mocks.NewFakeDeployer(), mocks.NewScriptedProbe()).Rollback(context.Background(), request(t, plan, allHealthy()))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Steps[0].Attempts, "permanent errors are not retried")
}

func TestRollbackValidationFailure(t *testing.T) {
	t.Parallel()

	probe := mocks.NewScriptedProbe()
	probe.AlwaysFail("db")

	result, err := newTestEngine(mocks.NewFakeDeployer(), probe).Rollback(context.Background(), request(t, shopPlan(), allHealthy()))
	require.NoError(t, err)

	assert.Equal(t, interfaces.RollbackFailed, result.State)
	assert.False(t, result.Success)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, interfaces.KindHealthCheckFailed, result.Issues[0].Kind)
	assert.Equal(t, "db", result.Issues[0].Component)
}

func TestRollbackIntegrity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		ok            bool
		err           error
		expectSuccess bool
	}{
		{name: "intact", ok: true, expectSuccess: true},
		{name: "corrupt", ok: false},
		{name: "unverifiable", err: errors.New("checksum service down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			checker := &mocks.IntegrityChecker{}
			checker.On("Verify", mock.Anything, "exec-1", mock.Anything).Return(tt.ok, tt.err)

			engine := newTestEngine(mocks.NewFakeDeployer(), mocks.NewScriptedProbe(), WithIntegrityChecker(checker))
			result, err := engine.Rollback(context.Background(), request(t, shopPlan(), allHealthy()))
			require.NoError(t, err)

			assert.Equal(t, tt.expectSuccess, result.Success)
			assert.Equal(t, tt.expectSuccess, result.DataIntegrity)
			checker.AssertExpectations(t)
		})
	}
}

func TestRollbackIsIdempotent(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	engine := newTestEngine(deployer, mocks.NewScriptedProbe())
	req := request(t, shopPlan(), allHealthy())

	first, err := engine.Rollback(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Rollback(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 3, deployer.Reverts.GetCallCount())

	stored, ok := engine.Result("exec-1")
	require.True(t, ok)
	assert.Equal(t, first, stored)

	// callers get copies
	second.RestoredState["db"] = "tampered"
	again, _ := engine.Result("exec-1")
	assert.Equal(t, "db:1", again.RestoredState["db"])
}

func TestForgetDropsStoredResult(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	engine := newTestEngine(deployer, mocks.NewScriptedProbe())
	req := request(t, shopPlan(), allHealthy())

	_, err := engine.Rollback(context.Background(), req)
	require.NoError(t, err)
	_, ok := engine.Result("exec-1")
	require.True(t, ok)

	engine.Forget("exec-1")
	_, ok = engine.Result("exec-1")
	assert.False(t, ok)

	engine.Forget("never-rolled-back")
	assert.Equal(t, 3, deployer.Reverts.GetCallCount())
}

func TestRollbackConcurrentCallsShareOneRun(t *testing.T) {
	t.Parallel()

	deployer := mocks.NewFakeDeployer()
	engine := newTestEngine(deployer, mocks.NewScriptedProbe())
	req := request(t, shopPlan(), allHealthy())

	var wg sync.WaitGroup
	results := make([]*interfaces.RollbackResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := engine.Rollback(context.Background(), req)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, deployer.Reverts.GetCallCount())
	for _, r := range results[1:] {
		assert.Equal(t, results[0], r)
	}
}

func TestRollbackRunsAfterCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := newTestEngine(mocks.NewFakeDeployer(), mocks.NewScriptedProbe()).Rollback(ctx, request(t, shopPlan(), allHealthy()))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRollbackRejectsIncompleteRequest(t *testing.T) {
	t.Parallel()

	_, err := newTestEngine(mocks.NewFakeDeployer(), mocks.NewScriptedProbe()).Rollback(context.Background(), interfaces.RollbackRequest{})
	require.ErrorIs(t, err, interfaces.ErrValidation)
}
