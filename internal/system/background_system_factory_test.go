package system

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/mocks"
	"github.com/lattiam/rollout/internal/phase"
	"github.com/lattiam/rollout/internal/rollback"
)

func testConfig(t *testing.T) *config.ServerConfig {
	t.Helper()
	dir := t.TempDir()
	cfg := config.NewServerConfig()
	cfg.StateDir = dir
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Queue.Workers = 2

	fast := phase.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Multiplier:      2,
		CheckTimeout:    50 * time.Millisecond,
		DeployTimeout:   5 * time.Second,
	}
	cfg.Engine.HealthChecks = fast
	cfg.Engine.RollbackChecks = fast
	cfg.Engine.Rollback = rollback.StepPolicy{
		Timeout:         time.Second,
		Retries:         1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}
	cfg.Engine.Strategy.RollingInterval = 10 * time.Millisecond
	cfg.Engine.Strategy.BlueGreenInterval = 10 * time.Millisecond
	return cfg
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

type fixture struct {
	sys      *BackgroundSystem
	deployer *mocks.FakeDeployer
	probe    *mocks.ScriptedProbe
}

func startEmbedded(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{deployer: mocks.NewFakeDeployer(), probe: mocks.NewScriptedProbe()}

	sys, err := NewBackgroundSystem(context.Background(), testConfig(t), RoleStandalone,
		WithDeployer(f.deployer),
		WithProbe(f.probe),
		WithMetricSource(mocks.NewScriptedMetrics()),
	)
	require.NoError(t, err)
	require.NoError(t, sys.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, sys.Shutdown(ctx))
	})
	f.sys = sys
	return f
}

// waitStored polls the registry until the execution is terminal
func (f *fixture) waitStored(t *testing.T, id string) *interfaces.DeploymentExecution {
	t.Helper()
	var got *interfaces.DeploymentExecution
	require.Eventually(t, func() bool {
		e, err := f.sys.Registry.GetExecution(context.Background(), id)
		if err != nil || !e.Status.IsTerminal() {
			return false
		}
		got = e
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return got
}

func TestEmbeddedSystemRunsSubmission(t *testing.T) {
	t.Parallel()

	f := startEmbedded(t)
	ctx := context.Background()

	pending, err := f.sys.Service.Submit(ctx, shopPlan(), stagingEnv())
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, pending.Status)

	exec := f.waitStored(t, pending.ID)
	assert.Equal(t, interfaces.StatusCompleted, exec.Status)
	assert.Equal(t, []string{"db", "api", "web"}, mocks.Components(f.deployer.Deploys.GetCalls()))

	// mirrored into the history database
	require.Eventually(t, func() bool {
		stored, err := f.sys.History.GetExecution(ctx, pending.ID)
		return err == nil && stored.Status == interfaces.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	count, err := f.sys.History.CountExecutions(ctx, exec.PlanKey(), "staging")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.Eventually(t, func() bool {
		return f.sys.Collector.Summary().ExecutionsCompleted == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEmbeddedSystemRollsBackFailedPhase(t *testing.T) {
	t.Parallel()

	f := startEmbedded(t)
	// three failed attempts during rollout, healthy again once reverted
	f.probe.Script("web", false, false, false, true)

	pending, err := f.sys.Service.Submit(context.Background(), shopPlan(), stagingEnv())
	require.NoError(t, err)

	exec := f.waitStored(t, pending.ID)
	assert.Equal(t, interfaces.StatusRolledBack, exec.Status)
	require.NotNil(t, exec.Rollback)
	assert.True(t, exec.Rollback.Success)
	assert.Equal(t, []string{"web", "api", "db"}, mocks.Components(f.deployer.Reverts.GetCalls()))
}

func TestEmbeddedSystemRejectsInvalidSubmission(t *testing.T) {
	t.Parallel()

	f := startEmbedded(t)
	plan := shopPlan()
	plan.Dependencies = append(plan.Dependencies, interfaces.Dependency{Component: "db", DependsOn: []string{"web"}})

	_, err := f.sys.Service.Submit(context.Background(), plan, stagingEnv())
	require.Error(t, err)
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))
}

func TestHealthChecks(t *testing.T) {
	t.Parallel()

	f := startEmbedded(t)
	checks := f.sys.HealthChecks()
	require.Contains(t, checks, "history")
	assert.NotContains(t, checks, "redis")
	assert.NotContains(t, checks, "archive")
	assert.NoError(t, checks["history"](context.Background()))
}

func TestNewBackgroundSystemRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := NewBackgroundSystem(context.Background(), nil, RoleStandalone)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.Queue.Type = "kafka"
	_, err = NewBackgroundSystem(context.Background(), cfg, RoleStandalone)
	assert.ErrorContains(t, err, "invalid queue type")

	cfg = testConfig(t)
	cfg.Queue.Type = config.QueueTypeDistributed
	_, err = NewBackgroundSystem(context.Background(), cfg, RoleStandalone)
	assert.ErrorContains(t, err, "redis URL is required")

	cfg = testConfig(t)
	_, err = NewBackgroundSystem(context.Background(), cfg, RoleWorker)
	assert.ErrorContains(t, err, "require the distributed queue")

	cfg = testConfig(t)
	_, err = NewBackgroundSystem(context.Background(), cfg, Role("observer"))
	assert.ErrorContains(t, err, "unknown role")
}

func TestEmbeddedServerRoleRunsWorkers(t *testing.T) {
	t.Parallel()

	sys, err := NewBackgroundSystem(context.Background(), testConfig(t), RoleServer)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sys.Shutdown(context.Background())) }()
	assert.Equal(t, RoleStandalone, sys.Role())
}
