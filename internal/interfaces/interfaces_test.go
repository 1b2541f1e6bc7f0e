package interfaces_test

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func threeTierPlan() *interfaces.DeploymentPlan {
	return &interfaces.DeploymentPlan{
		ID:   "shop",
		Name: "shop",
		Components: []interfaces.Component{
			{Name: "db", Artifact: "db:2", Resources: interfaces.ResourceDemand{CPU: 1, MemoryMB: 512}},
			{Name: "api", Artifact: "api:2", Resources: interfaces.ResourceDemand{CPU: 1, MemoryMB: 256}},
			{Name: "web", Artifact: "web:2", Resources: interfaces.ResourceDemand{CPU: 0.5, MemoryMB: 128}},
		},
		Dependencies: []interfaces.Dependency{
			{Component: "web", DependsOn: []string{"api"}},
			{Component: "api", DependsOn: []string{"db"}},
		},
	}
}

func TestPlanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(p *interfaces.DeploymentPlan)
		wantErr bool
	}{
		{name: "valid", mutate: func(*interfaces.DeploymentPlan) {}},
		{name: "no components", mutate: func(p *interfaces.DeploymentPlan) { p.Components = nil }, wantErr: true},
		{name: "duplicate component", mutate: func(p *interfaces.DeploymentPlan) {
			p.Components = append(p.Components, interfaces.Component{Name: "db"})
		}, wantErr: true},
		{name: "unknown dependency", mutate: func(p *interfaces.DeploymentPlan) {
			p.Dependencies[0].DependsOn = []string{"cache"}
		}, wantErr: true},
		{name: "self dependency", mutate: func(p *interfaces.DeploymentPlan) {
			p.Dependencies[0].DependsOn = []string{"web"}
		}, wantErr: true},
		{name: "bad wait condition", mutate: func(p *interfaces.DeploymentPlan) {
			p.Dependencies[0].WaitFor = "ready"
		}, wantErr: true},
		{name: "rollback step on unknown component", mutate: func(p *interfaces.DeploymentPlan) {
			p.RollbackPlan.Steps = []interfaces.RollbackStep{{Name: "x", Action: interfaces.ActionRevert, Component: "cache"}}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			plan := threeTierPlan()
			tt.mutate(plan)
			err := plan.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEnvironmentCheckCapacity(t *testing.T) {
	t.Parallel()

	env := &interfaces.Environment{
		Name:     "staging",
		Capacity: interfaces.Capacity{MaxConcurrentDeployments: 2, CPU: 4, MemoryMB: 1024, UsedCPU: 1},
	}
	require.NoError(t, env.CheckCapacity(threeTierPlan()))

	env.Capacity.UsedMemoryMB = 512
	err := env.CheckCapacity(threeTierPlan())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrCapacity)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := map[interfaces.ExecutionStatus][]interfaces.ExecutionStatus{
		interfaces.StatusPending:    {interfaces.StatusInProgress, interfaces.StatusFailed},
		interfaces.StatusInProgress: {interfaces.StatusPaused, interfaces.StatusCompleted, interfaces.StatusFailed, interfaces.StatusRolledBack},
		interfaces.StatusPaused:     {interfaces.StatusInProgress, interfaces.StatusFailed, interfaces.StatusRolledBack},
	}
	all := []interfaces.ExecutionStatus{
		interfaces.StatusPending, interfaces.StatusInProgress, interfaces.StatusPaused,
		interfaces.StatusCompleted, interfaces.StatusFailed, interfaces.StatusRolledBack,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, interfaces.CanTransition(from, to), "%s -> %s", from, to)
		}
		if from.IsTerminal() {
			assert.Empty(t, allowed[from])
		}
	}
}

func TestParseExecutionStatus(t *testing.T) {
	t.Parallel()

	s, err := interfaces.ParseExecutionStatus("rolled_back")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRolledBack, s)

	_, err = interfaces.ParseExecutionStatus("exploded")
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))
}

func TestSubmissionPlaceholder(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := &interfaces.Submission{
		ID:          "exec-1",
		Plan:        threeTierPlan(),
		Environment: &interfaces.Environment{Name: "prod", Capacity: interfaces.Capacity{MaxConcurrentDeployments: 1}},
		EnqueuedAt:  now,
	}
	require.NoError(t, s.Validate())

	e := s.Placeholder()
	assert.Equal(t, interfaces.StatusPending, e.Status)
	assert.Equal(t, "shop", e.PlanKey())
	assert.Equal(t, "prod", e.Environment)
	assert.Equal(t, now, e.CreatedAt)
	assert.Zero(t, e.Revision)

	assert.Error(t, (&interfaces.Submission{ID: "exec-2"}).Validate())
}

func TestExecutionFilterMatches(t *testing.T) {
	t.Parallel()

	e := &interfaces.DeploymentExecution{
		ID: "exec-1", PlanID: "shop", PlanName: "Shop", Environment: "prod",
		Status: interfaces.StatusFailed, CreatedAt: time.Now(),
	}
	assert.True(t, interfaces.ExecutionFilter{}.Matches(e))
	assert.True(t, interfaces.ExecutionFilter{PlanID: "Shop"}.Matches(e))
	assert.True(t, interfaces.ExecutionFilter{Status: []interfaces.ExecutionStatus{interfaces.StatusFailed}}.Matches(e))
	assert.False(t, interfaces.ExecutionFilter{Environment: "staging"}.Matches(e))
	assert.False(t, interfaces.ExecutionFilter{Status: []interfaces.ExecutionStatus{interfaces.StatusCompleted}}.Matches(e))
	assert.False(t, interfaces.ExecutionFilter{CreatedAfter: time.Now().Add(time.Hour)}.Matches(e))
}

func TestExecutionCloneIsDeep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	exec := &interfaces.DeploymentExecution{
		ID:     "exec-1",
		Status: interfaces.StatusInProgress,
		Risk:   &interfaces.RiskAssessment{Level: interfaces.RiskLow, Factors: []interfaces.RiskFactor{{Category: "x"}}},
		Strategy: &interfaces.DeploymentStrategy{
			Type:   interfaces.StrategyRolling,
			Phases: []interfaces.Phase{{Name: "deployment", Components: []string{"db"}}},
		},
		Phases: []interfaces.ExecutionPhase{{
			Name:       "deployment",
			Components: []interfaces.ComponentResult{{Name: "db", HealthChecks: []interfaces.HealthCheckResult{{Check: "ping"}}}},
			StartedAt:  &now,
		}},
		Rollback: &interfaces.RollbackResult{RestoredState: map[string]string{"db": "db:1"}},
	}

	cp := exec.Clone()
	cp.Risk.Factors[0].Category = "changed"
	cp.Strategy.Phases[0].Components[0] = "changed"
	cp.Phases[0].Components[0].HealthChecks[0].Check = "changed"
	*cp.Phases[0].StartedAt = now.Add(time.Hour)
	cp.Rollback.RestoredState["db"] = "changed"

	assert.Equal(t, "x", exec.Risk.Factors[0].Category)
	assert.Equal(t, "db", exec.Strategy.Phases[0].Components[0])
	assert.Equal(t, "ping", exec.Phases[0].Components[0].HealthChecks[0].Check)
	assert.Equal(t, now, *exec.Phases[0].StartedAt)
	assert.Equal(t, "db:1", exec.Rollback.RestoredState["db"])
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("submit: %w", interfaces.NewError(interfaces.KindNotFound, "execution %s", "exec-9"))

	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.NotErrorIs(t, err, interfaces.ErrValidation)

	structured, ok := interfaces.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, structured.HTTPStatus())
	assert.Contains(t, err.Error(), "not_found: execution exec-9")
}

func TestComparisonBreached(t *testing.T) {
	t.Parallel()

	assert.True(t, interfaces.GreaterThan.Breached(0.08, 0.05))
	assert.False(t, interfaces.GreaterThan.Breached(0.05, 0.05))
	assert.True(t, interfaces.LessThan.Breached(0.97, 0.99))
	assert.False(t, interfaces.LessThan.Breached(0.995, 0.99))
}

func TestRiskLevelOrdering(t *testing.T) {
	t.Parallel()

	assert.Equal(t, interfaces.RiskHigh, interfaces.MaxRiskLevel(interfaces.RiskLow, interfaces.RiskHigh))
	assert.Equal(t, interfaces.RiskMedium, interfaces.MaxRiskLevel(interfaces.RiskMedium, ""))

	level, err := interfaces.ParseRiskLevel(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, interfaces.RiskCritical, level)

	_, err = interfaces.ParseRiskLevel("severe")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}
