package types

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func TestParseFilter(t *testing.T) {
	t.Parallel()

	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := url.Values{}
	q.Set("status", "paused, in_progress")
	q.Set("environment", "prod")
	q.Set("plan", "shop")
	q.Set("since", since.Format(time.RFC3339))
	q.Set("limit", "25")

	f, err := ParseFilter(q)
	require.NoError(t, err)
	assert.Equal(t, []interfaces.ExecutionStatus{interfaces.StatusPaused, interfaces.StatusInProgress}, f.Status)
	assert.Equal(t, "prod", f.Environment)
	assert.Equal(t, "shop", f.PlanID)
	assert.True(t, f.CreatedAfter.Equal(since))
	assert.Equal(t, 25, f.Limit)
}

func TestParseFilter_Errors(t *testing.T) {
	t.Parallel()

	for name, q := range map[string]url.Values{
		"status":   {"status": {"done"}},
		"since":    {"since": {"yesterday"}},
		"limit":    {"limit": {"-1"}},
		"too_many": {"limit": {"501"}},
		"not_int":  {"limit": {"ten"}},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFilter(q)
			assert.True(t, interfaces.IsKind(err, interfaces.KindValidation), "got %v", err)
		})
	}
}

func TestNewExecutionSummary(t *testing.T) {
	t.Parallel()

	e := &interfaces.DeploymentExecution{
		ID:           "exec-1",
		PlanName:     "shop",
		Environment:  "prod",
		Status:       interfaces.StatusInProgress,
		Strategy:     &interfaces.DeploymentStrategy{Type: interfaces.StrategyBlueGreen},
		Phases:       []interfaces.ExecutionPhase{{Name: "green"}, {Name: "switch"}},
		CurrentPhase: 1,
	}

	s := NewExecutionSummary(e)
	assert.Equal(t, "switch", s.Phase)
	assert.Equal(t, interfaces.StrategyBlueGreen, s.Strategy)
	assert.Empty(t, s.RiskLevel)

	pending := NewExecutionSummary(&interfaces.DeploymentExecution{ID: "exec-2", Status: interfaces.StatusPending})
	assert.Empty(t, pending.Phase)
}

func TestExecutionRequestValidate(t *testing.T) {
	t.Parallel()

	assert.Error(t, (&ExecutionRequest{}).Validate())
	assert.Error(t, (&ExecutionRequest{Plan: &interfaces.DeploymentPlan{}}).Validate())
	assert.NoError(t, (&ExecutionRequest{Plan: &interfaces.DeploymentPlan{}, Environment: &interfaces.Environment{}}).Validate())
}

func TestValidExecutionID(t *testing.T) {
	t.Parallel()

	assert.True(t, ValidExecutionID("0b6a3c9e-5c1d-4e8f-9a7b-2d4e6f8a0c1e"))
	assert.True(t, ValidExecutionID("e1"))
	assert.False(t, ValidExecutionID(""))
	assert.False(t, ValidExecutionID("exec.1"))
	assert.False(t, ValidExecutionID("exec/1"))
	assert.False(t, ValidExecutionID(strings.Repeat("a", MaxExecutionIDLength+1)))
}
