package testutil

import (
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// CreateTestSubmission creates a submission for a two-component plan
func CreateTestSubmission(id string) *interfaces.Submission {
	return &interfaces.Submission{
		ID: id,
		Plan: &interfaces.DeploymentPlan{
			ID:   "checkout",
			Name: "Checkout",
			Components: []interfaces.Component{
				{Name: "db", Artifact: "postgres:16"},
				{Name: "api", Artifact: "checkout-api:2"},
			},
			Dependencies: []interfaces.Dependency{{Component: "api", DependsOn: []string{"db"}}},
		},
		Environment: &interfaces.Environment{
			Name:     "staging",
			Capacity: interfaces.Capacity{MaxConcurrentDeployments: 2},
		},
		EnqueuedAt: time.Now(),
	}
}

// CreateTestExecution creates a stored execution snapshot
func CreateTestExecution(id string, revision int64, status interfaces.ExecutionStatus) *interfaces.DeploymentExecution {
	return &interfaces.DeploymentExecution{
		ID:          id,
		Revision:    revision,
		PlanID:      "checkout",
		PlanName:    "Checkout",
		Environment: "staging",
		Status:      status,
		Phases:      []interfaces.ExecutionPhase{},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}
