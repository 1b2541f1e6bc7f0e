package interfaces

import (
	"context"
	"time"
)

// Submission is a request to start an execution asynchronously. The ID is
// allocated at enqueue time so callers can poll before a worker picks it up.
type Submission struct {
	ID          string          `json:"id"`
	Plan        *DeploymentPlan `json:"plan"`
	Environment *Environment    `json:"environment"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Validate checks that a submission can be handed to a worker
func (s *Submission) Validate() error {
	if s == nil {
		return NewError(KindValidation, "submission is nil")
	}
	if s.ID == "" {
		return NewError(KindValidation, "submission ID is empty")
	}
	if s.Plan == nil || s.Environment == nil {
		return NewError(KindValidation, "submission %s requires a plan and an environment", s.ID)
	}
	return nil
}

// Placeholder returns the pending record shown for a queued submission
func (s *Submission) Placeholder() *DeploymentExecution {
	e := &DeploymentExecution{
		ID:        s.ID,
		Status:    StatusPending,
		Phases:    []ExecutionPhase{},
		CreatedAt: s.EnqueuedAt,
		UpdatedAt: s.EnqueuedAt,
	}
	if s.Plan != nil {
		e.PlanID = s.Plan.ID
		e.PlanName = s.Plan.DisplayName()
	}
	if s.Environment != nil {
		e.Environment = s.Environment.Name
	}
	return e
}

// SubmissionQueue accepts submissions for asynchronous execution
type SubmissionQueue interface {
	Enqueue(ctx context.Context, s *Submission) error
	Cancel(ctx context.Context, submissionID string) error
	GetMetrics() QueueMetrics
}

// QueueMetrics describes a submission queue
type QueueMetrics struct {
	TotalEnqueued    int64         `json:"total_enqueued"`
	TotalDequeued    int64         `json:"total_dequeued"`
	CurrentDepth     int           `json:"current_depth"`
	OldestSubmission time.Time     `json:"oldest_submission"`
	AverageWaitTime  time.Duration `json:"average_wait_time"`
}

// ExecutionFilter selects stored executions. Empty fields match everything.
type ExecutionFilter struct {
	Status       []ExecutionStatus `json:"status,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	PlanID       string            `json:"plan_id,omitempty"`
	CreatedAfter time.Time         `json:"created_after,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

// Matches reports whether e passes the filter
func (f ExecutionFilter) Matches(e *DeploymentExecution) bool {
	if len(f.Status) > 0 {
		found := false
		for _, s := range f.Status {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Environment != "" && e.Environment != f.Environment {
		return false
	}
	if f.PlanID != "" && e.PlanID != f.PlanID && e.PlanName != f.PlanID {
		return false
	}
	if !f.CreatedAfter.IsZero() && !e.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// ExecutionStore keeps execution snapshots for queries outside the
// orchestrator's memory
type ExecutionStore interface {
	SnapshotSink
	GetExecution(ctx context.Context, executionID string) (*DeploymentExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*DeploymentExecution, error)
}

// ExecutionRegistry is the store workers and the service layer share: it
// holds placeholders for queued submissions alongside the snapshots published
// by running executions.
type ExecutionRegistry interface {
	ExecutionStore
	HistoryProvider
	Register(ctx context.Context, s *Submission) error
	MarkFailed(ctx context.Context, executionID string, cause error) error
	Remove(ctx context.Context, executionID string) error
}
