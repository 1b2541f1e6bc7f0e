package interfaces

import "time"

// RollbackState is the state machine of one rollback attempt
type RollbackState string

// Rollback states
const (
	RollbackPending    RollbackState = "pending"
	RollbackInProgress RollbackState = "in_progress"
	RollbackValidating RollbackState = "validating"
	RollbackCompleted  RollbackState = "completed"
	RollbackFailed     RollbackState = "failed"
)

// IsTerminal reports whether the rollback finished
func (s RollbackState) IsTerminal() bool {
	switch s {
	case RollbackCompleted, RollbackFailed:
		return true
	case RollbackPending, RollbackInProgress, RollbackValidating:
		return false
	default:
		return false
	}
}

// Rollback step outcomes
const (
	StepSucceeded = "succeeded"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// RollbackStepResult records one executed rollback step
type RollbackStepResult struct {
	Name        string         `json:"name"`
	Action      RollbackAction `json:"action"`
	Component   string         `json:"component,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// RollbackResult is the outcome of a rollback attempt. It is created by the
// rollback engine and never modified once terminal.
type RollbackResult struct {
	ExecutionID   string               `json:"execution_id"`
	State         RollbackState        `json:"state"`
	Success       bool                 `json:"success"`
	Reason        string               `json:"reason"`
	RestoredState map[string]string    `json:"restored_state"`
	DataIntegrity bool                 `json:"data_integrity"`
	Steps         []RollbackStepResult `json:"steps"`
	Issues        []Issue              `json:"issues,omitempty"`
	StartedAt     time.Time            `json:"started_at"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
}

// Clone returns a deep copy
func (r *RollbackResult) Clone() *RollbackResult {
	if r == nil {
		return nil
	}
	cp := *r
	if r.RestoredState != nil {
		cp.RestoredState = make(map[string]string, len(r.RestoredState))
		for k, v := range r.RestoredState {
			cp.RestoredState[k] = v
		}
	}
	cp.Steps = append([]RollbackStepResult(nil), r.Steps...)
	cp.Issues = append([]Issue(nil), r.Issues...)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}
