// Package types provides API request/response types and conversion utilities
package types

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// MaxListLimit caps the number of executions returned by one list call
const MaxListLimit = 500

// MaxExecutionIDLength bounds execution IDs accepted in URL paths
const MaxExecutionIDLength = 100

// ErrorResponse is the body of every error answer. Field names the offending
// request field for validation errors.
type ErrorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Field       string `json:"field,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
}

// ValidExecutionID reports whether id may appear in an execution path.
// Generated IDs are UUIDs; queue workers may also pick short IDs.
func ValidExecutionID(id string) bool {
	if id == "" || len(id) > MaxExecutionIDLength {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}

// ExecutionRequest submits a plan for execution or assessment
type ExecutionRequest struct {
	Plan        *interfaces.DeploymentPlan `json:"plan"`
	Environment *interfaces.Environment    `json:"environment"`
}

// Validate checks that both halves of the request are present
func (r *ExecutionRequest) Validate() error {
	if r.Plan == nil {
		return interfaces.NewError(interfaces.KindValidation, "plan is required")
	}
	if r.Environment == nil {
		return interfaces.NewError(interfaces.KindValidation, "environment is required")
	}
	return nil
}

// RollbackRequest forces a rollback of a running execution
type RollbackRequest struct {
	Reason string `json:"reason"`
}

// ApprovalRequest resolves a manual approval gate
type ApprovalRequest struct {
	Decision interfaces.ApprovalDecision `json:"decision"`
}

// ExecutionSummary is the list view of an execution
type ExecutionSummary struct {
	ID          string                     `json:"id"`
	PlanID      string                     `json:"plan_id,omitempty"`
	PlanName    string                     `json:"plan_name"`
	Environment string                     `json:"environment"`
	Status      interfaces.ExecutionStatus `json:"status"`
	RiskLevel   interfaces.RiskLevel       `json:"risk_level,omitempty"`
	Strategy    interfaces.StrategyType    `json:"strategy,omitempty"`
	Phase       string                     `json:"phase,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
}

// NewExecutionSummary condenses an execution for list responses
func NewExecutionSummary(e *interfaces.DeploymentExecution) ExecutionSummary {
	s := ExecutionSummary{
		ID:          e.ID,
		PlanID:      e.PlanID,
		PlanName:    e.PlanName,
		Environment: e.Environment,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		CompletedAt: e.CompletedAt,
	}
	if e.Risk != nil {
		s.RiskLevel = e.Risk.Level
	}
	if e.Strategy != nil {
		s.Strategy = e.Strategy.Type
	}
	if e.CurrentPhase >= 0 && e.CurrentPhase < len(e.Phases) {
		s.Phase = e.Phases[e.CurrentPhase].Name
	}
	return s
}

// ExecutionListResponse is the body of GET /executions
type ExecutionListResponse struct {
	Executions []ExecutionSummary `json:"executions"`
	Count      int                `json:"count"`
}

// SubmitResponse acknowledges a queued execution
type SubmitResponse struct {
	ID         string                     `json:"id"`
	Status     interfaces.ExecutionStatus `json:"status"`
	QueueDepth int                        `json:"queue_depth"`
	Location   string                     `json:"location"`
}

// RollbackResponse reports a forced rollback. Result is nil when the rollback
// runs on a remote worker; Accepted is then true.
type RollbackResponse struct {
	ExecutionID string                     `json:"execution_id"`
	Accepted    bool                       `json:"accepted"`
	Result      *interfaces.RollbackResult `json:"result,omitempty"`
}

// ParseFilter reads an execution filter from query parameters:
// status (comma separated), environment, plan, since (RFC 3339) and limit.
func ParseFilter(q url.Values) (interfaces.ExecutionFilter, error) {
	var f interfaces.ExecutionFilter

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s, err := interfaces.ParseExecutionStatus(strings.TrimSpace(part))
			if err != nil {
				return f, err
			}
			f.Status = append(f.Status, s)
		}
	}
	f.Environment = q.Get("environment")
	f.PlanID = q.Get("plan")

	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, interfaces.NewError(interfaces.KindValidation, "since must be an RFC 3339 timestamp")
		}
		f.CreatedAfter = t
	}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, interfaces.NewError(interfaces.KindValidation, "limit must be a non-negative integer")
		}
		if n > MaxListLimit {
			return f, interfaces.NewError(interfaces.KindValidation, "limit must not exceed %d", MaxListLimit)
		}
		f.Limit = n
	}
	return f, nil
}

// ExecutionPath returns the API path of an execution
func ExecutionPath(prefix, id string) string {
	return fmt.Sprintf("%s/executions/%s", prefix, id)
}
