package embedded

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Tracker implements interfaces.ExecutionStore and interfaces.HistoryProvider
// using in-memory storage. Snapshots older than the stored revision are ignored
// so out-of-order delivery from the event bus never rolls a record back.
type Tracker struct {
	mu         sync.RWMutex
	executions map[string]*interfaces.DeploymentExecution
	backing    interfaces.SnapshotSink // Optional persistent storage
	logger     *logging.Logger
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithBackingSink forwards every accepted snapshot to a persistent sink
func WithBackingSink(sink interfaces.SnapshotSink) TrackerOption {
	return func(t *Tracker) {
		t.backing = sink
	}
}

// NewTracker creates a new embedded execution tracker
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		executions: make(map[string]*interfaces.DeploymentExecution),
		logger:     logging.NewLogger("embedded-tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register records the pending placeholder of a queued submission
func (t *Tracker) Register(_ context.Context, s *interfaces.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.executions[s.ID]; exists {
		return fmt.Errorf("execution %s already exists", s.ID)
	}
	t.executions[s.ID] = s.Placeholder()
	return nil
}

// SaveExecution stores a snapshot unless a newer revision is already held
func (t *Tracker) SaveExecution(ctx context.Context, execution *interfaces.DeploymentExecution) error {
	if execution == nil {
		return fmt.Errorf("execution is nil")
	}
	if execution.ID == "" {
		return fmt.Errorf("execution ID is empty")
	}

	t.mu.Lock()
	if current, ok := t.executions[execution.ID]; ok && current.Revision >= execution.Revision && current.Revision > 0 {
		t.mu.Unlock()
		t.logger.Debug("execution=%s dropping stale revision %d (have %d)", execution.ID, execution.Revision, current.Revision)
		return nil
	}
	snap := execution.Clone()
	t.executions[execution.ID] = snap
	t.mu.Unlock()

	if t.backing != nil {
		if err := t.backing.SaveExecution(ctx, snap.Clone()); err != nil {
			return fmt.Errorf("failed to persist execution %s: %w", execution.ID, err)
		}
	}
	return nil
}

// GetExecution returns a copy of the stored execution
func (t *Tracker) GetExecution(_ context.Context, executionID string) (*interfaces.DeploymentExecution, error) {
	if executionID == "" {
		return nil, fmt.Errorf("execution ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	execution, exists := t.executions[executionID]
	if !exists {
		return nil, interfaces.NewError(interfaces.KindNotFound, "execution %s not found", executionID).ForExecution(executionID)
	}
	return execution.Clone(), nil
}

// ListExecutions returns executions matching filter, newest first
func (t *Tracker) ListExecutions(_ context.Context, filter interfaces.ExecutionFilter) ([]*interfaces.DeploymentExecution, error) {
	t.mu.RLock()
	out := make([]*interfaces.DeploymentExecution, 0, len(t.executions))
	for _, e := range t.executions {
		if filter.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountExecutions counts finished executions of a plan in an environment
func (t *Tracker) CountExecutions(_ context.Context, planKey, environment string) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, e := range t.executions {
		if e.Status.IsTerminal() && e.PlanKey() == planKey && e.Environment == environment {
			n++
		}
	}
	return n, nil
}

// MarkFailed forces a non-terminal record to failed. Workers use it when an
// execution could not be started or its goroutine panicked.
func (t *Tracker) MarkFailed(_ context.Context, executionID string, cause error) error {
	if executionID == "" {
		return fmt.Errorf("execution ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	execution, exists := t.executions[executionID]
	if !exists {
		return interfaces.NewError(interfaces.KindNotFound, "execution %s not found", executionID)
	}
	if execution.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	kind := interfaces.KindPhaseFailure
	if e, ok := interfaces.AsError(cause); ok {
		kind = e.Kind
	}
	execution.Status = interfaces.StatusFailed
	execution.Revision++
	execution.UpdatedAt = now
	execution.CompletedAt = &now
	execution.Issues = append(execution.Issues, interfaces.Issue{
		Kind:       kind,
		Message:    cause.Error(),
		RecordedAt: now,
	})
	t.logger.Warn("execution=%s marked failed: %v", executionID, cause)
	return nil
}

// Remove drops an execution from the tracker
func (t *Tracker) Remove(_ context.Context, executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.executions[executionID]; !exists {
		return interfaces.NewError(interfaces.KindNotFound, "execution %s not found", executionID)
	}
	delete(t.executions, executionID)
	return nil
}

var _ interfaces.ExecutionRegistry = (*Tracker)(nil)

// Len returns the number of tracked executions
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.executions)
}
