package embedded

import (
	"context"
	"fmt"
	"sync"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// ApprovalGate implements interfaces.ApprovalSource and interfaces.ApprovalSink
// in memory. A decision recorded before anyone waits is kept for the next Await
// of that execution.
type ApprovalGate struct {
	mu      sync.Mutex
	waiters map[string]chan interfaces.ApprovalDecision
	pending map[string]interfaces.ApprovalDecision
	logger  *logging.Logger
}

// NewApprovalGate creates an empty approval gate
func NewApprovalGate() *ApprovalGate {
	return &ApprovalGate{
		waiters: make(map[string]chan interfaces.ApprovalDecision),
		pending: make(map[string]interfaces.ApprovalDecision),
		logger:  logging.NewLogger("approval-gate"),
	}
}

// Await blocks until a decision is recorded for req.ExecutionID or ctx ends
func (g *ApprovalGate) Await(ctx context.Context, req interfaces.ApprovalRequest) (interfaces.ApprovalDecision, error) {
	if req.ExecutionID == "" {
		return "", fmt.Errorf("execution ID is empty")
	}

	g.mu.Lock()
	if d, ok := g.pending[req.ExecutionID]; ok {
		delete(g.pending, req.ExecutionID)
		g.mu.Unlock()
		return d, nil
	}
	if _, busy := g.waiters[req.ExecutionID]; busy {
		g.mu.Unlock()
		return "", fmt.Errorf("execution %s is already waiting for approval", req.ExecutionID)
	}
	ch := make(chan interfaces.ApprovalDecision, 1)
	g.waiters[req.ExecutionID] = ch
	g.mu.Unlock()

	g.logger.Debug("execution=%s phase=%s waiting for decision", req.ExecutionID, req.Phase)

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.waiters[req.ExecutionID] == ch {
			delete(g.waiters, req.ExecutionID)
		}
		g.mu.Unlock()
		// A decision may have raced the deadline.
		select {
		case d := <-ch:
			return d, nil
		default:
		}
		return "", fmt.Errorf("approval of execution %s: %w", req.ExecutionID, ctx.Err())
	}
}

// Decide records an operator decision for an execution
func (g *ApprovalGate) Decide(_ context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	if executionID == "" {
		return fmt.Errorf("execution ID is empty")
	}
	switch decision {
	case interfaces.ApprovalGranted, interfaces.ApprovalDenied:
	default:
		return interfaces.NewError(interfaces.KindValidation, "unknown approval decision %q", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.waiters[executionID]; ok {
		delete(g.waiters, executionID)
		ch <- decision
		g.logger.Info("execution=%s approval %s", executionID, decision)
		return nil
	}
	g.pending[executionID] = decision
	g.logger.Info("execution=%s approval %s recorded before the gate opened", executionID, decision)
	return nil
}

// Waiting reports whether an execution is currently blocked on the gate
func (g *ApprovalGate) Waiting(executionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiters[executionID]
	return ok
}

// Forget drops any undelivered decision for an execution
func (g *ApprovalGate) Forget(executionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, executionID)
}
