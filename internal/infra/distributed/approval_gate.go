package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// ApprovalGate implements interfaces.ApprovalSource and interfaces.ApprovalSink
// over Redis. Decisions are written to a key before being published so a
// waiter that subscribes late still finds them.
type ApprovalGate struct {
	redis  redis.UniversalClient
	ttl    time.Duration
	logger *logging.Logger
}

// NewApprovalGate creates a Redis approval gate. Undelivered decisions expire
// after ttl.
func NewApprovalGate(client redis.UniversalClient, ttl time.Duration) *ApprovalGate {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ApprovalGate{
		redis:  client,
		ttl:    ttl,
		logger: logging.NewLogger("approval-gate"),
	}
}

// Await blocks until a decision is published for req.ExecutionID or ctx ends
func (g *ApprovalGate) Await(ctx context.Context, req interfaces.ApprovalRequest) (interfaces.ApprovalDecision, error) {
	if req.ExecutionID == "" {
		return "", fmt.Errorf("execution ID is empty")
	}

	sub := g.redis.Subscribe(ctx, approvalChannel(req.ExecutionID))
	defer func() {
		if err := sub.Close(); err != nil {
			g.logger.Warn("Failed to close approval subscription: %v", err)
		}
	}()

	// Wait for the subscription to be live before looking at the key.
	if _, err := sub.Receive(ctx); err != nil {
		return "", fmt.Errorf("approval of execution %s: %w", req.ExecutionID, err)
	}

	if d, ok, err := g.take(ctx, req.ExecutionID); err != nil {
		return "", err
	} else if ok {
		return d, nil
	}

	g.logger.Debug("execution=%s phase=%s waiting for decision", req.ExecutionID, req.Phase)

	ch := sub.Channel()
	for {
		select {
		case msg, open := <-ch:
			if !open {
				return "", fmt.Errorf("approval subscription for execution %s closed", req.ExecutionID)
			}
			d := interfaces.ApprovalDecision(msg.Payload)
			if !validDecision(d) {
				g.logger.Warn("execution=%s ignoring unknown decision %q", req.ExecutionID, msg.Payload)
				continue
			}
			if err := g.redis.Del(context.WithoutCancel(ctx), pendingKey(req.ExecutionID)).Err(); err != nil {
				g.logger.Warn("execution=%s failed to clear delivered decision: %v", req.ExecutionID, err)
			}
			return d, nil
		case <-ctx.Done():
			// A decision may have raced the deadline.
			if d, ok, err := g.take(context.WithoutCancel(ctx), req.ExecutionID); err == nil && ok {
				return d, nil
			}
			return "", fmt.Errorf("approval of execution %s: %w", req.ExecutionID, ctx.Err())
		}
	}
}

// Decide records an operator decision for an execution
func (g *ApprovalGate) Decide(ctx context.Context, executionID string, decision interfaces.ApprovalDecision) error {
	if executionID == "" {
		return fmt.Errorf("execution ID is empty")
	}
	if !validDecision(decision) {
		return interfaces.NewError(interfaces.KindValidation, "unknown approval decision %q", decision)
	}

	if err := g.redis.Set(ctx, pendingKey(executionID), string(decision), g.ttl).Err(); err != nil {
		return fmt.Errorf("failed to record decision for execution %s: %w", executionID, err)
	}
	receivers, err := g.redis.Publish(ctx, approvalChannel(executionID), string(decision)).Result()
	if err != nil {
		return fmt.Errorf("failed to publish decision for execution %s: %w", executionID, err)
	}
	g.logger.Info("execution=%s approval %s (%d receivers)", executionID, decision, receivers)
	return nil
}

// Forget drops any undelivered decision for an execution
func (g *ApprovalGate) Forget(executionID string) {
	if err := g.redis.Del(context.Background(), pendingKey(executionID)).Err(); err != nil {
		g.logger.Warn("execution=%s failed to drop pending decision: %v", executionID, err)
	}
}

func (g *ApprovalGate) take(ctx context.Context, executionID string) (interfaces.ApprovalDecision, bool, error) {
	v, err := g.redis.GetDel(ctx, pendingKey(executionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read decision for execution %s: %w", executionID, err)
	}
	d := interfaces.ApprovalDecision(v)
	if !validDecision(d) {
		return "", false, nil
	}
	return d, true, nil
}

func validDecision(d interfaces.ApprovalDecision) bool {
	switch d {
	case interfaces.ApprovalGranted, interfaces.ApprovalDenied:
		return true
	default:
		return false
	}
}

func approvalChannel(executionID string) string {
	return fmt.Sprintf("%s:approval:%s", keyPrefix, executionID)
}

func pendingKey(executionID string) string {
	return fmt.Sprintf("%s:approval:%s:pending", keyPrefix, executionID)
}
