package embedded

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func approvalRequest(id string) interfaces.ApprovalRequest {
	return interfaces.ApprovalRequest{ExecutionID: id, Phase: "deployment"}
}

func TestApprovalGate_DecisionReleasesWaiter(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()
	result := make(chan interfaces.ApprovalDecision, 1)
	go func() {
		d, err := gate.Await(context.Background(), approvalRequest("exec-1"))
		if err == nil {
			result <- d
		}
		close(result)
	}()

	require.Eventually(t, func() bool { return gate.Waiting("exec-1") }, time.Second, time.Millisecond)
	require.NoError(t, gate.Decide(context.Background(), "exec-1", interfaces.ApprovalDenied))

	assert.Equal(t, interfaces.ApprovalDenied, <-result)
	assert.False(t, gate.Waiting("exec-1"))
}

func TestApprovalGate_DecisionBeforeAwait(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()
	require.NoError(t, gate.Decide(context.Background(), "exec-1", interfaces.ApprovalGranted))

	d, err := gate.Await(context.Background(), approvalRequest("exec-1"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.ApprovalGranted, d)
}

func TestApprovalGate_Forget(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()
	require.NoError(t, gate.Decide(context.Background(), "exec-1", interfaces.ApprovalGranted))
	gate.Forget("exec-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := gate.Await(ctx, approvalRequest("exec-1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApprovalGate_Timeout(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := gate.Await(ctx, approvalRequest("exec-1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, gate.Waiting("exec-1"))
}

func TestApprovalGate_SecondWaiterRejected(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = gate.Await(ctx, approvalRequest("exec-1")) }()
	require.Eventually(t, func() bool { return gate.Waiting("exec-1") }, time.Second, time.Millisecond)

	_, err := gate.Await(context.Background(), approvalRequest("exec-1"))
	require.ErrorContains(t, err, "already waiting")
}

func TestApprovalGate_InvalidInput(t *testing.T) {
	t.Parallel()

	gate := NewApprovalGate()

	err := gate.Decide(context.Background(), "exec-1", interfaces.ApprovalDecision("maybe"))
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))

	require.Error(t, gate.Decide(context.Background(), "", interfaces.ApprovalGranted))

	_, err = gate.Await(context.Background(), interfaces.ApprovalRequest{})
	require.ErrorContains(t, err, "execution ID is empty")
}
