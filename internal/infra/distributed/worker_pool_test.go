package distributed

import (
	"context"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func newHandlerPool(t *testing.T, runner SubmissionRunner) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(WorkerPoolConfig{
		RedisOpt: asynq.RedisClientOpt{Addr: "127.0.0.1:0"},
		Tracker:  &Tracker{},
		Runner:   runner,
	})
	require.NoError(t, err)
	return pool
}

func TestNewWorkerPool_Validation(t *testing.T) {
	t.Parallel()

	runner := func(context.Context, *interfaces.Submission) error { return nil }
	opt := asynq.RedisClientOpt{Addr: "127.0.0.1:0"}

	_, err := NewWorkerPool(WorkerPoolConfig{Tracker: &Tracker{}, Runner: runner})
	require.ErrorContains(t, err, "redis connection options are required")

	_, err = NewWorkerPool(WorkerPoolConfig{RedisOpt: opt, Runner: runner})
	require.ErrorContains(t, err, "tracker is required")

	_, err = NewWorkerPool(WorkerPoolConfig{RedisOpt: opt, Tracker: &Tracker{}})
	require.ErrorContains(t, err, "runner is required")
}

func TestWorkerPool_HandleExecutionTask(t *testing.T) {
	t.Parallel()

	t.Run("MalformedPayloadIsNotRetried", func(t *testing.T) {
		t.Parallel()
		pool := newHandlerPool(t, func(context.Context, *interfaces.Submission) error {
			t.Error("runner must not be called")
			return nil
		})

		err := pool.handleExecutionTask(context.Background(), asynq.NewTask(TaskTypeExecution, []byte("{")))
		require.Error(t, err)
		assert.True(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("RunnerReceivesSubmission", func(t *testing.T) {
		t.Parallel()
		var got *interfaces.Submission
		pool := newHandlerPool(t, func(_ context.Context, s *interfaces.Submission) error {
			got = s
			return nil
		})

		payload := []byte(`{"id":"exec-1","plan":{"id":"checkout"},"environment":{"name":"staging"}}`)
		require.NoError(t, pool.handleExecutionTask(context.Background(), asynq.NewTask(TaskTypeExecution, payload)))
		require.NotNil(t, got)
		assert.Equal(t, "exec-1", got.ID)
		assert.Equal(t, "checkout", got.Plan.ID)
		assert.Equal(t, "staging", got.Environment.Name)
	})

	t.Run("ShutdownIsNotAFailure", func(t *testing.T) {
		t.Parallel()
		pool := newHandlerPool(t, func(context.Context, *interfaces.Submission) error {
			return context.Canceled
		})

		payload := []byte(`{"id":"exec-1","plan":{"id":"checkout"},"environment":{"name":"staging"}}`)
		assert.NoError(t, pool.handleExecutionTask(context.Background(), asynq.NewTask(TaskTypeExecution, payload)))
	})
}

func TestParseRedisURL(t *testing.T) {
	t.Parallel()

	_, err := ParseRedisURL("")
	require.ErrorContains(t, err, "redis URL is required")

	_, err = ParseRedisURL("http://nope")
	require.Error(t, err)

	opt, err := ParseRedisURL("redis://localhost:6379/3")
	require.NoError(t, err)
	client, err := NewRedisClient(opt)
	require.NoError(t, err)
	defer client.Close()
	assert.NotNil(t, client)
}

func TestKeys(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "rollout:execution:exec-1", executionKey("exec-1"))
	assert.Equal(t, "rollout:executions", indexKey())
	assert.Equal(t, "rollout:history:staging:checkout", historyKey("checkout", "staging"))
	assert.Equal(t, "rollout:approval:exec-1", approvalChannel("exec-1"))
	assert.Equal(t, "rollout:approval:exec-1:pending", pendingKey("exec-1"))
	assert.Equal(t, "rollout:control", controlChannel())
}

func TestValidDecision(t *testing.T) {
	t.Parallel()

	assert.True(t, validDecision(interfaces.ApprovalGranted))
	assert.True(t, validDecision(interfaces.ApprovalDenied))
	assert.False(t, validDecision("maybe"))
}

func TestDecodeCommand(t *testing.T) {
	t.Parallel()

	cmd, err := decodeCommand(`{"kind":"rollback","execution_id":"exec-1","reason":"bad canary"}`)
	require.NoError(t, err)
	assert.Equal(t, Command{Kind: CommandRollback, ExecutionID: "exec-1", Reason: "bad canary"}, cmd)

	_, err = decodeCommand(`{"kind":"pause","execution_id":"exec-1"}`)
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))

	_, err = decodeCommand(`{"kind":"cancel"}`)
	assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))

	_, err = decodeCommand("not json")
	require.Error(t, err)
}

func TestNewControlBus_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewControlBus(nil)
	require.ErrorContains(t, err, "redis client is required")
}
