package embedded

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/interfaces"
)

func newSubmission(id string) *interfaces.Submission {
	return &interfaces.Submission{
		ID:          id,
		Plan:        &interfaces.DeploymentPlan{ID: "checkout", Name: "Checkout"},
		Environment: &interfaces.Environment{Name: "staging"},
	}
}

func TestQueue_Enqueue(t *testing.T) {
	t.Parallel()

	t.Run("SuccessfulEnqueue", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		s := newSubmission("exec-1")
		require.NoError(t, queue.Enqueue(context.Background(), s))
		assert.Equal(t, 1, queue.Size())
		assert.False(t, s.EnqueuedAt.IsZero(), "enqueue time is stamped")
	})

	t.Run("NilSubmission", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		err := queue.Enqueue(context.Background(), nil)
		require.Error(t, err)
		assert.True(t, interfaces.IsKind(err, interfaces.KindValidation))
	})

	t.Run("MissingPlan", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		err := queue.Enqueue(context.Background(), &interfaces.Submission{ID: "exec-1"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires a plan")
	})

	t.Run("QueueFull", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(1)

		require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-1")))
		err := queue.Enqueue(context.Background(), newSubmission("exec-2"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is full")
	})

	t.Run("Duplicate", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-1")))
		err := queue.Enqueue(context.Background(), newSubmission("exec-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already queued")
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := queue.Enqueue(ctx, newSubmission("exec-1"))
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, queue.Size())
	})

	t.Run("Closed", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		queue.Close()

		err := queue.Enqueue(context.Background(), newSubmission("exec-1"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "queue is closed")
	})
}

func TestQueue_DequeueOrder(t *testing.T) {
	t.Parallel()

	queue := NewQueue(10)
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(context.Background(), newSubmission(fmt.Sprintf("exec-%d", i))))
	}

	for i := 0; i < 3; i++ {
		s, err := queue.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("exec-%d", i), s.ID)
	}
	assert.Equal(t, 0, queue.Size())
}

func TestQueue_DequeueWaitsForContext(t *testing.T) {
	t.Parallel()

	queue := NewQueue(10)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := queue.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Cancel(t *testing.T) {
	t.Parallel()

	t.Run("SkipsCancelledSubmission", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-1")))
		require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-2")))

		require.NoError(t, queue.Cancel(context.Background(), "exec-1"))

		s, err := queue.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "exec-2", s.ID)
		assert.Equal(t, int64(1), queue.GetMetrics().TotalDequeued)
	})

	t.Run("UnknownSubmission", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)

		err := queue.Cancel(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))
	})

	t.Run("AlreadyDequeued", func(t *testing.T) {
		t.Parallel()
		queue := NewQueue(10)
		require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-1")))
		_, err := queue.Dequeue(context.Background())
		require.NoError(t, err)

		err = queue.Cancel(context.Background(), "exec-1")
		assert.True(t, interfaces.IsKind(err, interfaces.KindNotFound))
	})
}

func TestQueue_CloseDrainsRemaining(t *testing.T) {
	t.Parallel()

	queue := NewQueue(10)
	require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-1")))
	queue.Close()
	queue.Close()

	s, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exec-1", s.ID)

	_, err = queue.Dequeue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue is closed")
}

func TestQueue_Metrics(t *testing.T) {
	t.Parallel()

	queue := NewQueue(10)
	assert.Equal(t, 10, queue.Capacity())

	first := newSubmission("exec-1")
	first.EnqueuedAt = time.Now().Add(-time.Second)
	require.NoError(t, queue.Enqueue(context.Background(), first))
	require.NoError(t, queue.Enqueue(context.Background(), newSubmission("exec-2")))

	metrics := queue.GetMetrics()
	assert.Equal(t, int64(2), metrics.TotalEnqueued)
	assert.Equal(t, 2, metrics.CurrentDepth)
	assert.Equal(t, first.EnqueuedAt, metrics.OldestSubmission)

	_, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	metrics = queue.GetMetrics()
	assert.Equal(t, int64(1), metrics.TotalDequeued)
	assert.GreaterOrEqual(t, metrics.AverageWaitTime, time.Second)
}
