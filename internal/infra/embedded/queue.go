// Package embedded provides in-memory infrastructure for running the rollout
// engine in a single process: a submission queue, a worker pool, an execution
// tracker and an approval gate.
package embedded

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// Queue implements interfaces.SubmissionQueue using a Go channel
type Queue struct {
	mu          sync.RWMutex
	submissions chan *interfaces.Submission
	queued      map[string]bool
	cancelled   map[string]bool
	closed      bool
	closeOnce   sync.Once

	// Metrics
	totalEnqueued  int64
	totalDequeued  int64
	oldestEnqueued time.Time
	totalWaitTime  time.Duration
}

// NewQueue creates a new embedded submission queue
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100 // Default capacity
	}

	return &Queue{
		submissions: make(chan *interfaces.Submission, capacity),
		queued:      make(map[string]bool),
		cancelled:   make(map[string]bool),
	}
}

// Enqueue adds a submission to the queue without blocking
func (q *Queue) Enqueue(ctx context.Context, s *interfaces.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if q.queued[s.ID] {
		return fmt.Errorf("submission %s is already queued", s.ID)
	}
	if s.EnqueuedAt.IsZero() {
		s.EnqueuedAt = time.Now()
	}

	select {
	case q.submissions <- s:
		q.queued[s.ID] = true
		q.totalEnqueued++
		if q.oldestEnqueued.IsZero() || len(q.submissions) == 1 {
			q.oldestEnqueued = s.EnqueuedAt
		}
		return nil
	default:
		return fmt.Errorf("queue is full")
	}
}

// Cancel drops a submission that no worker has picked up yet
func (q *Queue) Cancel(_ context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission ID is empty")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.queued[submissionID] {
		return interfaces.NewError(interfaces.KindNotFound, "submission %s not found in queue", submissionID)
	}
	delete(q.queued, submissionID)
	q.cancelled[submissionID] = true
	return nil
}

// Dequeue retrieves the next submission, skipping cancelled ones. It is used
// by the worker pool.
func (q *Queue) Dequeue(ctx context.Context) (*interfaces.Submission, error) {
	for {
		select {
		case s, ok := <-q.submissions:
			if !ok {
				return nil, fmt.Errorf("queue is closed")
			}

			q.mu.Lock()
			if q.cancelled[s.ID] {
				delete(q.cancelled, s.ID)
				q.mu.Unlock()
				continue
			}
			delete(q.queued, s.ID)
			q.totalDequeued++
			if !s.EnqueuedAt.IsZero() {
				q.totalWaitTime += time.Since(s.EnqueuedAt)
			}
			if len(q.submissions) == 0 {
				q.oldestEnqueued = time.Time{}
			}
			q.mu.Unlock()

			return s, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("context canceled: %w", ctx.Err())
		}
	}
}

// Close closes the queue. Queued submissions are still delivered.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		defer q.mu.Unlock()

		q.closed = true
		close(q.submissions)
	})
}

// Size returns the current number of submissions in the queue
func (q *Queue) Size() int {
	return len(q.submissions)
}

// Capacity returns the queue capacity
func (q *Queue) Capacity() int {
	return cap(q.submissions)
}

// GetMetrics returns queue metrics
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	q.mu.RLock()
	defer q.mu.RUnlock()

	metrics := interfaces.QueueMetrics{
		TotalEnqueued:    q.totalEnqueued,
		TotalDequeued:    q.totalDequeued,
		CurrentDepth:     len(q.submissions),
		OldestSubmission: q.oldestEnqueued,
	}

	if q.totalDequeued > 0 {
		metrics.AverageWaitTime = q.totalWaitTime / time.Duration(q.totalDequeued)
	}

	return metrics
}
