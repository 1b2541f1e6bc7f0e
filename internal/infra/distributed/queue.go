package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

const (
	// TaskTypeExecution is the task type for submitted executions
	TaskTypeExecution = "execution:run"

	// QueueName is the asynq queue submissions are placed on
	QueueName = "rollouts"
)

// Queue implements interfaces.SubmissionQueue using Asynq (Redis-backed)
type Queue struct {
	client   *asynq.Client
	redisOpt asynq.RedisConnOpt
	logger   *logging.Logger
}

// NewQueue creates a new distributed submission queue
func NewQueue(redisOpt asynq.RedisConnOpt) (*Queue, error) {
	if redisOpt == nil {
		return nil, fmt.Errorf("redis connection options are required")
	}
	return &Queue{
		client:   asynq.NewClient(redisOpt),
		redisOpt: redisOpt,
		logger:   logging.NewLogger("distributed-queue"),
	}, nil
}

// Enqueue adds a submission to the distributed queue. Executions are not
// retried by asynq; a failed execution is recorded, not re-run.
func (q *Queue) Enqueue(ctx context.Context, s *interfaces.Submission) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.EnqueuedAt.IsZero() {
		s.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal submission: %w", err)
	}

	task := asynq.NewTask(TaskTypeExecution, payload,
		asynq.TaskID(s.ID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(0),
	)

	info, err := q.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("submission %s is already queued", s.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue submission: %w", err)
	}

	q.logger.Info("Enqueued execution %s, task ID: %s", s.ID, info.ID)
	return nil
}

// Cancel removes a submission no worker has picked up yet
func (q *Queue) Cancel(_ context.Context, submissionID string) error {
	if submissionID == "" {
		return fmt.Errorf("submission ID is empty")
	}

	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Warn("Failed to close inspector during cancel operation: %v", err)
		}
	}()

	err := inspector.DeleteTask(QueueName, submissionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return interfaces.NewError(interfaces.KindNotFound, "submission %s not found in queue", submissionID)
	default:
		// Active tasks cannot be deleted; the execution must be cancelled instead
		return fmt.Errorf("failed to cancel submission %s: %w", submissionID, err)
	}
}

// Close closes the queue client
func (q *Queue) Close() error {
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close asynq client: %w", err)
	}
	return nil
}

// GetMetrics returns queue metrics
func (q *Queue) GetMetrics() interfaces.QueueMetrics {
	inspector := asynq.NewInspector(q.redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			q.logger.Error("Failed to close inspector: %v", err)
		}
	}()

	info, err := inspector.GetQueueInfo(QueueName)
	if err != nil {
		q.logger.Debug("Failed to get queue info: %v", err)
		return interfaces.QueueMetrics{}
	}

	var oldest time.Time
	if info.Pending > 0 {
		tasks, err := inspector.ListPendingTasks(QueueName, asynq.PageSize(1))
		if err == nil && len(tasks) > 0 {
			var s interfaces.Submission
			if json.Unmarshal(tasks[0].Payload, &s) == nil {
				oldest = s.EnqueuedAt
			}
		}
	}

	return interfaces.QueueMetrics{
		TotalEnqueued:    int64(info.Processed + info.Size),
		TotalDequeued:    int64(info.Processed + info.Active),
		CurrentDepth:     info.Pending,
		OldestSubmission: oldest,
		AverageWaitTime:  info.Latency,
	}
}
