package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hibiken/asynq"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// SubmissionRunner starts a submission and blocks until its execution
// reaches a terminal status
type SubmissionRunner func(ctx context.Context, s *interfaces.Submission) error

// WorkerPool consumes submissions using an Asynq server
type WorkerPool struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	inspector *asynq.Inspector
	tracker   interfaces.ExecutionRegistry
	runner    SubmissionRunner
	logger    *logging.Logger
}

// WorkerPoolConfig configures the distributed worker pool
type WorkerPoolConfig struct {
	RedisOpt    asynq.RedisConnOpt
	Tracker     interfaces.ExecutionRegistry
	Runner      SubmissionRunner
	Concurrency int
}

// NewWorkerPool creates a new distributed worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.RedisOpt == nil {
		return nil, fmt.Errorf("redis connection options are required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 10
	}

	logger := logging.NewLogger("distributed-worker")
	server := asynq.NewServer(
		config.RedisOpt,
		asynq.Config{
			Concurrency: config.Concurrency,
			Queues:      map[string]int{QueueName: 1},
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Error("Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	pool := &WorkerPool{
		server:    server,
		mux:       asynq.NewServeMux(),
		inspector: asynq.NewInspector(config.RedisOpt),
		tracker:   config.Tracker,
		runner:    config.Runner,
		logger:    logger,
	}
	pool.mux.HandleFunc(TaskTypeExecution, pool.handleExecutionTask)

	return pool, nil
}

// Start begins processing submissions from the queue
func (p *WorkerPool) Start() error {
	if err := p.server.Start(p.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	return nil
}

// Stop gracefully stops the worker pool
func (p *WorkerPool) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.server.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		if err := p.inspector.Close(); err != nil {
			p.logger.Warn("Failed to close queue inspector: %v", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

func (p *WorkerPool) handleExecutionTask(ctx context.Context, task *asynq.Task) error {
	var s interfaces.Submission
	if err := json.Unmarshal(task.Payload(), &s); err != nil {
		return fmt.Errorf("failed to unmarshal submission: %w: %w", err, asynq.SkipRetry)
	}

	err := p.runner(ctx, &s)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		p.logger.Info("execution=%s released by worker shutdown", s.ID)
		return nil
	default:
		if mErr := p.tracker.MarkFailed(context.WithoutCancel(ctx), s.ID, err); mErr != nil {
			p.logger.Error("Failed to mark execution %s failed: %v", s.ID, mErr)
		}
		return fmt.Errorf("execution %s: %w: %w", s.ID, err, asynq.SkipRetry)
	}
}

// ActiveWorkers returns how many submissions this process is running, as
// asynq reports it. It is 0 until the server's first heartbeat.
func (p *WorkerPool) ActiveWorkers() int {
	servers, err := p.inspector.Servers()
	if err != nil {
		p.logger.Debug("Failed to list queue servers: %v", err)
		return 0
	}
	host, _ := os.Hostname()
	pid := os.Getpid()
	for _, server := range servers {
		if server.Host == host && server.PID == pid {
			return len(server.ActiveWorkers)
		}
	}
	return 0
}
