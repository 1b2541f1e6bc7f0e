package embedded

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// SubmissionRunner starts a submission and blocks until its execution
// reaches a terminal status
type SubmissionRunner func(ctx context.Context, s *interfaces.Submission) error

// WorkerPool drains a Queue using gammazero/workerpool
type WorkerPool struct {
	pool    *workerpool.WorkerPool
	queue   *Queue
	tracker interfaces.ExecutionRegistry
	runner  SubmissionRunner
	logger  *logging.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// WorkerPoolConfig configures the worker pool
type WorkerPoolConfig struct {
	MaxWorkers int
	Queue      *Queue
	Tracker    interfaces.ExecutionRegistry
	Runner     SubmissionRunner
}

// NewWorkerPool creates a new embedded worker pool
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if config.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		pool:    workerpool.New(config.MaxWorkers),
		queue:   config.Queue,
		tracker: config.Tracker,
		runner:  config.Runner,
		logger:  logging.NewLogger("embedded-worker"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins processing submissions from the queue
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.processLoop()
}

// Stop stops dequeuing and waits for running submissions to return. The
// runner context is canceled, so runners are expected to wind down promptly.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.pool.StopWait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop timeout: %w", ctx.Err())
	}
}

func (p *WorkerPool) processLoop() {
	defer p.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker pool process loop panicked: %v", r)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
			s, err := p.queue.Dequeue(p.ctx)
			if err != nil {
				// Context canceled or queue closed
				if p.ctx.Err() != nil {
					return
				}
				p.logger.Debug("dequeue stopped: %v", err)
				return
			}

			p.pool.Submit(func() {
				p.process(s)
			})
		}
	}
}

func (p *WorkerPool) process(s *interfaces.Submission) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker pool panic while processing execution %s: %v", s.ID, r)
			if err := p.tracker.MarkFailed(context.WithoutCancel(p.ctx), s.ID, fmt.Errorf("panic during execution: %v", r)); err != nil {
				p.logger.Error("Failed to mark execution %s failed after panic: %v", s.ID, err)
			}
		}
	}()

	err := p.runner(p.ctx, s)
	switch {
	case err == nil:
		p.logger.Debug("execution=%s finished", s.ID)
	case errors.Is(err, context.Canceled):
		p.logger.Info("execution=%s released by worker shutdown", s.ID)
	default:
		p.logger.Error("Execution %s failed to run: %v", s.ID, err)
		if mErr := p.tracker.MarkFailed(context.WithoutCancel(p.ctx), s.ID, err); mErr != nil {
			p.logger.Error("Failed to mark execution %s failed: %v", s.ID, mErr)
		}
	}
}

// GetWorkerCount returns the current number of active workers
func (p *WorkerPool) GetWorkerCount() int {
	return p.pool.Size()
}
