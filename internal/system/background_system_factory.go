package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/deployment"
	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/infra/distributed"
	"github.com/lattiam/rollout/internal/infra/embedded"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/metrics"
	"github.com/lattiam/rollout/internal/state"
)

// Role selects which parts of the background system a process runs
type Role string

// Process roles. The embedded queue always runs API and workers together.
const (
	RoleStandalone Role = "standalone"
	RoleServer     Role = "server"
	RoleWorker     Role = "worker"
)

func (r Role) runsWorkers() bool {
	return r == RoleStandalone || r == RoleWorker
}

// workerPool is the part of the embedded and distributed pools the system drives
type workerPool interface {
	Stop(ctx context.Context) error
}

// BackgroundSystem holds all the components of the background system
type BackgroundSystem struct {
	Engine    *Engine
	Service   *deployment.Service
	Registry  interfaces.ExecutionRegistry
	Approvals ApprovalGate
	Collector *metrics.Collector
	History   *state.History
	Archive   *state.S3Archive // nil unless archiving to S3

	role       Role
	queueType  string
	pool       workerPool
	startPool  func() error
	workers    func() int
	controlBus *distributed.ControlBus
	redis      redis.UniversalClient
	closeQueue func() error

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewBackgroundSystem creates the background system for cfg.Queue.Type.
// Nothing runs until Start.
func NewBackgroundSystem(ctx context.Context, cfg *config.ServerConfig, role Role, opts ...Option) (*BackgroundSystem, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	switch role {
	case RoleStandalone, RoleServer, RoleWorker:
	default:
		return nil, fmt.Errorf("unknown role: %s", role)
	}

	history, err := state.OpenHistory(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	s := &BackgroundSystem{
		History:   history,
		Collector: metrics.NewCollector(),
		role:      role,
		queueType: cfg.Queue.Type,
	}

	if cfg.Archive.Type == config.ArchiveTypeS3 {
		initCtx, cancel := context.WithTimeout(ctx, DefaultSystemConfig.ArchiveInitTimeout)
		s.Archive, err = state.NewS3Archive(initCtx, state.S3ArchiveConfig{
			Bucket:          cfg.Archive.S3.Bucket,
			Region:          cfg.Archive.S3.Region,
			Prefix:          cfg.Archive.S3.Prefix,
			Endpoint:        cfg.Archive.S3.Endpoint,
			AccessKeyID:     cfg.Archive.S3.AccessKeyID,
			SecretAccessKey: cfg.Archive.S3.SecretAccessKey,
		})
		cancel()
		if err != nil {
			_ = history.Close()
			return nil, fmt.Errorf("failed to create S3 archive: %w", err)
		}
	}

	switch cfg.Queue.Type {
	case config.QueueTypeEmbedded:
		if role == RoleWorker {
			err = fmt.Errorf("worker processes require the %s queue", config.QueueTypeDistributed)
		} else {
			s.role = RoleStandalone
			err = s.buildEmbedded(cfg, opts)
		}
	case config.QueueTypeDistributed:
		err = s.buildDistributed(cfg, opts)
	default:
		err = fmt.Errorf("unsupported queue type: %s", cfg.Queue.Type)
	}
	if err != nil {
		_ = s.close()
		return nil, err
	}

	if s.Archive != nil && s.role.runsWorkers() {
		events.ConnectFinalSinkToEventBus(s.Engine.Events, s.Archive)
	}
	s.Collector.Attach(s.Engine.Events)

	logger.Info("Background system ready: queue=%s role=%s workers=%d archive=%t",
		cfg.Queue.Type, s.role, cfg.Queue.Workers, s.Archive != nil)
	return s, nil
}

// buildEmbedded creates an embedded (in-process) background system. Every
// snapshot is mirrored into the history database so it survives restarts.
func (s *BackgroundSystem) buildEmbedded(cfg *config.ServerConfig, opts []Option) error {
	gate := embedded.NewApprovalGate()
	engine, err := NewEngine(cfg, s.History, gate, opts...)
	if err != nil {
		return err
	}
	tracker := embedded.NewTracker(embedded.WithBackingSink(s.History))
	events.ConnectSinkToEventBus(engine.Events, tracker)

	capacity := cfg.Queue.Capacity
	if capacity <= 0 {
		capacity = DefaultWorkerPoolConfig.QueueCapacity
	}
	queue := embedded.NewQueue(capacity)

	pool, err := embedded.NewWorkerPool(embedded.WorkerPoolConfig{
		MaxWorkers: workerCount(cfg),
		Queue:      queue,
		Tracker:    tracker,
		Runner:     engine.Run,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedded worker pool: %w", err)
	}

	service, err := deployment.NewService(deployment.ServiceConfig{
		Queue:      queue,
		Registry:   tracker,
		Controller: deployment.LocalController{Orchestrator: engine.Orchestrator},
		Approvals:  gate,
		Assessor:   engine.Assessor,
		Selector:   engine.Selector,
		Resolver:   engine.Resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution service: %w", err)
	}

	s.Engine = engine
	s.Service = service
	s.Registry = tracker
	s.Approvals = gate
	s.pool = pool
	s.startPool = func() error {
		pool.Start()
		return nil
	}
	s.workers = pool.GetWorkerCount
	s.closeQueue = func() error {
		queue.Close()
		return nil
	}
	return nil
}

// buildDistributed creates a distributed (Redis-backed) background system.
// Servers and workers share the tracker, queue and approval keys; commands for
// running executions reach their worker over the control bus.
func (s *BackgroundSystem) buildDistributed(cfg *config.ServerConfig, opts []Option) error {
	redisOpt, err := distributed.ParseRedisURL(cfg.Queue.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid redis URL: %w", err)
	}
	client, err := distributed.NewRedisClient(redisOpt)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	s.redis = client

	tracker, err := distributed.NewTracker(client, DefaultSystemConfig.TrackerRetention)
	if err != nil {
		return fmt.Errorf("failed to create distributed tracker: %w", err)
	}
	gate := distributed.NewApprovalGate(client, DefaultSystemConfig.ApprovalTTL)
	bus, err := distributed.NewControlBus(client)
	if err != nil {
		return fmt.Errorf("failed to create control bus: %w", err)
	}

	// The shared tracker is the history every worker sees
	engine, err := NewEngine(cfg, tracker, gate, opts...)
	if err != nil {
		return err
	}

	queue, err := distributed.NewQueue(redisOpt)
	if err != nil {
		return fmt.Errorf("failed to create distributed queue: %w", err)
	}
	s.closeQueue = queue.Close

	service, err := deployment.NewService(deployment.ServiceConfig{
		Queue:      queue,
		Registry:   tracker,
		Controller: bus,
		Approvals:  gate,
		Assessor:   engine.Assessor,
		Selector:   engine.Selector,
		Resolver:   engine.Resolver,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution service: %w", err)
	}

	s.Engine = engine
	s.Service = service
	s.Registry = tracker
	s.Approvals = gate
	s.controlBus = bus

	if !s.role.runsWorkers() {
		return nil
	}

	events.ConnectSinkToEventBus(engine.Events, tracker)
	events.ConnectFinalSinkToEventBus(engine.Events, s.History)

	pool, err := distributed.NewWorkerPool(distributed.WorkerPoolConfig{
		RedisOpt:    redisOpt,
		Tracker:     tracker,
		Runner:      engine.Run,
		Concurrency: workerCount(cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to create distributed worker pool: %w", err)
	}
	s.pool = pool
	s.startPool = pool.Start
	s.workers = pool.ActiveWorkers
	return nil
}

func workerCount(cfg *config.ServerConfig) int {
	if cfg.Queue.Workers > 0 {
		return cfg.Queue.Workers
	}
	return DefaultWorkerPoolConfig.Workers
}

// Start launches the worker pool, the control listener of distributed
// workers and the queue metrics exporter
func (s *BackgroundSystem) Start(ctx context.Context) error {
	if s.started {
		return fmt.Errorf("background system already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if s.startPool != nil {
		if err := s.startPool(); err != nil {
			cancel()
			return err
		}
	}
	if s.controlBus != nil && s.role.runsWorkers() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.controlBus.Listen(runCtx, s.handleCommand); err != nil {
				logger.Error("Control listener stopped: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exportQueueMetrics(runCtx)
	}()

	s.started = true
	return nil
}

// handleCommand applies a control bus command to an execution this worker
// runs. Unknown executions report not_found and belong to another worker.
func (s *BackgroundSystem) handleCommand(ctx context.Context, cmd distributed.Command) error {
	switch cmd.Kind {
	case distributed.CommandCancel:
		return s.Engine.Orchestrator.Cancel(cmd.ExecutionID)
	case distributed.CommandRollback:
		_, err := s.Engine.Orchestrator.ForceRollback(ctx, cmd.ExecutionID, cmd.Reason)
		return err
	default:
		return fmt.Errorf("unknown command kind %q", cmd.Kind)
	}
}

func (s *BackgroundSystem) exportQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(DefaultSystemConfig.QueueMetricsInterval)
	defer ticker.Stop()
	for {
		s.Collector.UpdateQueueDepth(s.Service.QueueMetrics().CurrentDepth)
		if s.workers != nil {
			s.Collector.UpdateActiveWorkers(s.workers())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// HealthChecks returns the dependency checks served on the health endpoint
func (s *BackgroundSystem) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"history": s.History.Ping,
	}
	if s.Archive != nil {
		checks["archive"] = s.Archive.Ping
	}
	if s.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Role returns the role the system runs in
func (s *BackgroundSystem) Role() Role {
	return s.role
}

// Shutdown stops accepting work, lets running executions settle and closes
// every connection
func (s *BackgroundSystem) Shutdown(ctx context.Context) error {
	var errs []error
	if s.pool != nil && s.started {
		if err := s.pool.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop worker pool: %w", err))
		}
	}
	if err := s.Engine.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if err := s.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *BackgroundSystem) close() error {
	var errs []error
	if s.closeQueue != nil {
		if err := s.closeQueue(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if s.History != nil {
		if err := s.History.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close history: %w", err))
		}
	}
	return errors.Join(errs...)
}
