// Package system assembles the rollout engine and the background system that
// feeds it submissions, for both the embedded and the distributed queue.
package system

import (
	"context"
	"fmt"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/config"
	"github.com/lattiam/rollout/internal/dependency"
	"github.com/lattiam/rollout/internal/events"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/internal/monitor"
	"github.com/lattiam/rollout/internal/orchestrator"
	"github.com/lattiam/rollout/internal/phase"
	"github.com/lattiam/rollout/internal/probe"
	"github.com/lattiam/rollout/internal/risk"
	"github.com/lattiam/rollout/internal/rollback"
	"github.com/lattiam/rollout/internal/strategy"
	"github.com/lattiam/rollout/pkg/logging"
)

var logger = logging.NewLogger("system")

// ApprovalGate is both ends of a manual approval gate
type ApprovalGate interface {
	interfaces.ApprovalSource
	interfaces.ApprovalSink
}

// Option overrides one of the adapters the engine drives. Adapters that are
// not overridden are built from the probe configuration.
type Option func(*adapters)

type adapters struct {
	deployer  interfaces.ComponentDeployer
	probe     interfaces.HealthProbe
	metrics   interfaces.MetricSource
	traffic   interfaces.TrafficSwitcher
	steps     interfaces.StepHandler
	integrity interfaces.IntegrityChecker
	clock     interfaces.Clock
}

// WithDeployer replaces the command deployer
func WithDeployer(d interfaces.ComponentDeployer) Option {
	return func(a *adapters) {
		a.deployer = d
	}
}

// WithProbe replaces the HTTP and command health probes
func WithProbe(p interfaces.HealthProbe) Option {
	return func(a *adapters) {
		a.probe = p
	}
}

// WithMetricSource replaces the HTTP metric source
func WithMetricSource(m interfaces.MetricSource) Option {
	return func(a *adapters) {
		a.metrics = m
	}
}

// WithTrafficSwitcher replaces the traffic command
func WithTrafficSwitcher(t interfaces.TrafficSwitcher) Option {
	return func(a *adapters) {
		a.traffic = t
	}
}

// WithStepHandler replaces the handler for run_command, restore_backup and
// switch_traffic rollback steps
func WithStepHandler(h interfaces.StepHandler) Option {
	return func(a *adapters) {
		a.steps = h
	}
}

// WithIntegrityChecker sets the data integrity check run after rollbacks
func WithIntegrityChecker(c interfaces.IntegrityChecker) Option {
	return func(a *adapters) {
		a.integrity = c
	}
}

// WithClock sets the clock shared by every engine component
func WithClock(c interfaces.Clock) Option {
	return func(a *adapters) {
		a.clock = c
	}
}

func buildAdapters(cfg *config.ServerConfig, opts []Option) (*adapters, error) {
	a := &adapters{}
	for _, opt := range opts {
		opt(a)
	}

	runner := probe.NewRunner()
	commands := probe.NewCommandDeployer(runner)
	if a.deployer == nil {
		a.deployer = commands
	}
	if a.steps == nil {
		a.steps = commands.StepHandler()
	}
	if a.probe == nil {
		httpProbe := probe.NewHTTPProbe()
		a.probe = probe.NewRouter(httpProbe).
			Register("http", httpProbe).
			Register("command", probe.NewCommandProbe(runner))
	}
	if a.metrics == nil && cfg.Probe.MetricsURL != "" {
		source, err := probe.NewHTTPMetricSource(cfg.Probe.MetricsURL, cfg.Probe.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric source: %w", err)
		}
		a.metrics = source
	}
	if a.traffic == nil && cfg.Probe.TrafficCommand != "" {
		a.traffic = probe.NewCommandTrafficSwitcher(runner, cfg.Probe.TrafficCommand)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	return a, nil
}

// Engine is the rollout engine assembled from configuration
type Engine struct {
	Resolver     *dependency.ProductionDependencyResolver
	Assessor     *risk.Assessor
	Selector     *strategy.Selector
	Watcher      *monitor.Watcher
	Orchestrator *orchestrator.Orchestrator
	Events       *events.EventBus
}

// NewEngine builds the engine. history counts past executions of a plan in
// an environment and only raises the confidence of risk assessments; it never
// changes a risk score. approvals serves manual gates and may be nil when no
// plan uses them.
func NewEngine(cfg *config.ServerConfig, history interfaces.HistoryProvider, approvals ApprovalGate, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	a, err := buildAdapters(cfg, opts)
	if err != nil {
		return nil, err
	}

	resolver := dependency.NewProductionDependencyResolver()
	assessorOpts := []risk.Option{
		risk.WithPolicy(cfg.Engine.Risk),
		risk.WithResolver(resolver),
		risk.WithClock(a.clock),
	}
	if history != nil {
		assessorOpts = append(assessorOpts, risk.WithHistory(history))
	}
	assessor, err := risk.NewAssessor(assessorOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk assessor: %w", err)
	}
	selector := strategy.NewSelector(strategy.WithConfig(cfg.Engine.Strategy), strategy.WithResolver(resolver))

	phaseOpts := []phase.Option{
		phase.WithRetryPolicy(cfg.Engine.HealthChecks),
		phase.WithClock(a.clock),
	}
	if a.metrics != nil {
		phaseOpts = append(phaseOpts, phase.WithMetricSource(a.metrics))
	}
	if a.traffic != nil {
		phaseOpts = append(phaseOpts, phase.WithTrafficSwitcher(a.traffic))
	}
	if approvals != nil {
		phaseOpts = append(phaseOpts, phase.WithApprovalSource(approvals))
	}
	executor := phase.NewExecutor(a.deployer, a.probe, phaseOpts...)

	metricSource := a.metrics
	if metricSource == nil {
		logger.Warn("No metrics URL configured; rollback triggers will not fire")
		metricSource = unconfiguredMetrics{}
	}
	watcher := monitor.NewWatcher(metricSource, monitor.WithClock(a.clock))

	rollbackOpts := []rollback.Option{
		rollback.WithStepPolicy(cfg.Engine.Rollback),
		rollback.WithCheckPolicy(cfg.Engine.RollbackChecks),
		rollback.WithClock(a.clock),
		rollback.WithStepHandler(interfaces.ActionRunCommand, a.steps),
		rollback.WithStepHandler(interfaces.ActionRestoreBackup, a.steps),
		rollback.WithStepHandler(interfaces.ActionSwitchTraffic, a.steps),
	}
	if a.integrity != nil {
		rollbackOpts = append(rollbackOpts, rollback.WithIntegrityChecker(a.integrity))
	}
	engine := rollback.NewEngine(a.deployer, a.probe, rollbackOpts...)

	bus := events.NewEventBus()
	orchCfg := orchestrator.Config{
		Assessor:           assessor,
		Selector:           selector,
		Resolver:           resolver,
		Executor:           executor,
		Monitor:            watcher,
		Rollback:           engine,
		Events:             bus,
		Clock:              a.clock,
		ExecutionTimeout:   cfg.Engine.ExecutionTimeout,
		RetainedExecutions: cfg.Engine.RetainedExecutions,
	}
	if approvals != nil {
		orchCfg.Approvals = approvals
	}
	orch, err := orchestrator.New(orchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	events.ConnectAuditLog(bus)

	return &Engine{
		Resolver:     resolver,
		Assessor:     assessor,
		Selector:     selector,
		Watcher:      watcher,
		Orchestrator: orch,
		Events:       bus,
	}, nil
}

// Run executes a submission to completion on the engine's orchestrator. It is
// the runner handed to both worker pools.
func (e *Engine) Run(ctx context.Context, s *interfaces.Submission) error {
	if err := e.Orchestrator.SubmitWithID(ctx, s.ID, s.Plan, s.Environment); err != nil {
		return err
	}
	final, err := e.Orchestrator.Wait(ctx, s.ID)
	if err != nil {
		return err
	}
	logger.Info("execution=%s finished as %s", s.ID, final.Status)
	return nil
}

// unconfiguredMetrics fails every sample, which leaves triggers unbreached
type unconfiguredMetrics struct{}

func (unconfiguredMetrics) Sample(_ context.Context, metric string) (interfaces.MetricSample, error) {
	return interfaces.MetricSample{}, fmt.Errorf("no metric source configured for %s", metric)
}
