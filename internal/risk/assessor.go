package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/dependency"
	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// Assessor computes risk assessments using a versioned Policy
type Assessor struct {
	policy   Policy
	resolver interfaces.DependencyResolver
	history  interfaces.HistoryProvider
	clock    interfaces.Clock
	logger   *logging.Logger
}

// Option is a functional option for configuring an Assessor
type Option func(*Assessor)

// WithPolicy replaces the default scoring policy
func WithPolicy(p Policy) Option {
	return func(a *Assessor) {
		a.policy = p
	}
}

// WithHistory sets the source of historical execution counts
func WithHistory(h interfaces.HistoryProvider) Option {
	return func(a *Assessor) {
		a.history = h
	}
}

// WithResolver sets a custom dependency resolver
func WithResolver(r interfaces.DependencyResolver) Option {
	return func(a *Assessor) {
		a.resolver = r
	}
}

// WithClock sets the clock used to stamp assessments
func WithClock(c interfaces.Clock) Option {
	return func(a *Assessor) {
		a.clock = c
	}
}

// NewAssessor creates an assessor with policy v1 unless overridden
func NewAssessor(opts ...Option) (*Assessor, error) {
	a := &Assessor{
		policy:   PolicyV1(),
		resolver: dependency.NewProductionDependencyResolver(),
		clock:    clock.New(),
		logger:   logging.Risk,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := a.policy.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Policy returns the active policy
func (a *Assessor) Policy() Policy {
	return a.policy
}

// Assess scores plan in env. Invalid or cyclic plans fail with a validation
// error and plans whose peak demand exceeds free capacity with a capacity error.
func (a *Assessor) Assess(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) (*interfaces.RiskAssessment, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	graph, err := a.resolver.Resolve(plan)
	if err != nil {
		return nil, err
	}
	if err := env.CheckCapacity(plan); err != nil {
		return nil, err
	}

	p := a.policy
	peak, free := plan.PeakDemand(), env.Capacity.Free()
	headroom, ratio := p.headroomScore(peak, free)

	factors := []interfaces.RiskFactor{
		a.factor(interfaces.FactorComponentCount, p.componentScore(len(plan.Components)), p.Weights.ComponentCount,
			fmt.Sprintf("%d components", len(plan.Components))),
		a.factor(interfaces.FactorDependencyDepth, p.depthScore(graph.Depth), p.Weights.DependencyDepth,
			fmt.Sprintf("longest dependency chain has %d components", graph.Depth)),
		a.factor(interfaces.FactorHeadroom, headroom, p.Weights.Headroom, headroomDetail(ratio)),
		a.factor(interfaces.FactorCriticality, p.criticalityScore(plan), p.Weights.Criticality,
			criticalityDetail(plan)),
	}

	score := 0.0
	for _, f := range factors {
		score += f.Probability * f.Weight
	}
	score /= p.Weights.Total()
	score = math.Round(score*1e6) / 1e6

	level := p.Thresholds.Level(score)
	if hint := plan.Metadata.RiskHint; hint.Valid() {
		level = interfaces.MaxRiskLevel(level, hint)
	}

	assessment := &interfaces.RiskAssessment{
		Level:         level,
		Score:         score,
		Factors:       factors,
		Confidence:    p.confidence(a.historyCount(ctx, plan, env)),
		PolicyVersion: p.Version,
		AssessedAt:    a.clock.Now(),
	}

	a.logger.Info("plan=%s environment=%s risk=%s score=%.3f confidence=%.2f",
		plan.DisplayName(), env.Name, level, score, assessment.Confidence)

	return assessment, nil
}

func (a *Assessor) historyCount(ctx context.Context, plan *interfaces.DeploymentPlan, env *interfaces.Environment) int {
	if a.history == nil {
		return 0
	}
	n, err := a.history.CountExecutions(ctx, plan.Key(), env.Name)
	if err != nil {
		a.logger.Warn("history lookup for plan=%s environment=%s failed: %v", plan.Key(), env.Name, err)
		return 0
	}
	return n
}

func (a *Assessor) factor(category string, score, weight float64, detail string) interfaces.RiskFactor {
	return interfaces.RiskFactor{
		Category:    category,
		Severity:    a.policy.Thresholds.Level(score),
		Probability: score,
		Impact:      weight / a.policy.Weights.Total(),
		Weight:      weight,
		Detail:      detail,
	}
}

func headroomDetail(ratio float64) string {
	if math.IsInf(ratio, 1) {
		return "plan declares no resource demand"
	}
	return fmt.Sprintf("free capacity covers %.2fx peak demand", ratio)
}

func criticalityDetail(plan *interfaces.DeploymentPlan) string {
	if plan.IsCritical() {
		return "plan contains critical components"
	}
	if plan.Metadata.BusinessImpact != "" {
		return fmt.Sprintf("business impact %s", plan.Metadata.BusinessImpact)
	}
	return "no criticality declared"
}
