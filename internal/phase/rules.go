package phase

import (
	"context"
	"fmt"

	"github.com/lattiam/rollout/internal/interfaces"
)

// runRules evaluates the phase's validation rules in order, stopping at the
// first failure. It reports whether ctx was cancelled during a rule.
func (r *run) runRules(ctx context.Context) bool {
	for _, rule := range r.req.Phase.ValidationRules {
		if ctx.Err() != nil {
			return true
		}

		var res interfaces.RuleResult
		cancelled := false
		switch rule.Type {
		case interfaces.RuleHealthChecks:
			res = r.recheckAll()
		case interfaces.RuleMetricThreshold:
			res, cancelled = r.checkMetric(ctx, rule)
		case interfaces.RuleTrafficSwitch:
			res = r.switchTraffic(ctx)
		case interfaces.RuleSoak:
			res, cancelled = r.soak(ctx, rule)
		default:
			res = interfaces.RuleResult{Type: rule.Type, Detail: fmt.Sprintf("unknown rule type %q", rule.Type)}
		}

		r.mu.Lock()
		r.record.Rules = append(r.record.Rules, res)
		r.mu.Unlock()

		if cancelled {
			return true
		}
		if !res.Passed {
			r.e.logger.Warn("execution=%s phase=%s rule %s failed: %s", r.req.ExecutionID, r.req.Phase.Name, rule.Type, res.Detail)
			r.failed = true
			return false
		}
	}
	return false
}

// recheckAll re-runs the health checks of every plan component against its
// new artifact. Unready time is not counted: components are already live.
func (r *run) recheckAll() interfaces.RuleResult {
	res := interfaces.RuleResult{Type: interfaces.RuleHealthChecks, Passed: true}
	for i := range r.req.Plan.Components {
		comp := &r.req.Plan.Components[i]
		results, healthy := r.e.checkComponent(r.detached, comp, comp.Artifact, &r.mu, nil)
		res.HealthChecks = append(res.HealthChecks, results...)
		if healthy {
			continue
		}
		res.Passed = false
		if hc, ok := FirstFailure(results); ok {
			res.Detail = fmt.Sprintf("%s/%s: %s", hc.Component, hc.Check, hc.Detail)
			r.addIssue(checkIssue(r.req.Phase.Name, hc, r.e.clock.Now()))
		}
		break
	}
	if res.Passed {
		res.Detail = fmt.Sprintf("%d checks passed", len(res.HealthChecks))
	}
	return res
}

// checkMetric samples rule.Metric until one sample is within bounds or
// rule.Breaches() consecutive samples breach. A sample error resets the streak
// like it does in the Monitor; the rule gives up after twice the breach budget
// of samples without a verdict.
func (r *run) checkMetric(ctx context.Context, rule interfaces.ValidationRule) (interfaces.RuleResult, bool) {
	res := interfaces.RuleResult{Type: interfaces.RuleMetricThreshold}
	if r.e.metrics == nil {
		res.Passed = true
		res.Detail = "no metric source configured"
		return res, false
	}

	need := rule.Breaches()
	streak := 0
	var lastErr error
	for attempt := 0; attempt < 2*need; attempt++ {
		if attempt > 0 {
			select {
			case <-r.e.clock.After(rule.Interval):
			case <-ctx.Done():
				res.Detail = "metric check interrupted"
				return res, true
			}
		}

		sample, err := r.e.metrics.Sample(ctx, rule.Metric)
		if err != nil {
			if ctx.Err() != nil {
				res.Detail = "metric check interrupted"
				return res, true
			}
			lastErr = err
			streak = 0
			continue
		}

		if !rule.Comparison.Breached(sample.Value, rule.Threshold) {
			res.Passed = true
			res.Detail = fmt.Sprintf("%s=%g", rule.Metric, sample.Value)
			return res, false
		}

		streak++
		res.Detail = fmt.Sprintf("%s=%g breaches %s %g for %d consecutive samples",
			rule.Metric, sample.Value, rule.Comparison.Symbol(), rule.Threshold, streak)
		if streak >= need {
			r.addIssue(interfaces.Issue{
				Kind:     interfaces.KindPhaseFailure,
				Message:  fmt.Sprintf("metric %s out of bounds", rule.Metric),
				Phase:    r.req.Phase.Name,
				Evidence: res.Detail,
			})
			return res, false
		}
	}

	// only sample errors can exhaust the budget without a verdict
	res.Detail = fmt.Sprintf("sampling %s: %v", rule.Metric, lastErr)
	r.addIssue(interfaces.Issue{
		Kind:     interfaces.KindPhaseFailure,
		Message:  fmt.Sprintf("metric %s could not be sampled", rule.Metric),
		Phase:    r.req.Phase.Name,
		Evidence: fmt.Sprint(lastErr),
	})
	return res, false
}

func (r *run) switchTraffic(ctx context.Context) interfaces.RuleResult {
	res := interfaces.RuleResult{Type: interfaces.RuleTrafficSwitch}
	if r.e.traffic == nil {
		res.Passed = true
		res.Detail = "no traffic switcher configured"
		return res
	}
	if err := r.e.traffic.Switch(ctx, r.req.ExecutionID, r.req.Phase.Components); err != nil {
		res.Detail = err.Error()
		r.addIssue(interfaces.Issue{
			Kind:     interfaces.KindPhaseFailure,
			Message:  "traffic switch failed",
			Phase:    r.req.Phase.Name,
			Evidence: err.Error(),
		})
		return res
	}
	res.Passed = true
	res.Detail = fmt.Sprintf("traffic switched to %d components", len(r.req.Phase.Components))
	return res
}

func (r *run) soak(ctx context.Context, rule interfaces.ValidationRule) (interfaces.RuleResult, bool) {
	res := interfaces.RuleResult{Type: interfaces.RuleSoak}
	if rule.Duration <= 0 {
		res.Passed = true
		return res, false
	}
	select {
	case <-r.e.clock.After(rule.Duration):
		res.Passed = true
		res.Detail = fmt.Sprintf("soaked for %s", rule.Duration)
		return res, false
	case <-ctx.Done():
		res.Detail = "soak interrupted"
		return res, true
	}
}
