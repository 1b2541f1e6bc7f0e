package phase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lattiam/rollout/internal/interfaces"
	"github.com/lattiam/rollout/pkg/logging"
)

// RetryPolicy bounds health check attempts
type RetryPolicy struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout"`
	DeployTimeout   time.Duration `mapstructure:"deploy_timeout"`
}

// DefaultRetryPolicy returns the production retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		CheckTimeout:    10 * time.Second,
		DeployTimeout:   10 * time.Minute,
	}
}

func (p RetryPolicy) attempts(spec interfaces.HealthCheckSpec) int {
	if spec.Attempts > 0 {
		return spec.Attempts
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 1
}

func (p RetryPolicy) timeout(spec interfaces.HealthCheckSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return p.CheckTimeout
}

// newBackOff builds a deterministic exponential backoff limited to attempts-1 retries
func (p RetryPolicy) newBackOff(attempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

var errCheckFailed = errors.New("health check failed")

// runCheck executes one health check with retries. Probe errors and timeouts
// are failed attempts recorded in the result. The returned duration is the
// time between the first failed attempt and the final outcome.
func runCheck(ctx context.Context, probe interfaces.HealthProbe, policy RetryPolicy, clk interfaces.Clock,
	target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec,
) (interfaces.HealthCheckResult, time.Duration) {
	result := interfaces.HealthCheckResult{
		Component: target.Component,
		Check:     spec.Name,
		Mandatory: spec.Mandatory(),
	}
	timeout := policy.timeout(spec)
	var firstFailure time.Time

	op := func() error {
		result.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		started := clk.Now()
		res, err := probe.Check(attemptCtx, target, spec)
		result.Latency = res.Latency
		if result.Latency == 0 {
			result.Latency = clk.Now().Sub(started)
		}
		result.TimedOut = errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)

		switch {
		case err != nil:
			result.Detail = err.Error()
			if result.TimedOut {
				result.Detail = fmt.Sprintf("timed out after %s", timeout)
			}
		case !res.Passed:
			result.Detail = res.Detail
			err = errCheckFailed
		default:
			result.Detail = res.Detail
			result.TimedOut = false
		}

		if err != nil && firstFailure.IsZero() {
			firstFailure = clk.Now()
		}
		logging.HealthCheckAttempt(target.Component, spec.Name, result.Attempts, err == nil, result.Detail)
		return err
	}

	err := backoff.Retry(op, policy.newBackOff(policy.attempts(spec)))
	result.Passed = err == nil
	result.CheckedAt = clk.Now()

	var unhealthy time.Duration
	if !firstFailure.IsZero() {
		unhealthy = result.CheckedAt.Sub(firstFailure)
	}
	return result, unhealthy
}

// VerifyComponent runs the health checks of comp against artifact in declared
// order and stops at the first failing mandatory check. With mandatoryOnly set,
// optional checks are skipped. The returned duration sums the unready time of
// mandatory checks.
func VerifyComponent(ctx context.Context, probe interfaces.HealthProbe, policy RetryPolicy, clk interfaces.Clock,
	comp *interfaces.Component, artifact string, mandatoryOnly bool,
) ([]interfaces.HealthCheckResult, bool, time.Duration) {
	target := interfaces.ProbeTarget{Component: comp.Name, Artifact: artifact, Configuration: comp.Configuration}
	results := make([]interfaces.HealthCheckResult, 0, len(comp.HealthChecks))
	var unready time.Duration

	for _, spec := range comp.HealthChecks {
		if mandatoryOnly && !spec.Mandatory() {
			continue
		}
		res, down := runCheck(ctx, probe, policy, clk, target, spec)
		results = append(results, res)
		if !spec.Mandatory() {
			continue
		}
		unready += down
		if !res.Passed {
			return results, false, unready
		}
	}
	return results, true, unready
}

// FirstFailure returns the first failed mandatory result
func FirstFailure(results []interfaces.HealthCheckResult) (interfaces.HealthCheckResult, bool) {
	for _, r := range results {
		if r.Mandatory && !r.Passed {
			return r, true
		}
	}
	return interfaces.HealthCheckResult{}, false
}

// checkIssue converts a failed check into an issue
func checkIssue(phase string, r interfaces.HealthCheckResult, at time.Time) interfaces.Issue {
	kind := interfaces.KindHealthCheckFailed
	if r.TimedOut {
		kind = interfaces.KindHealthCheckTimeout
	}
	return interfaces.Issue{
		Kind:       kind,
		Message:    fmt.Sprintf("mandatory health check %q of %s failed after %d attempts", r.Check, r.Component, r.Attempts),
		Phase:      phase,
		Component:  r.Component,
		Evidence:   r.Detail,
		RecordedAt: at,
	}
}
