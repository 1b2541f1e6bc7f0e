package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lattiam/rollout/internal/interfaces"
)

// FakeDeployer records deploy and revert calls and fails on demand
type FakeDeployer struct {
	mu          sync.Mutex
	Deploys     *CallTracker[ComponentCall]
	Reverts     *CallTracker[ComponentCall]
	deployErr   map[string]error
	revertErr   map[string]error
	revertFails map[string]int
	delay       time.Duration
}

// NewFakeDeployer creates a deployer that succeeds for every component
func NewFakeDeployer() *FakeDeployer {
	return &FakeDeployer{
		Deploys:     NewCallTracker[ComponentCall](),
		Reverts:     NewCallTracker[ComponentCall](),
		deployErr:   make(map[string]error),
		revertErr:   make(map[string]error),
		revertFails: make(map[string]int),
	}
}

// FailDeploy makes every deploy of component return err
func (f *FakeDeployer) FailDeploy(component string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployErr[component] = err
}

// FailRevert makes every revert of component return err
func (f *FakeDeployer) FailRevert(component string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertErr[component] = err
}

// FailRevertTimes makes the first n reverts of component fail
func (f *FakeDeployer) FailRevertTimes(component string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revertFails[component] = n
}

// SetDelay makes each deploy block for d or until ctx ends
func (f *FakeDeployer) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

// Deploy implements interfaces.ComponentDeployer
func (f *FakeDeployer) Deploy(ctx context.Context, req interfaces.DeployRequest) error {
	f.mu.Lock()
	err := f.deployErr[req.Component.Name]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	f.Deploys.RecordCall(NewComponentCall("Deploy", req.ExecutionID, req.Component.Name, req.Component.Artifact, err))
	return err
}

// Revert implements interfaces.ComponentDeployer
func (f *FakeDeployer) Revert(_ context.Context, req interfaces.RevertRequest) error {
	f.mu.Lock()
	err := f.revertErr[req.Component.Name]
	if err == nil && f.revertFails[req.Component.Name] > 0 {
		f.revertFails[req.Component.Name]--
		err = fmt.Errorf("transient revert failure for %s", req.Component.Name)
	}
	f.mu.Unlock()

	f.Reverts.RecordCall(NewComponentCall("Revert", req.ExecutionID, req.Component.Name, req.Artifact, err))
	return err
}

// ScriptedProbe answers health checks from a per-component script. Components
// without a script pass.
type ScriptedProbe struct {
	mu      sync.Mutex
	results map[string][]bool
	calls   map[string]int
	failing map[string]bool
	Checks  *CallTracker[ComponentCall]
}

// NewScriptedProbe creates a probe where every check passes
func NewScriptedProbe() *ScriptedProbe {
	return &ScriptedProbe{
		results: make(map[string][]bool),
		calls:   make(map[string]int),
		failing: make(map[string]bool),
		Checks:  NewCallTracker[ComponentCall](),
	}
}

// Script sets the sequence of outcomes for a component; the last entry repeats
func (p *ScriptedProbe) Script(component string, outcomes ...bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[component] = outcomes
}

// AlwaysFail makes every check of component fail
func (p *ScriptedProbe) AlwaysFail(component string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[component] = true
}

// Check implements interfaces.HealthProbe
func (p *ScriptedProbe) Check(_ context.Context, target interfaces.ProbeTarget, spec interfaces.HealthCheckSpec) (interfaces.ProbeResult, error) {
	p.mu.Lock()
	passed := true
	if p.failing[target.Component] {
		passed = false
	} else if script := p.results[target.Component]; len(script) > 0 {
		i := p.calls[target.Component]
		if i >= len(script) {
			i = len(script) - 1
		}
		passed = script[i]
	}
	p.calls[target.Component]++
	p.mu.Unlock()

	p.Checks.RecordCall(NewComponentCall("Check", "", target.Component, target.Artifact, nil))
	detail := "ok"
	if !passed {
		detail = fmt.Sprintf("%s check %s failed", target.Component, spec.Name)
	}
	return interfaces.ProbeResult{Passed: passed, Latency: time.Millisecond, Detail: detail}, nil
}

// ScriptedMetrics serves metric values from per-metric sequences. The last
// value of a sequence repeats; unknown metrics read as zero.
type ScriptedMetrics struct {
	mu     sync.Mutex
	values map[string][]float64
	errs   map[string]error
	pos    map[string]int
}

// NewScriptedMetrics creates an empty metric script
func NewScriptedMetrics() *ScriptedMetrics {
	return &ScriptedMetrics{
		values: make(map[string][]float64),
		errs:   make(map[string]error),
		pos:    make(map[string]int),
	}
}

// Script sets the sequence of values for metric
func (s *ScriptedMetrics) Script(metric string, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[metric] = values
	s.pos[metric] = 0
}

// Set replaces the current value of metric
func (s *ScriptedMetrics) Set(metric string, value float64) {
	s.Script(metric, value)
}

// FailWith makes samples of metric return err until cleared with nil
func (s *ScriptedMetrics) FailWith(metric string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, metric)
		return
	}
	s.errs[metric] = err
}

// Sample implements interfaces.MetricSource
func (s *ScriptedMetrics) Sample(_ context.Context, metric string) (interfaces.MetricSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.errs[metric]; err != nil {
		return interfaces.MetricSample{}, err
	}
	seq := s.values[metric]
	value := 0.0
	if len(seq) > 0 {
		i := s.pos[metric]
		if i >= len(seq) {
			i = len(seq) - 1
		}
		value = seq[i]
		s.pos[metric] = i + 1
	}
	return interfaces.MetricSample{Name: metric, Value: value, Timestamp: time.Now()}, nil
}
