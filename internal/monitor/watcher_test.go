package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/clock"
	"github.com/lattiam/rollout/internal/interfaces"
)

var (
	t0       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	interval = 10 * time.Second
)

type sample struct {
	value float64
	err   error
}

// stepSource returns one scripted sample per call and signals each call on sampled
type stepSource struct {
	mu      sync.Mutex
	steps   []sample
	calls   int
	sampled chan struct{}
}

func newStepSource(steps ...sample) *stepSource {
	return &stepSource{steps: steps, sampled: make(chan struct{}, 128)}
}

func (s *stepSource) Sample(_ context.Context, metric string) (interfaces.MetricSample, error) {
	s.mu.Lock()
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[i]
	s.mu.Unlock()

	defer func() { s.sampled <- struct{}{} }()
	if step.err != nil {
		return interfaces.MetricSample{}, step.err
	}
	return interfaces.MetricSample{Name: metric, Value: step.value}, nil
}

type fakeView struct {
	mu     sync.Mutex
	status interfaces.ExecutionStatus
}

func (v *fakeView) ExecutionID() string { return "exec-1" }

func (v *fakeView) Status() interfaces.ExecutionStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *fakeView) set(s interfaces.ExecutionStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status = s
}

func breaches(values ...float64) []sample {
	out := make([]sample, len(values))
	for i, v := range values {
		out[i] = sample{value: v}
	}
	return out
}

var errorRate = interfaces.RollbackTrigger{
	Name: "errors", Metric: "error_rate", Comparison: interfaces.GreaterThan, Threshold: 0.05, Action: interfaces.ActionAutomatic,
}

type harness struct {
	t      *testing.T
	clk    *clock.Manual
	source *stepSource
	view   *fakeView
	events <-chan interfaces.TriggerEvaluation
	cancel context.CancelFunc
}

func newHarness(t *testing.T, source *stepSource, triggers ...interfaces.RollbackTrigger) *harness {
	t.Helper()
	clk := clock.NewManual(t0)
	view := &fakeView{status: interfaces.StatusInProgress}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	w := NewWatcher(source, WithClock(clk))
	events := w.Watch(ctx, view, interfaces.MonitoringConfig{Interval: interval, ConsecutiveBreaches: 3}, triggers)
	require.True(t, clk.WaitForTicker(time.Second))

	return &harness{t: t, clk: clk, source: source, view: view, events: events, cancel: cancel}
}

// step delivers one tick and waits for its sample to be taken
func (h *harness) step(n int) {
	h.t.Helper()
	for i := 0; i < n; i++ {
		require.Equal(h.t, 1, h.clk.Tick(time.Second))
		select {
		case <-h.source.sampled:
		case <-time.After(time.Second):
			h.t.Fatal("tick was not sampled")
		}
	}
}

// collect stops the watch and returns every event delivered
func (h *harness) collect() []interfaces.TriggerEvaluation {
	h.t.Helper()
	// the next tick is only accepted once the previous evaluation was emitted
	h.step(1)
	h.cancel()

	var out []interfaces.TriggerEvaluation
	for ev := range h.events {
		out = append(out, ev)
	}
	return out
}

func atTick(n int) time.Time {
	return t0.Add(time.Duration(n) * interval)
}

func TestWatchFiresAfterConsecutiveBreaches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newStepSource(breaches(0.1, 0.2, 0.3, 0.01)...), errorRate)
	h.step(3)
	events := h.collect()

	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Equal(t, errorRate, ev.Trigger)
	assert.Equal(t, 3, ev.ConsecutiveBreaches)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, ev.Samples)
	assert.InDelta(t, 0.3, ev.Value, 1e-9)
	assert.Equal(t, atTick(3), ev.EvaluatedAt)
	assert.Equal(t, interfaces.StatusInProgress, ev.Status)
}

func TestWatchNonBreachResetsCounter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newStepSource(breaches(0.1, 0.1, 0.01, 0.1, 0.1, 0.1, 0.01)...), errorRate)
	h.step(6)
	events := h.collect()

	require.Len(t, events, 1)
	assert.Equal(t, atTick(6), events[0].EvaluatedAt)
}

func TestWatchSampleErrorLeavesCounterUnchanged(t *testing.T) {
	t.Parallel()

	source := newStepSource(
		sample{value: 0.1},
		sample{value: 0.1},
		sample{err: errors.New("prometheus unavailable")},
		sample{err: errors.New("prometheus unavailable")},
		sample{value: 0.1},
		sample{value: 0.01},
	)
	h := newHarness(t, source, errorRate)
	h.step(5)
	events := h.collect()

	require.Len(t, events, 1)
	assert.Equal(t, atTick(5), events[0].EvaluatedAt)
	assert.Equal(t, 3, events[0].ConsecutiveBreaches)
}

func TestWatchStaysSilentUntilStatusChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newStepSource(breaches(0.1)...), errorRate)
	h.step(5)
	h.view.set(interfaces.StatusPaused)
	h.step(3)
	events := h.collect()

	require.Len(t, events, 2)
	assert.Equal(t, atTick(3), events[0].EvaluatedAt)
	assert.Equal(t, interfaces.StatusInProgress, events[0].Status)
	assert.Equal(t, atTick(8), events[1].EvaluatedAt)
	assert.Equal(t, interfaces.StatusPaused, events[1].Status)
}

func TestWatchLessThanComparison(t *testing.T) {
	t.Parallel()

	availability := interfaces.RollbackTrigger{
		Name: "availability", Metric: "availability", Comparison: interfaces.LessThan, Threshold: 0.99, Action: interfaces.ActionAutomatic,
	}
	h := newHarness(t, newStepSource(breaches(0.995, 0.98, 0.97, 0.96, 0.999)...), availability)
	h.step(4)
	events := h.collect()

	require.Len(t, events, 1)
	assert.Equal(t, atTick(4), events[0].EvaluatedAt)
}

func TestWatchClosesOnCancel(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(t0)
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWatcher(newStepSource(breaches(0)...), WithClock(clk))
	events := w.Watch(ctx, &fakeView{status: interfaces.StatusInProgress},
		interfaces.MonitoringConfig{Interval: interval}, []interfaces.RollbackTrigger{errorRate})

	require.True(t, clk.WaitForTicker(time.Second))
	require.Eventually(t, func() bool { return w.GetStats().ActiveWatches == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	require.Eventually(t, func() bool { return w.GetStats().ActiveWatches == 0 }, time.Second, 5*time.Millisecond)
}

func TestWatchWithoutTriggers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	events := NewWatcher(newStepSource(breaches(0)...)).Watch(ctx, &fakeView{}, interfaces.MonitoringConfig{Interval: interval}, nil)
	cancel()

	_, ok := <-events
	assert.False(t, ok)
}
